package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/paywatcher/internal/infra/storage"
	"github.com/vietddude/paywatcher/internal/infra/storage/memory"
	"github.com/vietddude/paywatcher/internal/infra/storage/postgres"
)

// ErrNoDatabase is returned by operator commands that need persistent storage.
var ErrNoDatabase = errors.New("database.url is not configured")

// Storage bundles the repositories a process works with.
type Storage struct {
	Intents storage.IntentRepository
	Cursors storage.CursorRepository
	// DB is nil in memory mode.
	DB *postgres.DB
}

// OpenStorage connects to PostgreSQL when cfg.URL is set and falls back to
// in-memory storage otherwise. Migrations run when migrate is true.
func OpenStorage(ctx context.Context, cfg postgres.Config, migrate bool) (*Storage, error) {
	if cfg.URL == "" {
		store := memory.NewMemoryStorage()
		slog.Info("Using memory storage")
		return &Storage{
			Intents: memory.NewIntentRepo(store),
			Cursors: memory.NewCursorRepo(store),
		}, nil
	}

	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if migrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	slog.Info("Using PostgreSQL storage")
	return &Storage{
		Intents: postgres.NewIntentRepo(db),
		Cursors: postgres.NewCursorRepo(db),
		DB:      db,
	}, nil
}

// OpenDatabase is OpenStorage for commands that must not run against memory.
func OpenDatabase(ctx context.Context, cfg postgres.Config) (*Storage, error) {
	if cfg.URL == "" {
		return nil, ErrNoDatabase
	}
	return OpenStorage(ctx, cfg, false)
}

// Close releases the database connection, if any.
func (s *Storage) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
