package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/infra/storage"
)

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	db *DB
}

// NewCursorRepo creates a new PostgreSQL cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

// Get retrieves a cursor by service ID.
func (r *CursorRepo) Get(ctx context.Context, serviceID string) (*domain.Cursor, bool, error) {
	var c domain.Cursor
	err := r.db.GetContext(ctx, &c,
		`SELECT service_id, last_processed_block, updated_at
		FROM scanner_cursors WHERE service_id = $1`, serviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &c, true, nil
}

// Save upserts the cursor; the conditional DO UPDATE keeps it from regressing.
func (r *CursorRepo) Save(ctx context.Context, serviceID string, blockNumber uint64) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO scanner_cursors (service_id, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (service_id) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block,
		    updated_at = EXCLUDED.updated_at
		WHERE scanner_cursors.last_processed_block <= EXCLUDED.last_processed_block`,
		serviceID, blockNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s to block %d", storage.ErrCursorRegression, serviceID, blockNumber)
	}
	return nil
}

// Reset overwrites the cursor regardless of its current value.
func (r *CursorRepo) Reset(ctx context.Context, serviceID string, blockNumber uint64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scanner_cursors (service_id, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (service_id) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block,
		    updated_at = EXCLUDED.updated_at`,
		serviceID, blockNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// List returns all cursors ordered by service ID.
func (r *CursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	var cursors []*domain.Cursor
	err := r.db.SelectContext(ctx, &cursors,
		`SELECT service_id, last_processed_block, updated_at
		FROM scanner_cursors ORDER BY service_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	return cursors, nil
}
