package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/paywatcher/internal/core/config"
	"github.com/vietddude/paywatcher/internal/core/cursor"
	"github.com/vietddude/paywatcher/internal/indexing/confirmation"
	"github.com/vietddude/paywatcher/internal/indexing/health"
	"github.com/vietddude/paywatcher/internal/indexing/matcher"
	"github.com/vietddude/paywatcher/internal/indexing/scanner"
	"github.com/vietddude/paywatcher/internal/indexing/window"
	"github.com/vietddude/paywatcher/internal/infra/chain"
	"github.com/vietddude/paywatcher/internal/infra/chain/evm"
	"github.com/vietddude/paywatcher/internal/infra/chain/explorer"
	redisclient "github.com/vietddude/paywatcher/internal/infra/redis"
	"github.com/vietddude/paywatcher/internal/infra/rpc/provider"
)

// Reader is a chain reader with transport health and cleanup.
type Reader interface {
	chain.Reader
	Health() provider.HealthStatus
	Close() error
}

// Watcher is the main application struct that manages the scanner lifecycle.
type Watcher struct {
	cfg          *config.AppConfig
	storage      *Storage
	reader       Reader
	scanner      *scanner.Scanner
	healthMon    *health.Monitor
	healthServer *health.Server
	grpcServer   *health.GRPCServer
	redisClient  *redisclient.Client
	done         chan struct{}
	started      bool
	log          *slog.Logger
}

// NewReader builds the configured chain reader.
func NewReader(cfg config.ChainConfig) (Reader, error) {
	switch cfg.Reader {
	case config.ReaderExplorer:
		return explorer.NewClient(explorer.Config{
			APIURL:   cfg.APIURL,
			APIKey:   cfg.APIKey,
			ChainID:  cfg.ChainID,
			Timeout:  cfg.RequestTimeout,
			MaxPages: cfg.MaxPages,
		}), nil
	case config.ReaderEVM:
		return evm.NewReader(evm.Config{
			RPCURL:      cfg.RPCURL,
			Timeout:     cfg.RequestTimeout,
			RangeBlocks: cfg.RangeBlocks,
		}), nil
	}
	return nil, fmt.Errorf("unknown chain reader %q", cfg.Reader)
}

// NewWatcher creates a new Watcher instance with all dependencies initialized.
func NewWatcher(ctx context.Context, cfg *config.AppConfig) (*Watcher, error) {
	st, err := OpenStorage(ctx, cfg.Database, true)
	if err != nil {
		return nil, err
	}

	reader, err := NewReader(cfg.Chain)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	w := &Watcher{
		cfg:     cfg,
		storage: st,
		reader:  reader,
		done:    make(chan struct{}),
		log:     slog.Default().With("service", cfg.ServiceID),
	}

	deps := scanner.Deps{
		Reader:  reader,
		Intents: st.Intents,
		Cursors: cursor.NewManager(st.Cursors),
		Planner: window.NewPlanner(cfg.Scanner.WarmStartDepth, cfg.Scanner.MaxWindowBlocks),
		Matcher: matcher.New(reader, matcher.Config{
			ServiceID:     cfg.ServiceID,
			TokenContract: cfg.Chain.TokenContract,
			TokenDecimals: cfg.Chain.Decimals(),
			RecencyGrace:  cfg.Scanner.RecencyGrace,
			MaxTransfers:  cfg.Chain.MaxTransfers,
		}),
		Machine: confirmation.NewMachine(st.Intents, cfg.ServiceID, cfg.Scanner.DefaultConfirmations),
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis.Config)
		if err != nil {
			w.closeResources()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		w.redisClient = client
		lease := redisclient.NewLease(client, cfg.ServiceID, cfg.Redis.LeaseTTL)
		deps.Lease = lease
		w.log.Info("Scanner lease enabled", "owner", lease.Owner(), "ttl", cfg.Redis.LeaseTTL)
	}

	w.scanner = scanner.New(scanner.Config{
		ServiceID:    cfg.ServiceID,
		PollInterval: cfg.Scanner.PollInterval,
		Workers:      cfg.Scanner.Workers,
		MaxBackoff:   cfg.Scanner.MaxBackoff,
		CycleTimeout: cfg.Scanner.CycleTimeout,
	}, deps)

	var db health.DBPinger
	if st.DB != nil {
		db = st.DB
	}
	w.healthMon = health.NewMonitor(w.scanner, reader, db, health.DefaultThresholds(cfg.Scanner.PollInterval))
	w.healthServer = health.NewServer(w.healthMon, cfg.Server.Port)
	if cfg.Server.GRPCPort > 0 {
		w.grpcServer = health.NewGRPCServer(w.healthMon, cfg.Server.GRPCPort, "paywatcher")
	}

	return w, nil
}

// Storage exposes the repositories the scanner works on.
func (w *Watcher) Storage() *Storage { return w.storage }

// Status returns the scanner status.
func (w *Watcher) Status() scanner.Status { return w.scanner.GetStatus() }

// Start launches the servers and the scanner loop. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	go func() {
		if err := w.healthServer.Start(); err != nil {
			w.log.Error("Health server failed", "error", err)
		}
	}()

	if w.grpcServer != nil {
		go func() {
			if err := w.grpcServer.Start(ctx); err != nil {
				w.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	if w.storage.DB != nil {
		w.storage.DB.StartMetricsCollector(ctx)
	}

	w.log.Info("Starting scanner",
		"reader", w.reader.Name(),
		"token", w.cfg.Chain.TokenContract,
		"poll_interval", w.cfg.Scanner.PollInterval,
	)
	w.started = true
	go func() {
		defer close(w.done)
		if err := w.scanner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("Scanner stopped", "error", err)
		}
	}()

	return nil
}

// Stop stops the scanner, waits for the in-flight cycle and closes resources.
func (w *Watcher) Stop(ctx context.Context) error {
	w.log.Info("Stopping watcher...")

	_ = w.scanner.Stop()
	if w.started {
		select {
		case <-w.done:
		case <-ctx.Done():
			w.log.Warn("Scanner did not stop before shutdown deadline")
		}
	}

	if w.grpcServer != nil {
		w.grpcServer.Stop()
	}
	err := w.healthServer.Stop(ctx)
	w.closeResources()
	return err
}

func (w *Watcher) closeResources() {
	if w.reader != nil {
		if err := w.reader.Close(); err != nil {
			w.log.Warn("Failed to close chain reader", "error", err)
		}
	}
	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			w.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if err := w.storage.Close(); err != nil {
		w.log.Warn("Failed to close database", "error", err)
	}
}
