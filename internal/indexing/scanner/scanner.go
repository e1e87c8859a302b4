// Package scanner runs reconciliation cycles for one service id.
//
// A cycle reads the chain head, plans the block window from the cursor,
// loads open intents, matches each receiver group against the transfers in
// the window and applies the confirmation state machine. The cursor advances
// to the window end only when every group succeeded.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logger "log/slog"

	"github.com/vietddude/paywatcher/internal/core/cursor"
	"github.com/vietddude/paywatcher/internal/indexing/confirmation"
	"github.com/vietddude/paywatcher/internal/indexing/matcher"
	"github.com/vietddude/paywatcher/internal/indexing/window"
	"github.com/vietddude/paywatcher/internal/infra/chain"
	"github.com/vietddude/paywatcher/internal/infra/storage"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultWorkers      = 4
	DefaultMaxBackoff   = time.Minute
)

// Lease gates cycles when several processes share a service id.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config holds scanner configuration.
type Config struct {
	ServiceID    string
	PollInterval time.Duration
	// Workers bounds how many receiver groups are matched concurrently.
	Workers    int
	MaxBackoff time.Duration
	// CycleTimeout bounds one cycle including the lease check; a cycle that
	// runs out of time fails and is retried. Defaults to 10 poll intervals.
	CycleTimeout time.Duration
}

// Deps are the collaborators of a Scanner. Lease is optional.
type Deps struct {
	Reader  chain.Reader
	Intents storage.IntentRepository
	Cursors cursor.Manager
	Planner window.Planner
	Matcher *matcher.Matcher
	Machine *confirmation.Machine
	Lease   Lease
}

// Status is a point-in-time view of the scanner for health reporting.
type Status struct {
	ServiceID           string        `json:"service_id"`
	Running             bool          `json:"running"`
	Cursor              uint64        `json:"cursor"`
	HasCursor           bool          `json:"has_cursor"`
	Head                uint64        `json:"head"`
	Lag                 uint64        `json:"lag"`
	OpenIntents         int           `json:"open_intents"`
	LastWindow          string        `json:"last_window,omitempty"`
	LastCycleAt         time.Time     `json:"last_cycle_at"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LeaseHeld           bool          `json:"lease_held"`
	PollInterval        time.Duration `json:"poll_interval"`
}

// Scanner drives reconciliation cycles.
type Scanner struct {
	cfg  Config
	deps Deps
	log  logger.Logger

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	status Status
}

// New creates a scanner.
func New(cfg Config, deps Deps) *Scanner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 10 * cfg.PollInterval
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.PollInterval)
	}
	return &Scanner{
		cfg:  cfg,
		deps: deps,
		log:  *logger.Default().With("service", cfg.ServiceID),
		stop: make(chan struct{}),
		status: Status{
			ServiceID:    cfg.ServiceID,
			PollInterval: cfg.PollInterval,
		},
	}
}

// GetStatus returns the current status.
func (s *Scanner) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.Running = s.running.Load()
	return st
}

func (s *Scanner) recordCycle(report *CycleReport, err error, leaseHeld bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.status.LastCycleAt = now
	s.status.LeaseHeld = leaseHeld
	if report != nil {
		if report.Head > 0 {
			s.status.Head = report.Head
		}
		s.status.OpenIntents = report.Intents
		if !report.Idle && report.Window.To > 0 {
			s.status.LastWindow = report.Window.String()
		}
		if report.Advanced {
			s.status.Cursor = report.Window.To
			s.status.HasCursor = true
		} else if report.HasCursor {
			s.status.Cursor = report.Cursor
			s.status.HasCursor = true
		}
	}
	if s.status.HasCursor && s.status.Head > s.status.Cursor {
		s.status.Lag = s.status.Head - s.status.Cursor
	} else {
		s.status.Lag = 0
	}

	if err != nil {
		s.status.ConsecutiveFailures++
		s.status.LastError = err.Error()
		return
	}
	s.status.ConsecutiveFailures = 0
	s.status.LastError = ""
	s.status.LastSuccessAt = now
}
