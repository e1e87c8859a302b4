package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/paywatcher/internal/indexing/scanner"
	"github.com/vietddude/paywatcher/internal/infra/rpc/provider"
)

// StatusSource reports scanner progress.
type StatusSource interface {
	GetStatus() scanner.Status
}

// ReaderHealth is implemented by chain readers that expose transport health.
type ReaderHealth interface {
	Health() provider.HealthStatus
}

// DBPinger checks database connectivity.
type DBPinger interface {
	Health(ctx context.Context) error
}

// Thresholds decide when a service is degraded or critical.
type Thresholds struct {
	DegradedFailures int
	CriticalFailures int
	// StaleAfter is how long a service may go without a successful cycle.
	StaleAfter time.Duration
}

// DefaultThresholds derives thresholds from the poll interval.
func DefaultThresholds(pollInterval time.Duration) Thresholds {
	return Thresholds{
		DegradedFailures: 3,
		CriticalFailures: 10,
		StaleAfter:       20 * pollInterval,
	}
}

// Monitor aggregates health status from the scanner, the chain reader and the database.
type Monitor struct {
	source     StatusSource
	reader     ReaderHealth
	db         DBPinger
	thresholds Thresholds
	startedAt  time.Time
	now        func() time.Time

	lastCheck  time.Time
	lastReport HealthReport
	cacheFor   time.Duration
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. reader and db may be nil.
func NewMonitor(source StatusSource, reader ReaderHealth, db DBPinger, thresholds Thresholds) *Monitor {
	return &Monitor{
		source:     source,
		reader:     reader,
		db:         db,
		thresholds: thresholds,
		startedAt:  time.Now(),
		now:        time.Now,
		cacheFor:   time.Second,
	}
}

// CheckHealth evaluates the current state. Results are cached briefly so
// frequent probes do not hit the database on every request.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.cacheFor {
		return m.lastReport
	}

	st := m.source.GetStatus()
	svc := ServiceHealth{
		ServiceID:           st.ServiceID,
		Status:              StatusHealthy,
		Running:             st.Running,
		Cursor:              st.Cursor,
		Head:                st.Head,
		BlockLag:            st.Lag,
		OpenIntents:         st.OpenIntents,
		LastWindow:          st.LastWindow,
		LastSuccessAt:       st.LastSuccessAt,
		LastError:           st.LastError,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LeaseHeld:           st.LeaseHeld,
	}

	flag := func(status SystemStatus, reason string) {
		svc.Status = worse(svc.Status, status)
		svc.Reasons = append(svc.Reasons, reason)
	}

	switch {
	case st.ConsecutiveFailures >= m.thresholds.CriticalFailures:
		flag(StatusCritical, fmt.Sprintf("%d consecutive failed cycles", st.ConsecutiveFailures))
	case st.ConsecutiveFailures >= m.thresholds.DegradedFailures:
		flag(StatusDegraded, fmt.Sprintf("%d consecutive failed cycles", st.ConsecutiveFailures))
	}

	// A standby instance without the lease is healthy even though it never succeeds.
	if m.thresholds.StaleAfter > 0 && (st.LeaseHeld || (st.LastSuccessAt.IsZero() && st.ConsecutiveFailures > 0)) {
		since := st.LastSuccessAt
		if since.IsZero() {
			since = m.startedAt
		}
		if now.Sub(since) > m.thresholds.StaleAfter {
			flag(StatusCritical, fmt.Sprintf("no successful cycle for %s", now.Sub(since).Round(time.Second)))
		}
	}

	if m.reader != nil {
		rh := m.reader.Health()
		svc.Reader = &rh
		switch {
		case rh.Status == provider.StatusBlocked.String():
			flag(StatusCritical, "chain reader blocked by upstream")
		case rh.Status == provider.StatusThrottled.String():
			flag(StatusDegraded, "chain reader throttled")
		case !rh.Available:
			flag(StatusDegraded, "chain reader error rate high")
		}
	}

	if m.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := m.db.Health(pingCtx)
		cancel()
		if err != nil {
			svc.Database = err.Error()
			flag(StatusCritical, "database unreachable")
		} else {
			svc.Database = "ok"
		}
	}

	report := HealthReport{
		SystemStatus: svc.Status,
		Services:     map[string]ServiceHealth{svc.ServiceID: svc},
		CheckedAt:    now,
	}
	m.lastCheck = now
	m.lastReport = report
	return report
}
