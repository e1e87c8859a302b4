package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/paywatcher/internal/indexing/metrics"
	"github.com/vietddude/paywatcher/internal/infra/rpc/provider"
)

// Start runs cycles until ctx is cancelled or Stop is called. A failing
// cycle never ends the loop; consecutive failures stretch the wait with
// exponential backoff and jitter, capped at MaxBackoff.
func (s *Scanner) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scanner %s already running", s.cfg.ServiceID)
	}
	defer s.running.Store(false)
	defer s.releaseLease()

	s.log.Info("Scanner started",
		"poll_interval", s.cfg.PollInterval,
		"workers", s.cfg.Workers,
	)

	backoff := s.newBackoff()
	for {
		wait := s.cfg.PollInterval

		if err := s.step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if next, stop := backoff.Next(); !stop && next > wait {
				wait = next
			}
			attrs := []any{
				"error", err,
				"consecutive_failures", s.GetStatus().ConsecutiveFailures,
				"retry_in", wait,
			}
			if kind := provider.KindOf(err); kind != "" {
				attrs = append(attrs, "upstream", kind)
			}
			s.log.Error("Cycle failed", attrs...)
		} else {
			backoff = s.newBackoff()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("Scanner stopped")
			return nil
		case <-s.stop:
			timer.Stop()
			s.log.Info("Scanner stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Stop stops the loop after the current cycle.
func (s *Scanner) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// step runs one guarded cycle: it checks the lease, recovers panics and
// records the outcome. Store, lease and chain calls share the cycle deadline.
func (s *Scanner) step(parent context.Context) (err error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.CycleTimeout)
	defer cancel()

	leaseHeld := true
	if s.deps.Lease != nil {
		ok, lerr := s.deps.Lease.Acquire(ctx)
		if lerr != nil {
			metrics.CyclesTotal.WithLabelValues(s.cfg.ServiceID, "failed").Inc()
			s.recordCycle(nil, lerr, false)
			return lerr
		}
		if !ok {
			s.log.Debug("Lease held by another instance, skipping cycle")
			metrics.CyclesTotal.WithLabelValues(s.cfg.ServiceID, "skipped").Inc()
			s.recordCycle(nil, nil, false)
			return nil
		}
	}

	var report *CycleReport
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			s.log.Error("Recovered panic in cycle", "panic", r, "stack", string(debug.Stack()))
		}

		result := "ok"
		switch {
		case err != nil:
			result = "failed"
		case report != nil && report.Idle:
			result = "idle"
		}
		metrics.CyclesTotal.WithLabelValues(s.cfg.ServiceID, result).Inc()
		s.recordCycle(report, err, leaseHeld)
	}()

	report, err = s.RunCycle(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		err = fmt.Errorf("cycle exceeded %s: %w", s.cfg.CycleTimeout, err)
	}
	return err
}

func (s *Scanner) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.PollInterval)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(s.cfg.MaxBackoff, b)
}

func (s *Scanner) releaseLease() {
	if s.deps.Lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Lease.Release(ctx); err != nil {
		s.log.Warn("Failed to release lease", "error", err)
	}
}
