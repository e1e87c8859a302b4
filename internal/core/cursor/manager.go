package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vietddude/paywatcher/internal/infra/storage"
)

// ErrRegression is returned when Advance would move the cursor backwards.
var ErrRegression = storage.ErrCursorRegression

// Manager is the cursor store used by the scanner.
type Manager interface {
	// Get returns the last processed block; ok is false when no cursor exists yet.
	Get(ctx context.Context, serviceID string) (block uint64, ok bool, err error)

	// Advance persists blockNumber as the last processed block.
	Advance(ctx context.Context, serviceID string, blockNumber uint64) error
}

// DefaultManager implements Manager over a storage.CursorRepository.
type DefaultManager struct {
	repo storage.CursorRepository

	mu   sync.Mutex
	last map[string]uint64 // last value this process persisted, per service
}

// Get retrieves the current cursor for a scanner instance.
func (m *DefaultManager) Get(ctx context.Context, serviceID string) (uint64, bool, error) {
	c, ok, err := m.repo.Get(ctx, serviceID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cursor: %w", err)
	}
	if !ok {
		return 0, false, nil
	}
	return c.LastProcessedBlock, true, nil
}

// Advance moves the cursor forward. Re-persisting the current value is a no-op
// success, moving backwards is refused.
func (m *DefaultManager) Advance(ctx context.Context, serviceID string, blockNumber uint64) error {
	m.mu.Lock()
	prev, seen := m.last[serviceID]
	m.mu.Unlock()

	if seen && blockNumber < prev {
		return fmt.Errorf("%w: %s at %d, got %d", ErrRegression, serviceID, prev, blockNumber)
	}

	if err := m.repo.Save(ctx, serviceID, blockNumber); err != nil {
		if errors.Is(err, storage.ErrCursorRegression) {
			return err
		}
		return fmt.Errorf("failed to advance cursor: %w", err)
	}

	m.mu.Lock()
	if m.last == nil {
		m.last = make(map[string]uint64)
	}
	m.last[serviceID] = blockNumber
	m.mu.Unlock()
	return nil
}

// Lag returns how many blocks the cursor trails head by; zero when no cursor exists.
func (m *DefaultManager) Lag(ctx context.Context, serviceID string, head uint64) (uint64, error) {
	block, ok, err := m.Get(ctx, serviceID)
	if err != nil || !ok {
		return 0, err
	}
	if head <= block {
		return 0, nil
	}
	return head - block, nil
}
