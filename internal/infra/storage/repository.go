package storage

import (
	"context"
	"errors"

	"github.com/vietddude/paywatcher/internal/core/domain"
)

var (
	// ErrIntentNotFound is returned when an intent id does not exist.
	ErrIntentNotFound = errors.New("intent not found")

	// ErrStaleIntent is returned when a conditional update matched no row: the intent
	// changed status underneath the writer, or the write would lower confirmations.
	ErrStaleIntent = errors.New("intent changed concurrently")

	// ErrDuplicateTxHash is returned when a write would leave two CONFIRMED intents
	// bound to the same transaction hash.
	ErrDuplicateTxHash = errors.New("tx hash already confirmed by another intent")

	// ErrCursorRegression is returned when a cursor write would move it backwards.
	ErrCursorRegression = errors.New("cursor regression")
)

// IntentRepository handles payment intent storage.
type IntentRepository interface {
	// Create inserts a new intent.
	Create(ctx context.Context, intent *domain.PaymentIntent) error

	// Get retrieves an intent by id.
	Get(ctx context.Context, id string) (*domain.PaymentIntent, error)

	// ListOpen returns every intent in PENDING or CONFIRMING, oldest first.
	ListOpen(ctx context.Context) ([]*domain.PaymentIntent, error)

	// FindByTxHashExcept returns intents bound to hash (case-insensitive), excluding excludeID.
	FindByTxHashExcept(ctx context.Context, hash string, excludeID string) ([]*domain.PaymentIntent, error)

	// UpdateStatus applies upd only if the intent is still in status from.
	// Returns ErrStaleIntent when nothing matched and ErrDuplicateTxHash on a
	// confirmed-hash uniqueness violation.
	UpdateStatus(ctx context.Context, id string, from domain.IntentStatus, upd domain.IntentUpdate) error

	// CountByStatus returns the number of intents per status.
	CountByStatus(ctx context.Context) (map[domain.IntentStatus]int, error)
}

// CursorRepository handles scanner cursor storage.
type CursorRepository interface {
	// Get retrieves the cursor for a scanner instance; found is false when none exists.
	Get(ctx context.Context, serviceID string) (cursor *domain.Cursor, found bool, err error)

	// Save upserts the cursor. Implementations refuse to move it backwards
	// and return ErrCursorRegression instead.
	Save(ctx context.Context, serviceID string, blockNumber uint64) error

	// Reset overwrites the cursor unconditionally (operator action).
	Reset(ctx context.Context, serviceID string, blockNumber uint64) error

	// List returns all cursors.
	List(ctx context.Context) ([]*domain.Cursor, error)
}
