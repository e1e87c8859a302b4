package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/infra/storage"
)

// MemoryStorage keeps intents and cursors in process memory. A single mutex
// serializes writes, which gives the same compare-and-swap guarantees the
// postgres repositories get from conditional UPDATEs and the partial unique index.
type MemoryStorage struct {
	intents map[string]*domain.PaymentIntent
	cursors map[string]*domain.Cursor
	mu      sync.RWMutex
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		intents: make(map[string]*domain.PaymentIntent),
		cursors: make(map[string]*domain.Cursor),
		now:     time.Now,
	}
}

// -----------------------------------------------------------------------------
// Intent Repository
// -----------------------------------------------------------------------------

type IntentRepo struct {
	store *MemoryStorage
}

func NewIntentRepo(store *MemoryStorage) *IntentRepo {
	return &IntentRepo{store: store}
}

func (r *IntentRepo) Create(ctx context.Context, intent *domain.PaymentIntent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if intent.ID == "" {
		intent.ID = uuid.New().String()
	}
	intent.ExpectedFrom = domain.NormalizeAddress(intent.ExpectedFrom)
	intent.ExpectedTo = domain.NormalizeAddress(intent.ExpectedTo)

	now := r.store.now()
	c := cloneIntent(intent)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.IntentStatusPending
	}
	if c.Status == domain.IntentStatusConfirmed && c.HasTxHash() &&
		r.confirmedHolderLocked(*c.TxHash, c.ID) {
		return storage.ErrDuplicateTxHash
	}
	r.store.intents[c.ID] = c

	intent.CreatedAt = c.CreatedAt
	intent.UpdatedAt = c.UpdatedAt
	intent.Status = c.Status
	return nil
}

func (r *IntentRepo) Get(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	intent, ok := r.store.intents[id]
	if !ok {
		return nil, storage.ErrIntentNotFound
	}
	return cloneIntent(intent), nil
}

func (r *IntentRepo) ListOpen(ctx context.Context) ([]*domain.PaymentIntent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.PaymentIntent
	for _, intent := range r.store.intents {
		if intent.Status.IsOpen() {
			out = append(out, cloneIntent(intent))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *IntentRepo) FindByTxHashExcept(
	ctx context.Context,
	hash string,
	excludeID string,
) ([]*domain.PaymentIntent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.PaymentIntent
	for id, intent := range r.store.intents {
		if id == excludeID {
			continue
		}
		if intent.SameTxHash(hash) {
			out = append(out, cloneIntent(intent))
		}
	}
	return out, nil
}

func (r *IntentRepo) UpdateStatus(
	ctx context.Context,
	id string,
	from domain.IntentStatus,
	upd domain.IntentUpdate,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	intent, ok := r.store.intents[id]
	if !ok {
		return storage.ErrIntentNotFound
	}
	if intent.Status != from {
		return storage.ErrStaleIntent
	}

	hash := intent.TxHash
	if upd.TxHash != nil {
		hash = upd.TxHash
	}
	sameHash := hash != nil && intent.SameTxHash(*hash)
	if sameHash && upd.Confirmations < intent.Confirmations {
		return storage.ErrStaleIntent
	}
	if upd.Status == domain.IntentStatusConfirmed && hash != nil &&
		r.confirmedHolderLocked(*hash, id) {
		return storage.ErrDuplicateTxHash
	}

	intent.Status = upd.Status
	if upd.TxHash != nil {
		h := *upd.TxHash
		intent.TxHash = &h
	}
	if upd.BlockNumber != nil {
		b := *upd.BlockNumber
		intent.BlockNumber = &b
	}
	if upd.FailureReason != nil {
		reason := *upd.FailureReason
		intent.FailureReason = &reason
	}
	intent.Confirmations = upd.Confirmations
	intent.UpdatedAt = r.store.now()
	return nil
}

func (r *IntentRepo) CountByStatus(ctx context.Context) (map[domain.IntentStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.IntentStatus]int)
	for _, intent := range r.store.intents {
		counts[intent.Status]++
	}
	return counts, nil
}

// confirmedHolderLocked reports whether an intent other than id is CONFIRMED on hash.
func (r *IntentRepo) confirmedHolderLocked(hash, id string) bool {
	for otherID, other := range r.store.intents {
		if otherID == id {
			continue
		}
		if other.Status == domain.IntentStatusConfirmed && other.TxHash != nil &&
			strings.EqualFold(*other.TxHash, hash) {
			return true
		}
	}
	return false
}

func cloneIntent(in *domain.PaymentIntent) *domain.PaymentIntent {
	c := *in
	if in.TargetConfirmations != nil {
		v := *in.TargetConfirmations
		c.TargetConfirmations = &v
	}
	if in.TxHash != nil {
		v := *in.TxHash
		c.TxHash = &v
	}
	if in.BlockNumber != nil {
		v := *in.BlockNumber
		c.BlockNumber = &v
	}
	if in.FailureReason != nil {
		v := *in.FailureReason
		c.FailureReason = &v
	}
	return &c
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) Get(ctx context.Context, serviceID string) (*domain.Cursor, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	c, ok := r.store.cursors[serviceID]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (r *CursorRepo) Save(ctx context.Context, serviceID string, blockNumber uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if c, ok := r.store.cursors[serviceID]; ok && blockNumber < c.LastProcessedBlock {
		return storage.ErrCursorRegression
	}
	r.store.cursors[serviceID] = &domain.Cursor{
		ServiceID:          serviceID,
		LastProcessedBlock: blockNumber,
		UpdatedAt:          r.store.now(),
	}
	return nil
}

func (r *CursorRepo) Reset(ctx context.Context, serviceID string, blockNumber uint64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.cursors[serviceID] = &domain.Cursor{
		ServiceID:          serviceID,
		LastProcessedBlock: blockNumber,
		UpdatedAt:          r.store.now(),
	}
	return nil
}

func (r *CursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]*domain.Cursor, 0, len(r.store.cursors))
	for _, c := range r.store.cursors {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}
