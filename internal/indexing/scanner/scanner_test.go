package scanner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/paywatcher/internal/core/cursor"
	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/indexing/confirmation"
	"github.com/vietddude/paywatcher/internal/indexing/matcher"
	"github.com/vietddude/paywatcher/internal/indexing/window"
	"github.com/vietddude/paywatcher/internal/infra/chain"
	"github.com/vietddude/paywatcher/internal/infra/storage"
	"github.com/vietddude/paywatcher/internal/infra/storage/memory"
)

const (
	token     = "0x55d398326f99059ff775485246999027b3197955"
	receiverA = "0x1111111111111111111111111111111111111111"
	receiverB = "0x4444444444444444444444444444444444444444"
	sender    = "0x2222222222222222222222222222222222222222"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	transfers []domain.Transfer
	failFor   map[string]error
	headErr   error
	panicOn   bool
	queries   []chain.TransferQuery
}

func (f *fakeChain) Name() string { return "fake" }

func (f *fakeChain) ChainHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn {
		panic("reader exploded")
	}
	return f.head, f.headErr
}

func (f *fakeChain) TokenTransfers(ctx context.Context, q chain.TransferQuery) ([]domain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if err := f.failFor[q.To]; err != nil {
		return nil, chain.Upstream("tokentx", err)
	}
	var out []domain.Transfer
	for _, t := range f.transfers {
		if t.To == q.To && t.BlockNumber >= q.Window.From && t.BlockNumber <= q.Window.To {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeChain) setHead(h uint64) {
	f.mu.Lock()
	f.head = h
	f.mu.Unlock()
}

type fakeLease struct {
	grant    bool
	acquires atomic.Int32
	released atomic.Bool
}

func (l *fakeLease) Acquire(ctx context.Context) (bool, error) {
	l.acquires.Add(1)
	return l.grant, nil
}

func (l *fakeLease) Release(ctx context.Context) error {
	l.released.Store(true)
	return nil
}

// hungIntents never answers ListOpen until the caller gives up.
type hungIntents struct {
	storage.IntentRepository
}

func (h hungIntents) ListOpen(ctx context.Context) ([]*domain.PaymentIntent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// =============================================================================
// Helpers
// =============================================================================

type harness struct {
	chain   *fakeChain
	intents *memory.IntentRepo
	cursors *memory.CursorRepo
	scanner *Scanner
}

func newHarness(t *testing.T, head uint64) *harness {
	t.Helper()
	store := memory.NewMemoryStorage()
	h := &harness{
		chain:   &fakeChain{head: head, failFor: map[string]error{}},
		intents: memory.NewIntentRepo(store),
		cursors: memory.NewCursorRepo(store),
	}
	h.scanner = h.build(Config{ServiceID: "test", PollInterval: 10 * time.Millisecond, Workers: 2}, nil)
	return h
}

func (h *harness) build(cfg Config, lease Lease) *Scanner {
	return New(cfg, Deps{
		Reader:  h.chain,
		Intents: h.intents,
		Cursors: cursor.NewManager(h.cursors),
		Planner: window.NewPlanner(100, 0),
		Matcher: matcher.New(h.chain, matcher.Config{
			ServiceID:     cfg.ServiceID,
			TokenContract: token,
			TokenDecimals: 18,
			RecencyGrace:  10 * time.Minute,
			MaxTransfers:  100,
		}),
		Machine: confirmation.NewMachine(h.intents, cfg.ServiceID, 6),
		Lease:   lease,
	})
}

func (h *harness) addIntent(t *testing.T, id, to string, created time.Time) {
	t.Helper()
	err := h.intents.Create(context.Background(), &domain.PaymentIntent{
		ID:             id,
		OrderID:        "order-" + id,
		ExpectedFrom:   sender,
		ExpectedTo:     to,
		ExpectedAmount: "50.0",
		CreatedAt:      created,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
}

func (h *harness) addTransfer(hash, to string, block uint64, ts time.Time) {
	v, _ := new(big.Int).SetString("50000000000000000000", 10)
	h.chain.mu.Lock()
	defer h.chain.mu.Unlock()
	h.chain.transfers = append(h.chain.transfers, domain.Transfer{
		Hash: hash, From: sender, To: to, RawValue: v, BlockNumber: block, BlockTimestamp: ts,
	})
}

func (h *harness) intent(t *testing.T, id string) *domain.PaymentIntent {
	t.Helper()
	intent, err := h.intents.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	return intent
}

func (h *harness) cursor(t *testing.T) uint64 {
	t.Helper()
	c, ok, err := h.cursors.Get(context.Background(), "test")
	if err != nil || !ok {
		t.Fatalf("cursor missing: ok=%v err=%v", ok, err)
	}
	return c.LastProcessedBlock
}

// =============================================================================
// Cycle Tests
// =============================================================================

func TestRunCycle_ColdStartWindow(t *testing.T) {
	h := newHarness(t, 1000)
	h.addIntent(t, "a", receiverA, time.Now())

	report, err := h.scanner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.Window != (domain.Window{From: 900, To: 1000}) {
		t.Errorf("expected window [900, 1000], got %v", report.Window)
	}
	if got := h.cursor(t); got != 1000 {
		t.Errorf("expected cursor 1000, got %d", got)
	}
}

func TestRunCycle_ConfirmsDeepTransfer(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	h := newHarness(t, 1000)
	h.addIntent(t, "a", receiverA, created)
	h.addTransfer("0xaaa", receiverA, 993, created.Add(time.Minute))

	report, err := h.scanner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.Outcomes[confirmation.OutcomeConfirmed] != 1 {
		t.Errorf("expected one confirmation, got %v", report.Outcomes)
	}

	got := h.intent(t, "a")
	if got.Status != domain.IntentStatusConfirmed || got.Confirmations != 7 {
		t.Errorf("expected CONFIRMED/7, got %s/%d", got.Status, got.Confirmations)
	}
}

func TestRunCycle_ConfirmingCompletesInLaterCycles(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	h := newHarness(t, 1000)
	h.addIntent(t, "b", receiverA, created)
	h.addTransfer("0xbbb", receiverA, 998, created.Add(time.Minute))
	ctx := context.Background()

	if _, err := h.scanner.RunCycle(ctx); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if got := h.intent(t, "b"); got.Status != domain.IntentStatusConfirming || got.Confirmations != 2 {
		t.Fatalf("expected CONFIRMING/2, got %s/%d", got.Status, got.Confirmations)
	}

	// The next windows no longer contain block 998.
	h.chain.setHead(1002)
	report, err := h.scanner.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if report.Window != (domain.Window{From: 1001, To: 1002}) || report.FollowUps != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if got := h.intent(t, "b"); got.Status != domain.IntentStatusConfirming || got.Confirmations != 4 {
		t.Fatalf("expected CONFIRMING/4, got %s/%d", got.Status, got.Confirmations)
	}

	h.chain.setHead(1004)
	if _, err := h.scanner.RunCycle(ctx); err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	if got := h.intent(t, "b"); got.Status != domain.IntentStatusConfirmed || got.Confirmations != 6 {
		t.Errorf("expected CONFIRMED/6, got %s/%d", got.Status, got.Confirmations)
	}
}

func TestRunCycle_RecencyFilter(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	h := newHarness(t, 1000)
	h.addIntent(t, "c", receiverA, created)
	h.addTransfer("0xccc", receiverA, 950, created.Add(-20*time.Minute))

	if _, err := h.scanner.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if got := h.intent(t, "c"); got.Status != domain.IntentStatusPending || got.HasTxHash() {
		t.Errorf("expected untouched PENDING intent, got %s", got.Status)
	}
}

func TestRunCycle_SecondIntentOnSameHashNeverConfirms(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	h := newHarness(t, 1000)
	h.addIntent(t, "first", receiverA, created)
	h.addIntent(t, "second", receiverA, created.Add(time.Second))
	h.addTransfer("0xddd", receiverA, 950, created.Add(time.Minute))

	if _, err := h.scanner.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	counts, _ := h.intents.CountByStatus(context.Background())
	if counts[domain.IntentStatusConfirmed] != 1 {
		t.Fatalf("expected exactly one CONFIRMED intent, got %v", counts)
	}
	first, second := h.intent(t, "first"), h.intent(t, "second")
	if first.Status != domain.IntentStatusConfirmed {
		t.Errorf("expected oldest intent to confirm, got %s", first.Status)
	}
	if second.Status == domain.IntentStatusConfirmed {
		t.Errorf("second intent must not confirm")
	}
}

func TestRunCycle_GroupFailureKeepsCursor(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	h := newHarness(t, 1000)
	ctx := context.Background()
	h.addIntent(t, "a", receiverA, created)
	h.addIntent(t, "b", receiverB, created)

	if _, err := h.scanner.RunCycle(ctx); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}

	h.chain.setHead(1010)
	h.chain.failFor[receiverB] = errors.New("gateway timeout")
	h.addTransfer("0xaaa", receiverA, 1005, created.Add(time.Minute))

	if _, err := h.scanner.RunCycle(ctx); !errors.Is(err, chain.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if got := h.cursor(t); got != 1000 {
		t.Errorf("cursor advanced to %d despite failure", got)
	}

	// Next cycle re-scans the same window; the write for receiver A is idempotent.
	delete(h.chain.failFor, receiverB)
	report, err := h.scanner.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	if report.Window != (domain.Window{From: 1001, To: 1010}) {
		t.Errorf("expected window to be retried, got %v", report.Window)
	}
	if got := h.cursor(t); got != 1010 {
		t.Errorf("expected cursor 1010, got %d", got)
	}
	if got := h.intent(t, "a"); got.Status != domain.IntentStatusConfirming || got.Confirmations != 5 {
		t.Errorf("expected CONFIRMING/5, got %s/%d", got.Status, got.Confirmations)
	}
}

func TestRunCycle_Idle(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	if _, err := h.scanner.RunCycle(ctx); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	report, err := h.scanner.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if !report.Idle {
		t.Errorf("expected idle cycle when head has not moved")
	}
}

func TestRunCycle_GroupsByReceiver(t *testing.T) {
	h := newHarness(t, 1000)
	h.addIntent(t, "a1", receiverA, time.Now())
	h.addIntent(t, "a2", "0x1111111111111111111111111111111111111111", time.Now())
	h.addIntent(t, "b1", receiverB, time.Now())

	report, err := h.scanner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.Groups != 2 || len(h.chain.queries) != 2 {
		t.Errorf("expected 2 groups and 2 reader calls, got %d/%d", report.Groups, len(h.chain.queries))
	}
}

func TestRunCycle_HeadFailure(t *testing.T) {
	h := newHarness(t, 1000)
	h.chain.headErr = chain.Upstream("eth_blockNumber", errors.New("dial tcp: refused"))

	if _, err := h.scanner.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, ok, _ := h.cursors.Get(context.Background(), "test"); ok {
		t.Error("cursor must not be written")
	}
}

// =============================================================================
// Loop Tests
// =============================================================================

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStart_RunsUntilCancelled(t *testing.T) {
	h := newHarness(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.scanner.Start(ctx) }()

	waitFor(t, func() bool { return !h.scanner.GetStatus().LastSuccessAt.IsZero() })
	if err := h.scanner.Start(ctx); err == nil {
		t.Error("expected error when starting twice")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop")
	}

	st := h.scanner.GetStatus()
	if st.Running || st.Cursor != 1000 || st.Head != 1000 || st.Lag != 0 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestStart_SurvivesPanicsAndFailures(t *testing.T) {
	h := newHarness(t, 1000)
	h.chain.panicOn = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.scanner.Start(ctx) }()

	waitFor(t, func() bool { return h.scanner.GetStatus().ConsecutiveFailures >= 2 })
	if st := h.scanner.GetStatus(); st.LastError == "" {
		t.Error("expected last error to be recorded")
	}

	h.chain.mu.Lock()
	h.chain.panicOn = false
	h.chain.mu.Unlock()

	waitFor(t, func() bool { return h.scanner.GetStatus().ConsecutiveFailures == 0 })
	_ = h.scanner.Stop()
}

func TestStart_SkipsWithoutLease(t *testing.T) {
	h := newHarness(t, 1000)
	lease := &fakeLease{grant: false}
	s := h.build(Config{ServiceID: "test", PollInterval: 5 * time.Millisecond}, lease)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Start(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return lease.acquires.Load() >= 3 })
	cancel()
	<-done

	if _, ok, _ := h.cursors.Get(context.Background(), "test"); ok {
		t.Error("cycle must not run without the lease")
	}
	if !lease.released.Load() {
		t.Error("lease should be released on shutdown")
	}
	if st := s.GetStatus(); st.LeaseHeld || st.ConsecutiveFailures != 0 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestStop(t *testing.T) {
	h := newHarness(t, 1000)

	done := make(chan struct{})
	go func() {
		_ = h.scanner.Start(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return h.scanner.GetStatus().Running })
	_ = h.scanner.Stop()
	_ = h.scanner.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop")
	}
}

func TestStep_CycleTimeout(t *testing.T) {
	h := newHarness(t, 1000)
	cfg := Config{ServiceID: "test", PollInterval: 5 * time.Millisecond, CycleTimeout: 30 * time.Millisecond}
	s := New(cfg, Deps{
		Reader:  h.chain,
		Intents: hungIntents{h.intents},
		Cursors: cursor.NewManager(h.cursors),
		Planner: window.NewPlanner(100, 0),
		Matcher: matcher.New(h.chain, matcher.Config{ServiceID: "test", TokenContract: token, TokenDecimals: 18}),
		Machine: confirmation.NewMachine(h.intents, "test", 6),
	})

	start := time.Now()
	err := s.step(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cycle took %s, deadline not applied", elapsed)
	}
	if st := s.GetStatus(); st.ConsecutiveFailures != 1 || st.LastError == "" {
		t.Errorf("unexpected status %+v", st)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Start(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return s.GetStatus().ConsecutiveFailures >= 3 })
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop")
	}
	if _, ok, _ := h.cursors.Get(context.Background(), "test"); ok {
		t.Error("cursor must not move when a cycle times out")
	}
}
