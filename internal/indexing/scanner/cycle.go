package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/indexing/confirmation"
	"github.com/vietddude/paywatcher/internal/indexing/metrics"
)

// CycleReport summarizes one cycle.
type CycleReport struct {
	Head      uint64
	Cursor    uint64 // cursor before the cycle
	HasCursor bool
	Window    domain.Window
	// Idle is set when the cursor had already reached head.
	Idle     bool
	Advanced bool

	Intents   int
	Groups    int
	Transfers int
	Matches   int
	FollowUps int
	Outcomes  map[confirmation.Outcome]int
}

func (r *CycleReport) count(o confirmation.Outcome) {
	if r.Outcomes == nil {
		r.Outcomes = make(map[confirmation.Outcome]int)
	}
	r.Outcomes[o]++
}

// RunCycle performs one reconciliation cycle. Any group failure fails the
// cycle and leaves the cursor where it was, so the window is scanned again.
func (s *Scanner) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(s.cfg.ServiceID).Observe(time.Since(start).Seconds())
	}()

	report := &CycleReport{}

	head, err := s.deps.Reader.ChainHeight(ctx)
	if err != nil {
		return report, fmt.Errorf("get chain height: %w", err)
	}
	report.Head = head
	metrics.ChainHeadBlock.WithLabelValues(s.cfg.ServiceID).Set(float64(head))

	last, hasCursor, err := s.deps.Cursors.Get(ctx, s.cfg.ServiceID)
	if err != nil {
		return report, fmt.Errorf("get cursor: %w", err)
	}
	report.Cursor, report.HasCursor = last, hasCursor

	w, ok := s.deps.Planner.Plan(last, hasCursor, head)
	if !ok {
		report.Idle = true
		return report, nil
	}
	report.Window = w

	intents, err := s.deps.Intents.ListOpen(ctx)
	if err != nil {
		return report, fmt.Errorf("list open intents: %w", err)
	}
	report.Intents = len(intents)
	metrics.OpenIntents.WithLabelValues(s.cfg.ServiceID).Set(float64(len(intents)))

	groups := groupByReceiver(intents)
	report.Groups = len(groups)

	log := s.log.With("from_block", w.From, "to_block", w.To, "head", head)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for _, grp := range groups {
		g.Go(func() error {
			gr, err := s.processGroup(gctx, grp, w, head)
			if err != nil {
				log.Warn("Address group failed", "address", grp.receiver, "error", err)
				return fmt.Errorf("address %s: %w", grp.receiver, err)
			}
			mu.Lock()
			report.merge(gr)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if err := s.deps.Cursors.Advance(ctx, s.cfg.ServiceID, w.To); err != nil {
		return report, fmt.Errorf("advance cursor: %w", err)
	}
	report.Advanced = true
	metrics.CursorBlock.WithLabelValues(s.cfg.ServiceID).Set(float64(w.To))

	log.Debug("Cycle complete",
		"intents", report.Intents,
		"groups", report.Groups,
		"transfers", report.Transfers,
		"matches", report.Matches,
		"follow_ups", report.FollowUps,
	)
	return report, nil
}

type receiverGroup struct {
	receiver string
	intents  []*domain.PaymentIntent
}

// groupByReceiver buckets intents by normalized receiver, in address order.
func groupByReceiver(intents []*domain.PaymentIntent) []receiverGroup {
	byAddr := make(map[string][]*domain.PaymentIntent)
	for _, intent := range intents {
		addr := domain.NormalizeAddress(intent.ExpectedTo)
		byAddr[addr] = append(byAddr[addr], intent)
	}

	groups := make([]receiverGroup, 0, len(byAddr))
	for addr, list := range byAddr {
		groups = append(groups, receiverGroup{receiver: addr, intents: list})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].receiver < groups[j].receiver })
	return groups
}

type groupReport struct {
	transfers int
	matches   int
	followUps int
	outcomes  []confirmation.Outcome
}

func (r *CycleReport) merge(g groupReport) {
	r.Transfers += g.transfers
	r.Matches += g.matches
	r.FollowUps += g.followUps
	for _, o := range g.outcomes {
		r.count(o)
	}
}

// processGroup matches one receiver group and applies the state machine to
// every match. CONFIRMING intents whose transfer is outside this window are
// re-evaluated from their stored hash and block so their depth keeps growing.
func (s *Scanner) processGroup(
	ctx context.Context,
	grp receiverGroup,
	w domain.Window,
	head uint64,
) (groupReport, error) {
	var out groupReport

	res, err := s.deps.Matcher.MatchGroup(ctx, grp.receiver, grp.intents, w)
	if err != nil {
		return out, err
	}
	out.transfers = res.Transfers

	for _, m := range res.Matches {
		o, err := s.deps.Machine.Apply(ctx, m.Intent, confirmation.Observation{
			TxHash:      m.Transfer.Hash,
			BlockNumber: m.Transfer.BlockNumber,
			Head:        head,
		})
		if err != nil {
			return out, err
		}
		out.matches++
		out.outcomes = append(out.outcomes, o)
	}

	pending := make([]*domain.PaymentIntent, 0, len(res.Unmatched)+len(res.Ambiguous)+len(res.Invalid))
	pending = append(pending, res.Unmatched...)
	pending = append(pending, res.Ambiguous...)
	pending = append(pending, res.Invalid...)

	for _, intent := range pending {
		if intent.Status != domain.IntentStatusConfirming || !intent.HasTxHash() || intent.BlockNumber == nil {
			continue
		}
		o, err := s.deps.Machine.Apply(ctx, intent, confirmation.Observation{
			TxHash:      *intent.TxHash,
			BlockNumber: *intent.BlockNumber,
			Head:        head,
		})
		if err != nil {
			return out, err
		}
		out.followUps++
		out.outcomes = append(out.outcomes, o)
	}

	return out, nil
}
