// Package matcher pairs open payment intents with on-chain token transfers.
//
// A transfer matches an intent when all of the following hold:
//   - it was sent to the intent's receiver
//   - it was sent from the intent's expected sender
//   - its raw value equals the expected amount in base units exactly
//   - it is not older than the intent's creation time minus the grace period
//
// Two or more distinct transfers qualifying for one intent is treated as an
// anomaly and produces no match.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	logger "log/slog"

	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/core/units"
	"github.com/vietddude/paywatcher/internal/indexing/metrics"
	"github.com/vietddude/paywatcher/internal/infra/chain"
)

var (
	// ErrNoMatch means no transfer satisfied every predicate.
	ErrNoMatch = errors.New("no matching transfer")
	// ErrAmbiguousMatch means more than one distinct transfer qualified.
	ErrAmbiguousMatch = errors.New("ambiguous transfer match")
)

// DefaultRecencyGrace is how far before an intent's creation a transfer may be mined.
const DefaultRecencyGrace = 10 * time.Minute

// Config configures a Matcher.
type Config struct {
	ServiceID     string
	TokenContract string
	TokenDecimals int32
	RecencyGrace  time.Duration
	MaxTransfers  int
}

// Match binds one intent to the transfer that pays it.
type Match struct {
	Intent   *domain.PaymentIntent
	Transfer domain.Transfer
}

// Result is the outcome of matching one receiver group.
type Result struct {
	Matches   []Match
	Unmatched []*domain.PaymentIntent
	// Ambiguous and Invalid intents are left untouched this cycle.
	Ambiguous []*domain.PaymentIntent
	Invalid   []*domain.PaymentIntent
	Transfers int
}

// Matcher fetches transfers for a receiver and selects one per intent.
type Matcher struct {
	reader chain.Reader
	cfg    Config
	log    logger.Logger
}

// New creates a Matcher.
func New(reader chain.Reader, cfg Config) *Matcher {
	if cfg.RecencyGrace <= 0 {
		cfg.RecencyGrace = DefaultRecencyGrace
	}
	return &Matcher{
		reader: reader,
		cfg:    cfg,
		log:    *logger.Default().With("component", "matcher", "service", cfg.ServiceID),
	}
}

// MatchGroup calls the reader once for receiver over w and matches every
// intent in the group. A reader failure fails the whole group and nothing is
// returned for it.
func (m *Matcher) MatchGroup(
	ctx context.Context,
	receiver string,
	intents []*domain.PaymentIntent,
	w domain.Window,
) (*Result, error) {
	transfers, err := m.reader.TokenTransfers(ctx, chain.TransferQuery{
		Contract: m.cfg.TokenContract,
		To:       receiver,
		Window:   w,
		MaxCount: m.cfg.MaxTransfers,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch transfers for %s: %w", receiver, err)
	}

	res := &Result{Transfers: len(transfers)}
	for _, intent := range intents {
		expected, err := units.ToBaseUnits(intent.ExpectedAmount, m.cfg.TokenDecimals)
		if err != nil {
			m.log.Error("Skipping intent with invalid amount",
				"intent_id", intent.ID,
				"amount", intent.ExpectedAmount,
				"error", err,
			)
			metrics.AmountParseErrorsTotal.WithLabelValues(m.cfg.ServiceID).Inc()
			res.Invalid = append(res.Invalid, intent)
			continue
		}

		t, err := Select(intent, transfers, expected, m.cfg.RecencyGrace)
		switch {
		case err == nil:
			res.Matches = append(res.Matches, Match{Intent: intent, Transfer: t})
			metrics.MatchesTotal.WithLabelValues(m.cfg.ServiceID).Inc()
		case errors.Is(err, ErrAmbiguousMatch):
			m.log.Warn("Ambiguous match, manual resolution needed",
				"intent_id", intent.ID,
				"address", receiver,
				"amount", units.FromBaseUnits(expected, m.cfg.TokenDecimals),
				"error", err,
			)
			metrics.AmbiguousMatchesTotal.WithLabelValues(m.cfg.ServiceID).Inc()
			res.Ambiguous = append(res.Ambiguous, intent)
		default:
			res.Unmatched = append(res.Unmatched, intent)
		}
	}

	return res, nil
}

// Select returns the single transfer paying intent. expected is the intent's
// amount in base units.
func Select(
	intent *domain.PaymentIntent,
	transfers []domain.Transfer,
	expected *big.Int,
	grace time.Duration,
) (domain.Transfer, error) {
	to := domain.NormalizeAddress(intent.ExpectedTo)
	from := domain.NormalizeAddress(intent.ExpectedFrom)
	notBefore := intent.CreatedAt.Add(-grace)

	var (
		found    domain.Transfer
		hasFound bool
	)
	for _, t := range transfers {
		if domain.NormalizeAddress(t.To) != to {
			continue
		}
		if domain.NormalizeAddress(t.From) != from {
			continue
		}
		if t.RawValue == nil || t.RawValue.Cmp(expected) != 0 {
			continue
		}
		if t.BlockTimestamp.Before(notBefore) {
			continue
		}

		if !hasFound {
			found, hasFound = t, true
			continue
		}
		if !sameHash(found.Hash, t.Hash) {
			return domain.Transfer{}, fmt.Errorf("%w: %s and %s both pay intent %s",
				ErrAmbiguousMatch, found.Hash, t.Hash, intent.ID)
		}
	}

	if !hasFound {
		return domain.Transfer{}, ErrNoMatch
	}
	return found, nil
}

func sameHash(a, b string) bool {
	return domain.NormalizeAddress(a) == domain.NormalizeAddress(b)
}
