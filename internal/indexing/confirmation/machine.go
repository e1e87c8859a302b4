// Package confirmation advances payment intents through
// PENDING -> CONFIRMING -> CONFIRMED as their matched transfer gains depth.
//
// FAILED is only entered when another intent wins a race for the same
// transaction hash at write time. CONFIRMED and FAILED are never left.
package confirmation

import (
	"context"
	"errors"
	"fmt"

	logger "log/slog"

	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/indexing/metrics"
	"github.com/vietddude/paywatcher/internal/infra/storage"
)

// DefaultTargetConfirmations applies to intents without their own threshold.
const DefaultTargetConfirmations = 6

// Outcome describes what Apply did to an intent.
type Outcome string

const (
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeConfirming Outcome = "confirming"
	OutcomeFailed     Outcome = "failed"
	// OutcomeUnchanged means the stored state already reflects the observation.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeGuarded means another intent is already CONFIRMED on the hash.
	OutcomeGuarded Outcome = "guarded"
	// OutcomeStale means the intent changed underneath this write; it is
	// re-evaluated next cycle.
	OutcomeStale Outcome = "stale"
)

// Observation is a matched transfer as seen at a given chain head.
type Observation struct {
	TxHash      string
	BlockNumber uint64
	Head        uint64
}

// Confirmations returns head - block, or 0 if the head lags the block.
func (o Observation) Confirmations() uint64 {
	if o.Head < o.BlockNumber {
		return 0
	}
	return o.Head - o.BlockNumber
}

// Machine applies observations to intents through the repository.
type Machine struct {
	repo          storage.IntentRepository
	defaultTarget uint64
	serviceID     string
	log           logger.Logger
}

// NewMachine creates a state machine. defaultTarget of 0 selects
// DefaultTargetConfirmations.
func NewMachine(repo storage.IntentRepository, serviceID string, defaultTarget uint64) *Machine {
	if defaultTarget == 0 {
		defaultTarget = DefaultTargetConfirmations
	}
	return &Machine{
		repo:          repo,
		defaultTarget: defaultTarget,
		serviceID:     serviceID,
		log:           *logger.Default().With("component", "confirmation", "service", serviceID),
	}
}

// Apply evaluates one observation for intent and writes the resulting
// transition, if any. On success intent is updated in place to mirror the
// stored row. Only unexpected storage errors are returned.
func (m *Machine) Apply(ctx context.Context, intent *domain.PaymentIntent, obs Observation) (Outcome, error) {
	if intent.Status.IsTerminal() {
		return OutcomeUnchanged, nil
	}

	log := m.log.With("intent_id", intent.ID, "tx_hash", obs.TxHash)

	holders, err := m.repo.FindByTxHashExcept(ctx, obs.TxHash, intent.ID)
	if err != nil {
		return "", fmt.Errorf("check tx hash holders: %w", err)
	}
	for _, other := range holders {
		if other.Status == domain.IntentStatusConfirmed {
			log.Warn("Transfer already confirms another intent, leaving intent as is",
				"holder_intent_id", other.ID,
				"status", intent.Status,
			)
			metrics.GuardBlockedTotal.WithLabelValues(m.serviceID).Inc()
			return OutcomeGuarded, nil
		}
	}

	sameHash := intent.SameTxHash(obs.TxHash)
	confirmations := obs.Confirmations()
	if sameHash && confirmations < intent.Confirmations {
		confirmations = intent.Confirmations
	}
	target := intent.Target(m.defaultTarget)

	upd := domain.IntentUpdate{
		Status:        domain.IntentStatusConfirming,
		Confirmations: confirmations,
	}
	if confirmations >= target {
		upd.Status = domain.IntentStatusConfirmed
	} else if sameHash && intent.Status == domain.IntentStatusConfirming &&
		confirmations == intent.Confirmations {
		return OutcomeUnchanged, nil
	}
	if !sameHash {
		hash := obs.TxHash
		upd.TxHash = &hash
	}
	if intent.BlockNumber == nil || *intent.BlockNumber != obs.BlockNumber || !sameHash {
		block := obs.BlockNumber
		upd.BlockNumber = &block
	}

	err = m.repo.UpdateStatus(ctx, intent.ID, intent.Status, upd)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDuplicateTxHash):
		return m.fail(ctx, log, intent, obs, confirmations)
	case errors.Is(err, storage.ErrStaleIntent):
		log.Debug("Intent changed concurrently, will retry next cycle")
		return OutcomeStale, nil
	default:
		return "", fmt.Errorf("update intent %s: %w", intent.ID, err)
	}

	from := intent.Status
	applyUpdate(intent, upd)
	metrics.TransitionsTotal.WithLabelValues(m.serviceID, string(upd.Status)).Inc()

	if upd.Status == domain.IntentStatusConfirmed {
		log.Info("Payment confirmed",
			"order_id", intent.OrderID,
			"confirmations", confirmations,
			"target", target,
			"from_status", from,
		)
		return OutcomeConfirmed, nil
	}
	log.Info("Payment confirming",
		"order_id", intent.OrderID,
		"confirmations", confirmations,
		"target", target,
	)
	return OutcomeConfirming, nil
}

// fail marks the losing side of a tx hash race as FAILED.
func (m *Machine) fail(
	ctx context.Context,
	log *logger.Logger,
	intent *domain.PaymentIntent,
	obs Observation,
	confirmations uint64,
) (Outcome, error) {
	reason := fmt.Sprintf("tx hash %s already confirmed by another intent", obs.TxHash)
	hash := obs.TxHash
	block := obs.BlockNumber
	upd := domain.IntentUpdate{
		Status:        domain.IntentStatusFailed,
		TxHash:        &hash,
		BlockNumber:   &block,
		Confirmations: confirmations,
		FailureReason: &reason,
	}

	if err := m.repo.UpdateStatus(ctx, intent.ID, intent.Status, upd); err != nil {
		if errors.Is(err, storage.ErrStaleIntent) {
			return OutcomeStale, nil
		}
		return "", fmt.Errorf("fail intent %s: %w", intent.ID, err)
	}

	applyUpdate(intent, upd)
	metrics.TransitionsTotal.WithLabelValues(m.serviceID, string(upd.Status)).Inc()
	log.Error("Intent lost tx hash race, marked failed", "reason", reason)
	return OutcomeFailed, nil
}

func applyUpdate(intent *domain.PaymentIntent, upd domain.IntentUpdate) {
	intent.Status = upd.Status
	intent.Confirmations = upd.Confirmations
	if upd.TxHash != nil {
		h := *upd.TxHash
		intent.TxHash = &h
	}
	if upd.BlockNumber != nil {
		b := *upd.BlockNumber
		intent.BlockNumber = &b
	}
	if upd.FailureReason != nil {
		r := *upd.FailureReason
		intent.FailureReason = &r
	}
}
