package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/core/units"
	"github.com/vietddude/paywatcher/internal/infra/storage"
)

// ErrInvalidIntent is returned for intent requests that can never match.
var ErrInvalidIntent = errors.New("invalid intent")

// IntentRequest describes a payment to wait for.
type IntentRequest struct {
	OrderID             string
	From                string
	To                  string
	Amount              string
	TargetConfirmations *uint64
}

// CreateIntent validates req against the token precision and stores a new
// PENDING intent.
func CreateIntent(
	ctx context.Context,
	repo storage.IntentRepository,
	req IntentRequest,
	decimals int32,
) (*domain.PaymentIntent, error) {
	from := domain.NormalizeAddress(req.From)
	to := domain.NormalizeAddress(req.To)
	if !isHexAddress(from) {
		return nil, fmt.Errorf("%w: bad sender address %q", ErrInvalidIntent, req.From)
	}
	if !isHexAddress(to) {
		return nil, fmt.Errorf("%w: bad receiver address %q", ErrInvalidIntent, req.To)
	}
	if _, err := units.ToBaseUnits(req.Amount, decimals); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIntent, err)
	}
	if req.TargetConfirmations != nil && *req.TargetConfirmations == 0 {
		return nil, fmt.Errorf("%w: target confirmations must be positive", ErrInvalidIntent)
	}

	intent := &domain.PaymentIntent{
		ID:                  uuid.New().String(),
		OrderID:             req.OrderID,
		ExpectedFrom:        from,
		ExpectedTo:          to,
		ExpectedAmount:      strings.TrimSpace(req.Amount),
		TargetConfirmations: req.TargetConfirmations,
		Status:              domain.IntentStatusPending,
	}
	if err := repo.Create(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// GetIntent loads an intent by id. Ids that are not UUIDs cannot exist and
// report storage.ErrIntentNotFound without a store round trip.
func GetIntent(ctx context.Context, repo storage.IntentRepository, id string) (*domain.PaymentIntent, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", storage.ErrIntentNotFound, id)
	}
	return repo.Get(ctx, parsed.String())
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
