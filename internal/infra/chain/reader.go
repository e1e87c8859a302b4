package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/paywatcher/internal/core/domain"
)

// ErrUpstream wraps every failure of a Reader: transport errors, non-200
// responses, malformed payloads and API error objects. Callers never receive
// partial data alongside it.
var ErrUpstream = errors.New("chain upstream failure")

// TransferQuery selects token transfers of one contract into one receiver.
type TransferQuery struct {
	Contract string
	To       string
	Window   domain.Window
	// MaxCount bounds the number of transfers requested per call (page size).
	MaxCount int
}

// Reader is the boundary between the scanner and a chain-data API.
type Reader interface {
	// ChainHeight returns the latest block number.
	ChainHeight(ctx context.Context) (uint64, error)

	// TokenTransfers returns the transfers matching q in ascending block order.
	TokenTransfers(ctx context.Context, q TransferQuery) ([]domain.Transfer, error)

	// Name identifies the reader in logs and health output.
	Name() string
}

// Upstream tags err as an upstream failure.
func Upstream(op string, err error) error {
	if err == nil || errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}
