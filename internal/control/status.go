package control

import (
	"context"
	"fmt"

	"github.com/vietddude/paywatcher/internal/core/cursor"
	"github.com/vietddude/paywatcher/internal/infra/chain"
	"github.com/vietddude/paywatcher/internal/infra/storage"
)

// Progress is how far a service's cursor trails the chain head.
type Progress struct {
	Head      uint64
	Cursor    uint64
	HasCursor bool
	Lag       uint64
}

// ScanProgress reads the chain head and the cursor of serviceID.
func ScanProgress(
	ctx context.Context,
	reader chain.Reader,
	cursors storage.CursorRepository,
	serviceID string,
) (Progress, error) {
	head, err := reader.ChainHeight(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("get chain height: %w", err)
	}

	mgr := cursor.NewManager(cursors)
	block, ok, err := mgr.Get(ctx, serviceID)
	if err != nil {
		return Progress{}, err
	}
	lag, err := mgr.Lag(ctx, serviceID, head)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Head: head, Cursor: block, HasCursor: ok, Lag: lag}, nil
}
