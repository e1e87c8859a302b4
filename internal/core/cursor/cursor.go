// Package cursor tracks how far each scanner instance has reconciled the chain.
//
// The cursor is the single ordering anchor of a scan cycle: it is advanced only
// after every address group in [fromBlock, toBlock] was processed, and it never
// moves backwards. A crash mid-cycle therefore re-scans at most one window.
//
//	mgr := cursor.NewManager(cursorRepo)
//
//	last, ok, _ := mgr.Get(ctx, "bsc-usdt")  // ok == false on cold start
//	_ = mgr.Advance(ctx, "bsc-usdt", 1000)   // persisted
//	_ = mgr.Advance(ctx, "bsc-usdt", 990)    // ErrRegression
package cursor

import (
	"github.com/vietddude/paywatcher/internal/infra/storage"
)

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.CursorRepository) *DefaultManager {
	return &DefaultManager{repo: repo}
}
