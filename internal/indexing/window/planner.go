// Package window plans the block range each scan cycle covers.
package window

import "github.com/vietddude/paywatcher/internal/core/domain"

// DefaultWarmStartDepth bounds the first scan of a service with no cursor.
const DefaultWarmStartDepth = 100

// Planner computes [from, to] from the stored cursor and the chain head.
type Planner struct {
	// WarmStartDepth is how far behind head a cold start begins.
	WarmStartDepth uint64
	// MaxBlocks caps the window size while catching up; 0 means unbounded.
	MaxBlocks uint64
}

// NewPlanner creates a planner.
func NewPlanner(warmStartDepth, maxBlocks uint64) Planner {
	return Planner{WarmStartDepth: warmStartDepth, MaxBlocks: maxBlocks}
}

// Plan returns the next window and false when there is nothing to scan
// (the cursor has already reached head). The window never extends past head
// and never starts at or before an existing cursor.
func (p Planner) Plan(cursor uint64, hasCursor bool, head uint64) (domain.Window, bool) {
	var from uint64
	if hasCursor {
		if cursor >= head {
			return domain.Window{}, false
		}
		from = cursor + 1
	} else if head > p.WarmStartDepth {
		from = head - p.WarmStartDepth
	}

	to := head
	if p.MaxBlocks > 0 && to-from+1 > p.MaxBlocks {
		to = from + p.MaxBlocks - 1
	}
	return domain.Window{From: from, To: to}, true
}
