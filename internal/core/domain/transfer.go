package domain

import (
	"fmt"
	"math/big"
	"time"
)

// Transfer is a token transfer event reported by the chain reader. It is never persisted.
type Transfer struct {
	Hash           string
	From           string
	To             string
	RawValue       *big.Int // smallest token unit
	BlockNumber    uint64
	BlockTimestamp time.Time
	LogIndex       uint64
}

// Window is an inclusive block range [From, To].
type Window struct {
	From uint64
	To   uint64
}

// Size returns the number of blocks covered by the window.
func (w Window) Size() uint64 {
	if w.To < w.From {
		return 0
	}
	return w.To - w.From + 1
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d]", w.From, w.To)
}
