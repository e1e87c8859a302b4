package window

import (
	"testing"

	"github.com/vietddude/paywatcher/internal/core/domain"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		planner   Planner
		cursor    uint64
		hasCursor bool
		head      uint64
		want      domain.Window
		wantOK    bool
	}{
		{
			name:    "cold start",
			planner: NewPlanner(100, 0),
			head:    1000,
			want:    domain.Window{From: 900, To: 1000},
			wantOK:  true,
		},
		{
			name:    "cold start on a short chain",
			planner: NewPlanner(100, 0),
			head:    40,
			want:    domain.Window{From: 0, To: 40},
			wantOK:  true,
		},
		{
			name:      "resume after cursor",
			planner:   NewPlanner(100, 0),
			cursor:    1000,
			hasCursor: true,
			head:      1003,
			want:      domain.Window{From: 1001, To: 1003},
			wantOK:    true,
		},
		{
			name:      "cursor at head",
			planner:   NewPlanner(100, 0),
			cursor:    1003,
			hasCursor: true,
			head:      1003,
		},
		{
			name:      "head behind cursor",
			planner:   NewPlanner(100, 0),
			cursor:    1003,
			hasCursor: true,
			head:      990,
		},
		{
			name:      "catch-up is capped",
			planner:   NewPlanner(100, 500),
			cursor:    1000,
			hasCursor: true,
			head:      5000,
			want:      domain.Window{From: 1001, To: 1500},
			wantOK:    true,
		},
		{
			name:      "cap larger than the gap",
			planner:   NewPlanner(100, 500),
			cursor:    1000,
			hasCursor: true,
			head:      1010,
			want:      domain.Window{From: 1001, To: 1010},
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.planner.Plan(tt.cursor, tt.hasCursor, tt.head)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("window = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPlan_NeverStartsAtOrBeforeCursor(t *testing.T) {
	p := NewPlanner(100, 7)
	cursor := uint64(50)
	for head := uint64(0); head < 200; head++ {
		w, ok := p.Plan(cursor, true, head)
		if !ok {
			continue
		}
		if w.From != cursor+1 {
			t.Fatalf("head %d: from %d, want %d", head, w.From, cursor+1)
		}
		if w.To > head || w.From > w.To {
			t.Fatalf("head %d: invalid window %+v", head, w)
		}
		cursor = w.To
	}
}
