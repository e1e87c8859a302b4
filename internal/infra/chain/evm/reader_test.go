package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/infra/chain"
)

const (
	token    = "0x55d398326f99059ff775485246999027b3197955"
	receiver = "0x1111111111111111111111111111111111111111"
	sender   = "0x2222222222222222222222222222222222222222"
)

// MockCaller implements Caller for testing
type MockCaller struct {
	CallFunc func(ctx context.Context, method string, params []any) (any, error)
	calls    map[string]int
}

func (m *MockCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
	res, err := m.CallFunc(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func topic(addr string) string {
	return "0x000000000000000000000000" + addr[2:]
}

func transferLog(hash string, block, index uint64, from string, value uint64) map[string]any {
	return map[string]any{
		"address":         token,
		"topics":          []any{transferEventSig, topic(from), topic(receiver)},
		"data":            fmt.Sprintf("0x%064x", value),
		"blockNumber":     fmt.Sprintf("0x%x", block),
		"transactionHash": hash,
		"logIndex":        fmt.Sprintf("0x%x", index),
	}
}

func TestReader_ChainHeight(t *testing.T) {
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (any, error) {
			if method == "eth_blockNumber" {
				return "0x12d687", nil // 1234567 in hex
			}
			return nil, nil
		},
	}

	height, err := NewReaderWithCaller(mock, 0).ChainHeight(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if height != 1234567 {
		t.Errorf("expected height 1234567, got %d", height)
	}
}

func TestReader_TokenTransfers(t *testing.T) {
	var filters []map[string]any
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (any, error) {
			switch method {
			case "eth_getLogs":
				f := params[0].(map[string]any)
				filters = append(filters, f)
				if f["fromBlock"] == "0x384" { // 900
					return []any{
						transferLog("0xBBB", 905, 2, sender, 7),
						transferLog("0xAAA", 905, 1, sender, 50),
					}, nil
				}
				return []any{}, nil
			case "eth_getBlockByNumber":
				return map[string]any{"timestamp": "0x65678900"}, nil
			}
			return nil, nil
		},
	}

	r := NewReaderWithCaller(mock, 50)
	transfers, err := r.TokenTransfers(context.Background(), chain.TransferQuery{
		Contract: token,
		To:       receiver,
		Window:   domain.Window{From: 900, To: 1000},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 101 blocks in spans of 50
	if len(filters) != 3 {
		t.Fatalf("expected 3 eth_getLogs calls, got %d", len(filters))
	}
	topics := filters[0]["topics"].([]any)
	if topics[0] != transferEventSig || topics[1] != nil || topics[2] != topic(receiver) {
		t.Errorf("unexpected topics %v", topics)
	}
	if filters[2]["toBlock"] != "0x3e8" {
		t.Errorf("last span should end at the window end, got %v", filters[2]["toBlock"])
	}

	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}
	if transfers[0].Hash != "0xaaa" || transfers[1].Hash != "0xbbb" {
		t.Errorf("transfers not sorted by log index: %s, %s", transfers[0].Hash, transfers[1].Hash)
	}
	if transfers[0].From != sender || transfers[0].To != receiver || transfers[0].RawValue.Int64() != 50 {
		t.Errorf("unexpected transfer %+v", transfers[0])
	}
	if !transfers[0].BlockTimestamp.Equal(time.Unix(0x65678900, 0)) {
		t.Errorf("unexpected timestamp %v", transfers[0].BlockTimestamp)
	}
	// both logs sit in the same block
	if mock.calls["eth_getBlockByNumber"] != 1 {
		t.Errorf("expected block timestamp to be cached, got %d calls", mock.calls["eth_getBlockByNumber"])
	}
}

func TestReader_TokenTransfers_Errors(t *testing.T) {
	tests := []struct {
		name string
		call func(method string) (any, error)
	}{
		{
			name: "rpc failure",
			call: func(method string) (any, error) { return nil, errors.New("connection refused") },
		},
		{
			name: "malformed logs",
			call: func(method string) (any, error) { return "not-a-list", nil },
		},
		{
			name: "bad log data",
			call: func(method string) (any, error) {
				l := transferLog("0x1", 1, 0, sender, 1)
				l["data"] = "0xzz"
				return []any{l}, nil
			},
		},
		{
			name: "missing block",
			call: func(method string) (any, error) {
				if method == "eth_getLogs" {
					return []any{transferLog("0x1", 1, 0, sender, 1)}, nil
				}
				return nil, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockCaller{
				CallFunc: func(ctx context.Context, method string, params []any) (any, error) {
					return tt.call(method)
				},
			}
			transfers, err := NewReaderWithCaller(mock, 0).TokenTransfers(context.Background(), chain.TransferQuery{
				Contract: token, To: receiver, Window: domain.Window{From: 1, To: 10},
			})
			if !errors.Is(err, chain.ErrUpstream) {
				t.Fatalf("expected ErrUpstream, got %v", err)
			}
			if transfers != nil {
				t.Errorf("expected no partial data")
			}
		})
	}
}

func TestReader_SkipsRemovedLogs(t *testing.T) {
	mock := &MockCaller{
		CallFunc: func(ctx context.Context, method string, params []any) (any, error) {
			if method == "eth_getLogs" {
				l := transferLog("0x1", 1, 0, sender, 1)
				l["removed"] = true
				return []any{l}, nil
			}
			return map[string]any{"timestamp": "0x1"}, nil
		},
	}

	transfers, err := NewReaderWithCaller(mock, 0).TokenTransfers(context.Background(), chain.TransferQuery{
		To: receiver, Window: domain.Window{From: 1, To: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transfers) != 0 {
		t.Errorf("expected removed log to be skipped, got %d", len(transfers))
	}
}

func TestExtractAddress(t *testing.T) {
	got := extractAddress("0x000000000000000000000000AbCdEf0000000000000000000000000000000001")
	if got != "0xabcdef0000000000000000000000000000000001" {
		t.Errorf("unexpected address %s", got)
	}
}
