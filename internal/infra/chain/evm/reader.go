// Package evm reads ERC-20 Transfer logs straight from an EVM JSON-RPC node.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	logger "log/slog"

	lru "github.com/hashicorp/golang-lru"
	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/infra/chain"
	"github.com/vietddude/paywatcher/internal/infra/rpc/provider"
)

// transferEventSig is keccak256("Transfer(address,address,uint256)").
const transferEventSig = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

const (
	defaultRangeBlocks = 2000
	maxCachedBlocks    = 4096
)

// Caller is the JSON-RPC surface the reader needs.
type Caller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Config configures a Reader.
type Config struct {
	RPCURL  string
	Timeout time.Duration
	// RangeBlocks bounds the block span of one eth_getLogs call.
	RangeBlocks uint64
}

// Reader implements chain.Reader with eth_getLogs.
type Reader struct {
	client      Caller
	closer      func() error
	health      func() provider.HealthStatus
	rangeBlocks uint64
	log         logger.Logger

	timestamps *lru.Cache
}

var _ chain.Reader = (*Reader)(nil)

// NewReader creates a reader backed by an HTTP JSON-RPC endpoint.
func NewReader(cfg Config) *Reader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	p := provider.NewHTTPProvider("evm-rpc", cfg.RPCURL, cfg.Timeout)
	r := NewReaderWithCaller(p, cfg.RangeBlocks)
	r.closer = p.Close
	r.health = p.GetHealth
	return r
}

// NewReaderWithCaller creates a reader over an arbitrary JSON-RPC caller.
func NewReaderWithCaller(c Caller, rangeBlocks uint64) *Reader {
	if rangeBlocks == 0 {
		rangeBlocks = defaultRangeBlocks
	}
	// lru.New only fails on a non-positive size.
	timestamps, _ := lru.New(maxCachedBlocks)
	return &Reader{
		client:      c,
		closer:      func() error { return nil },
		health:      func() provider.HealthStatus { return provider.HealthStatus{Available: true} },
		rangeBlocks: rangeBlocks,
		log:         *logger.Default().With("reader", "evm"),
		timestamps:  timestamps,
	}
}

// Name implements chain.Reader.
func (r *Reader) Name() string { return "evm" }

// Health exposes the transport health for the health endpoint.
func (r *Reader) Health() provider.HealthStatus { return r.health() }

// Close releases idle connections.
func (r *Reader) Close() error { return r.closer() }

// ChainHeight implements chain.Reader.
func (r *Reader) ChainHeight(ctx context.Context) (uint64, error) {
	raw, err := r.client.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, chain.Upstream("eth_blockNumber", err)
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, chain.Upstream("eth_blockNumber", fmt.Errorf("invalid block number response: %w", err))
	}
	n, err := parseHexUint(hex)
	if err != nil {
		return 0, chain.Upstream("eth_blockNumber", err)
	}
	return n, nil
}

type rpcLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

// TokenTransfers implements chain.Reader. eth_getLogs has no row limit, so
// the window is split into spans of at most RangeBlocks instead; q.MaxCount
// is not used.
func (r *Reader) TokenTransfers(ctx context.Context, q chain.TransferQuery) ([]domain.Transfer, error) {
	receiver := domain.NormalizeAddress(q.To)
	toTopic, err := addressTopic(receiver)
	if err != nil {
		return nil, chain.Upstream("eth_getLogs", err)
	}

	var out []domain.Transfer
	for start := q.Window.From; start <= q.Window.To; {
		end := min(start+r.rangeBlocks-1, q.Window.To)

		filter := map[string]any{
			"fromBlock": fmt.Sprintf("0x%x", start),
			"toBlock":   fmt.Sprintf("0x%x", end),
			"topics":    []any{transferEventSig, nil, toTopic},
		}
		if q.Contract != "" {
			filter["address"] = domain.NormalizeAddress(q.Contract)
		}

		raw, err := r.client.Call(ctx, "eth_getLogs", []any{filter})
		if err != nil {
			return nil, chain.Upstream("eth_getLogs", err)
		}
		var logs []rpcLog
		if err := json.Unmarshal(raw, &logs); err != nil {
			return nil, chain.Upstream("eth_getLogs", fmt.Errorf("decode logs: %w", err))
		}

		for _, l := range logs {
			if l.Removed {
				continue
			}
			t, err := decodeTransfer(l)
			if err != nil {
				return nil, chain.Upstream("eth_getLogs", err)
			}
			if t.To != receiver {
				continue
			}
			out = append(out, t)
		}

		if end == q.Window.To {
			break
		}
		start = end + 1
	}

	for i := range out {
		ts, err := r.blockTimestamp(ctx, out[i].BlockNumber)
		if err != nil {
			return nil, chain.Upstream("eth_getBlockByNumber", err)
		}
		out[i].BlockTimestamp = ts
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})

	r.log.Debug("Fetched transfer logs",
		"address", receiver,
		"from_block", q.Window.From,
		"to_block", q.Window.To,
		"count", len(out),
	)
	return out, nil
}

func (r *Reader) blockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	if v, ok := r.timestamps.Get(number); ok {
		return v.(time.Time), nil
	}

	raw, err := r.client.Call(ctx, "eth_getBlockByNumber", []any{fmt.Sprintf("0x%x", number), false})
	if err != nil {
		return time.Time{}, err
	}
	var block struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return time.Time{}, fmt.Errorf("decode block %d: %w", number, err)
	}
	if block.Timestamp == "" {
		return time.Time{}, fmt.Errorf("block %d not found", number)
	}
	secs, err := parseHexUint(block.Timestamp)
	if err != nil {
		return time.Time{}, err
	}
	ts := time.Unix(int64(secs), 0).UTC()
	r.timestamps.Add(number, ts)
	return ts, nil
}

func decodeTransfer(l rpcLog) (domain.Transfer, error) {
	if len(l.Topics) < 3 || !strings.EqualFold(l.Topics[0], transferEventSig) {
		return domain.Transfer{}, fmt.Errorf("log %s is not an ERC-20 Transfer", l.TransactionHash)
	}
	if l.TransactionHash == "" {
		return domain.Transfer{}, fmt.Errorf("log without transaction hash")
	}
	block, err := parseHexUint(l.BlockNumber)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("blockNumber: %w", err)
	}
	logIndex, err := parseHexUint(l.LogIndex)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("logIndex: %w", err)
	}
	value, err := parseHexBig(l.Data)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("data: %w", err)
	}

	return domain.Transfer{
		Hash:        strings.ToLower(l.TransactionHash),
		From:        extractAddress(l.Topics[1]),
		To:          extractAddress(l.Topics[2]),
		RawValue:    value,
		BlockNumber: block,
		LogIndex:    logIndex,
	}, nil
}

// extractAddress takes the low 20 bytes of a 32-byte topic.
func extractAddress(topic string) string {
	clean := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(clean) < 40 {
		return "0x" + clean
	}
	return "0x" + clean[len(clean)-40:]
}

func addressTopic(addr string) (string, error) {
	clean := strings.TrimPrefix(addr, "0x")
	if len(clean) != 40 {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return "0x" + strings.Repeat("0", 24) + clean, nil
}

func parseHexUint(s string) (uint64, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if clean == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	return strconv.ParseUint(clean, 16, 64)
}

func parseHexBig(s string) (*big.Int, error) {
	clean := strings.TrimPrefix(s, "0x")
	if clean == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(clean, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex %q", s)
	}
	return v, nil
}
