// Package explorer reads token transfers from an Etherscan-compatible block
// explorer API (etherscan, bscscan, polygonscan and the v2 multichain endpoint).
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	logger "log/slog"

	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/core/units"
	"github.com/vietddude/paywatcher/internal/infra/chain"
	"github.com/vietddude/paywatcher/internal/infra/rpc/provider"
)

const (
	defaultPageSize = 1000
	defaultMaxPages = 10

	noTransactionsMessage = "No transactions found"
)

// Config configures a Client.
type Config struct {
	APIURL   string
	APIKey   string
	ChainID  string // sent as chainid when set (v2 multichain API)
	Timeout  time.Duration
	MaxPages int
}

// Client implements chain.Reader on top of the explorer REST API.
type Client struct {
	provider *provider.HTTPProvider
	apiKey   string
	chainID  string
	maxPages int
	log      logger.Logger
}

var _ chain.Reader = (*Client)(nil)

// NewClient creates an explorer client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Client{
		provider: provider.NewHTTPProvider("explorer", cfg.APIURL, cfg.Timeout),
		apiKey:   cfg.APIKey,
		chainID:  cfg.ChainID,
		maxPages: cfg.MaxPages,
		log:      *logger.Default().With("reader", "explorer"),
	}
}

// Name implements chain.Reader.
func (c *Client) Name() string { return "explorer" }

// Health exposes the transport health for the health endpoint.
func (c *Client) Health() provider.HealthStatus { return c.provider.GetHealth() }

// Close releases idle connections.
func (c *Client) Close() error { return c.provider.Close() }

// envelope is the common explorer response shape. Result is a string on
// errors and an array or hex string on success.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type tokenTx struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	ContractAddress string `json:"contractAddress"`
	Value           string `json:"value"`
	LogIndex        string `json:"logIndex"`
}

// ChainHeight returns the latest block via the proxy eth_blockNumber action.
func (c *Client) ChainHeight(ctx context.Context) (uint64, error) {
	const method = "eth_blockNumber"

	body, err := c.provider.Get(ctx, method, c.query(url.Values{
		"module": {"proxy"},
		"action": {"eth_blockNumber"},
	}))
	if err != nil {
		return 0, chain.Upstream(method, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, chain.Upstream(method, c.provider.RecordParseError(method, err))
	}
	if env.Error != nil {
		return 0, chain.Upstream(method, c.provider.RecordAPIError(method, env.Error.Message))
	}

	var hex string
	if err := json.Unmarshal(env.Result, &hex); err != nil || !strings.HasPrefix(hex, "0x") {
		// Proxy errors come back as {"status":"0","result":"<message>"}.
		msg := env.Message
		if hex != "" {
			msg = hex
		}
		return 0, chain.Upstream(method, c.provider.RecordAPIError(method, msg))
	}

	height, err := strconv.ParseUint(strings.TrimPrefix(hex, "0x"), 16, 64)
	if err != nil {
		return 0, chain.Upstream(method, c.provider.RecordParseError(method, err))
	}
	return height, nil
}

// TokenTransfers pages through account/tokentx for the receiver and keeps the
// transfers into q.To. A short page ends the scan; running out of pages
// before that is an error so the window is retried instead of truncated.
func (c *Client) TokenTransfers(ctx context.Context, q chain.TransferQuery) ([]domain.Transfer, error) {
	const method = "tokentx"

	pageSize := q.MaxCount
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	receiver := domain.NormalizeAddress(q.To)
	contract := domain.NormalizeAddress(q.Contract)

	var out []domain.Transfer
	for page := 1; page <= c.maxPages; page++ {
		rows, err := c.fetchPage(ctx, method, contract, receiver, q.Window, page, pageSize)
		if err != nil {
			return nil, chain.Upstream(method, err)
		}

		for _, row := range rows {
			t, err := toTransfer(row)
			if err != nil {
				return nil, chain.Upstream(method, c.provider.RecordParseError(method, err))
			}
			if t.To != receiver {
				continue
			}
			if contract != "" && domain.NormalizeAddress(row.ContractAddress) != contract {
				continue
			}
			out = append(out, t)
		}

		if len(rows) < pageSize {
			c.log.Debug("Fetched token transfers",
				"address", receiver,
				"from_block", q.Window.From,
				"to_block", q.Window.To,
				"pages", page,
				"count", len(out),
			)
			return out, nil
		}
	}

	return nil, chain.Upstream(method,
		fmt.Errorf("more than %d pages of %d transfers in window [%d, %d]",
			c.maxPages, pageSize, q.Window.From, q.Window.To))
}

func (c *Client) fetchPage(
	ctx context.Context,
	method, contract, receiver string,
	w domain.Window,
	page, pageSize int,
) ([]tokenTx, error) {
	params := url.Values{
		"module":     {"account"},
		"action":     {"tokentx"},
		"address":    {receiver},
		"startblock": {strconv.FormatUint(w.From, 10)},
		"endblock":   {strconv.FormatUint(w.To, 10)},
		"page":       {strconv.Itoa(page)},
		"offset":     {strconv.Itoa(pageSize)},
		"sort":       {"asc"},
	}
	if contract != "" {
		params.Set("contractaddress", contract)
	}

	body, err := c.provider.Get(ctx, method, c.query(params))
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, c.provider.RecordParseError(method, err)
	}

	if env.Status != "1" {
		if strings.EqualFold(env.Message, noTransactionsMessage) {
			return nil, nil
		}
		msg := env.Message
		var detail string
		if json.Unmarshal(env.Result, &detail) == nil && detail != "" {
			msg = msg + ": " + detail
		}
		if msg == "" {
			msg = "explorer returned status " + strconv.Quote(env.Status)
		}
		return nil, c.provider.RecordAPIError(method, msg)
	}

	var rows []tokenTx
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		return nil, c.provider.RecordParseError(method, fmt.Errorf("decode result: %w", err))
	}
	return rows, nil
}

func (c *Client) query(params url.Values) url.Values {
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	if c.chainID != "" {
		params.Set("chainid", c.chainID)
	}
	return params
}

func toTransfer(row tokenTx) (domain.Transfer, error) {
	if row.Hash == "" || row.From == "" || row.To == "" {
		return domain.Transfer{}, errors.New("transfer is missing hash, from or to")
	}
	block, err := strconv.ParseUint(row.BlockNumber, 10, 64)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("blockNumber %q: %w", row.BlockNumber, err)
	}
	ts, err := strconv.ParseInt(row.TimeStamp, 10, 64)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("timeStamp %q: %w", row.TimeStamp, err)
	}
	value, err := units.ParseRaw(row.Value)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("value: %w", err)
	}
	var logIndex uint64
	if row.LogIndex != "" {
		logIndex, _ = strconv.ParseUint(row.LogIndex, 10, 64)
	}

	return domain.Transfer{
		Hash:           strings.ToLower(row.Hash),
		From:           domain.NormalizeAddress(row.From),
		To:             domain.NormalizeAddress(row.To),
		RawValue:       value,
		BlockNumber:    block,
		BlockTimestamp: time.Unix(ts, 0).UTC(),
		LogIndex:       logIndex,
	}, nil
}
