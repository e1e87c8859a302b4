package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/vietddude/paywatcher/internal/indexing/metrics"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 32 << 20

// HTTPProvider talks to one chain-data endpoint over HTTP.
type HTTPProvider struct {
	name       string
	endpoint   string
	httpClient *http.Client

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int

	Monitor *ProviderMonitor
}

// NewHTTPProvider creates a new HTTP provider. timeout bounds every call.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: HealthStatus{
			Available:     true,
			LastSuccessAt: time.Now(),
		},
		Monitor: NewProviderMonitor(),
	}
}

// Get issues a REST GET with the given query string and returns the raw body.
// method is only used for metrics and error messages.
func (p *HTTPProvider) Get(ctx context.Context, method string, query url.Values) ([]byte, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, p.fail(method, KindNetwork, 0, fmt.Errorf("parse endpoint: %w", err))
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, p.fail(method, KindNetwork, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	return p.do(req, method)
}

// Call makes a single JSON-RPC 2.0 call and returns the raw result.
func (p *HTTPProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, p.fail(method, KindParse, 0, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, p.fail(method, KindNetwork, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := p.do(req, method)
	if err != nil {
		return nil, err
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, p.fail(method, KindParse, 0, fmt.Errorf("parse response: %w", err))
	}

	if rpcResp.Error != nil {
		kind := KindAPI
		if p.Monitor.IsThrottleMessage(rpcResp.Error.Message) {
			p.Monitor.Throttled(http.StatusTooManyRequests, 0)
			kind = KindThrottle
		}
		return nil, p.fail(method, kind, 0,
			fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}

	return rpcResp.Result, nil
}

// RecordAPIError lets callers report an error object found inside a 200 response,
// so throttling hidden in payloads still feeds the monitor.
func (p *HTTPProvider) RecordAPIError(method, message string) error {
	if p.Monitor.IsThrottleMessage(message) {
		p.Monitor.Throttled(http.StatusTooManyRequests, 0)
		return p.fail(method, KindThrottle, 0, errors.New(message))
	}
	return p.fail(method, KindAPI, 0, errors.New(message))
}

// RecordParseError reports a payload that did not have the expected shape.
func (p *HTTPProvider) RecordParseError(method string, err error) error {
	return p.fail(method, KindParse, 0, err)
}

func (p *HTTPProvider) do(req *http.Request, method string) ([]byte, error) {
	if status := p.Monitor.Status(); status == StatusThrottled || status == StatusBlocked {
		return nil, p.fail(method, KindThrottle, 0,
			fmt.Errorf("provider %s, retry after %v", status, p.Monitor.RetryAfter()))
	}

	start := time.Now()
	metrics.UpstreamCallsTotal.WithLabelValues(p.name, method).Inc()

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, p.fail(method, KindNetwork, 0, err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	metrics.UpstreamLatency.WithLabelValues(p.name, method).Observe(latency.Seconds())

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		p.Monitor.Throttled(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")))
		return nil, p.fail(method, KindThrottle, resp.StatusCode, errors.New("rate limited"))
	case http.StatusForbidden:
		p.Monitor.Throttled(resp.StatusCode, 0)
		return nil, p.fail(method, KindThrottle, resp.StatusCode, errors.New("ip blocked"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, p.fail(method, KindNetwork, 0, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		kind := KindHTTP
		if p.Monitor.IsThrottleMessage(string(body)) {
			kind = KindThrottle
		}
		return nil, p.fail(method, kind, resp.StatusCode, fmt.Errorf("%s", truncate(body, 256)))
	}

	p.Monitor.Observe(latency)
	p.recordSuccess(latency)
	return body, nil
}

// GetName returns the provider's name.
func (p *HTTPProvider) GetName() string {
	return p.name
}

// GetHealth returns the provider's health status.
func (p *HTTPProvider) GetHealth() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h := p.health
	h.Status = p.Monitor.Status().String()
	return h
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) fail(method string, kind ErrorKind, status int, err error) error {
	p.recordFailure()
	metrics.UpstreamErrorsTotal.WithLabelValues(p.name, string(kind)).Inc()
	return &Error{Provider: p.name, Method: method, Kind: kind, Status: status, Err: err}
}

func (p *HTTPProvider) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCount++
	p.requestCount++
	p.totalLatency += latency
	p.health.LastSuccessAt = time.Now()
	p.health.Available = true
	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)
	p.health.Latency = p.totalLatency / time.Duration(p.successCount)
}

func (p *HTTPProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCount++
	p.requestCount++
	p.health.LastFailureAt = time.Now()
	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)

	if p.health.ErrorRate > 0.5 {
		p.health.Available = false
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
