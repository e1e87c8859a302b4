package provider

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// ProviderStatus represents the health state of an upstream endpoint.
type ProviderStatus int

const (
	StatusHealthy ProviderStatus = iota
	StatusDegraded
	StatusThrottled
	StatusBlocked
)

func (s ProviderStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	}
	return "unknown"
}

// throttleMarkers are substrings explorers and node providers put in
// rate-limit responses that arrive with HTTP 200.
var throttleMarkers = []string{
	"rate limit",
	"too many requests",
	"max calls per sec",
	"daily request count exceeded",
	"monthly quota exceeded",
	"request limit reached",
}

const (
	latencySamples     = 64
	slowAverage        = 3 * time.Second
	defaultThrottleFor = time.Minute
	blockedFor         = 10 * time.Minute
)

// ProviderMonitor keeps a rolling latency sample and the current cooldown
// imposed by the upstream.
type ProviderMonitor struct {
	mu sync.RWMutex

	latencies [latencySamples]time.Duration
	next      int
	filled    int

	cooldownStatus ProviderStatus
	cooldownUntil  time.Time

	now func() time.Time
}

// NewProviderMonitor creates a monitor with no history.
func NewProviderMonitor() *ProviderMonitor {
	return &ProviderMonitor{now: time.Now}
}

// Observe records the latency of a request that reached the upstream.
func (pm *ProviderMonitor) Observe(latency time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.latencies[pm.next] = latency
	pm.next = (pm.next + 1) % latencySamples
	if pm.filled < latencySamples {
		pm.filled++
	}
}

// Throttled starts a cooldown. 403 means the client is blocked; anything
// else is treated as a rate limit lasting retryAfter (or a minute).
func (pm *ProviderMonitor) Throttled(statusCode int, retryAfter time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	status, d := StatusThrottled, retryAfter
	if statusCode == http.StatusForbidden {
		status, d = StatusBlocked, blockedFor
	} else if d <= 0 {
		d = defaultThrottleFor
	}

	until := pm.now().Add(d)
	// A block outranks a shorter rate limit that arrives while it is active.
	if pm.cooldownStatus == StatusBlocked && status != StatusBlocked && pm.cooldownUntil.After(until) {
		return
	}
	pm.cooldownStatus, pm.cooldownUntil = status, until
}

// IsThrottleMessage reports whether an error payload is a rate-limit notice.
func (pm *ProviderMonitor) IsThrottleMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, m := range throttleMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Status returns the cooldown status if one is active, otherwise healthy or
// degraded depending on average latency.
func (pm *ProviderMonitor) Status() ProviderStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.now().Before(pm.cooldownUntil) {
		return pm.cooldownStatus
	}
	if pm.filled > 10 {
		var total time.Duration
		for _, l := range pm.latencies[:pm.filled] {
			total += l
		}
		if total/time.Duration(pm.filled) > slowAverage {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// RetryAfter returns how long the current cooldown still lasts.
func (pm *ProviderMonitor) RetryAfter() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if remaining := pm.cooldownUntil.Sub(pm.now()); remaining > 0 {
		return remaining
	}
	return 0
}
