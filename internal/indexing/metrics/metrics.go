package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal tracks reconciliation cycles by outcome (ok, failed, idle, skipped)
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatcher_cycles_total",
			Help: "Total number of scan cycles by result",
		},
		[]string{"service", "result"},
	)

	// CycleDuration tracks wall time of one cycle
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paywatcher_cycle_duration_seconds",
			Help:    "Scan cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// CursorBlock tracks the last processed block persisted for a scanner
	CursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paywatcher_cursor_block",
			Help: "Last fully processed block",
		},
		[]string{"service"},
	)

	// ChainHeadBlock tracks the chain head observed at the start of a cycle
	ChainHeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paywatcher_chain_head_block",
			Help: "Chain head height observed by the scanner",
		},
		[]string{"service"},
	)

	// OpenIntents tracks intents in PENDING or CONFIRMING at the start of a cycle
	OpenIntents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paywatcher_open_intents",
			Help: "Number of open payment intents",
		},
		[]string{"service"},
	)

	// MatchesTotal tracks intents matched to a transfer
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatcher_matches_total",
			Help: "Total number of intent/transfer matches",
		},
		[]string{"service"},
	)

	// AmbiguousMatchesTotal tracks intents with more than one qualifying transfer
	AmbiguousMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatcher_ambiguous_matches_total",
			Help: "Intents skipped because several transfers qualified",
		},
		[]string{"service"},
	)

	// AmountParseErrorsTotal tracks intents whose expected amount cannot be converted
	AmountParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatcher_amount_parse_errors_total",
			Help: "Intents skipped because expected_amount is malformed",
		},
		[]string{"service"},
	)

	// TransitionsTotal tracks status writes by target status
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatcher_transitions_total",
			Help: "Total number of intent status transitions",
		},
		[]string{"service", "to"},
	)

	// GuardBlockedTotal tracks confirmations refused because another intent owns the hash
	GuardBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatcher_guard_blocked_total",
			Help: "Transitions refused by the tx hash idempotency guard",
		},
		[]string{"service"},
	)

	// UpstreamCallsTotal tracks chain API calls
	UpstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatcher_upstream_calls_total",
			Help: "Total number of chain API calls",
		},
		[]string{"provider", "method"},
	)

	// UpstreamErrorsTotal tracks chain API failures
	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatcher_upstream_errors_total",
			Help: "Total number of chain API errors",
		},
		[]string{"provider", "error_type"},
	)

	// UpstreamLatency tracks chain API latency
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paywatcher_upstream_latency_seconds",
			Help:    "Chain API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method"},
	)

	// DBConnectionPoolUsage tracks open connections as a share of the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paywatcher_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
