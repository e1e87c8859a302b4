// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/paywatcher/internal/infra/rpc/provider"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ServiceHealth contains health metrics for one scanner instance.
type ServiceHealth struct {
	ServiceID           string                 `json:"service_id"`
	Status              SystemStatus           `json:"status"`
	Running             bool                   `json:"running"`
	Cursor              uint64                 `json:"cursor"`
	Head                uint64                 `json:"head"`
	BlockLag            uint64                 `json:"block_lag"`
	OpenIntents         int                    `json:"open_intents"`
	LastWindow          string                 `json:"last_window,omitempty"`
	LastSuccessAt       time.Time              `json:"last_success_at"`
	LastError           string                 `json:"last_error,omitempty"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	LeaseHeld           bool                   `json:"lease_held"`
	Reader              *provider.HealthStatus `json:"reader,omitempty"`
	Database            string                 `json:"database,omitempty"`
	Reasons             []string               `json:"reasons,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus             `json:"system_status"`
	Services     map[string]ServiceHealth `json:"services"`
	CheckedAt    time.Time                `json:"checked_at"`
}

func worse(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
