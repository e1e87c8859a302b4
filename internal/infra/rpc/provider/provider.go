// Package provider implements the HTTP transport used by the chain readers.
//
// This package contains:
//   - HTTPProvider: REST GET and JSON-RPC POST over one pooled http.Client
//   - ProviderMonitor: throttle detection and latency tracking
//   - Error: a classified transport failure (network, http, throttle, parse, api)
package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindNetwork  ErrorKind = "network"
	KindHTTP     ErrorKind = "http"
	KindThrottle ErrorKind = "throttle"
	KindParse    ErrorKind = "parse"
	KindAPI      ErrorKind = "api"
)

// Error is returned by every HTTPProvider call that does not produce a usable payload.
type Error struct {
	Provider string
	Method   string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Provider, e.Method, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or "" when err is not a provider error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	Status        string        `json:"status"`
}
