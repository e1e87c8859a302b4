package domain

import (
	"strings"
	"time"
)

// IntentStatus is the lifecycle state of a PaymentIntent.
type IntentStatus string

const (
	IntentStatusPending    IntentStatus = "PENDING"
	IntentStatusConfirming IntentStatus = "CONFIRMING"
	IntentStatusConfirmed  IntentStatus = "CONFIRMED"
	IntentStatusFailed     IntentStatus = "FAILED"
)

// OpenStatuses are the statuses the scanner still works on.
var OpenStatuses = []IntentStatus{IntentStatusPending, IntentStatusConfirming}

// IsTerminal reports whether the scanner will never touch an intent in this status again.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentStatusConfirmed || s == IntentStatusFailed
}

// IsOpen reports whether the status is PENDING or CONFIRMING.
func (s IntentStatus) IsOpen() bool {
	return s == IntentStatusPending || s == IntentStatusConfirming
}

// Valid reports whether s is a known status.
func (s IntentStatus) Valid() bool {
	switch s {
	case IntentStatusPending, IntentStatusConfirming, IntentStatusConfirmed, IntentStatusFailed:
		return true
	}
	return false
}

// PaymentIntent is an expected inbound token payment awaiting on-chain confirmation.
type PaymentIntent struct {
	ID      string `db:"id"       json:"id"`
	OrderID string `db:"order_id" json:"order_id"`

	ExpectedFrom   string `db:"expected_from_address" json:"expected_from_address"`
	ExpectedTo     string `db:"expected_to_address"   json:"expected_to_address"`
	ExpectedAmount string `db:"expected_amount"       json:"expected_amount"` // human units, e.g. "50.0"

	// TargetConfirmations is nil when the intent uses the service default.
	TargetConfirmations *uint64 `db:"target_confirmations" json:"target_confirmations,omitempty"`

	TxHash        *string `db:"tx_hash"        json:"tx_hash,omitempty"`
	BlockNumber   *uint64 `db:"block_number"   json:"block_number,omitempty"`
	Confirmations uint64  `db:"confirmations"  json:"confirmations"`
	FailureReason *string `db:"failure_reason" json:"failure_reason,omitempty"`

	Status    IntentStatus `db:"status"     json:"status"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// Target returns the confirmation threshold for the intent.
func (p *PaymentIntent) Target(fallback uint64) uint64 {
	if p.TargetConfirmations != nil {
		return *p.TargetConfirmations
	}
	return fallback
}

// HasTxHash reports whether a transfer has already been bound to the intent.
func (p *PaymentIntent) HasTxHash() bool {
	return p.TxHash != nil && *p.TxHash != ""
}

// SameTxHash compares the bound hash with h, ignoring hex case.
func (p *PaymentIntent) SameTxHash(h string) bool {
	return p.HasTxHash() && strings.EqualFold(*p.TxHash, h)
}

// IntentUpdate carries the fields written by a status transition.
type IntentUpdate struct {
	Status        IntentStatus
	TxHash        *string // nil leaves the stored hash untouched
	BlockNumber   *uint64
	Confirmations uint64
	FailureReason *string
}

// NormalizeAddress lower-cases a hex address so comparisons are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
