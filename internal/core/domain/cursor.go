package domain

import "time"

// Cursor is the last block fully processed by one scanner instance.
type Cursor struct {
	ServiceID          string    `db:"service_id"`
	LastProcessedBlock uint64    `db:"last_processed_block"`
	UpdatedAt          time.Time `db:"updated_at"`
}
