package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vietddude/paywatcher/internal/core/domain"
	"github.com/vietddude/paywatcher/internal/infra/storage"
)

const (
	uniqueViolation = "23505"

	confirmedHashConstraint = "payment_intents_confirmed_tx_hash_key"
)

const intentColumns = `id, order_id, expected_from_address, expected_to_address, expected_amount,
	target_confirmations, tx_hash, block_number, confirmations, status, failure_reason,
	created_at, updated_at`

// IntentRepo implements storage.IntentRepository using PostgreSQL.
type IntentRepo struct {
	db *DB
}

// NewIntentRepo creates a new PostgreSQL intent repository.
func NewIntentRepo(db *DB) *IntentRepo {
	return &IntentRepo{db: db}
}

// Create inserts a new intent. An empty ID is filled with a random UUID.
func (r *IntentRepo) Create(ctx context.Context, intent *domain.PaymentIntent) error {
	if intent.ID == "" {
		intent.ID = uuid.New().String()
	}
	if intent.Status == "" {
		intent.Status = domain.IntentStatusPending
	}

	query := `INSERT INTO payment_intents (
		id, order_id, expected_from_address, expected_to_address, expected_amount,
		target_confirmations, status
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		intent.ID,
		intent.OrderID,
		domain.NormalizeAddress(intent.ExpectedFrom),
		domain.NormalizeAddress(intent.ExpectedTo),
		intent.ExpectedAmount,
		intent.TargetConfirmations,
		string(intent.Status),
	).Scan(&intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create intent: %w", err)
	}
	return nil
}

// Get retrieves an intent by id.
func (r *IntentRepo) Get(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	err := r.db.GetContext(ctx, &intent,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}
	return &intent, nil
}

// ListOpen returns PENDING and CONFIRMING intents, oldest first.
func (r *IntentRepo) ListOpen(ctx context.Context) ([]*domain.PaymentIntent, error) {
	statuses := make([]string, len(domain.OpenStatuses))
	for i, s := range domain.OpenStatuses {
		statuses[i] = string(s)
	}

	var intents []*domain.PaymentIntent
	err := r.db.SelectContext(ctx, &intents,
		`SELECT `+intentColumns+` FROM payment_intents
		WHERE status = ANY($1)
		ORDER BY created_at, id`,
		pq.Array(statuses),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open intents: %w", err)
	}
	return intents, nil
}

// FindByTxHashExcept returns intents bound to hash, excluding excludeID.
func (r *IntentRepo) FindByTxHashExcept(
	ctx context.Context,
	hash string,
	excludeID string,
) ([]*domain.PaymentIntent, error) {
	var intents []*domain.PaymentIntent
	err := r.db.SelectContext(ctx, &intents,
		`SELECT `+intentColumns+` FROM payment_intents
		WHERE lower(tx_hash) = lower($1) AND id <> $2`,
		hash, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find intents by tx hash: %w", err)
	}
	return intents, nil
}

// UpdateStatus applies upd with compare-and-swap semantics on the current status.
// The statement also refuses to lower confirmations for an unchanged hash and to
// confirm a hash another intent already holds; the partial unique index catches
// writers that race past that check.
func (r *IntentRepo) UpdateStatus(
	ctx context.Context,
	id string,
	from domain.IntentStatus,
	upd domain.IntentUpdate,
) error {
	query := `UPDATE payment_intents SET
		status         = $3,
		tx_hash        = COALESCE($4, tx_hash),
		block_number   = COALESCE($5, block_number),
		confirmations  = $6,
		failure_reason = COALESCE($7, failure_reason),
		updated_at     = now()
	WHERE id = $1
	  AND status = $2
	  AND (lower(tx_hash) IS DISTINCT FROM lower(COALESCE($4, tx_hash)) OR confirmations <= $6)
	  AND ($3 <> 'CONFIRMED' OR NOT EXISTS (
		SELECT 1 FROM payment_intents o
		WHERE o.id <> $1
		  AND o.status = 'CONFIRMED'
		  AND lower(o.tx_hash) = lower(COALESCE($4, payment_intents.tx_hash))
	  ))`

	res, err := r.db.ExecContext(ctx, query,
		id,
		string(from),
		string(upd.Status),
		upd.TxHash,
		upd.BlockNumber,
		upd.Confirmations,
		upd.FailureReason,
	)
	if err != nil {
		if isConfirmedHashViolation(err) {
			return storage.ErrDuplicateTxHash
		}
		return fmt.Errorf("failed to update intent status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: tell a lost race on the hash apart from a stale snapshot.
	if upd.Status == domain.IntentStatusConfirmed {
		held, err := r.hashConfirmedElsewhere(ctx, id, upd.TxHash)
		if err != nil {
			return err
		}
		if held {
			return storage.ErrDuplicateTxHash
		}
	}
	return storage.ErrStaleIntent
}

// CountByStatus returns the number of intents per status.
func (r *IntentRepo) CountByStatus(ctx context.Context) (map[domain.IntentStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT status, count(*) AS count FROM payment_intents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count intents: %w", err)
	}

	counts := make(map[domain.IntentStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.IntentStatus(row.Status)] = row.Count
	}
	return counts, nil
}

func (r *IntentRepo) hashConfirmedElsewhere(ctx context.Context, id string, hash *string) (bool, error) {
	var held bool
	err := r.db.GetContext(ctx, &held,
		`SELECT EXISTS (
			SELECT 1 FROM payment_intents o
			WHERE o.id <> $1
			  AND o.status = 'CONFIRMED'
			  AND lower(o.tx_hash) = lower(COALESCE($2, (SELECT tx_hash FROM payment_intents WHERE id = $1)))
		)`,
		id, hash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to check confirmed hash: %w", err)
	}
	return held, nil
}

func isConfirmedHashViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && pgErr.ConstraintName == confirmedHashConstraint
}
