package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SubmissionState represents the order submission lifecycle (database enum)
type SubmissionState string

const (
	SubmissionReserved   SubmissionState = "RESERVED"
	SubmissionSubmitting SubmissionState = "SUBMITTING"
	SubmissionSubmitted  SubmissionState = "SUBMITTED"
	SubmissionFailed     SubmissionState = "FAILED"
)

// Submission is a row in order_submissions. The idempotency key uniquely
// determines the row; broker_order_id never changes once set.
type Submission struct {
	ID             uuid.UUID
	IdempotencyKey string
	Source         string
	ApprovalID     *string
	BrokerProvider string
	RequestJSON    json.RawMessage
	State          SubmissionState
	BrokerOrderID  *string
	LastErrorJSON  json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SubmissionRepo persists order submissions.
type SubmissionRepo struct {
	q Querier
}

func NewSubmissionRepo(q Querier) *SubmissionRepo {
	return &SubmissionRepo{q: q}
}

const submissionColumns = `
	id, idempotency_key, source, approval_id, broker_provider, request_json,
	state, broker_order_id, last_error_json, created_at, updated_at`

// Reserve inserts the row for a key if absent; an existing row is left
// untouched. Callers re-read afterwards to obtain the canonical row.
func (r *SubmissionRepo) Reserve(ctx context.Context, key, source string, approvalID *string, provider string, requestJSON json.RawMessage) error {
	query := `
		INSERT INTO order_submissions (
			id, idempotency_key, source, approval_id, broker_provider,
			request_json, state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	_, err := r.q.Exec(ctx, query,
		uuid.New(),
		key,
		source,
		approvalID,
		provider,
		requestJSON,
		SubmissionReserved,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve submission %s: %w", key, err)
	}
	return nil
}

// GetByKey returns the submission for an idempotency key, or nil when absent.
func (r *SubmissionRepo) GetByKey(ctx context.Context, key string) (*Submission, error) {
	query := `SELECT` + submissionColumns + `
		FROM order_submissions WHERE idempotency_key = $1`

	var s Submission
	err := r.q.QueryRow(ctx, query, key).Scan(
		&s.ID,
		&s.IdempotencyKey,
		&s.Source,
		&s.ApprovalID,
		&s.BrokerProvider,
		&s.RequestJSON,
		&s.State,
		&s.BrokerOrderID,
		&s.LastErrorJSON,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load submission %s: %w", key, err)
	}
	return &s, nil
}

// MarkSubmitting conditionally moves (RESERVED|FAILED) -> SUBMITTING.
// Returns false when the row was in neither state.
func (r *SubmissionRepo) MarkSubmitting(ctx context.Context, key string) (bool, error) {
	query := `
		UPDATE order_submissions
		SET state = $1, updated_at = NOW()
		WHERE idempotency_key = $2 AND state IN ($3, $4)
	`
	tag, err := r.q.Exec(ctx, query, SubmissionSubmitting, key, SubmissionReserved, SubmissionFailed)
	if err != nil {
		return false, fmt.Errorf("failed to transition submission %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSubmitted finalizes the happy path with the broker order id.
func (r *SubmissionRepo) MarkSubmitted(ctx context.Context, key, brokerOrderID, provider string) error {
	query := `
		UPDATE order_submissions
		SET state = $1, broker_order_id = $2, broker_provider = $3, updated_at = NOW()
		WHERE idempotency_key = $4
	`
	tag, err := r.q.Exec(ctx, query, SubmissionSubmitted, brokerOrderID, provider, key)
	if err != nil {
		return fmt.Errorf("failed to mark submission %s submitted: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission not found: %s", key)
	}
	return nil
}

// MarkFailed records a sanitized failure.
func (r *SubmissionRepo) MarkFailed(ctx context.Context, key string, errJSON json.RawMessage) error {
	query := `
		UPDATE order_submissions
		SET state = $1, last_error_json = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`
	tag, err := r.q.Exec(ctx, query, SubmissionFailed, errJSON, key)
	if err != nil {
		return fmt.Errorf("failed to mark submission %s failed: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission not found: %s", key)
	}
	return nil
}

// StampError records an error without changing state. Used when a concurrent
// executor already reached SUBMITTED and this path only annotates.
func (r *SubmissionRepo) StampError(ctx context.Context, key string, errJSON json.RawMessage) error {
	query := `
		UPDATE order_submissions
		SET last_error_json = $1, updated_at = NOW()
		WHERE idempotency_key = $2
	`
	if _, err := r.q.Exec(ctx, query, errJSON, key); err != nil {
		return fmt.Errorf("failed to stamp submission %s error: %w", key, err)
	}
	return nil
}

// ListSubmittedWithoutTrade returns SUBMITTED submissions that have no trade
// row yet; the hourly backfill loop repairs these.
func (r *SubmissionRepo) ListSubmittedWithoutTrade(ctx context.Context, limit int) ([]Submission, error) {
	query := `
		SELECT` + submissionColumns + `
		FROM order_submissions s
		WHERE s.state = $1
		  AND NOT EXISTS (SELECT 1 FROM trades t WHERE t.submission_id = s.id)
		ORDER BY s.created_at
		LIMIT $2
	`
	rows, err := r.q.Query(ctx, query, SubmissionSubmitted, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions without trades: %w", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var s Submission
		if err := rows.Scan(
			&s.ID,
			&s.IdempotencyKey,
			&s.Source,
			&s.ApprovalID,
			&s.BrokerProvider,
			&s.RequestJSON,
			&s.State,
			&s.BrokerOrderID,
			&s.LastErrorJSON,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submissions: %w", err)
	}

	log.Debug().Int("count", len(out)).Msg("Loaded submissions lacking trade rows")
	return out, nil
}
