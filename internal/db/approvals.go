package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ApprovalState represents the approval token lifecycle (database enum)
type ApprovalState string

const (
	ApprovalActive   ApprovalState = "ACTIVE"
	ApprovalReserved ApprovalState = "RESERVED"
	ApprovalUsed     ApprovalState = "USED"
)

// Approval is a row in order_approvals. USED is terminal; at most one
// reservation holder exists at a time, enforced by the conditional updates
// below rather than by any in-process lock.
type Approval struct {
	ID               string
	PreviewHash      string
	OrderParamsJSON  json.RawMessage
	PolicyResultJSON json.RawMessage
	TokenHash        string
	Token            *string
	ExpiresAt        time.Time
	State            ApprovalState
	ReservedAt       *time.Time
	ReservedBy       *string
	ReservedUntil    *time.Time
	UsedAt           *time.Time
	SubmittedAt      *time.Time
	FailedAt         *time.Time
	LastErrorJSON    json.RawMessage
	CreatedAt        time.Time
}

// ApprovalRepo persists approval tokens.
type ApprovalRepo struct {
	q Querier
}

func NewApprovalRepo(q Querier) *ApprovalRepo {
	return &ApprovalRepo{q: q}
}

const approvalColumns = `
	id, preview_hash, order_params_json, policy_result_json, token_hash, token,
	expires_at, state, reserved_at, reserved_by, reserved_until, used_at,
	submitted_at, failed_at, last_error_json, created_at`

// Insert stores a freshly generated ACTIVE approval.
func (r *ApprovalRepo) Insert(ctx context.Context, a *Approval) error {
	query := `
		INSERT INTO order_approvals (
			id, preview_hash, order_params_json, policy_result_json,
			token_hash, expires_at, state, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.q.Exec(ctx, query,
		a.ID,
		a.PreviewHash,
		a.OrderParamsJSON,
		a.PolicyResultJSON,
		a.TokenHash,
		a.ExpiresAt,
		ApprovalActive,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval %s: %w", a.ID, err)
	}
	return nil
}

func (r *ApprovalRepo) scanOne(row interface{ Scan(...interface{}) error }) (*Approval, error) {
	var a Approval
	err := row.Scan(
		&a.ID,
		&a.PreviewHash,
		&a.OrderParamsJSON,
		&a.PolicyResultJSON,
		&a.TokenHash,
		&a.Token,
		&a.ExpiresAt,
		&a.State,
		&a.ReservedAt,
		&a.ReservedBy,
		&a.ReservedUntil,
		&a.UsedAt,
		&a.SubmittedAt,
		&a.FailedAt,
		&a.LastErrorJSON,
		&a.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	return &a, nil
}

// GetByID returns the approval, or nil when absent.
func (r *ApprovalRepo) GetByID(ctx context.Context, id string) (*Approval, error) {
	query := `SELECT` + approvalColumns + `
		FROM order_approvals WHERE id = $1`
	return r.scanOne(r.q.QueryRow(ctx, query, id))
}

// GetByTokenHash looks an approval up by the SHA-256 of the wire token.
func (r *ApprovalRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*Approval, error) {
	query := `SELECT` + approvalColumns + `
		FROM order_approvals WHERE token_hash = $1`
	return r.scanOne(r.q.QueryRow(ctx, query, tokenHash))
}

// GetByLegacyToken falls back to rows written before token hashing, which
// stored the raw token.
func (r *ApprovalRepo) GetByLegacyToken(ctx context.Context, token string) (*Approval, error) {
	query := `SELECT` + approvalColumns + `
		FROM order_approvals WHERE token = $1`
	return r.scanOne(r.q.QueryRow(ctx, query, token))
}

// Reserve atomically transitions ACTIVE, or RESERVED with a lapsed hold, to
// RESERVED for reservationID. The WHERE clause is the critical section;
// success is rows affected > 0.
func (r *ApprovalRepo) Reserve(ctx context.Context, id, reservationID string, now, until time.Time) (bool, error) {
	query := `
		UPDATE order_approvals
		SET state = $1, reserved_by = $2, reserved_at = $3, reserved_until = $4
		WHERE id = $5
		  AND (state = $6 OR (state = $1 AND reserved_until < $3))
	`
	tag, err := r.q.Exec(ctx, query, ApprovalReserved, reservationID, now, until, id, ApprovalActive)
	if err != nil {
		return false, fmt.Errorf("failed to reserve approval %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Consume atomically transitions RESERVED to USED, but only for the holder
// that reserved it.
func (r *ApprovalRepo) Consume(ctx context.Context, id, reservationID string, now time.Time) (bool, error) {
	query := `
		UPDATE order_approvals
		SET state = $1, used_at = $2, submitted_at = $2
		WHERE id = $3 AND state = $4 AND reserved_by = $5
	`
	tag, err := r.q.Exec(ctx, query, ApprovalUsed, now, id, ApprovalReserved, reservationID)
	if err != nil {
		return false, fmt.Errorf("failed to consume approval %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release reverts the holder's reservation to ACTIVE and records the error
// when one is given; a nil errJSON keeps any previous error.
func (r *ApprovalRepo) Release(ctx context.Context, id, reservationID string, errJSON json.RawMessage, failedAt *time.Time) (bool, error) {
	query := `
		UPDATE order_approvals
		SET state = $1, reserved_by = NULL, reserved_at = NULL, reserved_until = NULL,
		    last_error_json = COALESCE($2, last_error_json),
		    failed_at = COALESCE($3, failed_at)
		WHERE id = $4 AND state = $5 AND reserved_by = $6
	`
	tag, err := r.q.Exec(ctx, query, ApprovalActive, errJSON, failedAt, id, ApprovalReserved, reservationID)
	if err != nil {
		return false, fmt.Errorf("failed to release approval %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeExpired deletes ACTIVE approvals whose TTL has lapsed.
func (r *ApprovalRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM order_approvals WHERE state = $1 AND expires_at < $2`
	tag, err := r.q.Exec(ctx, query, ApprovalActive, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired approvals: %w", err)
	}
	return tag.RowsAffected(), nil
}
