package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AlertEvent is a persisted rule firing. The id is rule:ts:severity, so
// re-evaluating the same condition in the same instant stays a single row.
type AlertEvent struct {
	ID             string
	RuleID         string
	Severity       string
	Title          string
	Message        string
	Fingerprint    string
	DetailsJSON    json.RawMessage
	OccurredAt     time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy *string
	CreatedAt      time.Time
}

// AlertEventRepo persists alert events.
type AlertEventRepo struct {
	q Querier
}

func NewAlertEventRepo(q Querier) *AlertEventRepo {
	return &AlertEventRepo{q: q}
}

// Insert stores the event; duplicate ids are dropped. Returns true when a
// new row was written.
func (r *AlertEventRepo) Insert(ctx context.Context, ev *AlertEvent) (bool, error) {
	query := `
		INSERT INTO alert_events (
			id, rule_id, severity, title, message, fingerprint, details_json,
			occurred_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.q.Exec(ctx, query,
		ev.ID,
		ev.RuleID,
		ev.Severity,
		ev.Title,
		ev.Message,
		ev.Fingerprint,
		ev.DetailsJSON,
		ev.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert event %s: %w", ev.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRecent returns the newest events first.
func (r *AlertEventRepo) ListRecent(ctx context.Context, limit int) ([]AlertEvent, error) {
	query := `
		SELECT id, rule_id, severity, title, message, fingerprint, details_json,
		       occurred_at, acknowledged_at, acknowledged_by, created_at
		FROM alert_events ORDER BY occurred_at DESC LIMIT $1
	`
	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	defer rows.Close()

	var out []AlertEvent
	for rows.Next() {
		var ev AlertEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.RuleID,
			&ev.Severity,
			&ev.Title,
			&ev.Message,
			&ev.Fingerprint,
			&ev.DetailsJSON,
			&ev.OccurredAt,
			&ev.AcknowledgedAt,
			&ev.AcknowledgedBy,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert events: %w", err)
	}
	return out, nil
}

// Acknowledge marks an unacknowledged event; false return means the event is
// missing or already acknowledged.
func (r *AlertEventRepo) Acknowledge(ctx context.Context, id, by string, at time.Time) (bool, error) {
	query := `
		UPDATE alert_events
		SET acknowledged_at = $1, acknowledged_by = $2
		WHERE id = $3 AND acknowledged_at IS NULL
	`
	tag, err := r.q.Exec(ctx, query, at, by, id)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge alert event %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}
