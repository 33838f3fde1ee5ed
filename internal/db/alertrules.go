package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AlertRule configures one alert rule; id is a normalized slug such as
// "portfolio_drawdown". Config carries per-rule thresholds as JSON.
type AlertRule struct {
	ID              string
	Title           string
	Description     string
	Enabled         bool
	DefaultSeverity string
	ConfigJSON      json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AlertRuleRepo persists alert rule configuration.
type AlertRuleRepo struct {
	q Querier
}

func NewAlertRuleRepo(q Querier) *AlertRuleRepo {
	return &AlertRuleRepo{q: q}
}

// Upsert creates or replaces a rule, keeping created_at on replace.
func (r *AlertRuleRepo) Upsert(ctx context.Context, rule *AlertRule) error {
	query := `
		INSERT INTO alert_rules (
			id, title, description, enabled, default_severity, config_json,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			default_severity = EXCLUDED.default_severity,
			config_json = EXCLUDED.config_json,
			updated_at = NOW()
	`
	_, err := r.q.Exec(ctx, query,
		rule.ID,
		rule.Title,
		rule.Description,
		rule.Enabled,
		rule.DefaultSeverity,
		rule.ConfigJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert alert rule %s: %w", rule.ID, err)
	}
	return nil
}

// Get returns a rule, or nil when absent.
func (r *AlertRuleRepo) Get(ctx context.Context, id string) (*AlertRule, error) {
	query := `
		SELECT id, title, description, enabled, default_severity, config_json,
		       created_at, updated_at
		FROM alert_rules WHERE id = $1
	`
	var rule AlertRule
	err := r.q.QueryRow(ctx, query, id).Scan(
		&rule.ID,
		&rule.Title,
		&rule.Description,
		&rule.Enabled,
		&rule.DefaultSeverity,
		&rule.ConfigJSON,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load alert rule %s: %w", id, err)
	}
	return &rule, nil
}

// List returns all rules ordered by id.
func (r *AlertRuleRepo) List(ctx context.Context) ([]AlertRule, error) {
	query := `
		SELECT id, title, description, enabled, default_severity, config_json,
		       created_at, updated_at
		FROM alert_rules ORDER BY id
	`
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	var out []AlertRule
	for rows.Next() {
		var rule AlertRule
		if err := rows.Scan(
			&rule.ID,
			&rule.Title,
			&rule.Description,
			&rule.Enabled,
			&rule.DefaultSeverity,
			&rule.ConfigJSON,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rules: %w", err)
	}
	return out, nil
}

// SetEnabled toggles a rule; false return means the rule does not exist.
func (r *AlertRuleRepo) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	query := `UPDATE alert_rules SET enabled = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.q.Exec(ctx, query, enabled, id)
	if err != nil {
		return false, fmt.Errorf("failed to toggle alert rule %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}
