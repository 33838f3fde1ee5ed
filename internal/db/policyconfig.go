package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PolicyConfigRepo persists the policy configuration singleton (id = 1) as
// opaque JSON; internal/policy owns the typed shape.
type PolicyConfigRepo struct {
	q Querier
}

func NewPolicyConfigRepo(q Querier) *PolicyConfigRepo {
	return &PolicyConfigRepo{q: q}
}

// Get returns the stored configuration, or nil when none has been written.
func (r *PolicyConfigRepo) Get(ctx context.Context) (json.RawMessage, *time.Time, error) {
	var (
		raw       json.RawMessage
		updatedAt time.Time
	)
	err := r.q.QueryRow(ctx, `SELECT config_json, updated_at FROM policy_config WHERE id = 1`).
		Scan(&raw, &updatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to load policy config: %w", err)
	}
	return raw, &updatedAt, nil
}

// Put replaces the configuration.
func (r *PolicyConfigRepo) Put(ctx context.Context, configJSON json.RawMessage) error {
	query := `
		INSERT INTO policy_config (id, config_json, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			config_json = EXCLUDED.config_json,
			updated_at = NOW()
	`
	if _, err := r.q.Exec(ctx, query, configJSON); err != nil {
		return fmt.Errorf("failed to store policy config: %w", err)
	}
	return nil
}
