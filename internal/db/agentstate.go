package db

import (
	"context"
	"fmt"
)

// AgentStateRepo persists opaque per-agent state snapshots keyed by agent id.
// The agent runtime restores from it on start and saves after mutations.
type AgentStateRepo struct {
	q Querier
}

func NewAgentStateRepo(q Querier) *AgentStateRepo {
	return &AgentStateRepo{q: q}
}

// GetState returns the stored snapshot and whether one exists.
func (r *AgentStateRepo) GetState(ctx context.Context, agentID string) ([]byte, bool, error) {
	var state []byte
	err := r.q.QueryRow(ctx, `SELECT state FROM agent_state WHERE agent_id = $1`, agentID).
		Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load state for agent %s: %w", agentID, err)
	}
	return state, true, nil
}

// PutState stores the snapshot, replacing any previous one.
func (r *AgentStateRepo) PutState(ctx context.Context, agentID string, state []byte) error {
	query := `
		INSERT INTO agent_state (agent_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = NOW()
	`
	if _, err := r.q.Exec(ctx, query, agentID, state); err != nil {
		return fmt.Errorf("failed to store state for agent %s: %w", agentID, err)
	}
	return nil
}
