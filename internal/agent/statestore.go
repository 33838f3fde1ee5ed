package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tradehive/tradehive/internal/swarm"
)

// StateRepo is the persistence surface for agent state envelopes, satisfied
// by the Postgres repository.
type StateRepo interface {
	GetState(ctx context.Context, agentID string) ([]byte, bool, error)
	PutState(ctx context.Context, agentID string, state []byte) error
}

// RepoStateStore adapts a StateRepo to one agent's swarm.StateStore.
type RepoStateStore struct {
	repo StateRepo
	id   swarm.AgentID
}

// NewRepoStateStore binds an agent id to the shared repository.
func NewRepoStateStore(repo StateRepo, id swarm.AgentID) *RepoStateStore {
	return &RepoStateStore{repo: repo, id: id}
}

func (s *RepoStateStore) Load(ctx context.Context, v interface{}) (bool, error) {
	raw, found, err := s.repo.GetState(ctx, s.id.String())
	if err != nil {
		return false, fmt.Errorf("load state for %s: %w", s.id, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode state for %s: %w", s.id, err)
	}
	return true, nil
}

func (s *RepoStateStore) Save(ctx context.Context, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", s.id, err)
	}
	if err := s.repo.PutState(ctx, s.id.String(), raw); err != nil {
		return fmt.Errorf("save state for %s: %w", s.id, err)
	}
	return nil
}

// MemStateStore is an in-process StateStore for dev mode and tests. Unlike
// the cache-backed KV store it reports save failures truthfully (it has
// none), which the registry's persist-before-ack contract depends on.
type MemStateStore struct {
	mu  sync.Mutex
	raw []byte
}

// NewMemStateStore returns an empty in-memory store.
func NewMemStateStore() *MemStateStore { return &MemStateStore{} }

func (s *MemStateStore) Load(_ context.Context, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(s.raw, v)
}

func (s *MemStateStore) Save(_ context.Context, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = raw
	s.mu.Unlock()
	return nil
}
