package kv

import (
	"context"
	"sync"
	"time"

	"github.com/tradehive/tradehive/internal/clock"
)

// Memory is an in-process Store used in tests and single-binary mode.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	data  map[string]memEntry
}

type memEntry struct {
	value     string
	counter   int64
	expiresAt time.Time // zero means no expiry
}

// NewMemory builds an empty in-memory store on the given clock.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.System{}
	}
	return &Memory{clock: c, data: make(map[string]memEntry)}
}

func (m *Memory) live(e memEntry) bool {
	return e.expiresAt.IsZero() || m.clock.Now().Before(e.expiresAt)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || !m.live(e) {
		delete(m.data, key)
		return "", false
	}
	return e.value, true
}

func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.data[key] = e
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || !m.live(e) {
		e = memEntry{}
		if ttl > 0 {
			e.expiresAt = m.clock.Now().Add(ttl)
		}
	}
	e.counter++
	m.data[key] = e
	return e.counter
}

// Len reports the number of stored keys, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
