package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehive/tradehive/internal/clock"
)

// memStore is an in-memory StateStore for registry tests.
type memStore struct {
	mu   sync.Mutex
	raw  []byte
	fail bool
}

func (s *memStore) Load(_ context.Context, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(s.raw, v)
}

func (s *memStore) Save(_ context.Context, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("store unavailable")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.raw = raw
	return nil
}

// scriptedDeliverer records delivery order and fails targets on demand.
type scriptedDeliverer struct {
	delivered []*Message
	failFor   map[AgentID]int // remaining failures per target
}

func newScriptedDeliverer() *scriptedDeliverer {
	return &scriptedDeliverer{failFor: make(map[AgentID]int)}
}

func (d *scriptedDeliverer) Deliver(_ context.Context, msg *Message) error {
	if n := d.failFor[msg.Target]; n > 0 {
		d.failFor[msg.Target] = n - 1
		return fmt.Errorf("target unavailable")
	}
	d.delivered = append(d.delivered, msg)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake, *scriptedDeliverer) {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	reg := NewRegistry(DefaultRegistryConfig(), fc, &memStore{}, zerolog.Nop())
	del := newScriptedDeliverer()
	reg.SetDeliverer(del)
	require.NoError(t, reg.OnStart(context.Background()))
	return reg, fc, del
}

func registerAgent(t *testing.T, reg *Registry, id AgentID) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), AgentStatus{ID: id, Status: StateActive}))
}

func mustMessage(t *testing.T, fc *clock.Fake, target AgentID, topic string) *Message {
	t.Helper()
	msg, err := NewMessage("queue", NewAgentID(TypeScout), target, MessageCommand, topic, map[string]string{"k": "v"}, clock.NowMs(fc))
	require.NoError(t, err)
	return msg
}

func TestEnqueueValidates(t *testing.T) {
	reg, fc, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Enqueue(ctx, &Message{}, 0, 3)
	require.Error(t, err)

	msg := mustMessage(t, fc, NewAgentID(TypeTrader), "test")
	queueID, err := reg.Enqueue(ctx, msg, 0, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, queueID)
	assert.Equal(t, 1, reg.QueueState().Queued)
}

func TestEnqueueNotAckedWhenPersistFails(t *testing.T) {
	fc := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	store := &memStore{}
	reg := NewRegistry(DefaultRegistryConfig(), fc, store, zerolog.Nop())
	reg.SetDeliverer(newScriptedDeliverer())
	require.NoError(t, reg.OnStart(context.Background()))

	store.fail = true
	_, err := reg.Enqueue(context.Background(), mustMessage(t, fc, NewAgentID(TypeTrader), "test"), 0, 3)
	require.Error(t, err)
	assert.Equal(t, 0, reg.QueueState().Queued, "a failed persist must not leave the message queued")
}

func TestDispatchDeliversFIFO(t *testing.T) {
	reg, fc, del := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)
	registerAgent(t, reg, trader)

	for i := 0; i < 5; i++ {
		msg := mustMessage(t, fc, trader, fmt.Sprintf("topic-%d", i))
		_, err := reg.Enqueue(ctx, msg, 0, 3)
		require.NoError(t, err)
	}

	res := reg.Dispatch(ctx, 200)
	assert.Equal(t, 5, res.Delivered)
	require.Len(t, del.delivered, 5)
	for i, msg := range del.delivered {
		assert.Equal(t, fmt.Sprintf("topic-%d", i), msg.Topic)
	}
	assert.Equal(t, 0, reg.QueueState().Queued)
}

func TestDispatchRespectsDelay(t *testing.T) {
	reg, fc, del := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)
	registerAgent(t, reg, trader)

	_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, "delayed"), 30*time.Second, 3)
	require.NoError(t, err)

	res := reg.Dispatch(ctx, 200)
	assert.Equal(t, 0, res.Delivered)
	assert.Empty(t, del.delivered)
	assert.Equal(t, 1, reg.QueueState().Queued)

	fc.Advance(31 * time.Second)
	res = reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, del.delivered, 1)
}

func TestDispatchExpiresTTL(t *testing.T) {
	reg, fc, del := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)
	registerAgent(t, reg, trader)

	msg := mustMessage(t, fc, trader, "expiring")
	msg.TTLMs = 1000
	_, err := reg.Enqueue(ctx, msg, 0, 3)
	require.NoError(t, err)

	fc.Advance(2 * time.Second)
	res := reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Expired)
	assert.Empty(t, del.delivered, "expired messages are never delivered")

	state := reg.QueueState()
	assert.Equal(t, 0, state.Queued)
	assert.Equal(t, 1, state.DeadLettered)
}

func TestDispatchUnregisteredTargetBacksOffThenDeadLetters(t *testing.T) {
	reg, fc, _ := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader) // never registered

	_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, "orphan"), 0, 3)
	require.NoError(t, err)

	// Attempt 1: backoff 1s.
	res := reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Retried)
	snap := reg.Snapshot().(registryState)
	require.Len(t, snap.Queue, 1)
	first := snap.Queue[0].AvailableAtMs
	assert.Equal(t, 1, snap.Queue[0].Attempts)
	assert.Equal(t, QueueFailed, snap.Queue[0].Status)

	// Attempt 2: backoff 2s; available_at must only increase.
	fc.Advance(2 * time.Second)
	res = reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Retried)
	snap = reg.Snapshot().(registryState)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, 2, snap.Queue[0].Attempts)
	assert.Greater(t, snap.Queue[0].AvailableAtMs, first)

	// Attempt 3 exhausts the budget.
	fc.Advance(3 * time.Second)
	res = reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.DeadLettered)
	state := reg.QueueState()
	assert.Equal(t, 0, state.Queued)
	assert.Equal(t, 1, state.DeadLettered)
}

func TestDispatchBackoffCapped(t *testing.T) {
	reg, fc, _ := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)

	_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, "orphan"), 0, 10)
	require.NoError(t, err)

	// Drive through enough attempts that 1s*2^(n-1) would exceed 30s.
	for i := 0; i < 7; i++ {
		reg.Dispatch(ctx, 200)
		fc.Advance(time.Minute)
	}
	snap := reg.Snapshot().(registryState)
	require.Len(t, snap.Queue, 1)
	// Attempt 7's backoff: min(30s, 64s) = 30s from the previous dispatch.
	lastDispatchMs := clock.NowMs(fc) - time.Minute.Milliseconds()
	assert.Equal(t, lastDispatchMs+(30*time.Second).Milliseconds(), snap.Queue[0].AvailableAtMs)
}

func TestDispatchStaleHeartbeatSkipsWithoutBump(t *testing.T) {
	reg, fc, del := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)
	registerAgent(t, reg, trader)

	// Heartbeat goes stale.
	fc.Advance(6 * time.Minute)
	_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, "held"), 0, 3)
	require.NoError(t, err)

	res := reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, del.delivered)
	snap := reg.Snapshot().(registryState)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, 0, snap.Queue[0].Attempts, "stale targets must not consume attempts")

	// Fresh heartbeat unblocks delivery.
	require.NoError(t, reg.Heartbeat(ctx, trader, StateActive))
	res = reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Delivered)
}

func TestDispatchDeliveryFailureRetries(t *testing.T) {
	reg, fc, del := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)
	registerAgent(t, reg, trader)
	del.failFor[trader] = 1

	_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, "retry-me"), 0, 3)
	require.NoError(t, err)

	res := reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Retried)
	assert.Empty(t, del.delivered)

	fc.Advance(2 * time.Second)
	res = reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, del.delivered, 1)
	assert.Equal(t, "retry-me", del.delivered[0].Topic)
}

func TestRequeueDeadLetterRestoresToHead(t *testing.T) {
	reg, fc, del := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)

	// Unregistered with a single attempt: first dispatch dead-letters.
	_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, "orders.submit"), 0, 1)
	require.NoError(t, err)
	res := reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.DeadLettered)
	state := reg.QueueState()
	assert.Equal(t, 0, state.Queued)
	assert.Equal(t, 1, state.DeadLettered)
	assert.Equal(t, int64(0), state.Stats.Delivered)

	// Register the target and restore the entry.
	registerAgent(t, reg, trader)
	n, err := reg.RequeueDeadLetter(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	snap := reg.Snapshot().(registryState)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, 0, snap.Queue[0].Attempts)
	assert.Equal(t, QueuePending, snap.Queue[0].Status)

	res = reg.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, del.delivered, 1)
	assert.Equal(t, "orders.submit", del.delivered[0].Topic)
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	reg, _, del := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)
	learning := NewAgentID(TypeLearning)
	registerAgent(t, reg, trader)
	registerAgent(t, reg, learning)

	require.NoError(t, reg.Subscribe(ctx, trader, TopicAnalysisReady))
	require.NoError(t, reg.Subscribe(ctx, learning, TopicAnalysisReady))
	// Idempotent re-subscribe.
	require.NoError(t, reg.Subscribe(ctx, trader, TopicAnalysisReady))
	assert.Len(t, reg.Subscriptions()[TopicAnalysisReady], 2)

	n, err := reg.Publish(ctx, NewAgentID(TypeAnalyst), TopicAnalysisReady, map[string]int{"recommendations": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res := reg.Dispatch(ctx, 200)
	assert.Equal(t, 2, res.Delivered)
	targets := map[AgentID]bool{}
	for _, msg := range del.delivered {
		targets[msg.Target] = true
		assert.Equal(t, MessageEvent, msg.Type)
		assert.Equal(t, TopicAnalysisReady, msg.Topic)
	}
	assert.True(t, targets[trader])
	assert.True(t, targets[learning])
}

func TestUnsubscribeLastSubscriberDeletesTopic(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)

	require.NoError(t, reg.Subscribe(ctx, trader, TopicStrategyUpdated))
	require.NoError(t, reg.Unsubscribe(ctx, trader, TopicStrategyUpdated))
	_, exists := reg.Subscriptions()[TopicStrategyUpdated]
	assert.False(t, exists, "removing the last subscriber must delete the topic key")

	// Unsubscribing an absent topic is a no-op.
	require.NoError(t, reg.Unsubscribe(ctx, trader, "never-existed"))
}

func TestPollDrainsOnlyOwnReadyMessages(t *testing.T) {
	reg, fc, _ := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)
	learning := NewAgentID(TypeLearning)

	for i := 0; i < 3; i++ {
		_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, fmt.Sprintf("t-%d", i)), 0, 3)
		require.NoError(t, err)
	}
	_, err := reg.Enqueue(ctx, mustMessage(t, fc, learning, "other"), 0, 3)
	require.NoError(t, err)
	_, err = reg.Enqueue(ctx, mustMessage(t, fc, trader, "delayed"), time.Minute, 3)
	require.NoError(t, err)

	msgs, err := reg.Poll(ctx, trader, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("t-%d", i), msg.Topic)
	}
	// The learning message and the delayed one remain.
	assert.Equal(t, 2, reg.QueueState().Queued)

	// Limit is honored.
	msgs, err = reg.Poll(ctx, learning, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPollClampsLimit(t *testing.T) {
	reg, fc, _ := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)

	for i := 0; i < 120; i++ {
		_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, "bulk"), 0, 3)
		require.NoError(t, err)
	}
	msgs, err := reg.Poll(ctx, trader, 500)
	require.NoError(t, err)
	assert.Len(t, msgs, 100, "poll limit is clamped to 100")
}

func TestRegistryStateSurvivesRestart(t *testing.T) {
	fc := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	store := &memStore{}
	ctx := context.Background()

	reg := NewRegistry(DefaultRegistryConfig(), fc, store, zerolog.Nop())
	reg.SetDeliverer(newScriptedDeliverer())
	require.NoError(t, reg.OnStart(ctx))
	trader := NewAgentID(TypeTrader)
	registerAgent(t, reg, trader)
	require.NoError(t, reg.Subscribe(ctx, trader, TopicAnalysisReady))
	_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, "persisted"), 0, 3)
	require.NoError(t, err)

	// Second instance over the same store.
	reborn := NewRegistry(DefaultRegistryConfig(), fc, store, zerolog.Nop())
	del := newScriptedDeliverer()
	reborn.SetDeliverer(del)
	require.NoError(t, reborn.OnStart(ctx))

	assert.True(t, hasAgent(reborn, trader))
	assert.Len(t, reborn.Subscriptions()[TopicAnalysisReady], 1)
	res := reborn.Dispatch(ctx, 200)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, del.delivered, 1)
	assert.Equal(t, "persisted", del.delivered[0].Topic)
}

func TestHandleMessageRegistryOps(t *testing.T) {
	reg, fc, _ := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)

	// Register via message.
	payload, _ := json.Marshal(AgentStatus{ID: trader, Status: StateActive, Capabilities: []string{"orders"}})
	msg := &Message{
		ID: "m1", Source: trader, Target: RegistryID(), Type: MessageCommand,
		Topic: TopicRegister, Payload: payload, TimestampMs: clock.NowMs(fc),
	}
	resp, err := reg.HandleMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, Ack{Ack: true}, resp)
	require.True(t, hasAgent(reg, trader))

	// Subscribe via message.
	subPayload, _ := json.Marshal(SubscribeRequest{Topic: TopicAnalysisReady})
	_, err = reg.HandleMessage(ctx, &Message{
		ID: "m2", Source: trader, Target: RegistryID(), Type: MessageCommand,
		Topic: TopicSubscribe, Payload: subPayload, TimestampMs: clock.NowMs(fc),
	})
	require.NoError(t, err)
	assert.Len(t, reg.Subscriptions()[TopicAnalysisReady], 1)

	// Enqueue via message, then poll via message.
	inner := mustMessage(t, fc, trader, "wrapped")
	enqPayload, _ := json.Marshal(EnqueueRequest{Message: inner})
	resp, err = reg.HandleMessage(ctx, &Message{
		ID: "m3", Source: trader, Target: RegistryID(), Type: MessageCommand,
		Topic: TopicEnqueue, Payload: enqPayload, TimestampMs: clock.NowMs(fc),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.(EnqueueResponse).QueueID)

	pollPayload, _ := json.Marshal(PollRequest{Limit: 10})
	resp, err = reg.HandleMessage(ctx, &Message{
		ID: "m4", Source: trader, Target: RegistryID(), Type: MessageCommand,
		Topic: TopicPoll, Payload: pollPayload, TimestampMs: clock.NowMs(fc),
	})
	require.NoError(t, err)
	require.Len(t, resp.(PollResponse).Messages, 1)
	assert.Equal(t, "wrapped", resp.(PollResponse).Messages[0].Topic)

	// Heartbeat from an unregistered agent is acked but ignored.
	_, err = reg.HandleMessage(ctx, &Message{
		ID: "m5", Source: NewAgentID(TypeScout), Target: RegistryID(), Type: MessageEvent,
		Topic: TopicHeartbeat, TimestampMs: clock.NowMs(fc),
	})
	require.NoError(t, err)
	assert.False(t, hasAgent(reg, NewAgentID(TypeScout)))
}

func hasAgent(reg *Registry, id AgentID) bool {
	for _, rec := range reg.Agents() {
		if rec.ID == id {
			return true
		}
	}
	return false
}

func TestDispatchLimitBoundsExamination(t *testing.T) {
	reg, fc, del := newTestRegistry(t)
	ctx := context.Background()
	trader := NewAgentID(TypeTrader)
	registerAgent(t, reg, trader)

	for i := 0; i < 10; i++ {
		_, err := reg.Enqueue(ctx, mustMessage(t, fc, trader, fmt.Sprintf("n-%d", i)), 0, 3)
		require.NoError(t, err)
	}
	res := reg.Dispatch(ctx, 4)
	assert.Equal(t, 4, res.Examined)
	assert.Equal(t, 4, res.Delivered)
	assert.Equal(t, 6, reg.QueueState().Queued)
	require.Len(t, del.delivered, 4)
	assert.Equal(t, "n-0", del.delivered[0].Topic)
}
