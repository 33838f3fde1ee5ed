package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/ident"
	"github.com/tradehive/tradehive/internal/metrics"
)

// Well-known topics. The registry.* topics are the command surface remote
// processes use over the bus; the rest are the swarm's domain events.
const (
	TopicHeartbeat   = "heartbeat"
	TopicRegister    = "registry.register"
	TopicSubscribe   = "registry.subscribe"
	TopicUnsubscribe = "registry.unsubscribe"
	TopicEnqueue     = "registry.enqueue"
	TopicPublish     = "registry.publish"
	TopicPoll        = "registry.poll"

	TopicSignalsUpdated  = "signals_updated"
	TopicAnalysisReady   = "analysis_ready"
	TopicTradeOutcome    = "trade_outcome"
	TopicStrategyUpdated = "strategy_updated"
)

// Deliverer pushes a message to its target agent. A nil return means the
// target accepted the message; any error counts as a failed attempt. The
// per-delivery timeout is the deliverer's concern, never the registry's.
type Deliverer interface {
	Deliver(ctx context.Context, msg *Message) error
}

// StateStore persists the registry's state envelope. Load reports false when
// no envelope exists yet.
type StateStore interface {
	Load(ctx context.Context, v interface{}) (bool, error)
	Save(ctx context.Context, v interface{}) error
}

// RegistryConfig tunes the registry actor.
type RegistryConfig struct {
	DefaultMaxAttempts int           // retry budget for enqueued messages
	StaleAfter         time.Duration // heartbeat age that defers delivery
	DispatchLimit      int           // queue entries examined per dispatch pass
	PollLimit          int           // hard cap on messages returned per poll
}

// DefaultRegistryConfig returns the production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		DefaultMaxAttempts: 3,
		StaleAfter:         5 * time.Minute,
		DispatchLimit:      200,
		PollLimit:          100,
	}
}

const (
	// Retry backoff bounds: min(30s, 1s * 2^(attempts-1)).
	retryBaseBackoff = time.Second
	retryMaxBackoff  = 30 * time.Second
)

// Registry is the singleton coordination agent: agent directory, topic
// subscriptions, delayed queue, dispatcher, and dead-letter set.
//
// Registry state is mutated only on its host actor; none of these methods
// are safe for concurrent use from multiple goroutines.
type Registry struct {
	cfg       RegistryConfig
	clock     clock.Clock
	deliverer Deliverer
	store     StateStore
	log       zerolog.Logger
	metrics   *metrics.SwarmMetrics

	agents map[AgentID]*AgentStatus
	subs   map[string][]AgentID
	queue  []*QueuedMessage
	dlq    []*DeadLetter
	stats  Stats
}

// registryState is the persisted envelope.
type registryState struct {
	Agents map[AgentID]*AgentStatus `json:"agents"`
	Subs   map[string][]AgentID     `json:"subscriptions"`
	Queue  []*QueuedMessage         `json:"queue"`
	DLQ    []*DeadLetter            `json:"dead_letter"`
	Stats  Stats                    `json:"stats"`
}

// NewRegistry builds an empty registry. The deliverer may be swapped before
// hosting via SetDeliverer (single-binary wiring creates the runtime after
// the registry).
func NewRegistry(cfg RegistryConfig, c clock.Clock, store StateStore, logger zerolog.Logger) *Registry {
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.DispatchLimit <= 0 || cfg.DispatchLimit > 200 {
		cfg.DispatchLimit = 200
	}
	if cfg.PollLimit <= 0 || cfg.PollLimit > 100 {
		cfg.PollLimit = 100
	}
	return &Registry{
		cfg:     cfg,
		clock:   c,
		store:   store,
		log:     logger.With().Str("component", "registry").Logger(),
		metrics: metrics.Swarm(),
		agents:  make(map[AgentID]*AgentStatus),
		subs:    make(map[string][]AgentID),
	}
}

// SetDeliverer wires the dispatch transport.
func (r *Registry) SetDeliverer(d Deliverer) { r.deliverer = d }

// ID implements the hosted-agent surface.
func (r *Registry) ID() AgentID { return RegistryID() }

// Capabilities implements the hosted-agent surface.
func (r *Registry) Capabilities() []string {
	return []string{"directory", "pubsub", "queue", "dead_letter"}
}

// OnStart restores the persisted envelope before any other work runs, then
// places the registry in its own directory so queued messages addressed to it
// pass the registration check.
func (r *Registry) OnStart(ctx context.Context) error {
	if r.store != nil {
		var st registryState
		found, err := r.store.Load(ctx, &st)
		if err != nil {
			return fmt.Errorf("restore registry state: %w", err)
		}
		if found {
			if st.Agents != nil {
				r.agents = st.Agents
			}
			if st.Subs != nil {
				r.subs = st.Subs
			}
			r.queue = st.Queue
			r.dlq = st.DLQ
			r.stats = st.Stats
			r.updateDepthGauges()
			r.log.Info().
				Int("agents", len(r.agents)).
				Int("queued", len(r.queue)).
				Int("dead_lettered", len(r.dlq)).
				Msg("Registry state restored")
		} else {
			r.log.Info().Msg("Registry starting with empty state")
		}
	}
	r.touchSelf()
	return r.persist(ctx)
}

// OnAlarm refreshes the registry's own heartbeat and runs one dispatch pass.
func (r *Registry) OnAlarm(ctx context.Context) error {
	r.touchSelf()
	r.Dispatch(ctx, r.cfg.DispatchLimit)
	return nil
}

// touchSelf upserts the registry's own directory record. The registry never
// heartbeats over the queue, so its record is maintained here.
func (r *Registry) touchSelf() {
	self := r.ID()
	rec, ok := r.agents[self]
	if !ok {
		rec = &AgentStatus{ID: self, Type: self.Type, Status: StateActive, Capabilities: r.Capabilities()}
		r.agents[self] = rec
	}
	rec.LastHeartbeatMs = clock.NowMs(r.clock)
}

// Snapshot implements the /state surface.
func (r *Registry) Snapshot() interface{} {
	return registryState{
		Agents: r.agents,
		Subs:   r.subs,
		Queue:  r.queue,
		DLQ:    r.dlq,
		Stats:  r.stats,
	}
}

func (r *Registry) persist(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	st := registryState{
		Agents: r.agents,
		Subs:   r.subs,
		Queue:  r.queue,
		DLQ:    r.dlq,
		Stats:  r.stats,
	}
	if err := r.store.Save(ctx, st); err != nil {
		return fmt.Errorf("persist registry state: %w", err)
	}
	return nil
}

func (r *Registry) updateDepthGauges() {
	r.metrics.QueueDepth.Set(float64(len(r.queue)))
	r.metrics.DeadLetterDepth.Set(float64(len(r.dlq)))
}

// Register upserts a directory record and stamps its heartbeat. An agent is
// discoverable only after its first Register.
func (r *Registry) Register(ctx context.Context, status AgentStatus) error {
	if status.ID.IsZero() {
		return fmt.Errorf("register: agent id is empty")
	}
	if status.Type == "" {
		status.Type = status.ID.Type
	}
	if status.Status == "" {
		status.Status = StateActive
	}
	status.LastHeartbeatMs = clock.NowMs(r.clock)

	rec := status
	r.agents[status.ID] = &rec
	r.log.Info().
		Str("agent", status.ID.String()).
		Str("status", string(status.Status)).
		Strs("capabilities", status.Capabilities).
		Msg("Agent registered")
	return r.persist(ctx)
}

// Heartbeat touches an existing record. Unregistered agents stay invisible.
func (r *Registry) Heartbeat(ctx context.Context, id AgentID, state AgentState) error {
	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("heartbeat: agent %s not registered", id)
	}
	rec.LastHeartbeatMs = clock.NowMs(r.clock)
	if state != "" {
		rec.Status = state
	}
	return r.persist(ctx)
}

// Subscribe adds id to a topic's ordered subscriber set. Idempotent.
func (r *Registry) Subscribe(ctx context.Context, id AgentID, topic string) error {
	if topic == "" {
		return fmt.Errorf("subscribe: topic is empty")
	}
	for _, existing := range r.subs[topic] {
		if existing == id {
			return nil
		}
	}
	r.subs[topic] = append(r.subs[topic], id)
	r.log.Debug().Str("agent", id.String()).Str("topic", topic).Msg("Subscribed")
	return r.persist(ctx)
}

// Unsubscribe removes id from a topic. Removing the last subscriber deletes
// the topic key.
func (r *Registry) Unsubscribe(ctx context.Context, id AgentID, topic string) error {
	subs, ok := r.subs[topic]
	if !ok {
		return nil
	}
	kept := subs[:0]
	for _, existing := range subs {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(r.subs, topic)
	} else {
		r.subs[topic] = kept
	}
	r.log.Debug().Str("agent", id.String()).Str("topic", topic).Msg("Unsubscribed")
	return r.persist(ctx)
}

// Enqueue appends a message to the delayed queue and returns its queue id.
// State is persisted before the ack so an acknowledged enqueue is never lost.
func (r *Registry) Enqueue(ctx context.Context, msg *Message, delay time.Duration, maxAttempts int) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = r.cfg.DefaultMaxAttempts
	}
	if delay < 0 {
		delay = 0
	}
	now := clock.NowMs(r.clock)
	qm := &QueuedMessage{
		QueueID:       ident.MessageID("queue"),
		Message:       msg,
		EnqueuedAtMs:  now,
		AvailableAtMs: now + delay.Milliseconds(),
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		Status:        QueuePending,
	}
	r.queue = append(r.queue, qm)
	r.stats.Enqueued++
	if err := r.persist(ctx); err != nil {
		// Roll back the append; the caller was never acked.
		r.queue = r.queue[:len(r.queue)-1]
		r.stats.Enqueued--
		return "", err
	}
	r.metrics.Enqueued.Inc()
	r.updateDepthGauges()
	r.log.Debug().
		Str("queue_id", qm.QueueID).
		Str("target", msg.Target.String()).
		Str("topic", msg.Topic).
		Dur("delay", delay).
		Msg("Message enqueued")
	return qm.QueueID, nil
}

// Publish fans a payload out to every current subscriber of topic at normal
// priority and returns the number of enqueued copies.
func (r *Registry) Publish(ctx context.Context, source AgentID, topic string, payload interface{}) (int, error) {
	if topic == "" {
		return 0, fmt.Errorf("publish: topic is empty")
	}
	subs := r.subs[topic]
	if len(subs) == 0 {
		r.log.Debug().Str("topic", topic).Msg("Publish with no subscribers")
		return 0, nil
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("publish: marshal payload: %w", err)
		}
		raw = data
	}

	now := clock.NowMs(r.clock)
	appended := 0
	for _, target := range subs {
		msg := &Message{
			ID:          ident.MessageID("event"),
			Source:      source,
			Target:      target,
			Type:        MessageEvent,
			Topic:       topic,
			Payload:     raw,
			TimestampMs: now,
			Priority:    PriorityNormal,
		}
		r.queue = append(r.queue, &QueuedMessage{
			QueueID:       ident.MessageID("queue"),
			Message:       msg,
			EnqueuedAtMs:  now,
			AvailableAtMs: now,
			MaxAttempts:   r.cfg.DefaultMaxAttempts,
			Status:        QueuePending,
		})
		appended++
	}
	r.stats.Enqueued += int64(appended)
	r.stats.Published += int64(appended)
	if err := r.persist(ctx); err != nil {
		r.queue = r.queue[:len(r.queue)-appended]
		r.stats.Enqueued -= int64(appended)
		r.stats.Published -= int64(appended)
		return 0, err
	}
	r.metrics.Published.Add(float64(appended))
	r.updateDepthGauges()
	r.log.Debug().
		Str("topic", topic).
		Str("source", source.String()).
		Int("enqueued", appended).
		Msg("Published to subscribers")
	return appended, nil
}

// Poll drains up to limit ready messages addressed to id, removing them from
// the queue. Expired entries encountered on the way move to the dead-letter
// set.
func (r *Registry) Poll(ctx context.Context, id AgentID, limit int) ([]*Message, error) {
	if limit <= 0 || limit > r.cfg.PollLimit {
		limit = r.cfg.PollLimit
	}
	now := clock.NowMs(r.clock)

	var drained []*Message
	kept := r.queue[:0]
	for _, qm := range r.queue {
		if len(drained) >= limit || qm.Message.Target != id || qm.AvailableAtMs > now {
			kept = append(kept, qm)
			continue
		}
		if qm.Message.Expired(now) {
			r.deadLetter(qm, "Message expired", now)
			continue
		}
		drained = append(drained, qm.Message)
	}
	r.queue = kept
	if len(drained) == 0 {
		return nil, nil
	}
	r.stats.Polled += int64(len(drained))
	r.stats.Delivered += int64(len(drained))
	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	r.metrics.Dispatch.WithLabelValues(metrics.OutcomeDelivered).Add(float64(len(drained)))
	r.updateDepthGauges()
	r.log.Debug().Str("agent", id.String()).Int("drained", len(drained)).Msg("Inbox polled")
	return drained, nil
}

// DispatchResult summarizes one dispatch pass.
type DispatchResult struct {
	Examined     int `json:"examined"`
	Delivered    int `json:"delivered"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Expired      int `json:"expired"`
	Skipped      int `json:"skipped"`
}

// Dispatch walks the queue FIFO, examining up to limit entries, and pushes
// ready messages to their targets. Messages whose target's heartbeat is
// stale stay queued without consuming an attempt; failed deliveries back off
// exponentially and dead-letter once attempts are exhausted.
func (r *Registry) Dispatch(ctx context.Context, limit int) DispatchResult {
	if limit <= 0 || limit > r.cfg.DispatchLimit {
		limit = r.cfg.DispatchLimit
	}
	now := clock.NowMs(r.clock)
	staleMs := r.cfg.StaleAfter.Milliseconds()

	var res DispatchResult
	kept := r.queue[:0]
	for i, qm := range r.queue {
		if res.Examined >= limit {
			kept = append(kept, r.queue[i:]...)
			break
		}
		res.Examined++

		if qm.AvailableAtMs > now {
			kept = append(kept, qm)
			continue
		}
		if qm.Message.Expired(now) {
			r.deadLetter(qm, "Message expired", now)
			res.Expired++
			continue
		}

		target, registered := r.agents[qm.Message.Target]
		if !registered {
			if r.bumpRetry(qm, "target not registered", now) {
				res.DeadLettered++
			} else {
				kept = append(kept, qm)
				res.Retried++
			}
			continue
		}
		if now-target.LastHeartbeatMs >= staleMs {
			// Transient: the target will come back or be declared dead by
			// an operator. Leave the entry without consuming an attempt.
			kept = append(kept, qm)
			res.Skipped++
			r.metrics.Dispatch.WithLabelValues(metrics.OutcomeSkipped).Inc()
			continue
		}

		if err := r.deliverer.Deliver(ctx, qm.Message); err != nil {
			if r.bumpRetry(qm, err.Error(), now) {
				res.DeadLettered++
			} else {
				kept = append(kept, qm)
				res.Retried++
			}
			continue
		}
		r.stats.Delivered++
		res.Delivered++
		r.metrics.Dispatch.WithLabelValues(metrics.OutcomeDelivered).Inc()
	}
	r.queue = kept

	if err := r.persist(ctx); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist queue after dispatch")
	}
	r.updateDepthGauges()
	if res.Delivered+res.Retried+res.DeadLettered+res.Expired > 0 {
		r.log.Debug().
			Int("examined", res.Examined).
			Int("delivered", res.Delivered).
			Int("retried", res.Retried).
			Int("dead_lettered", res.DeadLettered).
			Int("expired", res.Expired).
			Msg("Dispatch pass complete")
	}
	return res
}

// bumpRetry records a failed attempt and reschedules with exponential
// backoff. It moves the entry to the dead-letter set and reports true when
// the retry budget is exhausted.
func (r *Registry) bumpRetry(qm *QueuedMessage, reason string, nowMs int64) bool {
	qm.Attempts++
	qm.Status = QueueFailed
	qm.LastError = reason
	r.stats.Retried++
	r.metrics.Dispatch.WithLabelValues(metrics.OutcomeRetried).Inc()

	if qm.Attempts >= qm.MaxAttempts {
		r.deadLetterFailed(qm, reason, nowMs)
		return true
	}

	backoff := retryBaseBackoff << (qm.Attempts - 1)
	if backoff > retryMaxBackoff || backoff <= 0 {
		backoff = retryMaxBackoff
	}
	qm.AvailableAtMs = nowMs + backoff.Milliseconds()
	return false
}

// deadLetter parks an expired entry.
func (r *Registry) deadLetter(qm *QueuedMessage, reason string, nowMs int64) {
	r.dlq = append(r.dlq, &DeadLetter{
		QueuedMessage:  *qm,
		Reason:         reason,
		DeadLetteredAt: nowMs,
	})
	r.stats.Expired++
	r.stats.DeadLettered++
	r.metrics.Dispatch.WithLabelValues(metrics.OutcomeExpired).Inc()
	r.metrics.Dispatch.WithLabelValues(metrics.OutcomeDeadLettered).Inc()
	r.log.Warn().
		Str("queue_id", qm.QueueID).
		Str("target", qm.Message.Target.String()).
		Str("reason", reason).
		Msg("Message dead-lettered")
}

// deadLetterFailed parks an entry that exhausted its attempts.
func (r *Registry) deadLetterFailed(qm *QueuedMessage, reason string, nowMs int64) {
	r.dlq = append(r.dlq, &DeadLetter{
		QueuedMessage:  *qm,
		Reason:         reason,
		DeadLetteredAt: nowMs,
	})
	r.stats.DeadLettered++
	r.metrics.Dispatch.WithLabelValues(metrics.OutcomeDeadLettered).Inc()
	r.log.Warn().
		Str("queue_id", qm.QueueID).
		Str("target", qm.Message.Target.String()).
		Int("attempts", qm.Attempts).
		Str("reason", reason).
		Msg("Message dead-lettered after retries")
}

// RequeueDeadLetter moves up to limit dead-lettered entries back to the head
// of the queue with a fresh retry budget.
func (r *Registry) RequeueDeadLetter(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = len(r.dlq)
	}
	if limit > len(r.dlq) {
		limit = len(r.dlq)
	}
	if limit == 0 {
		return 0, nil
	}
	now := clock.NowMs(r.clock)

	restored := make([]*QueuedMessage, 0, limit)
	for _, dl := range r.dlq[:limit] {
		qm := dl.QueuedMessage
		qm.Attempts = 0
		qm.Status = QueuePending
		qm.AvailableAtMs = now
		qm.LastError = ""
		restored = append(restored, &qm)
	}
	r.dlq = append([]*DeadLetter{}, r.dlq[limit:]...)
	r.queue = append(restored, r.queue...)
	if err := r.persist(ctx); err != nil {
		return 0, err
	}
	r.updateDepthGauges()
	r.log.Info().Int("requeued", limit).Msg("Dead-letter entries requeued")
	return limit, nil
}

// QueueState reports queue depth, dead-letter depth, and counters.
func (r *Registry) QueueState() QueueState {
	return QueueState{
		Queued:       len(r.queue),
		DeadLettered: len(r.dlq),
		Stats:        r.stats,
	}
}

// Agents lists the directory records.
func (r *Registry) Agents() []AgentStatus {
	out := make([]AgentStatus, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	return out
}

// Subscriptions returns a copy of the topic map.
func (r *Registry) Subscriptions() map[string][]AgentID {
	out := make(map[string][]AgentID, len(r.subs))
	for topic, subs := range r.subs {
		out[topic] = append([]AgentID(nil), subs...)
	}
	return out
}
