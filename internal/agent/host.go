package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/metrics"
	"github.com/tradehive/tradehive/internal/swarm"
)

// task is one unit of work queued for an actor goroutine. done carries the
// panic/refusal verdict; the closure reports its own results through captured
// variables.
type task struct {
	fn   func(ctx context.Context)
	done chan error
}

// Host runs one agent as an actor: a single goroutine drains the task queue,
// so everything the agent does is serialized.
type Host struct {
	agent Agent
	rt    *Runtime
	log   zerolog.Logger
	m     *metrics.AgentMetrics

	tasks  chan task
	ready  chan struct{} // closed once OnStart has returned
	done   chan struct{} // closed when the actor goroutine exits
	cancel context.CancelFunc

	// Written only by the actor goroutine.
	initErr    error
	registered bool
}

func newHost(rt *Runtime, a Agent) *Host {
	id := a.ID()
	return &Host{
		agent: a,
		rt:    rt,
		log:   rt.log.With().Str("agent", id.String()).Logger(),
		m:     metrics.Agents(),
		tasks: make(chan task, rt.cfg.TaskBuffer),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ID returns the hosted agent's identity.
func (h *Host) ID() swarm.AgentID { return h.agent.ID() }

// WaitReady blocks until the agent's OnStart has completed and returns its
// init error, if any.
func (h *Host) WaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return h.initErr
	case <-h.done:
		return faults.New(faults.Internal, "agent %s stopped before becoming ready", h.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor goroutine.
func (h *Host) run(ctx context.Context) {
	defer close(h.done)
	id := h.ID().String()
	ctx = withActor(ctx, h.ID())

	h.m.Up.WithLabelValues(id).Set(1)
	defer h.m.Up.WithLabelValues(id).Set(0)

	if err := h.agent.OnStart(ctx); err != nil {
		h.initErr = faults.Wrap(err, faults.Internal, "agent %s init failed", h.ID())
		h.log.Error().Err(err).Msg("Agent init failed")
	}
	close(h.ready)
	if h.initErr != nil {
		// Keep draining so submitters unblock with the init fault instead of
		// hanging; the agent itself never runs.
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-h.tasks:
				t.done <- h.initErr
			}
		}
	}

	h.log.Info().Strs("capabilities", h.agent.Capabilities()).Msg("Agent started")
	h.ensureRegistered(ctx)

	ticker := time.NewTicker(h.rt.cfg.AlarmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Agent stopped")
			return
		case t := <-h.tasks:
			t.done <- h.safeRun(ctx, t.fn)
		case <-ticker.C:
			h.alarmPass(ctx)
		}
	}
}

// safeRun executes one task, converting a panic into an error so a bad
// handler cannot take the actor down.
func (h *Host) safeRun(ctx context.Context, fn func(context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("Actor task panicked")
			err = faults.New(faults.Internal, "agent %s panicked: %v", h.ID(), r)
		}
	}()
	fn(ctx)
	return nil
}

// perform queues fn on the actor and waits for it to finish. Submissions made
// while OnStart is still running wait behind the init barrier. A caller that
// gives up waiting does not cancel the task; it runs to completion on the
// actor regardless.
func (h *Host) perform(ctx context.Context, fn func(context.Context)) error {
	select {
	case <-h.ready:
	case <-h.done:
		return faults.New(faults.Internal, "agent %s is stopped", h.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
	if h.initErr != nil {
		return h.initErr
	}

	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case h.tasks <- t:
	case <-h.done:
		return faults.New(faults.Internal, "agent %s is stopped", h.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-h.done:
		return faults.New(faults.Internal, "agent %s stopped mid-task", h.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle runs one message through the agent's handler on its actor.
func (h *Host) Handle(ctx context.Context, msg *swarm.Message) (interface{}, error) {
	if id, ok := ActorFrom(ctx); ok && id == h.ID() {
		// Already on this agent's actor; queueing would deadlock.
		resp, err := h.agent.HandleMessage(ctx, msg)
		if err != nil {
			return nil, err
		}
		h.emitReply(ctx, msg, resp)
		return resp, nil
	}

	var (
		resp    interface{}
		handErr error
	)
	id := h.ID().String()
	start := time.Now()
	err := h.perform(ctx, func(actx context.Context) {
		resp, handErr = h.agent.HandleMessage(actx, msg)
	})
	h.m.HandleDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
	if err != nil {
		h.m.HandleErrors.WithLabelValues(id).Inc()
		return nil, err
	}
	if handErr != nil {
		h.m.HandleErrors.WithLabelValues(id).Inc()
		return nil, handErr
	}
	h.m.HandledMessages.WithLabelValues(id).Inc()
	h.emitReply(ctx, msg, resp)
	return resp, nil
}

// State renders the agent's Snapshot on its actor.
func (h *Host) State(ctx context.Context) (interface{}, error) {
	if id, ok := ActorFrom(ctx); ok && id == h.ID() {
		return h.agent.Snapshot(), nil
	}
	var snap interface{}
	err := h.perform(ctx, func(context.Context) { snap = h.agent.Snapshot() })
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Alarm forces one alarm pass on the actor; the control API uses it to tick
// an agent out of schedule.
func (h *Host) Alarm(ctx context.Context) error {
	if id, ok := ActorFrom(ctx); ok && id == h.ID() {
		h.alarmPass(ctx)
		return nil
	}
	return h.perform(ctx, h.alarmPass)
}

// Stop shuts the actor down and waits for the goroutine to exit.
func (h *Host) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// alarmPass runs on the actor: register or heartbeat, drain the inbox, then
// the agent's own alarm work.
func (h *Host) alarmPass(ctx context.Context) {
	h.m.AlarmTicks.WithLabelValues(h.ID().String()).Inc()
	h.ensureRegistered(ctx)
	h.drainInbox(ctx)
	if err := h.agent.OnAlarm(ctx); err != nil {
		h.log.Error().Err(err).Msg("Alarm handler failed")
	}
}

// ensureRegistered registers the agent (and its subscriptions) with the
// coordinator once, then keeps its heartbeat fresh. Failures are retried on
// the next alarm tick.
func (h *Host) ensureRegistered(ctx context.Context) {
	coord := h.rt.Coordinator()
	if coord == nil {
		return
	}
	if h.registered {
		if err := coord.Heartbeat(ctx, h.ID(), swarm.StateActive); err != nil {
			h.log.Warn().Err(err).Msg("Heartbeat failed")
			// The registry may have lost the record; re-register next tick.
			h.registered = false
		}
		return
	}
	status := swarm.AgentStatus{
		ID:           h.ID(),
		Type:         h.ID().Type,
		Status:       swarm.StateActive,
		Capabilities: h.agent.Capabilities(),
	}
	if err := coord.Register(ctx, status); err != nil {
		h.log.Warn().Err(err).Msg("Registration failed")
		return
	}
	if sub, ok := h.agent.(Subscriber); ok {
		for _, topic := range sub.Subscriptions() {
			if err := coord.Subscribe(ctx, h.ID(), topic); err != nil {
				h.log.Warn().Err(err).Str("topic", topic).Msg("Subscribe failed")
				return
			}
		}
	}
	h.registered = true
	h.log.Info().Msg("Agent registered with coordinator")
}

// drainInbox polls queued messages addressed to this agent and handles them
// inline. Handler errors drop the message; queue removal already happened at
// poll time.
func (h *Host) drainInbox(ctx context.Context) {
	coord := h.rt.Coordinator()
	if coord == nil || !h.registered {
		return
	}
	msgs, err := coord.Poll(ctx, h.ID(), h.rt.cfg.DrainLimit)
	if err != nil {
		h.log.Warn().Err(err).Msg("Inbox poll failed")
		return
	}
	id := h.ID().String()
	for _, msg := range msgs {
		resp, err := h.agent.HandleMessage(ctx, msg)
		if err != nil {
			h.m.HandleErrors.WithLabelValues(id).Inc()
			h.log.Error().Err(err).Str("topic", msg.Topic).Str("msg_id", msg.ID).Msg("Inbox message failed")
			continue
		}
		h.m.HandledMessages.WithLabelValues(id).Inc()
		h.emitReply(ctx, msg, resp)
	}
}

// emitReply enqueues a REPLY for a command that asked for one.
func (h *Host) emitReply(ctx context.Context, msg *swarm.Message, resp interface{}) {
	if msg.Type != swarm.MessageCommand || msg.ReplyTo == "" || resp == nil {
		return
	}
	coord := h.rt.Coordinator()
	if coord == nil {
		return
	}
	reply, err := swarm.NewMessage("reply", h.ID(), msg.Source, swarm.MessageReply, msg.ReplyTo, resp, clock.NowMs(h.rt.clock))
	if err != nil {
		h.log.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to build reply")
		return
	}
	reply.CorrelationID = msg.ID
	if _, err := coord.Enqueue(ctx, reply, 0, 0); err != nil {
		h.log.Warn().Err(err).Str("msg_id", msg.ID).Msg("Failed to enqueue reply")
	}
}

// String identifies the host in logs.
func (h *Host) String() string { return fmt.Sprintf("host(%s)", h.ID()) }
