package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/swarm"
)

// Caller issues a synchronous command to another agent and returns the raw
// response. Agent code depends on this instead of the whole runtime.
type Caller interface {
	Call(ctx context.Context, source, target swarm.AgentID, topic string, payload interface{}) (json.RawMessage, error)
}

// Runtime owns the set of hosted actors in this process. It doubles as the
// registry's delivery transport for single-binary deployments: Deliver pushes
// a dispatched message straight onto the target's actor.
type Runtime struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	mu    sync.RWMutex
	hosts map[swarm.AgentID]*Host
	order []swarm.AgentID // start order, for reverse-order shutdown
	coord Coordinator
}

// NewRuntime builds an empty runtime.
func NewRuntime(cfg Config, c clock.Clock, logger zerolog.Logger) *Runtime {
	return &Runtime{
		cfg:   cfg.withDefaults(),
		clock: c,
		log:   logger.With().Str("component", "runtime").Logger(),
		hosts: make(map[swarm.AgentID]*Host),
	}
}

// SetCoordinator wires the registry client used for heartbeats, inbox polls,
// and subscriptions. Hosts pick it up on their next alarm tick.
func (rt *Runtime) SetCoordinator(c Coordinator) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.coord = c
}

// Coordinator returns the wired registry client, or nil.
func (rt *Runtime) Coordinator() Coordinator {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.coord
}

// Host starts an actor for the agent. The agent's OnStart runs on the new
// goroutine; use the host's WaitReady to block until init has finished.
func (rt *Runtime) Host(ctx context.Context, a Agent) (*Host, error) {
	id := a.ID()
	if id.IsZero() {
		return nil, faults.New(faults.InvalidInput, "agent has no id")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.hosts[id]; exists {
		return nil, faults.New(faults.Conflict, "agent %s already hosted", id)
	}
	h := newHost(rt, a)
	actorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	rt.hosts[id] = h
	rt.order = append(rt.order, id)
	go h.run(actorCtx)
	return h, nil
}

// Lookup finds a locally hosted agent.
func (rt *Runtime) Lookup(id swarm.AgentID) (*Host, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	h, ok := rt.hosts[id]
	return h, ok
}

// State reads a hosted agent's snapshot on its actor.
func (rt *Runtime) State(ctx context.Context, id swarm.AgentID) (interface{}, error) {
	h, ok := rt.Lookup(id)
	if !ok {
		return nil, faults.New(faults.NotFound, "agent %s not hosted here", id)
	}
	return h.State(ctx)
}

// Hosts lists the local actors in start order.
func (rt *Runtime) Hosts() []*Host {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Host, 0, len(rt.order))
	for _, id := range rt.order {
		out = append(out, rt.hosts[id])
	}
	return out
}

// WaitReady blocks until every hosted agent has finished OnStart, returning
// the first init error encountered.
func (rt *Runtime) WaitReady(ctx context.Context) error {
	for _, h := range rt.Hosts() {
		if err := h.WaitReady(ctx); err != nil {
			return fmt.Errorf("agent %s: %w", h.ID(), err)
		}
	}
	return nil
}

// Deliver implements swarm.Deliverer for in-process targets. Each delivery is
// bounded by the configured timeout so a slow actor costs one failed attempt,
// not a wedged dispatcher. Self-addressed deliveries run inline on the
// calling actor.
func (rt *Runtime) Deliver(ctx context.Context, msg *swarm.Message) error {
	h, ok := rt.Lookup(msg.Target)
	if !ok {
		return faults.New(faults.NotFound, "agent %s not hosted here", msg.Target)
	}
	if id, actorOK := ActorFrom(ctx); actorOK && id == msg.Target {
		_, err := h.Handle(ctx, msg)
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, rt.cfg.DeliveryTimeout)
	defer cancel()
	_, err := h.Handle(dctx, msg)
	return err
}

// Call sends a COMMAND to a local agent and waits for its response. The
// response is re-marshaled so callers can decode into their own types.
func (rt *Runtime) Call(ctx context.Context, source, target swarm.AgentID, topic string, payload interface{}) (json.RawMessage, error) {
	h, ok := rt.Lookup(target)
	if !ok {
		return nil, faults.New(faults.NotFound, "agent %s not hosted here", target)
	}
	msg, err := swarm.NewMessage("call", source, target, swarm.MessageCommand, topic, payload, clock.NowMs(rt.clock))
	if err != nil {
		return nil, err
	}

	cctx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, rt.cfg.DeliveryTimeout)
		defer cancel()
	}
	resp, err := h.Handle(cctx, msg)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, faults.Wrap(err, faults.Internal, "encode %s response", topic)
	}
	return raw, nil
}

// StopAll shuts actors down in reverse start order so the registry, hosted
// first, goes down last.
func (rt *Runtime) StopAll(ctx context.Context) {
	hosts := rt.Hosts()
	for i := len(hosts) - 1; i >= 0; i-- {
		if err := hosts[i].Stop(ctx); err != nil {
			rt.log.Warn().Err(err).Str("agent", hosts[i].ID().String()).Msg("Agent did not stop cleanly")
		}
	}
}
