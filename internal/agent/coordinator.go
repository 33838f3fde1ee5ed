package agent

import (
	"context"
	"time"

	"github.com/tradehive/tradehive/internal/swarm"
)

// Coordinator is the registry surface agents use: directory maintenance,
// pub/sub, and the delayed queue. The local implementation crosses onto the
// registry's actor; the bus implementation speaks NATS to a registry in
// another process.
type Coordinator interface {
	Register(ctx context.Context, status swarm.AgentStatus) error
	Heartbeat(ctx context.Context, id swarm.AgentID, state swarm.AgentState) error
	Subscribe(ctx context.Context, id swarm.AgentID, topic string) error
	Unsubscribe(ctx context.Context, id swarm.AgentID, topic string) error
	Publish(ctx context.Context, source swarm.AgentID, topic string, payload interface{}) (int, error)
	Enqueue(ctx context.Context, msg *swarm.Message, delay time.Duration, maxAttempts int) (string, error)
	Poll(ctx context.Context, id swarm.AgentID, limit int) ([]*swarm.Message, error)
}

// coordinatorOpTimeout bounds one registry operation from another actor, so
// an agent's alarm tick can never hang on a busy registry.
const coordinatorOpTimeout = 5 * time.Second

// LocalCoordinator runs registry operations on the registry's own actor.
// Calls made from the registry actor itself execute inline.
type LocalCoordinator struct {
	host *Host
	reg  *swarm.Registry
}

// NewLocalCoordinator wires a coordinator to the hosted registry.
func NewLocalCoordinator(host *Host, reg *swarm.Registry) *LocalCoordinator {
	return &LocalCoordinator{host: host, reg: reg}
}

func (c *LocalCoordinator) run(ctx context.Context, fn func(context.Context) error) error {
	if id, ok := ActorFrom(ctx); ok && id == c.host.ID() {
		return fn(ctx)
	}
	octx, cancel := context.WithTimeout(ctx, coordinatorOpTimeout)
	defer cancel()
	var opErr error
	if err := c.host.perform(octx, func(actx context.Context) { opErr = fn(actx) }); err != nil {
		return err
	}
	return opErr
}

func (c *LocalCoordinator) Register(ctx context.Context, status swarm.AgentStatus) error {
	return c.run(ctx, func(actx context.Context) error { return c.reg.Register(actx, status) })
}

func (c *LocalCoordinator) Heartbeat(ctx context.Context, id swarm.AgentID, state swarm.AgentState) error {
	return c.run(ctx, func(actx context.Context) error { return c.reg.Heartbeat(actx, id, state) })
}

func (c *LocalCoordinator) Subscribe(ctx context.Context, id swarm.AgentID, topic string) error {
	return c.run(ctx, func(actx context.Context) error { return c.reg.Subscribe(actx, id, topic) })
}

func (c *LocalCoordinator) Unsubscribe(ctx context.Context, id swarm.AgentID, topic string) error {
	return c.run(ctx, func(actx context.Context) error { return c.reg.Unsubscribe(actx, id, topic) })
}

func (c *LocalCoordinator) Publish(ctx context.Context, source swarm.AgentID, topic string, payload interface{}) (int, error) {
	var n int
	err := c.run(ctx, func(actx context.Context) error {
		var opErr error
		n, opErr = c.reg.Publish(actx, source, topic, payload)
		return opErr
	})
	return n, err
}

func (c *LocalCoordinator) Enqueue(ctx context.Context, msg *swarm.Message, delay time.Duration, maxAttempts int) (string, error) {
	var queueID string
	err := c.run(ctx, func(actx context.Context) error {
		var opErr error
		queueID, opErr = c.reg.Enqueue(actx, msg, delay, maxAttempts)
		return opErr
	})
	return queueID, err
}

func (c *LocalCoordinator) Poll(ctx context.Context, id swarm.AgentID, limit int) ([]*swarm.Message, error) {
	var msgs []*swarm.Message
	err := c.run(ctx, func(actx context.Context) error {
		var opErr error
		msgs, opErr = c.reg.Poll(actx, id, limit)
		return opErr
	})
	return msgs, err
}

// QueueState reads the registry's queue depths on its actor.
func (c *LocalCoordinator) QueueState(ctx context.Context) (swarm.QueueState, error) {
	var qs swarm.QueueState
	err := c.run(ctx, func(actx context.Context) error {
		qs = c.reg.QueueState()
		return nil
	})
	return qs, err
}

// Agents lists the directory records on the registry's actor.
func (c *LocalCoordinator) Agents(ctx context.Context) ([]swarm.AgentStatus, error) {
	var agents []swarm.AgentStatus
	err := c.run(ctx, func(actx context.Context) error {
		agents = c.reg.Agents()
		return nil
	})
	return agents, err
}

// Subscriptions returns the topic map on the registry's actor.
func (c *LocalCoordinator) Subscriptions(ctx context.Context) (map[string][]swarm.AgentID, error) {
	var subs map[string][]swarm.AgentID
	err := c.run(ctx, func(actx context.Context) error {
		subs = c.reg.Subscriptions()
		return nil
	})
	return subs, err
}

// Dispatch drains due queue entries on the registry's actor.
func (c *LocalCoordinator) Dispatch(ctx context.Context, limit int) (swarm.DispatchResult, error) {
	var res swarm.DispatchResult
	err := c.run(ctx, func(actx context.Context) error {
		res = c.reg.Dispatch(actx, limit)
		return nil
	})
	return res, err
}

// RequeueDeadLetter moves dead-lettered messages back onto the queue on the
// registry's actor.
func (c *LocalCoordinator) RequeueDeadLetter(ctx context.Context, limit int) (int, error) {
	var n int
	err := c.run(ctx, func(actx context.Context) error {
		var opErr error
		n, opErr = c.reg.RequeueDeadLetter(actx, limit)
		return opErr
	})
	return n, err
}
