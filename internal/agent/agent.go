// Package agent hosts swarm agents as single-writer actors. Every agent owns
// one goroutine; all handler work, alarm ticks, and state snapshots run on
// that goroutine, so agent implementations never need their own locking.
package agent

import (
	"context"
	"time"

	"github.com/tradehive/tradehive/internal/swarm"
)

// Agent is the surface a hosted actor implements. OnStart runs before any
// message is handled (the init barrier); OnAlarm runs on every alarm tick
// after the heartbeat and inbox drain; Snapshot renders the agent's state for
// the diagnostic API.
type Agent interface {
	ID() swarm.AgentID
	Capabilities() []string
	OnStart(ctx context.Context) error
	OnAlarm(ctx context.Context) error
	HandleMessage(ctx context.Context, msg *swarm.Message) (interface{}, error)
	Snapshot() interface{}
}

// Subscriber is implemented by agents that want topic subscriptions managed
// for them. The runtime subscribes each listed topic right after the agent
// registers.
type Subscriber interface {
	Subscriptions() []string
}

// Config tunes the actor runtime.
type Config struct {
	AlarmInterval   time.Duration // time between alarm ticks
	DrainLimit      int           // inbox messages handled per alarm tick
	DeliveryTimeout time.Duration // budget for one cross-actor delivery
	TaskBuffer      int           // queued tasks per actor before submitters block
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AlarmInterval:   60 * time.Second,
		DrainLimit:      50,
		DeliveryTimeout: 5 * time.Second,
		TaskBuffer:      64,
	}
}

func (c Config) withDefaults() Config {
	if c.AlarmInterval <= 0 {
		c.AlarmInterval = 60 * time.Second
	}
	if c.DrainLimit <= 0 || c.DrainLimit > 50 {
		c.DrainLimit = 50
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	if c.TaskBuffer <= 0 {
		c.TaskBuffer = 64
	}
	return c
}

// actorKey marks a context as running on a specific agent's actor goroutine.
// Deliveries and coordinator calls use it to detect self-addressed work and
// run it inline instead of deadlocking on their own task queue.
type actorKey struct{}

func withActor(ctx context.Context, id swarm.AgentID) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorFrom reports which agent's actor the context is running on, if any.
func ActorFrom(ctx context.Context) (swarm.AgentID, bool) {
	id, ok := ctx.Value(actorKey{}).(swarm.AgentID)
	return id, ok
}
