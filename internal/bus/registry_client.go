package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/swarm"
)

// RegistryClient drives a registry hosted in another process through its
// registry.* command topics. It satisfies the agent runtime's Coordinator
// interface, so satellite processes host agents exactly like the main binary
// does.
type RegistryClient struct {
	t     *Transport
	clock clock.Clock
}

// NewRegistryClient builds a coordinator over the bus.
func NewRegistryClient(t *Transport, c clock.Clock) *RegistryClient {
	return &RegistryClient{t: t, clock: c}
}

// request sends one registry command and decodes the response into out.
func (c *RegistryClient) request(ctx context.Context, source swarm.AgentID, topic string, payload, out interface{}) error {
	msg, err := swarm.NewMessage("msg", source, swarm.RegistryID(), swarm.MessageCommand, topic, payload, clock.NowMs(c.clock))
	if err != nil {
		return err
	}
	raw, err := c.t.Request(ctx, msg)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return faults.Wrap(err, faults.ProviderError, "decode %s response", topic)
	}
	return nil
}

func (c *RegistryClient) Register(ctx context.Context, status swarm.AgentStatus) error {
	return c.request(ctx, status.ID, swarm.TopicRegister, status, nil)
}

func (c *RegistryClient) Heartbeat(ctx context.Context, id swarm.AgentID, state swarm.AgentState) error {
	return c.request(ctx, id, swarm.TopicHeartbeat, swarm.HeartbeatPayload{Status: state}, nil)
}

func (c *RegistryClient) Subscribe(ctx context.Context, id swarm.AgentID, topic string) error {
	return c.request(ctx, id, swarm.TopicSubscribe, swarm.SubscribeRequest{Topic: topic}, nil)
}

func (c *RegistryClient) Unsubscribe(ctx context.Context, id swarm.AgentID, topic string) error {
	return c.request(ctx, id, swarm.TopicUnsubscribe, swarm.SubscribeRequest{Topic: topic}, nil)
}

func (c *RegistryClient) Publish(ctx context.Context, source swarm.AgentID, topic string, payload interface{}) (int, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, faults.Wrap(err, faults.InvalidInput, "encode publish payload")
		}
		raw = data
	}
	var resp swarm.PublishResponse
	if err := c.request(ctx, source, swarm.TopicPublish, swarm.PublishRequest{Topic: topic, Payload: raw}, &resp); err != nil {
		return 0, err
	}
	return resp.Enqueued, nil
}

func (c *RegistryClient) Enqueue(ctx context.Context, msg *swarm.Message, delay time.Duration, maxAttempts int) (string, error) {
	req := swarm.EnqueueRequest{Message: msg, DelayMs: delay.Milliseconds(), MaxAttempts: maxAttempts}
	var resp swarm.EnqueueResponse
	if err := c.request(ctx, msg.Source, swarm.TopicEnqueue, req, &resp); err != nil {
		return "", err
	}
	return resp.QueueID, nil
}

func (c *RegistryClient) Poll(ctx context.Context, id swarm.AgentID, limit int) ([]*swarm.Message, error) {
	var resp swarm.PollResponse
	if err := c.request(ctx, id, swarm.TopicPoll, swarm.PollRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}
