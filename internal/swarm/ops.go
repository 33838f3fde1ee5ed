package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Wire shapes for the registry.* command topics. Remote processes drive the
// registry with these over the bus; the in-process client calls the methods
// directly on the registry actor.

// SubscribeRequest is the payload for registry.subscribe / unsubscribe.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}

// EnqueueRequest is the payload for registry.enqueue.
type EnqueueRequest struct {
	Message     *Message `json:"message"`
	DelayMs     int64    `json:"delay_ms,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
}

// EnqueueResponse acknowledges an enqueue.
type EnqueueResponse struct {
	QueueID string `json:"queue_id"`
}

// PublishRequest is the payload for registry.publish.
type PublishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PublishResponse reports the fan-out width.
type PublishResponse struct {
	Enqueued int `json:"enqueued"`
}

// PollRequest is the payload for registry.poll.
type PollRequest struct {
	Limit int `json:"limit,omitempty"`
}

// PollResponse carries the drained messages.
type PollResponse struct {
	Messages []*Message `json:"messages"`
}

// Ack is the default handler response.
type Ack struct {
	Ack bool `json:"ack"`
}

// HeartbeatPayload is the optional body of a heartbeat event.
type HeartbeatPayload struct {
	Status       AgentState `json:"status,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

// HandleMessage serves the registry's message surface: heartbeat events
// touch the directory, registry.* commands run the corresponding operation,
// and anything else is acked and dropped.
func (r *Registry) HandleMessage(ctx context.Context, msg *Message) (interface{}, error) {
	switch msg.Topic {
	case TopicHeartbeat:
		var hb HeartbeatPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &hb); err != nil {
				return nil, fmt.Errorf("heartbeat payload: %w", err)
			}
		}
		if err := r.Heartbeat(ctx, msg.Source, hb.Status); err != nil {
			// A heartbeat from an unregistered agent is not a delivery
			// failure; it stays invisible until it registers.
			r.log.Warn().Str("agent", msg.Source.String()).Msg("Heartbeat from unregistered agent")
		}
		return Ack{Ack: true}, nil

	case TopicRegister:
		var status AgentStatus
		if err := json.Unmarshal(msg.Payload, &status); err != nil {
			return nil, fmt.Errorf("register payload: %w", err)
		}
		if status.ID.IsZero() {
			status.ID = msg.Source
		}
		if err := r.Register(ctx, status); err != nil {
			return nil, err
		}
		return Ack{Ack: true}, nil

	case TopicSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("subscribe payload: %w", err)
		}
		if err := r.Subscribe(ctx, msg.Source, req.Topic); err != nil {
			return nil, err
		}
		return Ack{Ack: true}, nil

	case TopicUnsubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("unsubscribe payload: %w", err)
		}
		if err := r.Unsubscribe(ctx, msg.Source, req.Topic); err != nil {
			return nil, err
		}
		return Ack{Ack: true}, nil

	case TopicEnqueue:
		var req EnqueueRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("enqueue payload: %w", err)
		}
		queueID, err := r.Enqueue(ctx, req.Message, time.Duration(req.DelayMs)*time.Millisecond, req.MaxAttempts)
		if err != nil {
			return nil, err
		}
		return EnqueueResponse{QueueID: queueID}, nil

	case TopicPublish:
		var req PublishRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("publish payload: %w", err)
		}
		n, err := r.Publish(ctx, msg.Source, req.Topic, req.Payload)
		if err != nil {
			return nil, err
		}
		return PublishResponse{Enqueued: n}, nil

	case TopicPoll:
		var req PollRequest
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				return nil, fmt.Errorf("poll payload: %w", err)
			}
		}
		msgs, err := r.Poll(ctx, msg.Source, req.Limit)
		if err != nil {
			return nil, err
		}
		return PollResponse{Messages: msgs}, nil

	default:
		r.log.Debug().Str("topic", msg.Topic).Msg("Registry ignoring message")
		return Ack{Ack: true}, nil
	}
}
