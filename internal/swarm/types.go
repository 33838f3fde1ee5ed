// Package swarm implements the coordination core: the typed messaging
// protocol shared by every agent and the registry actor providing discovery,
// topic pub/sub, and the delayed message queue with retry and dead-lettering.
package swarm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tradehive/tradehive/internal/ident"
)

// AgentType identifies an agent's role in the swarm.
type AgentType string

const (
	TypeScout       AgentType = "scout"
	TypeAnalyst     AgentType = "analyst"
	TypeTrader      AgentType = "trader"
	TypeRiskManager AgentType = "risk_manager"
	TypeLearning    AgentType = "learning"
	TypeRegistry    AgentType = "registry"
)

// AgentID is the immutable identity of an agent: its type plus a routing
// key ("default" in single-shard mode). Rendered as "type:name".
type AgentID struct {
	Type AgentType
	Name string
}

// NewAgentID builds an id with the default routing key.
func NewAgentID(t AgentType) AgentID {
	return AgentID{Type: t, Name: "default"}
}

// RegistryID is the singleton registry identity.
func RegistryID() AgentID {
	return AgentID{Type: TypeRegistry, Name: "default"}
}

func (id AgentID) String() string {
	return string(id.Type) + ":" + id.Name
}

// IsZero reports whether the id is unset.
func (id AgentID) IsZero() bool {
	return id.Type == "" && id.Name == ""
}

// ParseAgentID parses "type:name". A bare type implies the default key.
func ParseAgentID(s string) (AgentID, error) {
	if s == "" {
		return AgentID{}, fmt.Errorf("empty agent id")
	}
	parts := strings.SplitN(s, ":", 2)
	id := AgentID{Type: AgentType(parts[0]), Name: "default"}
	if len(parts) == 2 && parts[1] != "" {
		id.Name = parts[1]
	}
	switch id.Type {
	case TypeScout, TypeAnalyst, TypeTrader, TypeRiskManager, TypeLearning, TypeRegistry:
		return id, nil
	default:
		return AgentID{}, fmt.Errorf("unknown agent type %q", parts[0])
	}
}

// MarshalText renders the id as "type:name" so it works as a JSON map key.
func (id AgentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses "type:name".
func (id *AgentID) UnmarshalText(data []byte) error {
	parsed, err := ParseAgentID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MessageType categorizes a message's intent.
type MessageType string

const (
	MessageCommand MessageType = "COMMAND"
	MessageEvent   MessageType = "EVENT"
	MessageReply   MessageType = "REPLY"
)

// Priority is advisory only; the dispatcher delivers FIFO regardless.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Message is the unit of communication between agents. Delivery is FIFO per
// target in enqueue order; there is no total order across targets.
type Message struct {
	ID            string            `json:"id"`
	Source        AgentID           `json:"source"`
	Target        AgentID           `json:"target"`
	Type          MessageType       `json:"type"`
	Topic         string            `json:"topic"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	TimestampMs   int64             `json:"timestamp_ms"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	Priority      Priority          `json:"priority,omitempty"`
	TTLMs         int64             `json:"ttl_ms,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// NewMessage builds a message with a prefixed random id and the given
// payload marshaled to JSON. The timestamp is the caller's clock reading.
func NewMessage(idPrefix string, source, target AgentID, msgType MessageType, topic string, payload interface{}, nowMs int64) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	return &Message{
		ID:          ident.MessageID(idPrefix),
		Source:      source,
		Target:      target,
		Type:        msgType,
		Topic:       topic,
		Payload:     raw,
		TimestampMs: nowMs,
		Priority:    PriorityNormal,
	}, nil
}

// Validate rejects messages that cannot be enqueued.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("nil message")
	}
	if m.ID == "" {
		return fmt.Errorf("message id is empty")
	}
	if m.Source.IsZero() {
		return fmt.Errorf("message source is empty")
	}
	if m.Target.IsZero() {
		return fmt.Errorf("message target is empty")
	}
	if m.Topic == "" {
		return fmt.Errorf("message topic is empty")
	}
	if m.TimestampMs <= 0 {
		return fmt.Errorf("message timestamp is invalid")
	}
	return nil
}

// Expired reports whether the message's TTL has elapsed at nowMs.
// A TTL of zero never expires.
func (m *Message) Expired(nowMs int64) bool {
	return m.TTLMs > 0 && nowMs > m.TimestampMs+m.TTLMs
}

// QueueStatus is the lifecycle state of a queued message.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueFailed  QueueStatus = "failed"
)

// QueuedMessage wraps a message with its delivery bookkeeping. Attempts only
// increase; AvailableAtMs only increases between retry bumps.
type QueuedMessage struct {
	QueueID       string      `json:"queue_id"`
	Message       *Message    `json:"message"`
	EnqueuedAtMs  int64       `json:"enqueued_at_ms"`
	AvailableAtMs int64       `json:"available_at_ms"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"max_attempts"`
	Status        QueueStatus `json:"status"`
	LastError     string      `json:"last_error,omitempty"`
}

// DeadLetter is a queue entry that exhausted its attempts or expired.
// Terminal unless explicitly requeued.
type DeadLetter struct {
	QueuedMessage
	Reason         string `json:"reason"`
	DeadLetteredAt int64  `json:"dead_lettered_at_ms"`
}

// AgentState is a coarse liveness indicator reported by agents.
type AgentState string

const (
	StateActive AgentState = "active"
	StateBusy   AgentState = "busy"
	StateIdle   AgentState = "idle"
	StateFailed AgentState = "failed"
)

// AgentStatus is a directory record. An agent is discoverable only after its
// first register.
type AgentStatus struct {
	ID              AgentID    `json:"id"`
	Type            AgentType  `json:"type"`
	Status          AgentState `json:"status"`
	LastHeartbeatMs int64      `json:"last_heartbeat_ms"`
	Capabilities    []string   `json:"capabilities,omitempty"`
}

// Stats counts dispatcher outcomes since the registry started.
type Stats struct {
	Enqueued     int64 `json:"enqueued"`
	Published    int64 `json:"published"`
	Delivered    int64 `json:"delivered"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Expired      int64 `json:"expired"`
	Polled       int64 `json:"polled"`
}

// QueueState is the registry's queue observability snapshot.
type QueueState struct {
	Queued       int   `json:"queued"`
	DeadLettered int   `json:"dead_lettered"`
	Stats        Stats `json:"stats"`
}
