// Package bus carries swarm messages between processes over NATS. Each agent
// owns one subject; deliveries are request/reply so the dispatcher learns
// whether the target accepted the message.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/swarm"
)

// Config tunes the transport.
type Config struct {
	Prefix         string        // subject prefix, default "swarm."
	RequestTimeout time.Duration // budget for one delivery round-trip, default 5s
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "swarm."
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// Handler serves messages for one agent. The actor host satisfies it.
type Handler interface {
	ID() swarm.AgentID
	Handle(ctx context.Context, msg *swarm.Message) (interface{}, error)
}

// wireResponse is the reply envelope for a delivered message.
type wireResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   string          `json:"kind,omitempty"`
}

// Transport connects local agents to the swarm's NATS subjects.
type Transport struct {
	nc  *nats.Conn
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewTransport wraps an established NATS connection.
func NewTransport(nc *nats.Conn, cfg Config, logger zerolog.Logger) *Transport {
	return &Transport{
		nc:  nc,
		cfg: cfg.withDefaults(),
		log: logger.With().Str("component", "bus").Logger(),
	}
}

// subject returns the agent's message subject:
// {prefix}agent.{type}.{name}.message
func (t *Transport) subject(id swarm.AgentID) string {
	return fmt.Sprintf("%sagent.%s.%s.message", t.cfg.Prefix, id.Type, id.Name)
}

// Deliver implements swarm.Deliverer over NATS: one request/reply round-trip
// per message. A missing responder, a timeout, or a handler error all count
// as a failed attempt.
func (t *Transport) Deliver(ctx context.Context, msg *swarm.Message) error {
	if !t.nc.IsConnected() {
		return faults.New(faults.ProviderError, "bus not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return faults.Wrap(err, faults.Internal, "encode message %s", msg.ID)
	}

	rctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	natsMsg, err := t.nc.RequestWithContext(rctx, t.subject(msg.Target), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return faults.New(faults.NotFound, "no responder for %s", msg.Target)
		}
		return faults.Provider(err, true, "deliver to %s", msg.Target)
	}

	var resp wireResponse
	if err := json.Unmarshal(natsMsg.Data, &resp); err != nil {
		return faults.Wrap(err, faults.ProviderError, "decode response from %s", msg.Target)
	}
	if !resp.OK {
		kind := faults.Kind(resp.Kind)
		if kind == "" {
			kind = faults.Internal
		}
		return faults.New(kind, "%s rejected message: %s", msg.Target, resp.Error)
	}
	return nil
}

// Request delivers a message and returns the handler's raw result, for
// clients that need the response body rather than just an ack.
func (t *Transport) Request(ctx context.Context, msg *swarm.Message) (json.RawMessage, error) {
	if !t.nc.IsConnected() {
		return nil, faults.New(faults.ProviderError, "bus not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, faults.Wrap(err, faults.Internal, "encode message %s", msg.ID)
	}

	rctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	natsMsg, err := t.nc.RequestWithContext(rctx, t.subject(msg.Target), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, faults.New(faults.NotFound, "no responder for %s", msg.Target)
		}
		return nil, faults.Provider(err, true, "request to %s", msg.Target)
	}

	var resp wireResponse
	if err := json.Unmarshal(natsMsg.Data, &resp); err != nil {
		return nil, faults.Wrap(err, faults.ProviderError, "decode response from %s", msg.Target)
	}
	if !resp.OK {
		kind := faults.Kind(resp.Kind)
		if kind == "" {
			kind = faults.Internal
		}
		return nil, faults.New(kind, "%s rejected %s: %s", msg.Target, msg.Topic, resp.Error)
	}
	return resp.Result, nil
}

// Serve subscribes the handler's subject and answers every delivery with a
// response envelope. Messages are handled serially per subscription, which
// preserves the actor's single-writer ordering.
func (t *Transport) Serve(h Handler) error {
	subj := t.subject(h.ID())
	sub, err := t.nc.Subscribe(subj, func(natsMsg *nats.Msg) {
		var msg swarm.Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			t.log.Warn().Err(err).Str("subject", subj).Msg("Dropping undecodable message")
			t.respond(natsMsg, nil, faults.Wrap(err, faults.InvalidInput, "decode message"))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		defer cancel()
		result, err := h.Handle(ctx, &msg)
		t.respond(natsMsg, result, err)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subj, err)
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	t.log.Info().Str("subject", subj).Str("agent", h.ID().String()).Msg("Agent serving on bus")
	return nil
}

func (t *Transport) respond(natsMsg *nats.Msg, result interface{}, err error) {
	if natsMsg.Reply == "" {
		return
	}
	var resp wireResponse
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = string(faults.KindOf(err))
	} else {
		resp.OK = true
		if result != nil {
			raw, merr := json.Marshal(result)
			if merr != nil {
				resp.OK = false
				resp.Error = fmt.Sprintf("encode result: %v", merr)
				resp.Kind = string(faults.Internal)
			} else {
				resp.Result = raw
			}
		}
	}
	data, merr := json.Marshal(resp)
	if merr != nil {
		t.log.Error().Err(merr).Msg("Failed to encode bus response")
		return
	}
	if rerr := natsMsg.Respond(data); rerr != nil {
		t.log.Warn().Err(rerr).Msg("Failed to respond on bus")
	}
}

// Close drains the subscriptions. The NATS connection itself belongs to the
// caller.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			t.log.Warn().Err(err).Msg("Unsubscribe failed")
		}
	}
	t.subs = nil
}
