// Package riskmgr is the risk manager agent. Its validate operation runs a
// proposed order through the same policy gate the execution pipeline uses,
// so a dry-run verdict and the real submission can never disagree.
package riskmgr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/execution"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/swarm"
)

// Command topics served by the risk manager.
const (
	TopicValidate = "validate"
)

// ValidationResult is the verdict for one proposed order.
type ValidationResult struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons"`
}

type state struct {
	Validations      int64 `json:"validations"`
	Approved         int64 `json:"approved"`
	Rejected         int64 `json:"rejected"`
	LastValidationMs int64 `json:"last_validation_ms"`
}

// Manager is the risk manager agent.
type Manager struct {
	id       swarm.AgentID
	gate     *execution.Gate
	registry *broker.Registry
	store    swarm.StateStore
	clk      clock.Clock
	log      zerolog.Logger

	st state
}

func New(gate *execution.Gate, registry *broker.Registry, store swarm.StateStore, clk clock.Clock, logger zerolog.Logger) *Manager {
	id := swarm.NewAgentID(swarm.TypeRiskManager)
	return &Manager{
		id:       id,
		gate:     gate,
		registry: registry,
		store:    store,
		clk:      clk,
		log:      logger.With().Str("agent", id.String()).Logger(),
	}
}

func (m *Manager) ID() swarm.AgentID { return m.id }

func (m *Manager) Capabilities() []string { return []string{"risk"} }

func (m *Manager) OnStart(ctx context.Context) error {
	if _, err := m.store.Load(ctx, &m.st); err != nil {
		return fmt.Errorf("load risk manager state: %w", err)
	}
	return nil
}

func (m *Manager) OnAlarm(ctx context.Context) error { return nil }

func (m *Manager) HandleMessage(ctx context.Context, msg *swarm.Message) (interface{}, error) {
	switch msg.Topic {
	case TopicValidate:
		var params execution.Params
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &params); err != nil {
				return nil, faults.Wrap(err, faults.InvalidInput, "decode order to validate")
			}
		}
		return m.Validate(ctx, params)
	default:
		if msg.Type == swarm.MessageCommand {
			return nil, faults.New(faults.NotFound, "risk manager has no %q operation", msg.Topic)
		}
		return swarm.Ack{Ack: true}, nil
	}
}

func (m *Manager) Snapshot() interface{} {
	return struct {
		Validations      int64 `json:"validations"`
		Approved         int64 `json:"approved"`
		Rejected         int64 `json:"rejected"`
		LastValidationMs int64 `json:"last_validation_ms"`
	}{
		Validations:      m.st.Validations,
		Approved:         m.st.Approved,
		Rejected:         m.st.Rejected,
		LastValidationMs: m.st.LastValidationMs,
	}
}

// Validate answers whether the order would pass the policy gate right now.
// Blocked orders come back approved=false with the full reason list; only
// infrastructure trouble (unknown provider, venue unreachable, bad input)
// is an error.
func (m *Manager) Validate(ctx context.Context, params execution.Params) (*ValidationResult, error) {
	if err := execution.NormalizeParams(&params); err != nil {
		return nil, err
	}
	prov, err := m.registry.Get(params.Provider)
	if err != nil {
		return nil, err
	}

	result, gateErr := m.gate.Check(ctx, prov, params)
	if gateErr != nil {
		switch faults.KindOf(gateErr) {
		case faults.KillSwitchActive, faults.PolicyViolation, faults.MarketClosed:
			// A verdict, not a failure.
		default:
			return nil, gateErr
		}
	}

	verdict := &ValidationResult{Approved: gateErr == nil, Reasons: []string{}}
	if result != nil {
		for _, v := range result.Violations {
			verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("%s: %s", v.Code, v.Message))
		}
	}
	// The session check is the gate's own rule; it never appears in the
	// violation list.
	if gateErr != nil && faults.KindOf(gateErr) == faults.MarketClosed {
		verdict.Reasons = append(verdict.Reasons, broker.SanitizeError(gateErr))
	}

	m.st.Validations++
	m.st.LastValidationMs = clock.NowMs(m.clk)
	if verdict.Approved {
		m.st.Approved++
	} else {
		m.st.Rejected++
	}
	if err := m.store.Save(ctx, &m.st); err != nil {
		m.log.Error().Err(err).Msg("persist risk manager state")
	}

	m.log.Info().
		Str("symbol", params.Symbol).
		Str("side", params.Side).
		Bool("approved", verdict.Approved).
		Int("reasons", len(verdict.Reasons)).
		Msg("order validated")
	return verdict, nil
}
