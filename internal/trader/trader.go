// Package trader is the execution agent. It turns analyst recommendations
// into sized orders: BUYs are checked against the learning agent's advice
// and the account's cash before they reach the order pipeline, SELLs close
// the live position. Every decision lands in a bounded trade history so the
// swarm's recent behavior is inspectable without touching the ledger tables.
package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradehive/tradehive/internal/activity"
	"github.com/tradehive/tradehive/internal/agent"
	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/execution"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/learning"
	"github.com/tradehive/tradehive/internal/strategy"
	"github.com/tradehive/tradehive/internal/swarm"
)

// Command topics served by the trader.
const (
	TopicBuy        = "buy"
	TopicSell       = "sell"
	TopicGetHistory = "history"
)

const (
	historyCap  = 100
	historyKeep = 50
	minNotional = 1.0
)

// Executor is the slice of the order pipeline the trader needs. Satisfied by
// *execution.Pipeline.
type Executor interface {
	Execute(ctx context.Context, source, key string, params execution.Params, approvalID *string) (*db.Submission, error)
}

// Publisher is the slice of the coordinator the trader needs.
type Publisher interface {
	Publish(ctx context.Context, source swarm.AgentID, topic string, payload interface{}) (int, error)
}

// Config tunes the trader.
type Config struct {
	// PositionPct is the fraction of cash committed per buy before the
	// confidence scaling.
	PositionPct float64
	// MaxNotional caps one buy in account currency.
	MaxNotional float64
	// Provider selects the venue; empty means the registry default.
	Provider string
	// AssetClass stamps outgoing orders; defaults to us_equity.
	AssetClass string
}

func (c Config) withDefaults() Config {
	if c.PositionPct <= 0 || c.PositionPct > 1 {
		c.PositionPct = 0.10
	}
	if c.MaxNotional <= 0 {
		c.MaxNotional = 5000
	}
	if c.AssetClass == "" {
		c.AssetClass = string(broker.AssetClassUSEquity)
	}
	return c
}

// BuyRequest is the payload of a buy command.
type BuyRequest struct {
	Symbol     string  `json:"symbol"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// SellRequest is the payload of a sell command.
type SellRequest struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// TradeResult reports what the trader did with one instruction.
type TradeResult struct {
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Executed       bool    `json:"executed"`
	Skipped        bool    `json:"skipped"`
	Reason         string  `json:"reason,omitempty"`
	Notional       float64 `json:"notional,omitempty"`
	Qty            float64 `json:"qty,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	BrokerOrderID  string  `json:"broker_order_id,omitempty"`
}

// HistoryEntry is one remembered trading decision.
type HistoryEntry struct {
	AtMs       int64   `json:"at_ms"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Outcome    string  `json:"outcome"` // submitted, skipped, blocked, failed
	Notional   float64 `json:"notional,omitempty"`
	Qty        float64 `json:"qty,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// HistoryResponse answers the history command.
type HistoryResponse struct {
	History []HistoryEntry `json:"history"`
}

type state struct {
	Strategy    strategy.Params `json:"strategy"`
	History     []HistoryEntry  `json:"history,omitempty"`
	Buys        int64           `json:"buys"`
	Sells       int64           `json:"sells"`
	Skips       int64           `json:"skips"`
	LastTradeMs int64           `json:"last_trade_ms"`
}

// Trader is the trading agent. All state mutations run on its actor
// goroutine.
type Trader struct {
	id       swarm.AgentID
	cfg      Config
	pipeline Executor
	caller   agent.Caller
	registry *broker.Registry
	store    swarm.StateStore
	pub      Publisher
	clk      clock.Clock
	activity *activity.Writer
	log      zerolog.Logger

	st state
}

// New builds the trader agent.
func New(cfg Config, pipeline Executor, caller agent.Caller, registry *broker.Registry, store swarm.StateStore, pub Publisher, clk clock.Clock, act *activity.Writer, logger zerolog.Logger) *Trader {
	id := swarm.NewAgentID(swarm.TypeTrader)
	return &Trader{
		id:       id,
		cfg:      cfg.withDefaults(),
		pipeline: pipeline,
		caller:   caller,
		registry: registry,
		store:    store,
		pub:      pub,
		clk:      clk,
		activity: act,
		log:      logger.With().Str("agent", id.String()).Logger(),
	}
}

func (t *Trader) ID() swarm.AgentID { return t.id }

func (t *Trader) Capabilities() []string { return []string{"trading"} }

// Subscriptions wires the trader to analyst output and strategy changes.
func (t *Trader) Subscriptions() []string {
	return []string{swarm.TopicAnalysisReady, swarm.TopicStrategyUpdated}
}

func (t *Trader) OnStart(ctx context.Context) error {
	if _, err := t.store.Load(ctx, &t.st); err != nil {
		return fmt.Errorf("load trader state: %w", err)
	}
	if t.st.Strategy == (strategy.Params{}) {
		t.st.Strategy = strategy.Default()
	}
	return nil
}

func (t *Trader) OnAlarm(ctx context.Context) error { return nil }

func (t *Trader) HandleMessage(ctx context.Context, msg *swarm.Message) (interface{}, error) {
	switch msg.Topic {
	case swarm.TopicAnalysisReady:
		return t.handleAnalysis(ctx, msg.Payload)
	case swarm.TopicStrategyUpdated:
		var upd learning.StrategyUpdated
		if err := json.Unmarshal(msg.Payload, &upd); err != nil {
			return nil, faults.Wrap(err, faults.InvalidInput, "decode strategy update")
		}
		t.st.Strategy = upd.Strategy.Clamp()
		t.save(ctx)
		t.log.Info().
			Float64("min_confidence_buy", t.st.Strategy.MinConfidenceBuy).
			Float64("max_position_notional", t.st.Strategy.MaxPositionNotional).
			Msg("strategy parameters updated")
		return swarm.Ack{Ack: true}, nil
	case TopicBuy:
		var req BuyRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, faults.Wrap(err, faults.InvalidInput, "decode buy request")
		}
		return t.Buy(ctx, req)
	case TopicSell:
		var req SellRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, faults.Wrap(err, faults.InvalidInput, "decode sell request")
		}
		return t.Sell(ctx, req)
	case TopicGetHistory:
		return HistoryResponse{History: t.historyNewestFirst()}, nil
	default:
		if msg.Type == swarm.MessageCommand {
			return nil, faults.New(faults.NotFound, "trader has no %q operation", msg.Topic)
		}
		return swarm.Ack{Ack: true}, nil
	}
}

func (t *Trader) Snapshot() interface{} {
	return struct {
		Strategy    strategy.Params `json:"strategy"`
		Buys        int64           `json:"buys"`
		Sells       int64           `json:"sells"`
		Skips       int64           `json:"skips"`
		LastTradeMs int64           `json:"last_trade_ms"`
		History     int             `json:"history"`
	}{
		Strategy:    t.st.Strategy,
		Buys:        t.st.Buys,
		Sells:       t.st.Sells,
		Skips:       t.st.Skips,
		LastTradeMs: t.st.LastTradeMs,
		History:     len(t.st.History),
	}
}

// handleAnalysis walks a recommendation batch. Each recommendation is
// independent; one rejected buy never stops the rest.
func (t *Trader) handleAnalysis(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var ready struct {
		Recommendations []struct {
			Symbol     string  `json:"symbol"`
			Action     string  `json:"action"`
			Confidence float64 `json:"confidence"`
			Reasoning  string  `json:"reasoning"`
		} `json:"recommendations"`
	}
	if err := json.Unmarshal(payload, &ready); err != nil {
		return nil, faults.Wrap(err, faults.InvalidInput, "decode analysis payload")
	}
	for _, rec := range ready.Recommendations {
		switch strings.ToUpper(rec.Action) {
		case "BUY":
			if _, err := t.Buy(ctx, BuyRequest{Symbol: rec.Symbol, Confidence: rec.Confidence, Reasoning: rec.Reasoning}); err != nil {
				t.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("recommended buy failed")
			}
		case "SELL":
			if _, err := t.Sell(ctx, SellRequest{Symbol: rec.Symbol, Reason: rec.Reasoning}); err != nil {
				t.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("recommended sell failed")
			}
		}
		// SKIP, WAIT and HOLD need no action.
	}
	return swarm.Ack{Ack: true}, nil
}

// Buy sizes and submits a buy. The position is min(cash x pct x confidence,
// max notional) floored to two decimals, where the cap is the tighter of the
// static limit and the learning agent's current strategy.
func (t *Trader) Buy(ctx context.Context, req BuyRequest) (*TradeResult, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, faults.New(faults.InvalidInput, "buy requires a symbol")
	}
	if req.Confidence <= 0 || req.Confidence > 1 {
		return nil, faults.New(faults.InvalidInput, "buy confidence must be in (0, 1], got %f", req.Confidence)
	}

	confidence := req.Confidence
	if adv := t.askAdvice(ctx, symbol, req.Confidence); adv != nil {
		if !adv.Approved {
			reason := adv.Reason
			if reason == "" {
				reason = fmt.Sprintf("confidence %.2f below floor %.2f", adv.Confidence, adv.MinConfidenceBuy)
			}
			return t.skip(ctx, symbol, "buy", confidence, "advice rejected: "+reason), nil
		}
		confidence = adv.Confidence
	}

	prov, err := t.registry.Get(t.cfg.Provider)
	if err != nil {
		return nil, err
	}
	account, err := prov.Broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("load account for sizing: %w", err)
	}

	notional := t.sizeBuy(account.Cash, confidence)
	if notional.InexactFloat64() < minNotional {
		return t.skip(ctx, symbol, "buy", confidence,
			fmt.Sprintf("insufficient cash: %s available", account.Cash.StringFixed(2))), nil
	}

	key := fmt.Sprintf("trader:buy:%s:%d", symbol, clock.NowMs(t.clk))
	params := execution.Params{
		Provider:   t.cfg.Provider,
		Symbol:     symbol,
		Side:       "buy",
		Type:       "market",
		AssetClass: t.cfg.AssetClass,
		Notional:   &notional,
		Confidence: confidence,
	}
	sub, execErr := t.pipeline.Execute(ctx, t.id.String(), key, params, nil)
	if execErr != nil {
		return t.finishFailed(ctx, symbol, "buy", confidence, notional.InexactFloat64(), 0, key, execErr)
	}

	t.st.Buys++
	res := &TradeResult{
		Symbol:         symbol,
		Side:           "buy",
		Executed:       true,
		Notional:       notional.InexactFloat64(),
		IdempotencyKey: key,
	}
	if sub.BrokerOrderID != nil {
		res.BrokerOrderID = *sub.BrokerOrderID
	}
	t.remember(ctx, HistoryEntry{
		Symbol:     symbol,
		Side:       "buy",
		Outcome:    "submitted",
		Notional:   res.Notional,
		Confidence: confidence,
		Reason:     req.Reasoning,
	})
	t.log.Info().
		Str("symbol", symbol).
		Float64("notional", res.Notional).
		Float64("confidence", confidence).
		Str("broker_order_id", res.BrokerOrderID).
		Msg("buy submitted")
	return res, nil
}

// Sell closes the full live position for a symbol. A symbol with no position
// is a skip, not an error. On success a trade_outcome event carries the
// position's final P/L to the learning agent.
func (t *Trader) Sell(ctx context.Context, req SellRequest) (*TradeResult, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, faults.New(faults.InvalidInput, "sell requires a symbol")
	}

	prov, err := t.registry.Get(t.cfg.Provider)
	if err != nil {
		return nil, err
	}
	pos, err := prov.Broker.GetPosition(ctx, symbol)
	if err != nil && faults.KindOf(err) != faults.NotFound {
		return nil, fmt.Errorf("load position for %s: %w", symbol, err)
	}
	if pos == nil || !pos.Qty.IsPositive() {
		return t.skip(ctx, symbol, "sell", 0, "no open position"), nil
	}

	qty := pos.Qty
	key := fmt.Sprintf("trader:sell:%s:%d", symbol, clock.NowMs(t.clk))
	params := execution.Params{
		Provider:   t.cfg.Provider,
		Symbol:     symbol,
		Side:       "sell",
		Type:       "market",
		AssetClass: t.cfg.AssetClass,
		Qty:        &qty,
	}
	sub, execErr := t.pipeline.Execute(ctx, t.id.String(), key, params, nil)
	if execErr != nil {
		return t.finishFailed(ctx, symbol, "sell", 0, 0, qty.InexactFloat64(), key, execErr)
	}

	t.st.Sells++
	res := &TradeResult{
		Symbol:         symbol,
		Side:           "sell",
		Executed:       true,
		Qty:            qty.InexactFloat64(),
		IdempotencyKey: key,
	}
	if sub.BrokerOrderID != nil {
		res.BrokerOrderID = *sub.BrokerOrderID
	}
	t.remember(ctx, HistoryEntry{
		Symbol:  symbol,
		Side:    "sell",
		Outcome: "submitted",
		Qty:     res.Qty,
		Reason:  req.Reason,
	})

	outcome := learning.Outcome{
		Symbol:   symbol,
		Success:  !pos.UnrealizedPL.IsNegative(),
		PnL:      pos.UnrealizedPL.InexactFloat64(),
		Notional: pos.MarketValue.InexactFloat64(),
		AtMs:     clock.NowMs(t.clk),
	}
	if _, err := t.pub.Publish(ctx, t.id, swarm.TopicTradeOutcome, outcome); err != nil {
		t.log.Error().Err(err).Str("symbol", symbol).Msg("publish trade_outcome")
	}

	t.log.Info().
		Str("symbol", symbol).
		Str("qty", qty.String()).
		Float64("pnl", outcome.PnL).
		Str("reason", req.Reason).
		Msg("position closed")
	return res, nil
}

// sizeBuy computes the buy notional in account currency, floored to cents.
func (t *Trader) sizeBuy(cash decimal.Decimal, confidence float64) decimal.Decimal {
	sized := cash.
		Mul(decimal.NewFromFloat(t.cfg.PositionPct)).
		Mul(decimal.NewFromFloat(confidence))
	limit := decimal.NewFromFloat(t.cfg.MaxNotional)
	if strat := decimal.NewFromFloat(t.st.Strategy.MaxPositionNotional); strat.IsPositive() && strat.LessThan(limit) {
		limit = strat
	}
	if sized.GreaterThan(limit) {
		sized = limit
	}
	return sized.RoundFloor(2)
}

// askAdvice consults the learning agent. Advice is advisory infrastructure:
// when the call fails the original confidence stands.
func (t *Trader) askAdvice(ctx context.Context, symbol string, confidence float64) *learning.AdviceResponse {
	if t.caller == nil {
		return nil
	}
	raw, err := t.caller.Call(ctx, t.id, swarm.NewAgentID(swarm.TypeLearning), learning.TopicAdvice,
		learning.AdviceRequest{Symbol: symbol, Confidence: confidence})
	if err != nil {
		t.log.Warn().Err(err).Str("symbol", symbol).Msg("learning advice unavailable")
		return nil
	}
	adv, err := learning.DecodeAdvice(raw)
	if err != nil {
		t.log.Warn().Err(err).Str("symbol", symbol).Msg("learning advice unreadable")
		return nil
	}
	return adv
}

func (t *Trader) skip(ctx context.Context, symbol, side string, confidence float64, reason string) *TradeResult {
	t.st.Skips++
	t.remember(ctx, HistoryEntry{
		Symbol:     symbol,
		Side:       side,
		Outcome:    "skipped",
		Confidence: confidence,
		Reason:     reason,
	})
	t.log.Info().Str("symbol", symbol).Str("side", side).Str("reason", reason).Msg("trade skipped")
	return &TradeResult{Symbol: symbol, Side: side, Skipped: true, Reason: reason}
}

// finishFailed records a pipeline rejection. Policy blocks are a verdict the
// caller can read from the result; infrastructure failures propagate.
func (t *Trader) finishFailed(ctx context.Context, symbol, side string, confidence, notional, qty float64, key string, cause error) (*TradeResult, error) {
	kind := faults.KindOf(cause)
	outcome := "failed"
	switch kind {
	case faults.KillSwitchActive, faults.PolicyViolation, faults.MarketClosed:
		outcome = "blocked"
	}
	t.remember(ctx, HistoryEntry{
		Symbol:     symbol,
		Side:       side,
		Outcome:    outcome,
		Notional:   notional,
		Qty:        qty,
		Confidence: confidence,
		Reason:     broker.SanitizeError(cause),
	})
	if outcome == "blocked" {
		t.log.Warn().Str("symbol", symbol).Str("side", side).Str("kind", string(kind)).Msg("trade blocked by policy")
		return &TradeResult{
			Symbol:         symbol,
			Side:           side,
			Skipped:        true,
			Reason:         broker.SanitizeError(cause),
			IdempotencyKey: key,
		}, nil
	}
	return nil, cause
}

// remember appends a history entry, newest last, bounded at the cap. On
// overflow only the newest half is kept.
func (t *Trader) remember(ctx context.Context, e HistoryEntry) {
	e.AtMs = clock.NowMs(t.clk)
	t.st.LastTradeMs = e.AtMs
	t.st.History = append(t.st.History, e)
	if len(t.st.History) > historyCap {
		t.st.History = append([]HistoryEntry(nil), t.st.History[len(t.st.History)-historyKeep:]...)
	}
	t.save(ctx)
	t.trace(ctx, e)
}

func (t *Trader) historyNewestFirst() []HistoryEntry {
	out := make([]HistoryEntry, 0, len(t.st.History))
	for i := len(t.st.History) - 1; i >= 0; i-- {
		out = append(out, t.st.History[i])
	}
	return out
}

func (t *Trader) save(ctx context.Context) {
	if err := t.store.Save(ctx, &t.st); err != nil {
		t.log.Error().Err(err).Msg("persist trader state")
	}
}

func (t *Trader) trace(ctx context.Context, e HistoryEntry) {
	if t.activity == nil {
		return
	}
	t.activity.Trace(ctx, t.id.String(), fmt.Sprintf("trade:%s:%d", e.Symbol, e.AtMs),
		fmt.Sprintf("%s_%s", e.Side, e.Outcome), e.Outcome, e.Reason, map[string]interface{}{
			"symbol":     e.Symbol,
			"notional":   e.Notional,
			"qty":        e.Qty,
			"confidence": e.Confidence,
		})
}

// DecodeResult parses a trade result payload.
func DecodeResult(raw json.RawMessage) (*TradeResult, error) {
	var res TradeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, faults.Wrap(err, faults.Internal, "decode trade result")
	}
	return &res, nil
}
