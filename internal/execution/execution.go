// Package execution is the idempotent order pipeline. Every submission is
// keyed by an idempotency key and walks a persisted state machine
// (RESERVED -> SUBMITTING -> SUBMITTED | FAILED), so concurrent callers with
// the same key converge on exactly one broker order. Each branch leaves a
// decision trace in the activity log.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradehive/tradehive/internal/activity"
	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/ident"
	"github.com/tradehive/tradehive/internal/metrics"
)

// Params is the canonical provider-agnostic order, persisted verbatim as the
// submission's request_json.
type Params struct {
	Provider      string           `json:"provider,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	AssetClass    string           `json:"asset_class"`
	Qty           *decimal.Decimal `json:"qty,omitempty"`
	Notional      *decimal.Decimal `json:"notional,omitempty"`
	TimeInForce   string           `json:"time_in_force,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	ExtendedHours bool             `json:"extended_hours,omitempty"`
	QuoteCcy      string           `json:"quote_ccy,omitempty"`
	Confidence    float64          `json:"confidence,omitempty"`
}

// Pipeline executes orders exactly once per idempotency key.
type Pipeline struct {
	subs     *db.SubmissionRepo
	trades   *db.TradeRepo
	gate     *Gate
	registry *broker.Registry
	clk      clock.Clock
	activity *activity.Writer
	log      zerolog.Logger
}

func NewPipeline(
	subs *db.SubmissionRepo,
	trades *db.TradeRepo,
	gate *Gate,
	registry *broker.Registry,
	clk clock.Clock,
	act *activity.Writer,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		subs:     subs,
		trades:   trades,
		gate:     gate,
		registry: registry,
		clk:      clk,
		activity: act,
		log:      logger.With().Str("component", "execution").Logger(),
	}
}

// ClientOrderID derives the broker-side client order id from the idempotency
// key: the key itself when it fits the 32-character broker limit, otherwise
// the first 32 hex characters of its SHA-256.
func ClientOrderID(key string) string {
	if len(key) <= 32 {
		return key
	}
	return ident.SHA256Hex(key)[:32]
}

// Execute runs the full pipeline for one order. Callers retrying the same
// idempotency key get the already-submitted row back instead of a second
// broker order. The returned submission is the canonical persisted row.
func (p *Pipeline) Execute(ctx context.Context, source, key string, params Params, approvalID *string) (*db.Submission, error) {
	if err := normalize(&key, &params); err != nil {
		return nil, err
	}
	traceID := key
	if approvalID != nil && *approvalID != "" {
		traceID = *approvalID
	}

	prov, err := p.registry.Get(params.Provider)
	if err != nil {
		return nil, err
	}

	requestJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode order params: %w", err)
	}

	if err := p.subs.Reserve(ctx, key, source, approvalID, prov.Name, requestJSON); err != nil {
		return nil, err
	}
	sub, err := p.subs.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, faults.New(faults.Internal, "submission %s missing after reserve", key)
	}

	if reusable(sub.State) {
		metrics.Execution().Outcomes.WithLabelValues(metrics.PipelineReused).Inc()
		p.trace(ctx, source, traceID, "reuse_existing_submission", "ok",
			fmt.Sprintf("submission already %s", sub.State),
			map[string]interface{}{"idempotency_key": key, "state": string(sub.State)})
		return sub, nil
	}

	moved, err := p.subs.MarkSubmitting(ctx, key)
	if err != nil {
		return nil, err
	}
	if !moved {
		sub, err = p.subs.GetByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if sub != nil && reusable(sub.State) {
			metrics.Execution().Outcomes.WithLabelValues(metrics.PipelineReused).Inc()
			p.trace(ctx, source, traceID, "reuse_existing_submission", "ok",
				fmt.Sprintf("lost transition race, submission already %s", sub.State),
				map[string]interface{}{"idempotency_key": key, "state": string(sub.State)})
			return sub, nil
		}
		return nil, faults.New(faults.Conflict, "submission %s is contended", key)
	}

	result, gateErr := p.gate.Check(ctx, prov, params)
	if gateErr != nil {
		fields := map[string]interface{}{"idempotency_key": key}
		if result != nil && len(result.Violations) > 0 {
			fields["violations"] = result.Violations
		}
		return p.fail(ctx, source, traceID, key, "policy_gate", gateErr, fields)
	}
	p.trace(ctx, source, traceID, "policy_gate", "ok", "order passed policy checks",
		map[string]interface{}{"idempotency_key": key})

	order, err := prov.Broker.CreateOrder(ctx, brokerRequest(key, params))
	if err != nil {
		return p.fail(ctx, source, traceID, key, "submit_order", err,
			map[string]interface{}{"idempotency_key": key, "symbol": params.Symbol})
	}

	if err := p.subs.MarkSubmitted(ctx, key, order.ID, prov.Name); err != nil {
		// The broker accepted: the row must not flip to FAILED, or a retry
		// would double-submit. Surface the persistence error as-is.
		p.log.Error().Err(err).Str("idempotency_key", key).Str("broker_order_id", order.ID).
			Msg("Broker accepted order but submission row not finalized")
		return nil, err
	}
	p.recordTrade(ctx, sub, params, approvalID, prov.Name, order)

	p.trace(ctx, source, traceID, "submit_order", "ok", "order submitted",
		map[string]interface{}{
			"idempotency_key": key,
			"symbol":          params.Symbol,
			"side":            params.Side,
			"broker_order_id": order.ID,
			"provider":        prov.Name,
		})

	metrics.Execution().Outcomes.WithLabelValues(metrics.PipelineSubmitted).Inc()
	now := p.clk.Now()
	sub.State = db.SubmissionSubmitted
	sub.BrokerOrderID = &order.ID
	sub.BrokerProvider = prov.Name
	sub.UpdatedAt = now
	return sub, nil
}

// fail finalizes an attempt that blocked or errored after taking the
// SUBMITTING slot. A row that is concurrently SUBMITTED wins: this attempt
// only annotates it. Otherwise the row flips to FAILED with a sanitized
// error so a later attempt can retry the key.
func (p *Pipeline) fail(ctx context.Context, source, traceID, key, action string, cause error, fields map[string]interface{}) (*db.Submission, error) {
	errJSON := sanitizedErrJSON(cause)

	cur, readErr := p.subs.GetByKey(ctx, key)
	if readErr == nil && cur != nil && cur.State == db.SubmissionSubmitted {
		if err := p.subs.StampError(ctx, key, errJSON); err != nil {
			p.log.Warn().Err(err).Str("idempotency_key", key).Msg("Failed to stamp error on submitted row")
		}
		p.trace(ctx, source, traceID, action, "ok",
			"concurrent submission already succeeded, reusing it", fields)
		return cur, nil
	}
	if readErr != nil {
		p.log.Warn().Err(readErr).Str("idempotency_key", key).Msg("Failed to re-read submission on failure path")
	}

	if err := p.subs.MarkFailed(ctx, key, errJSON); err != nil {
		p.log.Error().Err(err).Str("idempotency_key", key).Msg("Failed to mark submission failed")
	}

	status := "failed"
	outcome := metrics.PipelineFailed
	switch faults.KindOf(cause) {
	case faults.KillSwitchActive, faults.PolicyViolation, faults.MarketClosed:
		status = "blocked"
		outcome = metrics.PipelineBlocked
	}
	metrics.Execution().Outcomes.WithLabelValues(outcome).Inc()
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["fault_kind"] = string(faults.KindOf(cause))
	p.trace(ctx, source, traceID, action, status, broker.SanitizeError(cause), fields)
	return nil, cause
}

func (p *Pipeline) recordTrade(ctx context.Context, sub *db.Submission, params Params, approvalID *string, provider string, order *broker.Order) {
	trade := &db.Trade{
		ID:             uuid.New(),
		SubmissionID:   &sub.ID,
		ApprovalID:     approvalID,
		BrokerProvider: provider,
		BrokerOrderID:  order.ID,
		Symbol:         params.Symbol,
		Side:           params.Side,
		Qty:            decPtrFloat(params.Qty),
		Notional:       decPtrFloat(params.Notional),
		AssetClass:     params.AssetClass,
		OrderType:      params.Type,
		Status:         string(order.Status),
		LimitPrice:     decPtrFloat(params.LimitPrice),
		StopPrice:      decPtrFloat(params.StopPrice),
	}
	if params.QuoteCcy != "" {
		trade.QuoteCcy = &params.QuoteCcy
	}
	// An accepted broker order outranks the trade ledger; the hourly
	// backfill repairs any row missed here.
	if err := p.trades.Insert(ctx, trade); err != nil {
		p.log.Error().Err(err).Str("broker_order_id", order.ID).Msg("Failed to insert trade row")
	}
}

func (p *Pipeline) trace(ctx context.Context, source, traceID, action, status, description string, fields map[string]interface{}) {
	if p.activity == nil {
		return
	}
	p.activity.Trace(ctx, source, traceID, action, status, description, fields)
}

func reusable(state db.SubmissionState) bool {
	return state == db.SubmissionSubmitted || state == db.SubmissionSubmitting
}

func normalize(key *string, params *Params) error {
	*key = strings.TrimSpace(*key)
	if *key == "" {
		return faults.New(faults.InvalidInput, "idempotency key is required")
	}
	return NormalizeParams(params)
}

// NormalizeParams canonicalizes an order before evaluation or persistence:
// symbols uppercase, enums lowercase, market/day defaults filled in. The
// pipeline and the risk manager's validate endpoint share it, so a
// validated order and the submitted order read identically.
func NormalizeParams(params *Params) error {
	params.Symbol = strings.ToUpper(strings.TrimSpace(params.Symbol))
	if params.Symbol == "" {
		return faults.New(faults.InvalidInput, "symbol is required")
	}

	params.Side = strings.ToLower(strings.TrimSpace(params.Side))
	if params.Side != "buy" && params.Side != "sell" {
		return faults.New(faults.InvalidInput, "invalid order side %q", params.Side)
	}

	params.Type = strings.ToLower(strings.TrimSpace(params.Type))
	if params.Type == "" {
		params.Type = "market"
	}
	switch params.Type {
	case "market", "limit", "stop", "stop_limit":
	default:
		return faults.New(faults.InvalidInput, "invalid order type %q", params.Type)
	}

	params.AssetClass = strings.ToLower(strings.TrimSpace(params.AssetClass))
	switch params.AssetClass {
	case string(broker.AssetClassUSEquity), string(broker.AssetClassCrypto):
	default:
		return faults.New(faults.InvalidInput, "invalid asset class %q", params.AssetClass)
	}

	params.TimeInForce = strings.ToLower(strings.TrimSpace(params.TimeInForce))
	if params.TimeInForce == "" {
		params.TimeInForce = "day"
	}

	hasQty := params.Qty != nil && params.Qty.IsPositive()
	hasNotional := params.Notional != nil && params.Notional.IsPositive()
	if hasQty == hasNotional {
		return faults.New(faults.InvalidInput, "exactly one of qty or notional must be positive")
	}
	if (params.Type == "limit" || params.Type == "stop_limit") && (params.LimitPrice == nil || !params.LimitPrice.IsPositive()) {
		return faults.New(faults.InvalidInput, "limit orders require a positive limit_price")
	}
	if (params.Type == "stop" || params.Type == "stop_limit") && (params.StopPrice == nil || !params.StopPrice.IsPositive()) {
		return faults.New(faults.InvalidInput, "stop orders require a positive stop_price")
	}
	return nil
}

func brokerRequest(key string, params Params) broker.OrderRequest {
	return broker.OrderRequest{
		Symbol:        params.Symbol,
		Side:          broker.Side(params.Side),
		Type:          broker.OrderType(params.Type),
		AssetClass:    broker.AssetClass(params.AssetClass),
		Qty:           params.Qty,
		Notional:      params.Notional,
		TimeInForce:   broker.TimeInForce(params.TimeInForce),
		LimitPrice:    params.LimitPrice,
		StopPrice:     params.StopPrice,
		ExtendedHours: params.ExtendedHours,
		ClientOrderID: ClientOrderID(key),
	}
}

func sanitizedErrJSON(cause error) json.RawMessage {
	payload := map[string]string{
		"error": broker.SanitizeError(cause),
		"kind":  string(faults.KindOf(cause)),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{"error":"unencodable"}`)
	}
	return b
}

func decPtrFloat(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}
