package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/policy"
)

// PolicyInputs is the stored half of a policy evaluation: the rule set and
// the risk singleton. The live half (account, positions, market clock) comes
// from the venue at evaluation time.
type PolicyInputs struct {
	Config    policy.Config
	RiskState policy.RiskState
}

// PolicyLoader loads the stored policy inputs.
type PolicyLoader interface {
	LoadPolicyInputs(ctx context.Context) (PolicyInputs, error)
}

// StoreLoader loads policy inputs from the policy_config and risk_state
// tables. A missing config row falls back to the shipped defaults.
type StoreLoader struct {
	cfg  *db.PolicyConfigRepo
	risk *db.RiskStateRepo
}

func NewStoreLoader(cfg *db.PolicyConfigRepo, risk *db.RiskStateRepo) *StoreLoader {
	return &StoreLoader{cfg: cfg, risk: risk}
}

func (l *StoreLoader) LoadPolicyInputs(ctx context.Context) (PolicyInputs, error) {
	out := PolicyInputs{Config: policy.DefaultConfig()}

	raw, _, err := l.cfg.Get(ctx)
	if err != nil {
		return out, err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &out.Config); err != nil {
			return out, fmt.Errorf("decode stored policy config: %w", err)
		}
	}

	rs, err := l.risk.Get(ctx)
	if err != nil {
		return out, err
	}
	if rs != nil {
		out.RiskState = policy.RiskState{
			KillSwitchActive: rs.KillSwitchActive,
			DailyLossUSD:     rs.DailyLossUSD,
			DailyEquityStart: rs.DailyEquityStart,
			CooldownUntil:    rs.CooldownUntil,
		}
		if rs.KillSwitchReason != nil {
			out.RiskState.KillSwitchReason = *rs.KillSwitchReason
		}
	}
	return out, nil
}

// Gate runs the policy engine against live venue state. The pipeline gates
// every submission through it, and the risk manager exposes it directly as
// its validate endpoint, so both answer identically for the same order.
type Gate struct {
	loader PolicyLoader
	clk    clock.Clock
	log    zerolog.Logger
}

func NewGate(loader PolicyLoader, clk clock.Clock, logger zerolog.Logger) *Gate {
	return &Gate{loader: loader, clk: clk, log: logger.With().Str("component", "gate").Logger()}
}

// Check evaluates every policy rule for the order and returns the first
// blocking fault: kill switch, then the violation list, then the
// equity-market session check for day orders. The result always carries the
// complete violation list, including when an error is returned alongside it.
func (g *Gate) Check(ctx context.Context, prov *broker.Provider, params Params) (*policy.Result, error) {
	inputs, err := g.loader.LoadPolicyInputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy inputs: %w", err)
	}
	account, err := prov.Broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("load account for policy gate: %w", err)
	}
	positions, err := prov.Broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions for policy gate: %w", err)
	}

	in := policy.Input{
		Order: policy.Order{
			Symbol:        params.Symbol,
			Side:          params.Side,
			Type:          params.Type,
			AssetClass:    params.AssetClass,
			NotionalUSD:   g.estimateNotional(ctx, prov, params),
			TimeInForce:   params.TimeInForce,
			ExtendedHours: params.ExtendedHours,
			Confidence:    params.Confidence,
		},
		Account: policy.Account{
			EquityUSD:      account.Equity.InexactFloat64(),
			CashUSD:        account.Cash.InexactFloat64(),
			BuyingPowerUSD: account.BuyingPower.InexactFloat64(),
		},
		Positions: policyPositions(positions),
		Now:       g.clk.Now(),
		RiskState: inputs.RiskState,
		Config:    inputs.Config,
	}
	if params.Qty != nil {
		in.Order.Qty = params.Qty.InexactFloat64()
	}
	result := policy.Evaluate(in)

	if inputs.RiskState.KillSwitchActive {
		reason := inputs.RiskState.KillSwitchReason
		if reason == "" {
			reason = "no reason recorded"
		}
		return &result, faults.New(faults.KillSwitchActive, "kill switch is active: %s", reason)
	}
	if !result.Allowed {
		return &result, faults.New(faults.PolicyViolation,
			"policy rejected order: %s", summarizeViolations(result.Violations))
	}

	if params.AssetClass == string(broker.AssetClassUSEquity) && strings.EqualFold(params.TimeInForce, "day") {
		mclk, err := prov.Broker.GetClock(ctx)
		if err != nil {
			return &result, fmt.Errorf("load market clock: %w", err)
		}
		if !mclk.IsOpen {
			return &result, faults.New(faults.MarketClosed,
				"equity market is closed for day order on %s, next open %s",
				params.Symbol, mclk.NextOpen.Format("2006-01-02 15:04 MST"))
		}
	}
	return &result, nil
}

// estimateNotional puts a dollar figure on the order for the notional and
// exposure checks: the explicit notional, else qty at the limit price, else
// qty at the quote mid. Without any price source the checks are skipped.
func (g *Gate) estimateNotional(ctx context.Context, prov *broker.Provider, params Params) float64 {
	if params.Notional != nil {
		return params.Notional.InexactFloat64()
	}
	if params.Qty == nil {
		return 0
	}
	qty := params.Qty.InexactFloat64()
	if params.LimitPrice != nil {
		return qty * params.LimitPrice.InexactFloat64()
	}
	if prov.MarketData != nil {
		quote, err := prov.MarketData.GetQuote(ctx, params.Symbol)
		if err == nil && quote.AskPrice > 0 {
			return qty * (quote.BidPrice + quote.AskPrice) / 2
		}
		g.log.Debug().Err(err).Str("symbol", params.Symbol).Msg("no quote for notional estimate")
	}
	return 0
}

func policyPositions(positions []broker.Position) []policy.Position {
	out := make([]policy.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, policy.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty.InexactFloat64(),
			MarketValue:   p.MarketValue.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice:  p.CurrentPrice.InexactFloat64(),
		})
	}
	return out
}

func summarizeViolations(violations []policy.Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, string(v.Code))
	}
	return strings.Join(parts, ", ")
}
