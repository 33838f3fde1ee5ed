// Package policy is the stateless order gate. Evaluate runs every check
// against one proposed order and reports an ordered violation list; it does
// no IO, so identical inputs always produce identical results.
package policy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tradehive/tradehive/internal/clock"
)

// Code identifies one policy check in the violation taxonomy.
type Code string

const (
	CodeKillSwitch        Code = "kill_switch"
	CodeCooldown          Code = "cooldown_active"
	CodeDailyLoss         Code = "daily_loss_limit"
	CodePerTradeNotional  Code = "per_trade_notional"
	CodeSymbolExposure    Code = "symbol_exposure"
	CodeOpenPositions     Code = "open_position_count"
	CodeOrderType         Code = "order_type_not_allowed"
	CodeSymbolNotAllowed  Code = "symbol_not_allowed"
	CodeMinAvgVolume      Code = "min_avg_volume"
	CodeMinPrice          Code = "min_price"
	CodeTradingHours      Code = "outside_trading_hours"
	CodeExtendedHours     Code = "extended_hours_not_allowed"
	CodeShortSelling      Code = "short_selling_not_allowed"
	CodeCashOnly          Code = "cash_only"
	CodeOptionDTE         Code = "option_dte"
	CodeOptionDelta       Code = "option_delta"
	CodeOptionStrategy    Code = "option_strategy"
	CodeOptionExposure    Code = "option_exposure"
	CodeOptionAveraging   Code = "option_averaging_down"
	CodeOptionPositions   Code = "option_position_count"
	CodeOptionConfidence  Code = "option_min_confidence"
)

// Violation is one failed check with a human-readable explanation.
type Violation struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Order is the proposed order as the policy engine sees it.
type Order struct {
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	Type          string     `json:"type"`
	AssetClass    string     `json:"asset_class"`
	NotionalUSD   float64    `json:"notional_usd"`
	Qty           float64    `json:"qty,omitempty"`
	TimeInForce   string     `json:"time_in_force,omitempty"`
	ExtendedHours bool       `json:"extended_hours,omitempty"`
	Confidence    float64    `json:"confidence,omitempty"`
	Option        *OptionLeg `json:"option,omitempty"`
}

// OptionLeg carries the option-specific fields; nil means an equity or
// crypto order.
type OptionLeg struct {
	DTE      int     `json:"dte"`
	Delta    float64 `json:"delta"`
	Strategy string  `json:"strategy"`
}

// Account is the live account snapshot.
type Account struct {
	EquityUSD      float64 `json:"equity_usd"`
	CashUSD        float64 `json:"cash_usd"`
	BuyingPowerUSD float64 `json:"buying_power_usd"`
}

// Position is one open position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	MarketValue   float64 `json:"market_value"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	Option        bool    `json:"option,omitempty"`
}

// RiskState is the live risk snapshot as policy needs it.
type RiskState struct {
	KillSwitchActive bool       `json:"kill_switch_active"`
	KillSwitchReason string     `json:"kill_switch_reason,omitempty"`
	DailyLossUSD     float64    `json:"daily_loss_usd"`
	DailyEquityStart float64    `json:"daily_equity_start"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`
}

// SymbolStats are per-symbol market figures for the liquidity checks;
// absent stats skip those checks.
type SymbolStats struct {
	AvgDailyVolume float64 `json:"avg_daily_volume"`
	LastPrice      float64 `json:"last_price"`
}

// Input bundles everything one evaluation sees.
type Input struct {
	Order     Order
	Account   Account
	Positions []Position
	Now       time.Time
	RiskState RiskState
	Config    Config
	Stats     *SymbolStats
}

// Result is the verdict: allowed iff no violations. The violation order is
// stable across runs.
type Result struct {
	Allowed     bool                   `json:"allowed"`
	Violations  []Violation            `json:"violations"`
	Diagnostics map[string]interface{} `json:"diagnostics,omitempty"`
}

// Evaluate runs every check in order; all checks run even after a failure so
// the caller sees the complete list.
func Evaluate(in Input) Result {
	var (
		v    []Violation
		diag = map[string]interface{}{}
	)
	fail := func(code Code, format string, args ...interface{}) {
		v = append(v, Violation{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	cfg := in.Config
	order := in.Order
	isSell := strings.EqualFold(order.Side, "sell")
	isBuy := !isSell

	// kill switch
	if in.RiskState.KillSwitchActive {
		reason := in.RiskState.KillSwitchReason
		if reason == "" {
			reason = "no reason recorded"
		}
		fail(CodeKillSwitch, "kill switch is active: %s", reason)
	}

	// cooldown window
	if cu := in.RiskState.CooldownUntil; cu != nil && in.Now.Before(*cu) {
		fail(CodeCooldown, "trading cooldown until %s", cu.UTC().Format(time.RFC3339))
		diag["cooldown_until"] = cu.UTC().Format(time.RFC3339)
	}

	// daily-loss ratio
	if cfg.MaxDailyLossRatio > 0 && in.RiskState.DailyEquityStart > 0 {
		ratio := in.RiskState.DailyLossUSD / in.RiskState.DailyEquityStart
		diag["daily_loss_ratio"] = ratio
		if ratio >= cfg.MaxDailyLossRatio {
			fail(CodeDailyLoss, "daily loss %.2f%% reached the %.2f%% limit",
				ratio*100, cfg.MaxDailyLossRatio*100)
		}
	}

	// per-trade notional
	if cfg.MaxPerTradeNotionalUSD > 0 && order.NotionalUSD > cfg.MaxPerTradeNotionalUSD {
		fail(CodePerTradeNotional, "order notional $%.2f exceeds per-trade limit $%.2f",
			order.NotionalUSD, cfg.MaxPerTradeNotionalUSD)
	}

	// per-symbol exposure %
	if cfg.MaxSymbolExposurePct > 0 && in.Account.EquityUSD > 0 && isBuy {
		exposure := order.NotionalUSD
		for _, p := range in.Positions {
			if strings.EqualFold(p.Symbol, order.Symbol) {
				exposure += math.Abs(p.MarketValue)
			}
		}
		pct := exposure / in.Account.EquityUSD * 100
		diag["symbol_exposure_pct"] = pct
		if pct > cfg.MaxSymbolExposurePct {
			fail(CodeSymbolExposure, "%s exposure %.1f%% exceeds %.1f%% of equity",
				order.Symbol, pct, cfg.MaxSymbolExposurePct)
		}
	}

	// open-position count; adding to an existing position does not count
	if cfg.MaxOpenPositions > 0 && isBuy && !hasPosition(in.Positions, order.Symbol) {
		if len(in.Positions) >= cfg.MaxOpenPositions {
			fail(CodeOpenPositions, "open positions %d at the %d limit",
				len(in.Positions), cfg.MaxOpenPositions)
		}
	}

	// order-type allow-list
	if len(cfg.AllowedOrderTypes) > 0 && !containsFold(cfg.AllowedOrderTypes, order.Type) {
		fail(CodeOrderType, "order type %q is not allowed", order.Type)
	}

	// symbol allow/deny lists
	if containsFold(cfg.SymbolDenylist, order.Symbol) {
		fail(CodeSymbolNotAllowed, "symbol %s is denied", order.Symbol)
	} else if len(cfg.SymbolAllowlist) > 0 && !containsFold(cfg.SymbolAllowlist, order.Symbol) {
		fail(CodeSymbolNotAllowed, "symbol %s is not on the allowlist", order.Symbol)
	}

	// liquidity floors, skipped without stats
	if in.Stats != nil {
		if cfg.MinAvgDailyVolume > 0 && in.Stats.AvgDailyVolume < cfg.MinAvgDailyVolume {
			fail(CodeMinAvgVolume, "%s average volume %.0f below %.0f minimum",
				order.Symbol, in.Stats.AvgDailyVolume, cfg.MinAvgDailyVolume)
		}
		if cfg.MinPrice > 0 && in.Stats.LastPrice > 0 && in.Stats.LastPrice < cfg.MinPrice {
			fail(CodeMinPrice, "%s price $%.2f below $%.2f minimum",
				order.Symbol, in.Stats.LastPrice, cfg.MinPrice)
		}
	}

	// trading-hours windows apply to equities only; crypto trades around
	// the clock
	if len(cfg.TradingHours) > 0 && order.AssetClass != "crypto" {
		ny := in.Now.In(clock.NY())
		if !inAnyWindow(cfg.TradingHours, ny) {
			if order.ExtendedHours && cfg.AllowExtendedHours {
				diag["extended_hours_session"] = true
			} else {
				fail(CodeTradingHours, "outside trading hours (%s ET)", ny.Format("15:04"))
			}
		}
	}
	if order.ExtendedHours && !cfg.AllowExtendedHours {
		fail(CodeExtendedHours, "extended-hours orders are not allowed")
	}

	// short-selling
	if isSell && !cfg.AllowShortSelling {
		held := positionQty(in.Positions, order.Symbol)
		if held <= 0 || (order.Qty > 0 && order.Qty > held) {
			fail(CodeShortSelling, "selling %s without a covering position", order.Symbol)
		}
	}

	// cash-only mode
	if cfg.CashOnly && isBuy && order.NotionalUSD > in.Account.CashUSD {
		fail(CodeCashOnly, "cash-only: order $%.2f exceeds cash $%.2f",
			order.NotionalUSD, in.Account.CashUSD)
	}

	// options sub-rules
	if order.Option != nil {
		evaluateOptions(in, fail, diag)
	}

	return Result{Allowed: len(v) == 0, Violations: v, Diagnostics: diag}
}

func evaluateOptions(in Input, fail func(Code, string, ...interface{}), diag map[string]interface{}) {
	rules := in.Config.Options
	leg := in.Order.Option

	if rules.MinDTE > 0 && leg.DTE < rules.MinDTE {
		fail(CodeOptionDTE, "option DTE %d below %d minimum", leg.DTE, rules.MinDTE)
	}
	if rules.MaxDTE > 0 && leg.DTE > rules.MaxDTE {
		fail(CodeOptionDTE, "option DTE %d above %d maximum", leg.DTE, rules.MaxDTE)
	}

	absDelta := math.Abs(leg.Delta)
	if rules.MinAbsDelta > 0 && absDelta < rules.MinAbsDelta {
		fail(CodeOptionDelta, "option |delta| %.2f below %.2f minimum", absDelta, rules.MinAbsDelta)
	}
	if rules.MaxAbsDelta > 0 && absDelta > rules.MaxAbsDelta {
		fail(CodeOptionDelta, "option |delta| %.2f above %.2f maximum", absDelta, rules.MaxAbsDelta)
	}

	if len(rules.AllowedStrategies) > 0 && !containsFold(rules.AllowedStrategies, leg.Strategy) {
		fail(CodeOptionStrategy, "option strategy %q is not allowed", leg.Strategy)
	}

	if rules.MaxExposureUSD > 0 {
		exposure := in.Order.NotionalUSD
		for _, p := range in.Positions {
			if p.Option {
				exposure += math.Abs(p.MarketValue)
			}
		}
		diag["option_exposure_usd"] = exposure
		if exposure > rules.MaxExposureUSD {
			fail(CodeOptionExposure, "option exposure $%.2f exceeds $%.2f limit",
				exposure, rules.MaxExposureUSD)
		}
	}

	// no averaging down: buying more of an option already under water
	if strings.EqualFold(in.Order.Side, "buy") {
		for _, p := range in.Positions {
			if p.Option && strings.EqualFold(p.Symbol, in.Order.Symbol) &&
				p.CurrentPrice < p.AvgEntryPrice {
				fail(CodeOptionAveraging, "averaging down on losing option %s", in.Order.Symbol)
				break
			}
		}
	}

	if rules.MaxPositions > 0 && !hasPosition(in.Positions, in.Order.Symbol) {
		count := 0
		for _, p := range in.Positions {
			if p.Option {
				count++
			}
		}
		if count >= rules.MaxPositions {
			fail(CodeOptionPositions, "option positions %d at the %d limit", count, rules.MaxPositions)
		}
	}

	if rules.MinConfidence > 0 && in.Order.Confidence < rules.MinConfidence {
		fail(CodeOptionConfidence, "confidence %.2f below %.2f option minimum",
			in.Order.Confidence, rules.MinConfidence)
	}
}

func hasPosition(positions []Position, symbol string) bool {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return true
		}
	}
	return false
}

func positionQty(positions []Position, symbol string) float64 {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return p.Qty
		}
	}
	return 0
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// inAnyWindow reports whether the NY wall time falls inside a window;
// windows are [open, close).
func inAnyWindow(windows []Window, ny time.Time) bool {
	minutes := ny.Hour()*60 + ny.Minute()
	for _, w := range windows {
		open, err1 := parseHHMM(w.Open)
		closeAt, err2 := parseHHMM(w.Close)
		if err1 != nil || err2 != nil {
			continue
		}
		if minutes >= open && minutes < closeAt {
			return true
		}
	}
	return false
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
