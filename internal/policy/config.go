package policy

// Window is a trading-hours window in America/New_York wall time, "15:04"
// format, inclusive start and exclusive end.
type Window struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// OptionsRules are the sub-rules applied only to option orders.
type OptionsRules struct {
	MinDTE            int      `json:"min_dte"`
	MaxDTE            int      `json:"max_dte"`
	MinAbsDelta       float64  `json:"min_abs_delta"`
	MaxAbsDelta       float64  `json:"max_abs_delta"`
	AllowedStrategies []string `json:"allowed_strategies"`
	MaxExposureUSD    float64  `json:"max_exposure_usd"`
	MaxPositions      int      `json:"max_positions"`
	MinConfidence     float64  `json:"min_confidence"`
}

// Config is the policy rule set. A zero limit disables its check, so an
// empty Config is fully permissive apart from the risk-state gates.
type Config struct {
	MaxPerTradeNotionalUSD float64      `json:"max_per_trade_notional_usd"`
	MaxSymbolExposurePct   float64      `json:"max_symbol_exposure_pct"`
	MaxOpenPositions       int          `json:"max_open_positions"`
	AllowedOrderTypes      []string     `json:"allowed_order_types"`
	MaxDailyLossRatio      float64      `json:"max_daily_loss_ratio"`
	CooldownMinutes        int          `json:"cooldown_minutes"`
	SymbolAllowlist        []string     `json:"symbol_allowlist"`
	SymbolDenylist         []string     `json:"symbol_denylist"`
	MinAvgDailyVolume      float64      `json:"min_avg_daily_volume"`
	MinPrice               float64      `json:"min_price"`
	TradingHours           []Window     `json:"trading_hours"`
	AllowExtendedHours     bool         `json:"allow_extended_hours"`
	AllowShortSelling      bool         `json:"allow_short_selling"`
	CashOnly               bool         `json:"cash_only"`
	Options                OptionsRules `json:"options"`
}

// DefaultConfig returns the shipped rule set for the paper environment.
func DefaultConfig() Config {
	return Config{
		MaxPerTradeNotionalUSD: 5000,
		MaxSymbolExposurePct:   20,
		MaxOpenPositions:       10,
		AllowedOrderTypes:      []string{"market", "limit"},
		MaxDailyLossRatio:      0.03,
		CooldownMinutes:        60,
		MinPrice:               1.0,
		TradingHours:           []Window{{Open: "09:30", Close: "16:00"}},
		Options: OptionsRules{
			MinDTE:            7,
			MaxDTE:            45,
			MinAbsDelta:       0.2,
			MaxAbsDelta:       0.8,
			AllowedStrategies: []string{"long_call", "long_put", "covered_call", "cash_secured_put"},
			MaxExposureUSD:    2500,
			MaxPositions:      5,
			MinConfidence:     0.75,
		},
	}
}
