// Package strategy holds the tunable trading parameters the learning
// agent adjusts, plus the versioned YAML import/export surface for
// moving them between deployments.
package strategy

import (
	"fmt"
)

// SchemaVersion is the current export schema version.
const SchemaVersion = "1.0.0"

// Parameter bounds. The optimizer never moves a parameter outside its
// bounds regardless of how many adjustments accumulate.
const (
	MinConfidenceFloor = 0.6
	MinConfidenceCap   = 0.9

	NotionalFloor = 500.0
	NotionalCap   = 5000.0

	RiskMultiplierFloor = 0.5
	RiskMultiplierCap   = 1.5
)

// Params is the strategy the swarm trades with.
type Params struct {
	MinConfidenceBuy    float64 `yaml:"min_confidence_buy" json:"min_confidence_buy"`
	MaxPositionNotional float64 `yaml:"max_position_notional" json:"max_position_notional"`
	RiskMultiplier      float64 `yaml:"risk_multiplier" json:"risk_multiplier"`
}

// Default is the strategy a fresh deployment starts from.
func Default() Params {
	return Params{
		MinConfidenceBuy:    0.7,
		MaxPositionNotional: 5000,
		RiskMultiplier:      1.0,
	}
}

// Clamp pulls every parameter back inside its bounds.
func (p Params) Clamp() Params {
	p.MinConfidenceBuy = clamp(p.MinConfidenceBuy, MinConfidenceFloor, MinConfidenceCap)
	p.MaxPositionNotional = clamp(p.MaxPositionNotional, NotionalFloor, NotionalCap)
	p.RiskMultiplier = clamp(p.RiskMultiplier, RiskMultiplierFloor, RiskMultiplierCap)
	return p
}

// Validate rejects parameter sets no optimizer should ever produce.
func (p Params) Validate() error {
	if p.MinConfidenceBuy < 0 || p.MinConfidenceBuy > 1 {
		return fmt.Errorf("min_confidence_buy %.4f outside [0,1]", p.MinConfidenceBuy)
	}
	if p.MaxPositionNotional <= 0 {
		return fmt.Errorf("max_position_notional %.2f must be positive", p.MaxPositionNotional)
	}
	if p.RiskMultiplier <= 0 {
		return fmt.Errorf("risk_multiplier %.4f must be positive", p.RiskMultiplier)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
