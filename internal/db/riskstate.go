package db

import (
	"context"
	"fmt"
	"time"
)

// RiskState is the singleton risk row (id = 1). SQL is the source of truth
// for it; every writer below upserts so the row always exists after the
// first write.
type RiskState struct {
	KillSwitchActive        bool
	KillSwitchReason        *string
	KillSwitchAt            *time.Time
	DailyLossUSD            float64
	DailyLossResetAt        *time.Time
	DailyEquityStart        float64
	CooldownUntil           *time.Time
	MaxPortfolioDrawdownPct float64
	UpdatedAt               time.Time
}

// RiskStateRepo persists the risk singleton.
type RiskStateRepo struct {
	q Querier
}

func NewRiskStateRepo(q Querier) *RiskStateRepo {
	return &RiskStateRepo{q: q}
}

// Get returns the risk state, or nil when the row has never been written.
func (r *RiskStateRepo) Get(ctx context.Context) (*RiskState, error) {
	query := `
		SELECT kill_switch_active, kill_switch_reason, kill_switch_at,
		       daily_loss_usd, daily_loss_reset_at, daily_equity_start,
		       cooldown_until, max_portfolio_drawdown_pct, updated_at
		FROM risk_state WHERE id = 1`

	var rs RiskState
	err := r.q.QueryRow(ctx, query).Scan(
		&rs.KillSwitchActive,
		&rs.KillSwitchReason,
		&rs.KillSwitchAt,
		&rs.DailyLossUSD,
		&rs.DailyLossResetAt,
		&rs.DailyEquityStart,
		&rs.CooldownUntil,
		&rs.MaxPortfolioDrawdownPct,
		&rs.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load risk state: %w", err)
	}
	return &rs, nil
}

// SetKillSwitch flips the kill switch. An inactive switch clears the reason.
func (r *RiskStateRepo) SetKillSwitch(ctx context.Context, active bool, reason *string, at *time.Time) error {
	query := `
		INSERT INTO risk_state (id, kill_switch_active, kill_switch_reason, kill_switch_at, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			kill_switch_active = EXCLUDED.kill_switch_active,
			kill_switch_reason = EXCLUDED.kill_switch_reason,
			kill_switch_at = EXCLUDED.kill_switch_at,
			updated_at = NOW()
	`
	if _, err := r.q.Exec(ctx, query, active, reason, at); err != nil {
		return fmt.Errorf("failed to set kill switch: %w", err)
	}
	return nil
}

// ResetDailyLoss zeroes the daily loss with the given equity as the new
// baseline. Cooldown is left untouched.
func (r *RiskStateRepo) ResetDailyLoss(ctx context.Context, equityStart float64, resetAt time.Time) error {
	query := `
		INSERT INTO risk_state (id, daily_loss_usd, daily_equity_start, daily_loss_reset_at, updated_at)
		VALUES (1, 0, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			daily_loss_usd = 0,
			daily_equity_start = EXCLUDED.daily_equity_start,
			daily_loss_reset_at = EXCLUDED.daily_loss_reset_at,
			updated_at = NOW()
	`
	if _, err := r.q.Exec(ctx, query, equityStart, resetAt); err != nil {
		return fmt.Errorf("failed to reset daily loss: %w", err)
	}
	return nil
}

// RecordLoss stores today's computed loss; a non-nil cooldownUntil stamps the
// cooldown window while nil keeps the existing one.
func (r *RiskStateRepo) RecordLoss(ctx context.Context, lossUSD float64, cooldownUntil *time.Time) error {
	query := `
		INSERT INTO risk_state (id, daily_loss_usd, cooldown_until, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			daily_loss_usd = EXCLUDED.daily_loss_usd,
			cooldown_until = COALESCE(EXCLUDED.cooldown_until, risk_state.cooldown_until),
			updated_at = NOW()
	`
	if _, err := r.q.Exec(ctx, query, lossUSD, cooldownUntil); err != nil {
		return fmt.Errorf("failed to record daily loss: %w", err)
	}
	return nil
}

// SetMaxDrawdown stores the portfolio drawdown limit used by alerting.
func (r *RiskStateRepo) SetMaxDrawdown(ctx context.Context, pct float64) error {
	query := `
		INSERT INTO risk_state (id, max_portfolio_drawdown_pct, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			max_portfolio_drawdown_pct = EXCLUDED.max_portfolio_drawdown_pct,
			updated_at = NOW()
	`
	if _, err := r.q.Exec(ctx, query, pct); err != nil {
		return fmt.Errorf("failed to set max drawdown: %w", err)
	}
	return nil
}
