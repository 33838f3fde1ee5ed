package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trade is a row in trades: the durable record of an accepted broker order,
// written by the execution pipeline and repaired by the hourly backfill.
type Trade struct {
	ID             uuid.UUID
	SubmissionID   *uuid.UUID
	ApprovalID     *string
	BrokerProvider string
	BrokerOrderID  string
	Symbol         string
	Side           string
	Qty            *float64
	Notional       *float64
	AssetClass     string
	QuoteCcy       *string
	OrderType      string
	Status         string
	LimitPrice     *float64
	StopPrice      *float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TradeRepo persists trade records.
type TradeRepo struct {
	q Querier
}

func NewTradeRepo(q Querier) *TradeRepo {
	return &TradeRepo{q: q}
}

const tradeColumns = `
	id, submission_id, approval_id, broker_provider, broker_order_id, symbol,
	side, qty, notional, asset_class, quote_ccy, order_type, status,
	limit_price, stop_price, created_at, updated_at`

// Insert stores a new trade row.
func (r *TradeRepo) Insert(ctx context.Context, t *Trade) error {
	query := `
		INSERT INTO trades (
			id, submission_id, approval_id, broker_provider, broker_order_id,
			symbol, side, qty, notional, asset_class, quote_ccy, order_type,
			status, limit_price, stop_price, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			NOW(), NOW()
		)
	`
	_, err := r.q.Exec(ctx, query,
		t.ID,
		t.SubmissionID,
		t.ApprovalID,
		t.BrokerProvider,
		t.BrokerOrderID,
		t.Symbol,
		t.Side,
		t.Qty,
		t.Notional,
		t.AssetClass,
		t.QuoteCcy,
		t.OrderType,
		t.Status,
		t.LimitPrice,
		t.StopPrice,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade for order %s: %w", t.BrokerOrderID, err)
	}
	return nil
}

func scanTrade(row interface{ Scan(...interface{}) error }) (*Trade, error) {
	var t Trade
	err := row.Scan(
		&t.ID,
		&t.SubmissionID,
		&t.ApprovalID,
		&t.BrokerProvider,
		&t.BrokerOrderID,
		&t.Symbol,
		&t.Side,
		&t.Qty,
		&t.Notional,
		&t.AssetClass,
		&t.QuoteCcy,
		&t.OrderType,
		&t.Status,
		&t.LimitPrice,
		&t.StopPrice,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetBySubmissionID returns the trade for a submission, or nil when absent.
func (r *TradeRepo) GetBySubmissionID(ctx context.Context, submissionID uuid.UUID) (*Trade, error) {
	query := `SELECT` + tradeColumns + `
		FROM trades WHERE submission_id = $1`
	t, err := scanTrade(r.q.QueryRow(ctx, query, submissionID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load trade for submission %s: %w", submissionID, err)
	}
	return t, nil
}

// ListRecent returns the newest trades first.
func (r *TradeRepo) ListRecent(ctx context.Context, limit int) ([]Trade, error) {
	query := `SELECT` + tradeColumns + `
		FROM trades ORDER BY created_at DESC LIMIT $1`
	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trades: %w", err)
	}
	return out, nil
}
