package loops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradehive/tradehive/internal/agent"
	"github.com/tradehive/tradehive/internal/alerting"
	"github.com/tradehive/tradehive/internal/blob"
	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/execution"
	"github.com/tradehive/tradehive/internal/scout"
	"github.com/tradehive/tradehive/internal/swarm"
)

// Narrow repo slices the jobs depend on; the concrete db repos satisfy them.

type RiskStore interface {
	Get(ctx context.Context) (*db.RiskState, error)
	ResetDailyLoss(ctx context.Context, equityStart float64, resetAt time.Time) error
	RecordLoss(ctx context.Context, lossUSD float64, cooldownUntil *time.Time) error
}

type ApprovalPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type SubmissionLister interface {
	ListSubmittedWithoutTrade(ctx context.Context, limit int) ([]db.Submission, error)
}

type TradeWriter interface {
	Insert(ctx context.Context, t *db.Trade) error
}

// QueueObserver reads registry queue depths. *agent.LocalCoordinator
// satisfies it.
type QueueObserver interface {
	QueueState(ctx context.Context) (swarm.QueueState, error)
}

// AuthHealth reports the research gateway's last credential rejection.
// *llm.Client satisfies it.
type AuthHealth interface {
	LastAuthFailure() time.Time
}

// AlertSink delivers evaluated alerts. *alerting.Notifier satisfies it.
type AlertSink interface {
	Notify(ctx context.Context, events []alerting.Event) alerting.Summary
}

const backfillLimit = 50

// IngestionJob pokes the scout every five minutes while the market is open
// and the kill switch is clear.
type IngestionJob struct {
	venue  broker.Broker
	risk   RiskStore
	caller agent.Caller
	log    zerolog.Logger
}

func NewIngestionJob(venue broker.Broker, risk RiskStore, caller agent.Caller, logger zerolog.Logger) *IngestionJob {
	return &IngestionJob{
		venue:  venue,
		risk:   risk,
		caller: caller,
		log:    logger.With().Str("component", "loops").Str("job", "ingestion").Logger(),
	}
}

func (j *IngestionJob) Name() string { return "ingestion" }

func (j *IngestionJob) Run(ctx context.Context) error {
	mkt, err := j.venue.GetClock(ctx)
	if err != nil {
		return fmt.Errorf("read venue clock: %w", err)
	}
	if !mkt.IsOpen {
		j.log.Debug().Msg("Market closed, skipping ingestion")
		return nil
	}
	rs, err := j.risk.Get(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	if rs != nil && rs.KillSwitchActive {
		j.log.Debug().Msg("Kill switch active, skipping ingestion")
		return nil
	}

	raw, err := j.caller.Call(ctx, swarm.RegistryID(), swarm.NewAgentID(swarm.TypeScout), scout.TopicRefresh, nil)
	if err != nil {
		return fmt.Errorf("trigger scout refresh: %w", err)
	}
	var res scout.RefreshResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode refresh result: %w", err)
		}
	}
	j.log.Info().Int("new_items", res.NewItems).Int("symbols", res.Symbols).Msg("Ingestion tick")
	return nil
}

// SessionJob runs at market open and close: it logs the risk picture, lists
// end-of-day positions, and purges expired approval tokens.
type SessionJob struct {
	phase     string
	venue     broker.Broker
	risk      RiskStore
	approvals ApprovalPurger
	clk       clock.Clock
	log       zerolog.Logger
}

func NewSessionJob(phase string, venue broker.Broker, risk RiskStore, approvals ApprovalPurger, clk clock.Clock, logger zerolog.Logger) *SessionJob {
	return &SessionJob{
		phase:     phase,
		venue:     venue,
		risk:      risk,
		approvals: approvals,
		clk:       clk,
		log:       logger.With().Str("component", "loops").Str("job", "market_"+phase).Logger(),
	}
}

func (j *SessionJob) Name() string { return "market_" + j.phase }

func (j *SessionJob) Run(ctx context.Context) error {
	now := j.clk.Now()

	rs, err := j.risk.Get(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	entry := j.log.Info().Str("phase", j.phase)
	if rs != nil {
		entry = entry.
			Bool("kill_switch", rs.KillSwitchActive).
			Float64("daily_loss_usd", rs.DailyLossUSD).
			Float64("daily_equity_start", rs.DailyEquityStart)
	}

	if j.phase == "close" {
		positions, err := j.venue.GetPositions(ctx)
		if err != nil {
			j.log.Warn().Err(err).Msg("EOD position listing failed")
		} else {
			symbols := make([]string, 0, len(positions))
			for _, p := range positions {
				symbols = append(symbols, p.Symbol)
			}
			entry = entry.Int("open_positions", len(positions)).Strs("symbols", symbols)
		}
	}
	entry.Msg("Trading session boundary")

	purged, err := j.approvals.PurgeExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("purge expired approvals: %w", err)
	}
	if purged > 0 {
		j.log.Info().Int64("purged", purged).Msg("Expired approvals purged")
	}
	return nil
}

// DailyResetJob zeroes the daily loss at 05:00 New York with the current
// account equity as the new baseline.
type DailyResetJob struct {
	venue broker.Broker
	risk  RiskStore
	clk   clock.Clock
	log   zerolog.Logger
}

func NewDailyResetJob(venue broker.Broker, risk RiskStore, clk clock.Clock, logger zerolog.Logger) *DailyResetJob {
	return &DailyResetJob{
		venue: venue,
		risk:  risk,
		clk:   clk,
		log:   logger.With().Str("component", "loops").Str("job", "daily_reset").Logger(),
	}
}

func (j *DailyResetJob) Name() string { return "daily_reset" }

func (j *DailyResetJob) Run(ctx context.Context) error {
	account, err := j.venue.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("read account for daily reset: %w", err)
	}
	equity := account.Equity.InexactFloat64()
	if err := j.risk.ResetDailyLoss(ctx, equity, j.clk.Now()); err != nil {
		return err
	}
	j.log.Info().Float64("equity_start", equity).Msg("Daily loss reset")
	return nil
}

// HourlyDeps wires the hourly sweep.
type HourlyDeps struct {
	Environment string
	Providers   *broker.Registry
	Risk        RiskStore
	Submissions SubmissionLister
	Trades      TradeWriter
	Queue       QueueObserver
	LLM         AuthHealth
	Notifier    AlertSink
	Thresholds  alerting.Thresholds
	Blobs       blob.Store
	Cooldown    time.Duration
	Clock       clock.Clock
	Logger      zerolog.Logger
}

// HourlyJob is the risk and housekeeping sweep: it refreshes the daily loss
// picture, evaluates and dispatches alerts, repairs the trade ledger, and
// writes an hourly account snapshot.
type HourlyJob struct {
	d   HourlyDeps
	log zerolog.Logger
}

func NewHourlyJob(deps HourlyDeps) *HourlyJob {
	return &HourlyJob{
		d:   deps,
		log: deps.Logger.With().Str("component", "loops").Str("job", "hourly").Logger(),
	}
}

func (j *HourlyJob) Name() string { return "hourly" }

func (j *HourlyJob) Run(ctx context.Context) error {
	now := j.d.Clock.Now()

	prov, err := j.d.Providers.Get("")
	if err != nil {
		return fmt.Errorf("resolve default venue: %w", err)
	}
	account, err := prov.Broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}
	equity := account.Equity.InexactFloat64()

	rs, err := j.d.Risk.Get(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}

	baseline, prevLoss := equity, 0.0
	if rs == nil || rs.DailyLossResetAt == nil || !clock.SameNYDate(*rs.DailyLossResetAt, now) {
		// Crossed a New York date boundary without the 05:00 reset
		// having run (restart, downtime). Re-baseline now.
		if err := j.d.Risk.ResetDailyLoss(ctx, equity, now); err != nil {
			return err
		}
		j.log.Info().Float64("equity_start", equity).Msg("Daily loss re-baselined at date boundary")
	} else {
		baseline = rs.DailyEquityStart
		prevLoss = rs.DailyLossUSD
	}

	loss := j.computeLoss(ctx, prov, baseline, equity)
	var cooldownUntil *time.Time
	if loss > 0 && loss > prevLoss {
		until := now.Add(j.d.Cooldown)
		cooldownUntil = &until
	}
	if err := j.d.Risk.RecordLoss(ctx, loss, cooldownUntil); err != nil {
		return err
	}

	qs, err := j.d.Queue.QueueState(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("Queue state unavailable for alerting")
	}

	summary := j.evaluateAlerts(ctx, now, equity, baseline, rs, qs)
	backfilled := j.backfillTrades(ctx)
	j.writeSnapshot(ctx, now, account, equity, baseline, loss, qs, summary, backfilled)

	j.log.Info().
		Float64("equity", equity).
		Float64("daily_loss_usd", loss).
		Int("dead_lettered", qs.DeadLettered).
		Int("backfilled_trades", backfilled).
		Msg("Hourly sweep done")
	return nil
}

// computeLoss prefers the venue's own intraday equity series; when that is
// unavailable it falls back to baseline minus current equity. Gains clamp
// to zero, this series only tracks losses.
func (j *HourlyJob) computeLoss(ctx context.Context, prov *broker.Provider, baseline, equity float64) float64 {
	loss := baseline - equity
	hist, err := prov.Broker.GetPortfolioHistory(ctx, broker.PortfolioHistoryRequest{Period: "1D", Timeframe: "5Min"})
	if err == nil && len(hist.Equity) > 0 {
		last := hist.Equity[len(hist.Equity)-1]
		loss = hist.BaseValue.Sub(last).InexactFloat64()
	} else if err != nil {
		j.log.Debug().Err(err).Msg("Portfolio history unavailable, using equity delta")
	}
	if loss < 0 {
		return 0
	}
	return loss
}

func (j *HourlyJob) evaluateAlerts(ctx context.Context, now time.Time, equity, baseline float64, rs *db.RiskState, qs swarm.QueueState) alerting.Summary {
	risk := alerting.RiskView{DailyEquityStart: baseline}
	if rs != nil {
		risk.KillSwitchActive = rs.KillSwitchActive
		if rs.KillSwitchReason != nil {
			risk.KillSwitchReason = *rs.KillSwitchReason
		}
		risk.MaxDrawdownPct = rs.MaxPortfolioDrawdownPct
	}
	var authMs int64
	if t := j.d.LLM.LastAuthFailure(); !t.IsZero() {
		authMs = t.UnixMilli()
	}

	events := alerting.EvaluateRules(alerting.Input{
		Environment: j.d.Environment,
		NowMs:       now.UnixMilli(),
		Account:     alerting.AccountView{Equity: equity},
		Risk:        risk,
		Swarm:       alerting.SwarmView{DeadLettered: qs.DeadLettered},
		LLM:         alerting.LLMView{LastAuthFailureMs: authMs},
		Thresholds:  j.d.Thresholds,
	})
	if len(events) == 0 {
		return alerting.Summary{}
	}
	summary := j.d.Notifier.Notify(ctx, events)
	j.log.Info().
		Int("attempted", summary.Attempted).
		Int("sent", summary.Sent).
		Int("deduped", summary.Deduped).
		Int("rate_limited", summary.RateLimited).
		Int("failed", summary.Failed).
		Msg("Alerts dispatched")
	return summary
}

// backfillTrades repairs trade rows for submissions the broker accepted but
// whose ledger write was lost (crash between submit and insert).
func (j *HourlyJob) backfillTrades(ctx context.Context) int {
	subs, err := j.d.Submissions.ListSubmittedWithoutTrade(ctx, backfillLimit)
	if err != nil {
		j.log.Warn().Err(err).Msg("Backfill listing failed")
		return 0
	}

	repaired := 0
	for i := range subs {
		sub := &subs[i]
		if sub.BrokerOrderID == nil {
			continue
		}
		var params execution.Params
		if err := json.Unmarshal(sub.RequestJSON, &params); err != nil {
			j.log.Warn().Err(err).Str("key", sub.IdempotencyKey).Msg("Backfill skipping undecodable request")
			continue
		}

		status := "accepted"
		if prov, err := j.d.Providers.Get(sub.BrokerProvider); err == nil {
			if order, err := prov.Broker.GetOrder(ctx, *sub.BrokerOrderID); err == nil {
				status = string(order.Status)
			}
		}

		trade := &db.Trade{
			ID:             uuid.New(),
			SubmissionID:   &sub.ID,
			ApprovalID:     sub.ApprovalID,
			BrokerProvider: sub.BrokerProvider,
			BrokerOrderID:  *sub.BrokerOrderID,
			Symbol:         params.Symbol,
			Side:           params.Side,
			Qty:            decimalPtrFloat(params.Qty),
			Notional:       decimalPtrFloat(params.Notional),
			AssetClass:     params.AssetClass,
			OrderType:      params.Type,
			Status:         status,
			LimitPrice:     decimalPtrFloat(params.LimitPrice),
			StopPrice:      decimalPtrFloat(params.StopPrice),
		}
		if params.QuoteCcy != "" {
			trade.QuoteCcy = &params.QuoteCcy
		}
		if err := j.d.Trades.Insert(ctx, trade); err != nil {
			j.log.Warn().Err(err).Str("key", sub.IdempotencyKey).Msg("Backfill insert failed")
			continue
		}
		repaired++
		j.log.Info().
			Str("key", sub.IdempotencyKey).
			Str("broker_order_id", *sub.BrokerOrderID).
			Msg("Trade row backfilled")
	}
	return repaired
}

type hourlySnapshot struct {
	TakenAt       time.Time        `json:"taken_at"`
	Environment   string           `json:"environment"`
	Equity        float64          `json:"equity"`
	Cash          float64          `json:"cash"`
	BuyingPower   float64          `json:"buying_power"`
	DailyBaseline float64          `json:"daily_baseline"`
	DailyLossUSD  float64          `json:"daily_loss_usd"`
	Queue         swarm.QueueState `json:"queue"`
	Alerts        alerting.Summary `json:"alerts"`
	Backfilled    int              `json:"backfilled_trades"`
}

func (j *HourlyJob) writeSnapshot(ctx context.Context, now time.Time, account *broker.Account, equity, baseline, loss float64, qs swarm.QueueState, summary alerting.Summary, backfilled int) {
	if j.d.Blobs == nil {
		return
	}
	snap := hourlySnapshot{
		TakenAt:       now.UTC(),
		Environment:   j.d.Environment,
		Equity:        equity,
		Cash:          account.Cash.InexactFloat64(),
		BuyingPower:   account.BuyingPower.InexactFloat64(),
		DailyBaseline: baseline,
		DailyLossUSD:  loss,
		Queue:         qs,
		Alerts:        summary,
		Backfilled:    backfilled,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		j.log.Warn().Err(err).Msg("Snapshot encode failed")
		return
	}
	path := fmt.Sprintf("snapshots/%s/%02d.json", clock.NYDate(now), now.In(clock.NY()).Hour())
	if err := j.d.Blobs.Put(ctx, path, data); err != nil {
		j.log.Warn().Err(err).Str("path", path).Msg("Snapshot upload failed")
	}
}

func decimalPtrFloat(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}
