// Package learning closes the feedback loop: it accumulates trade outcomes,
// keeps rolling win/loss statistics, and periodically tightens or loosens
// the shared strategy parameters based on how the swarm is actually
// performing. Other agents consult it through the advice operation before
// committing capital.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/activity"
	"github.com/tradehive/tradehive/internal/blob"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/strategy"
	"github.com/tradehive/tradehive/internal/swarm"
)

// Command topics served by the learning agent.
const (
	TopicAdvice         = "advice"
	TopicOptimize       = "optimize"
	TopicGetStrategy    = "get_strategy"
	TopicGetPerformance = "get_performance"
	TopicExportStrategy = "export_strategy"
	TopicImportStrategy = "import_strategy"
)

const (
	outcomeRetention = 30 * 24 * time.Hour
	outcomeCap       = 1000
	// On overflow the log truncates to 80% of the cap, newest first.
	outcomeKeep   = outcomeCap * 8 / 10
	optimizeEvery = 15 * time.Minute

	tightenConfidenceStep = 0.05
	tightenNotionalFactor = 0.9
	tightenRiskFactor     = 0.95
	loosenConfidenceStep  = 0.03
	loosenNotionalFactor  = 1.05
	loosenRiskFactor      = 1.03
)

// Outcome is one closed trade as reported on the bus.
type Outcome struct {
	Symbol     string  `json:"symbol"`
	Success    bool    `json:"success"`
	PnL        float64 `json:"pnl"`
	Notional   float64 `json:"notional"`
	Confidence float64 `json:"confidence,omitempty"`
	AtMs       int64   `json:"at_ms,omitempty"`
}

// Stats is a rolling win/loss aggregate.
type Stats struct {
	Samples  int     `json:"samples"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
	AvgPnL   float64 `json:"avg_pnl"`
}

// Performance is the full statistics view.
type Performance struct {
	Global    Stats            `json:"global"`
	PerSymbol map[string]Stats `json:"per_symbol"`
}

// AdviceRequest asks whether a buy at the given confidence should proceed.
type AdviceRequest struct {
	Symbol     string  `json:"symbol"`
	Confidence float64 `json:"confidence"`
}

// AdviceResponse is the adjusted verdict.
type AdviceResponse struct {
	Approved           bool    `json:"approved"`
	Confidence         float64 `json:"confidence"`
	OriginalConfidence float64 `json:"original_confidence"`
	MinConfidenceBuy   float64 `json:"min_confidence_buy"`
	Reason             string  `json:"reason,omitempty"`
}

// StrategyResponse answers get_strategy.
type StrategyResponse struct {
	Strategy      strategy.Params `json:"strategy"`
	LastChangedMs int64           `json:"last_changed_ms"`
}

// StrategyUpdated is the payload published when parameters change.
type StrategyUpdated struct {
	Strategy    strategy.Params `json:"strategy"`
	Performance Performance     `json:"performance"`
	Reason      string          `json:"reason"`
	ChangedAtMs int64           `json:"changed_at_ms"`
}

// OptimizeResult answers an on-demand optimize command.
type OptimizeResult struct {
	Changed  bool            `json:"changed"`
	Strategy strategy.Params `json:"strategy"`
}

// ExportResult answers export_strategy.
type ExportResult struct {
	YAML        string `json:"yaml"`
	ArchivePath string `json:"archive_path,omitempty"`
}

// ImportRequest carries a YAML strategy document.
type ImportRequest struct {
	YAML string `json:"yaml"`
}

// Publisher is the slice of the coordinator the learning agent needs.
type Publisher interface {
	Publish(ctx context.Context, source swarm.AgentID, topic string, payload interface{}) (int, error)
}

type state struct {
	Strategy       strategy.Params `json:"strategy"`
	Outcomes       []Outcome       `json:"outcomes,omitempty"`
	LastOptimizeMs int64           `json:"last_optimize_ms"`
	LastChangedMs  int64           `json:"last_changed_ms"`
	Adjustments    int64           `json:"adjustments"`
}

// Agent is the learning agent. All state mutations run on its actor
// goroutine.
type Agent struct {
	id       swarm.AgentID
	store    swarm.StateStore
	pub      Publisher
	archive  blob.Store
	clk      clock.Clock
	activity *activity.Writer
	log      zerolog.Logger

	st state
}

// New builds the learning agent. archive may be nil; strategy exports are
// then returned without being archived.
func New(store swarm.StateStore, pub Publisher, archive blob.Store, clk clock.Clock, act *activity.Writer, logger zerolog.Logger) *Agent {
	id := swarm.NewAgentID(swarm.TypeLearning)
	return &Agent{
		id:       id,
		store:    store,
		pub:      pub,
		archive:  archive,
		clk:      clk,
		activity: act,
		log:      logger.With().Str("agent", id.String()).Logger(),
	}
}

func (a *Agent) ID() swarm.AgentID { return a.id }

func (a *Agent) Capabilities() []string { return []string{"learning", "strategy"} }

func (a *Agent) Subscriptions() []string { return []string{swarm.TopicTradeOutcome} }

func (a *Agent) OnStart(ctx context.Context) error {
	found, err := a.store.Load(ctx, &a.st)
	if err != nil {
		return fmt.Errorf("load learning state: %w", err)
	}
	if a.st.Strategy == (strategy.Params{}) {
		a.st.Strategy = strategy.Default()
	}
	if found {
		a.log.Info().
			Int("outcomes", len(a.st.Outcomes)).
			Float64("min_confidence_buy", a.st.Strategy.MinConfidenceBuy).
			Msg("restored learning state")
	}
	return nil
}

// OnAlarm prunes expired outcomes and optimizes on the 15 minute schedule.
func (a *Agent) OnAlarm(ctx context.Context) error {
	a.pruneOutcomes()
	if clock.NowMs(a.clk)-a.st.LastOptimizeMs < optimizeEvery.Milliseconds() {
		return nil
	}
	_, err := a.OptimizeStrategy(ctx, "scheduled")
	return err
}

func (a *Agent) HandleMessage(ctx context.Context, msg *swarm.Message) (interface{}, error) {
	switch msg.Topic {
	case swarm.TopicTradeOutcome:
		var out Outcome
		if err := json.Unmarshal(msg.Payload, &out); err != nil {
			return nil, faults.Wrap(err, faults.InvalidInput, "decode trade outcome")
		}
		if err := a.RecordOutcome(ctx, out); err != nil {
			return nil, err
		}
		return swarm.Ack{Ack: true}, nil
	case TopicAdvice:
		var req AdviceRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, faults.Wrap(err, faults.InvalidInput, "decode advice request")
		}
		return a.Advice(req.Symbol, req.Confidence), nil
	case TopicOptimize:
		changed, err := a.OptimizeStrategy(ctx, "on_demand")
		if err != nil {
			return nil, err
		}
		return OptimizeResult{Changed: changed, Strategy: a.st.Strategy}, nil
	case TopicGetStrategy:
		return StrategyResponse{Strategy: a.st.Strategy, LastChangedMs: a.st.LastChangedMs}, nil
	case TopicGetPerformance:
		return a.Performance(), nil
	case TopicExportStrategy:
		return a.Export(ctx)
	case TopicImportStrategy:
		var req ImportRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, faults.Wrap(err, faults.InvalidInput, "decode import request")
		}
		if err := a.Import(ctx, []byte(req.YAML)); err != nil {
			return nil, err
		}
		return StrategyResponse{Strategy: a.st.Strategy, LastChangedMs: a.st.LastChangedMs}, nil
	default:
		if msg.Type == swarm.MessageCommand {
			return nil, faults.New(faults.NotFound, "learning agent has no %q operation", msg.Topic)
		}
		return swarm.Ack{Ack: true}, nil
	}
}

func (a *Agent) Snapshot() interface{} {
	perf := a.Performance()
	return struct {
		Strategy       strategy.Params `json:"strategy"`
		Performance    Performance     `json:"performance"`
		Outcomes       int             `json:"outcomes"`
		LastOptimizeMs int64           `json:"last_optimize_ms"`
		Adjustments    int64           `json:"adjustments"`
	}{
		Strategy:       a.st.Strategy,
		Performance:    perf,
		Outcomes:       len(a.st.Outcomes),
		LastOptimizeMs: a.st.LastOptimizeMs,
		Adjustments:    a.st.Adjustments,
	}
}

// RecordOutcome appends one outcome, enforcing retention and the cap.
func (a *Agent) RecordOutcome(ctx context.Context, out Outcome) error {
	out.Symbol = strings.ToUpper(strings.TrimSpace(out.Symbol))
	if out.Symbol == "" {
		return faults.New(faults.InvalidInput, "trade outcome requires a symbol")
	}
	if out.AtMs == 0 {
		out.AtMs = clock.NowMs(a.clk)
	}
	a.st.Outcomes = append(a.st.Outcomes, out)
	a.pruneOutcomes()
	if err := a.store.Save(ctx, &a.st); err != nil {
		a.log.Error().Err(err).Msg("persist learning state")
	}
	a.log.Debug().
		Str("symbol", out.Symbol).
		Bool("success", out.Success).
		Float64("pnl", out.PnL).
		Int("outcomes", len(a.st.Outcomes)).
		Msg("trade outcome recorded")
	return nil
}

// pruneOutcomes drops entries older than the retention window, then
// enforces the cap by keeping the newest 80%.
func (a *Agent) pruneOutcomes() {
	cutoff := clock.NowMs(a.clk) - outcomeRetention.Milliseconds()
	kept := a.st.Outcomes[:0]
	for _, out := range a.st.Outcomes {
		if out.AtMs >= cutoff {
			kept = append(kept, out)
		}
	}
	a.st.Outcomes = kept
	if len(a.st.Outcomes) > outcomeCap {
		a.st.Outcomes = append([]Outcome(nil), a.st.Outcomes[len(a.st.Outcomes)-outcomeKeep:]...)
	}
}

// Performance aggregates the retained outcomes globally and per symbol.
func (a *Agent) Performance() Performance {
	perf := Performance{PerSymbol: make(map[string]Stats)}
	for _, out := range a.st.Outcomes {
		perf.Global = accumulate(perf.Global, out)
		perf.PerSymbol[out.Symbol] = accumulate(perf.PerSymbol[out.Symbol], out)
	}
	perf.Global = finalize(perf.Global)
	for sym, s := range perf.PerSymbol {
		perf.PerSymbol[sym] = finalize(s)
	}
	return perf
}

func accumulate(s Stats, out Outcome) Stats {
	s.Samples++
	if out.Success {
		s.Wins++
	} else {
		s.Losses++
	}
	s.TotalPnL += out.PnL
	return s
}

func finalize(s Stats) Stats {
	if s.Samples > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Samples)
		s.AvgPnL = s.TotalPnL / float64(s.Samples)
	}
	return s
}

// OptimizeStrategy nudges the parameters toward caution when the swarm is
// losing and toward appetite when it is winning, always inside the bounds
// the strategy package enforces. A change is published as strategy_updated.
func (a *Agent) OptimizeStrategy(ctx context.Context, reason string) (bool, error) {
	a.pruneOutcomes()
	perf := a.Performance()
	g := perf.Global

	next := a.st.Strategy
	direction := ""
	switch {
	case g.Samples >= 10 && (g.WinRate < 0.45 || g.AvgPnL < 0):
		next.MinConfidenceBuy += tightenConfidenceStep
		next.MaxPositionNotional *= tightenNotionalFactor
		next.RiskMultiplier *= tightenRiskFactor
		direction = "tighten"
	case g.WinRate > 0.6 && g.AvgPnL > 0:
		next.MinConfidenceBuy -= loosenConfidenceStep
		next.MaxPositionNotional *= loosenNotionalFactor
		next.RiskMultiplier *= loosenRiskFactor
		direction = "loosen"
	}
	next = next.Clamp()

	nowMs := clock.NowMs(a.clk)
	a.st.LastOptimizeMs = nowMs
	if next == a.st.Strategy {
		if err := a.store.Save(ctx, &a.st); err != nil {
			a.log.Error().Err(err).Msg("persist learning state")
		}
		return false, nil
	}

	prev := a.st.Strategy
	a.st.Strategy = next
	a.st.LastChangedMs = nowMs
	a.st.Adjustments++
	if err := a.store.Save(ctx, &a.st); err != nil {
		a.log.Error().Err(err).Msg("persist learning state")
	}

	a.activity.Trace(ctx, a.id.String(), fmt.Sprintf("optimize:%d", nowMs), "optimize_strategy", "ok",
		fmt.Sprintf("strategy %sed", direction), map[string]interface{}{
			"reason":              reason,
			"direction":           direction,
			"win_rate":            g.WinRate,
			"avg_pnl":             g.AvgPnL,
			"samples":             g.Samples,
			"min_confidence_buy":  next.MinConfidenceBuy,
			"max_position_usd":    next.MaxPositionNotional,
			"risk_multiplier":     next.RiskMultiplier,
			"prev_min_confidence": prev.MinConfidenceBuy,
		})

	payload := StrategyUpdated{Strategy: next, Performance: perf, Reason: reason, ChangedAtMs: nowMs}
	if _, err := a.pub.Publish(ctx, a.id, swarm.TopicStrategyUpdated, payload); err != nil {
		a.log.Error().Err(err).Msg("publish strategy_updated")
	}
	a.log.Info().
		Str("direction", direction).
		Float64("win_rate", g.WinRate).
		Float64("avg_pnl", g.AvgPnL).
		Float64("min_confidence_buy", next.MinConfidenceBuy).
		Msg("strategy adjusted")
	return true, nil
}

// Advice adjusts a proposed buy confidence against the per-symbol and
// global track record. Approved means the adjusted confidence clears the
// strategy floor.
func (a *Agent) Advice(symbol string, confidence float64) AdviceResponse {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	perf := a.Performance()
	adjusted := confidence
	reasons := make([]string, 0, 3)

	if s, ok := perf.PerSymbol[sym]; ok && s.Samples >= 3 {
		switch {
		case s.WinRate <= 0.35:
			adjusted -= 0.10
			reasons = append(reasons, fmt.Sprintf("%s win rate %.2f over %d trades", sym, s.WinRate, s.Samples))
		case s.WinRate >= 0.65:
			adjusted += 0.05
			reasons = append(reasons, fmt.Sprintf("%s winning %.2f over %d trades", sym, s.WinRate, s.Samples))
		}
	}
	if g := perf.Global; g.Samples >= 10 && g.WinRate < 0.45 {
		adjusted -= 0.05
		reasons = append(reasons, fmt.Sprintf("global win rate %.2f", g.WinRate))
	}
	adjusted = math.Max(0, math.Min(1, adjusted))

	resp := AdviceResponse{
		Approved:           adjusted >= a.st.Strategy.MinConfidenceBuy,
		Confidence:         adjusted,
		OriginalConfidence: confidence,
		MinConfidenceBuy:   a.st.Strategy.MinConfidenceBuy,
	}
	if len(reasons) > 0 {
		sort.Strings(reasons)
		resp.Reason = strings.Join(reasons, "; ")
	}
	return resp
}

// Export renders the current parameters as a YAML document and archives a
// copy when an artifact store is wired.
func (a *Agent) Export(ctx context.Context) (*ExportResult, error) {
	now := a.clk.Now()
	doc := strategy.Export(a.st.Strategy, "live", now)
	raw, err := doc.EncodeYAML()
	if err != nil {
		return nil, err
	}
	res := &ExportResult{YAML: string(raw)}
	if a.archive != nil {
		path := strategy.ArchivePath(now)
		if err := a.archive.Put(ctx, path, raw); err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("strategy export not archived")
		} else {
			res.ArchivePath = path
		}
	}
	return res, nil
}

// Import replaces the parameters with a validated, clamped document and
// publishes the change.
func (a *Agent) Import(ctx context.Context, raw []byte) error {
	params, err := strategy.Import(raw)
	if err != nil {
		return err
	}
	if params == a.st.Strategy {
		return nil
	}
	nowMs := clock.NowMs(a.clk)
	a.st.Strategy = params
	a.st.LastChangedMs = nowMs
	a.st.Adjustments++
	if err := a.store.Save(ctx, &a.st); err != nil {
		a.log.Error().Err(err).Msg("persist learning state")
	}
	payload := StrategyUpdated{Strategy: params, Performance: a.Performance(), Reason: "import", ChangedAtMs: nowMs}
	if _, err := a.pub.Publish(ctx, a.id, swarm.TopicStrategyUpdated, payload); err != nil {
		a.log.Error().Err(err).Msg("publish strategy_updated")
	}
	a.log.Info().Float64("min_confidence_buy", params.MinConfidenceBuy).Msg("strategy imported")
	return nil
}

// DecodeAdvice parses an advice reply payload.
func DecodeAdvice(raw json.RawMessage) (*AdviceResponse, error) {
	var resp AdviceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, faults.Wrap(err, faults.Internal, "decode advice response")
	}
	return &resp, nil
}
