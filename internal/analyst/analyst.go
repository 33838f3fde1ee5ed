// Package analyst turns scout signals into trade recommendations. Every
// cycle it pulls the current signal set from the scout, researches the
// strongest symbols through the LLM gateway in small batches, and asks the
// model for a final set of recommendations. Both stages sit behind caches
// and a persisted circuit breaker so a flaky or expensive gateway degrades
// the swarm to "no new recommendations" instead of stalling it.
package analyst

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
	"github.com/tradehive/tradehive/internal/agent"
	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/ident"
	"github.com/tradehive/tradehive/internal/llm"
	"github.com/tradehive/tradehive/internal/metrics"
	"github.com/tradehive/tradehive/internal/scout"
	"github.com/tradehive/tradehive/internal/swarm"
)

// Command topics served by the analyst.
const (
	TopicGetRecommendations = "get_recommendations"
	TopicAnalyze            = "analyze"
)

const (
	analysisCacheTTL  = 90 * time.Second
	researchCacheTTL  = 180 * time.Second
	maxResearchBatch  = 16
	researchChunkSize = 8
	maxSelected       = 5
	minAbsSentiment   = 0.3
	barsLookback      = 30
)

// Recommendation is one actionable verdict for a symbol.
type Recommendation struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Urgency    string  `json:"urgency,omitempty"`
}

var validActions = map[string]bool{
	"BUY": true, "SKIP": true, "WAIT": true, "HOLD": true, "SELL": true,
}

// ResearchResult is the per-symbol verdict of a research batch.
type ResearchResult struct {
	Symbol     string  `json:"symbol"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

var validVerdicts = map[string]bool{"BUY": true, "SKIP": true, "WAIT": true}

// AnalysisReady is the payload published after each cycle.
type AnalysisReady struct {
	Recommendations []Recommendation          `json:"recommendations"`
	BatchedResearch map[string]ResearchResult `json:"batched_research"`
	GeneratedAt     int64                     `json:"generated_at"`
}

// RecommendationsResponse answers get_recommendations.
type RecommendationsResponse struct {
	Recommendations []Recommendation `json:"recommendations"`
	GeneratedAt     int64            `json:"generated_at"`
}

// Publisher is the slice of the coordinator the analyst needs.
type Publisher interface {
	Publish(ctx context.Context, source swarm.AgentID, topic string, payload interface{}) (int, error)
}

// Config tunes the analyst.
type Config struct {
	// CycleInterval is the minimum time between alarm-driven analysis
	// cycles; explicit analyze commands ignore it.
	CycleInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 120 * time.Second
	}
	return c
}

type analysisEntry struct {
	Recommendations []Recommendation `json:"recommendations"`
	CachedAtMs      int64            `json:"cached_at_ms"`
}

type researchEntry struct {
	Result     ResearchResult `json:"result"`
	CachedAtMs int64          `json:"cached_at_ms"`
}

type state struct {
	Breaker             breakerState             `json:"breaker"`
	LastAnalysisMs      int64                    `json:"last_analysis_ms"`
	Cycles              int64                    `json:"cycles"`
	LastRecommendations []Recommendation         `json:"last_recommendations,omitempty"`
	AnalysisCache       map[string]analysisEntry `json:"analysis_cache,omitempty"`
	ResearchCache       map[string]researchEntry `json:"research_cache,omitempty"`
}

// Analyst is the analysis agent. All state mutations run on its actor
// goroutine, so fields need no locking.
type Analyst struct {
	id        swarm.AgentID
	cfg       Config
	completer llm.Completer
	caller    agent.Caller
	market    broker.MarketData
	store     swarm.StateStore
	pub       Publisher
	clk       clock.Clock
	activity  *activity.Writer
	log       zerolog.Logger
	m         *metrics.AnalysisMetrics

	st state
}

// New builds the analyst. market may be nil; technical enrichment of
// research prompts is then skipped. completer may be nil, which forces
// every LLM stage onto its empty fallback.
func New(cfg Config, completer llm.Completer, caller agent.Caller, market broker.MarketData, store swarm.StateStore, pub Publisher, clk clock.Clock, act *activity.Writer, logger zerolog.Logger) *Analyst {
	id := swarm.NewAgentID(swarm.TypeAnalyst)
	return &Analyst{
		id:        id,
		cfg:       cfg.withDefaults(),
		completer: completer,
		caller:    caller,
		market:    market,
		store:     store,
		pub:       pub,
		clk:       clk,
		activity:  act,
		log:       logger.With().Str("agent", id.String()).Logger(),
		m:         metrics.Analysis(),
	}
}

func (a *Analyst) ID() swarm.AgentID { return a.id }

func (a *Analyst) Capabilities() []string { return []string{"analysis"} }

// Subscriptions registers the analyst for scout refresh events so a
// fresh signal batch can trigger a cycle without waiting for the alarm.
func (a *Analyst) Subscriptions() []string {
	return []string{swarm.TopicSignalsUpdated}
}

func (a *Analyst) OnStart(ctx context.Context) error {
	found, err := a.store.Load(ctx, &a.st)
	if err != nil {
		return fmt.Errorf("load analyst state: %w", err)
	}
	if a.st.AnalysisCache == nil {
		a.st.AnalysisCache = make(map[string]analysisEntry)
	}
	if a.st.ResearchCache == nil {
		a.st.ResearchCache = make(map[string]researchEntry)
	}
	if a.st.Breaker.CircuitOpenUntilMs > clock.NowMs(a.clk) {
		a.m.BreakerOpen.Set(1)
	} else {
		a.m.BreakerOpen.Set(0)
	}
	if found {
		a.log.Info().
			Int("analysis_cache", len(a.st.AnalysisCache)).
			Int("research_cache", len(a.st.ResearchCache)).
			Int("breaker_failures", a.st.Breaker.Failures).
			Msg("restored analyst state")
	}
	return nil
}

// OnAlarm prunes stale cache entries and runs a cycle once the interval
// since the last one has elapsed.
func (a *Analyst) OnAlarm(ctx context.Context) error {
	a.pruneCaches()
	if clock.NowMs(a.clk)-a.st.LastAnalysisMs < a.cfg.CycleInterval.Milliseconds() {
		return nil
	}
	return a.RunCycle(ctx)
}

func (a *Analyst) HandleMessage(ctx context.Context, msg *swarm.Message) (interface{}, error) {
	switch msg.Topic {
	case TopicGetRecommendations:
		return RecommendationsResponse{
			Recommendations: a.st.LastRecommendations,
			GeneratedAt:     a.st.LastAnalysisMs,
		}, nil
	case TopicAnalyze:
		if err := a.RunCycle(ctx); err != nil {
			return nil, err
		}
		return RecommendationsResponse{
			Recommendations: a.st.LastRecommendations,
			GeneratedAt:     a.st.LastAnalysisMs,
		}, nil
	case swarm.TopicSignalsUpdated:
		if clock.NowMs(a.clk)-a.st.LastAnalysisMs >= a.cfg.CycleInterval.Milliseconds() {
			if err := a.RunCycle(ctx); err != nil {
				a.log.Error().Err(err).Msg("cycle after signals_updated")
			}
		}
		return swarm.Ack{Ack: true}, nil
	default:
		if msg.Type == swarm.MessageCommand {
			return nil, faults.New(faults.NotFound, "analyst has no %q operation", msg.Topic)
		}
		return swarm.Ack{Ack: true}, nil
	}
}

func (a *Analyst) Snapshot() interface{} {
	return struct {
		LastAnalysisMs  int64            `json:"last_analysis_ms"`
		Cycles          int64            `json:"cycles"`
		Recommendations []Recommendation `json:"recommendations"`
		Breaker         breakerState     `json:"breaker"`
		AnalysisCached  int              `json:"analysis_cached"`
		ResearchCached  int              `json:"research_cached"`
	}{
		LastAnalysisMs:  a.st.LastAnalysisMs,
		Cycles:          a.st.Cycles,
		Recommendations: a.st.LastRecommendations,
		Breaker:         a.st.Breaker,
		AnalysisCached:  len(a.st.AnalysisCache),
		ResearchCached:  len(a.st.ResearchCache),
	}
}

// RunCycle pulls signals from the scout, analyzes them and publishes the
// result. Gateway trouble is not an error here: the cycle completes with
// whatever the caches and fallbacks yield.
func (a *Analyst) RunCycle(ctx context.Context) error {
	traceID := ident.MessageID("cycle")
	signals, err := a.pullSignals(ctx)
	if err != nil {
		return fmt.Errorf("pull scout signals: %w", err)
	}

	recs, research := a.Analyze(ctx, signals)

	nowMs := clock.NowMs(a.clk)
	a.st.LastAnalysisMs = nowMs
	a.st.Cycles++
	a.st.LastRecommendations = recs
	if err := a.store.Save(ctx, &a.st); err != nil {
		a.log.Error().Err(err).Msg("persist analyst state")
	}

	a.activity.Trace(ctx, a.id.String(), traceID, "analysis_cycle", "ok", "analysis cycle", map[string]interface{}{
		"signals":          len(signals),
		"recommendations":  len(recs),
		"researched":       len(research),
		"breaker_failures": a.st.Breaker.Failures,
	})

	payload := AnalysisReady{Recommendations: recs, BatchedResearch: research, GeneratedAt: nowMs}
	if _, err := a.pub.Publish(ctx, a.id, swarm.TopicAnalysisReady, payload); err != nil {
		a.log.Error().Err(err).Msg("publish analysis_ready")
	}
	a.log.Info().
		Int("signals", len(signals)).
		Int("recommendations", len(recs)).
		Int("researched", len(research)).
		Msg("analysis cycle complete")
	return nil
}

func (a *Analyst) pullSignals(ctx context.Context) ([]scout.Signal, error) {
	raw, err := a.caller.Call(ctx, a.id, swarm.NewAgentID(swarm.TypeScout), scout.TopicGetSignals, nil)
	if err != nil {
		return nil, err
	}
	return scout.DecodeSignals(raw)
}

// Analyze researches and judges the strongest signals. The recommendation
// set is cached under a fingerprint of the selected signals, so an
// unchanged market costs no gateway calls.
func (a *Analyst) Analyze(ctx context.Context, signals []scout.Signal) ([]Recommendation, map[string]ResearchResult) {
	selected := SelectSignals(signals)
	if len(selected) == 0 {
		return nil, map[string]ResearchResult{}
	}

	fp, fpErr := fingerprint(selected)
	if fpErr == nil {
		if entry, ok := a.st.AnalysisCache[fp]; ok && !a.expired(entry.CachedAtMs, analysisCacheTTL) {
			a.m.CacheHits.Inc()
			a.log.Debug().Str("fingerprint", fp).Msg("analysis cache hit")
			return entry.Recommendations, a.cachedResearch(selected)
		}
	}
	a.m.CacheMisses.Inc()

	research := a.ResearchSignalsBatch(ctx, selected)
	recs, ok := a.recommend(ctx, selected, research)
	// A breaker fallback is not cached; the next cycle should retry as
	// soon as the circuit allows it.
	if ok && fpErr == nil {
		a.st.AnalysisCache[fp] = analysisEntry{
			Recommendations: recs,
			CachedAtMs:      clock.NowMs(a.clk),
		}
	}
	return recs, research
}

// recommend runs the final analysis call over the selected signals plus
// their research verdicts. Fallback is no recommendations.
func (a *Analyst) recommend(ctx context.Context, selected []scout.Signal, research map[string]ResearchResult) ([]Recommendation, bool) {
	prompt := analysisPrompt(selected, research)
	var recs []Recommendation
	ok := a.runLLM(ctx, func(lctx context.Context) error {
		resp, err := a.completer.Complete(lctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: analysisSystemPrompt},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			return err
		}
		var raw []Recommendation
		if err := llm.DecodeJSON(resp.Content, &raw); err != nil {
			return err
		}
		recs = normalizeRecommendations(raw)
		return nil
	})
	if !ok {
		return nil, false
	}
	return recs, true
}

// SelectSignals normalizes, filters and ranks raw signals: uppercase
// symbols, absolute sentiment at least 0.3, ordered by |sentiment|x volume,
// top five kept.
func SelectSignals(signals []scout.Signal) []scout.Signal {
	seen := make(map[string]bool, len(signals))
	selected := make([]scout.Signal, 0, len(signals))
	for _, sig := range signals {
		sym := strings.ToUpper(strings.TrimSpace(sig.Symbol))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		if math.Abs(sig.Sentiment) < minAbsSentiment {
			continue
		}
		sig.Symbol = sym
		selected = append(selected, sig)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		wi := math.Abs(selected[i].Sentiment) * float64(selected[i].Volume)
		wj := math.Abs(selected[j].Sentiment) * float64(selected[j].Volume)
		if wi != wj {
			return wi > wj
		}
		return selected[i].Symbol < selected[j].Symbol
	})
	if len(selected) > maxSelected {
		selected = selected[:maxSelected]
	}
	return selected
}

// fingerprint canonicalizes the selected set so that an identical market
// view hashes identically: sentiment rounded to 3 decimals, sources sorted.
func fingerprint(selected []scout.Signal) (string, error) {
	canon := make([]map[string]interface{}, 0, len(selected))
	for _, sig := range selected {
		sources := append([]string(nil), sig.Sources...)
		sort.Strings(sources)
		canon = append(canon, map[string]interface{}{
			"symbol":    sig.Symbol,
			"sentiment": math.Round(sig.Sentiment*1000) / 1000,
			"volume":    sig.Volume,
			"sources":   sources,
		})
	}
	return ident.StableHash(canon)
}

func normalizeRecommendations(raw []Recommendation) []Recommendation {
	recs := make([]Recommendation, 0, len(raw))
	for _, r := range raw {
		r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
		r.Action = strings.ToUpper(strings.TrimSpace(r.Action))
		if r.Symbol == "" || !validActions[r.Action] {
			continue
		}
		r.Confidence = clamp01(r.Confidence)
		r.Urgency = strings.ToLower(strings.TrimSpace(r.Urgency))
		recs = append(recs, r)
		if len(recs) == maxSelected {
			break
		}
	}
	return recs
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// cachedResearch serves whatever fresh research entries exist for the
// selected symbols. Used on analysis cache hits, where no new gateway
// calls are made.
func (a *Analyst) cachedResearch(selected []scout.Signal) map[string]ResearchResult {
	out := make(map[string]ResearchResult, len(selected))
	for _, sig := range selected {
		if entry, ok := a.st.ResearchCache[sig.Symbol]; ok && !a.expired(entry.CachedAtMs, researchCacheTTL) {
			out[sig.Symbol] = entry.Result
		}
	}
	return out
}

func (a *Analyst) expired(cachedAtMs int64, ttl time.Duration) bool {
	return clock.NowMs(a.clk)-cachedAtMs >= ttl.Milliseconds()
}

func (a *Analyst) pruneCaches() {
	for fp, entry := range a.st.AnalysisCache {
		if a.expired(entry.CachedAtMs, analysisCacheTTL) {
			delete(a.st.AnalysisCache, fp)
		}
	}
	for sym, entry := range a.st.ResearchCache {
		if a.expired(entry.CachedAtMs, researchCacheTTL) {
			delete(a.st.ResearchCache, sym)
		}
	}
}

// DecodeAnalysis parses an analysis_ready payload.
func DecodeAnalysis(raw json.RawMessage) (*AnalysisReady, error) {
	var out AnalysisReady
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, faults.Wrap(err, faults.Internal, "decode analysis payload")
	}
	return &out, nil
}
