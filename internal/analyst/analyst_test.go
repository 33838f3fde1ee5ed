package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehive/tradehive/internal/activity"
	"github.com/tradehive/tradehive/internal/agent"
	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/llm"
	"github.com/tradehive/tradehive/internal/scout"
	"github.com/tradehive/tradehive/internal/swarm"
)

type completion struct {
	content string
	err     error
}

// scriptedCompleter pops one completion per call and records user prompts.
// An exhausted script fails the call like a gateway error would.
type scriptedCompleter struct {
	script  []completion
	calls   int
	prompts []string
}

func (c *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.calls++
	for _, m := range req.Messages {
		if m.Role == "user" {
			c.prompts = append(c.prompts, m.Content)
		}
	}
	if len(c.script) == 0 {
		return nil, errors.New("unexpected llm call")
	}
	step := c.script[0]
	c.script = c.script[1:]
	if step.err != nil {
		return nil, step.err
	}
	return &llm.Response{Content: step.content, Model: "fake", FinishReason: "stop"}, nil
}

// failingCompleter errors on every call.
type failingCompleter struct {
	calls int
}

func (c *failingCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.calls++
	return nil, faults.Provider(errors.New("status 502"), true, "llm gateway error")
}

type stubCaller struct {
	signals []scout.Signal
	calls   int
	err     error
}

func (c *stubCaller) Call(ctx context.Context, source, target swarm.AgentID, topic string, payload interface{}) (json.RawMessage, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	raw, err := json.Marshal(scout.SignalsResponse{Signals: c.signals})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

type stubPublisher struct {
	topics   []string
	payloads []interface{}
}

func (p *stubPublisher) Publish(ctx context.Context, source swarm.AgentID, topic string, payload interface{}) (int, error) {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return 1, nil
}

type fixture struct {
	analyst *Analyst
	llm     *scriptedCompleter
	caller  *stubCaller
	pub     *stubPublisher
	store   *agent.MemStateStore
	clk     *clock.Fake
}

func newFixture(t *testing.T, market broker.MarketData) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	f := &fixture{
		llm:    &scriptedCompleter{},
		caller: &stubCaller{},
		pub:    &stubPublisher{},
		store:  agent.NewMemStateStore(),
		clk:    fake,
	}
	f.analyst = New(Config{}, f.llm, f.caller, market, f.store, f.pub, fake, activity.NewWriter(nil, fake, zerolog.Nop()), zerolog.Nop())
	require.NoError(t, f.analyst.OnStart(context.Background()))
	return f
}

func researchBody(results ...ResearchResult) string {
	raw, _ := json.Marshal(results)
	return string(raw)
}

func analysisBody(recs ...Recommendation) string {
	raw, _ := json.Marshal(recs)
	return string(raw)
}

func strongSignal(symbol string, sentiment float64, volume int) scout.Signal {
	return scout.Signal{Symbol: symbol, Sentiment: sentiment, Volume: volume, Sources: []string{"wire"}}
}

func TestSelectSignalsFiltersAndRanks(t *testing.T) {
	signals := []scout.Signal{
		{Symbol: "weak", Sentiment: 0.2, Volume: 50},
		{Symbol: "nvda", Sentiment: 0.5, Volume: 10},
		{Symbol: "tsla", Sentiment: -0.9, Volume: 4},
		{Symbol: "NVDA", Sentiment: 0.8, Volume: 99},
		{Symbol: "aapl", Sentiment: 0.31, Volume: 1},
		{Symbol: "msft", Sentiment: 0.4, Volume: 20},
		{Symbol: "amd", Sentiment: -0.6, Volume: 7},
		{Symbol: "meta", Sentiment: 0.35, Volume: 8},
		{Symbol: "", Sentiment: 0.9, Volume: 5},
	}

	selected := SelectSignals(signals)

	require.Len(t, selected, 5, "top five after filtering")
	// Weights: MSFT 8.0, NVDA 5.0, AMD 4.2, TSLA 3.6, AAPL 0.31, META 2.8.
	assert.Equal(t, "MSFT", selected[0].Symbol)
	assert.Equal(t, "NVDA", selected[1].Symbol)
	assert.Equal(t, 0.5, selected[1].Sentiment, "first occurrence wins on duplicate symbols")
	assert.Equal(t, "AMD", selected[2].Symbol)
	assert.Equal(t, "TSLA", selected[3].Symbol)
	assert.Equal(t, "AAPL", selected[4].Symbol, "META at 2.8 misses the cut")
}

func TestSelectSignalsBreaksTiesBySymbol(t *testing.T) {
	selected := SelectSignals([]scout.Signal{
		{Symbol: "zeta", Sentiment: 0.5, Volume: 10},
		{Symbol: "acme", Sentiment: 0.5, Volume: 10},
		{Symbol: "nvda", Sentiment: 0.8, Volume: 10},
	})

	require.Len(t, selected, 3)
	assert.Equal(t, []string{"NVDA", "ACME", "ZETA"}, []string{selected[0].Symbol, selected[1].Symbol, selected[2].Symbol})
}

func TestAnalyzeCachesByFingerprint(t *testing.T) {
	f := newFixture(t, nil)
	signals := []scout.Signal{strongSignal("NVDA", 0.8, 10)}
	f.llm.script = []completion{
		{content: researchBody(ResearchResult{Symbol: "NVDA", Verdict: "BUY", Confidence: 0.7, Reasoning: "earnings beat"})},
		{content: analysisBody(Recommendation{Symbol: "NVDA", Action: "BUY", Confidence: 0.75, Reasoning: "strong story"})},
	}

	recs, research := f.analyst.Analyze(context.Background(), signals)
	require.Len(t, recs, 1)
	assert.Equal(t, "BUY", recs[0].Action)
	assert.Equal(t, "BUY", research["NVDA"].Verdict)
	assert.Equal(t, 2, f.llm.calls, "one research chunk plus one analysis call")

	// Identical signal set within the TTL never reaches the gateway.
	recs2, research2 := f.analyst.Analyze(context.Background(), signals)
	assert.Equal(t, recs, recs2)
	assert.Equal(t, "BUY", research2["NVDA"].Verdict, "research served from cache on a hit")
	assert.Equal(t, 2, f.llm.calls)

	// Past the analysis TTL the verdict is recomputed, but the research
	// cache (longer TTL) still serves the symbol.
	f.clk.Advance(91 * time.Second)
	f.llm.script = []completion{
		{content: analysisBody(Recommendation{Symbol: "NVDA", Action: "HOLD", Confidence: 0.5, Reasoning: "stale story"})},
	}
	recs3, _ := f.analyst.Analyze(context.Background(), signals)
	require.Len(t, recs3, 1)
	assert.Equal(t, "HOLD", recs3[0].Action)
	assert.Equal(t, 3, f.llm.calls, "research cache still fresh at 91s")

	// Past the research TTL both stages run again.
	f.clk.Advance(100 * time.Second)
	f.analyst.pruneCaches()
	assert.Empty(t, f.analyst.st.ResearchCache, "prune drops expired research entries")
	f.llm.script = []completion{
		{content: researchBody(ResearchResult{Symbol: "NVDA", Verdict: "WAIT", Confidence: 0.4, Reasoning: "cooling"})},
		{content: analysisBody()},
	}
	f.analyst.Analyze(context.Background(), signals)
	assert.Equal(t, 5, f.llm.calls)
}

func TestAnalyzeWithoutCandidatesSkipsGateway(t *testing.T) {
	f := newFixture(t, nil)

	recs, research := f.analyst.Analyze(context.Background(), []scout.Signal{
		{Symbol: "AAPL", Sentiment: 0.1, Volume: 3},
	})

	assert.Empty(t, recs)
	assert.Empty(t, research)
	assert.Zero(t, f.llm.calls)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t, nil)
	failing := &failingCompleter{}
	f.analyst.completer = failing
	signals := []scout.Signal{strongSignal("NVDA", 0.8, 10)}

	// First round: research fails, then analysis fails.
	recs, _ := f.analyst.Analyze(context.Background(), signals)
	assert.Empty(t, recs)
	assert.Equal(t, 2, failing.calls)
	assert.Equal(t, 2, f.analyst.st.Breaker.Failures)
	assert.Zero(t, f.analyst.st.Breaker.CircuitOpenUntilMs, "still closed below the threshold")

	// Third failure opens the circuit for 10s; the analysis stage of the
	// same round is skipped while open.
	f.analyst.Analyze(context.Background(), signals)
	assert.Equal(t, 3, failing.calls)
	assert.Equal(t, 3, f.analyst.st.Breaker.Failures)
	wantOpen := clock.NowMs(f.clk) + 10_000
	assert.Equal(t, wantOpen, f.analyst.st.Breaker.CircuitOpenUntilMs)
	assert.Contains(t, f.analyst.st.Breaker.LastError, "llm gateway error: status 502")

	// While open, nothing reaches the gateway.
	f.analyst.Analyze(context.Background(), signals)
	assert.Equal(t, 3, failing.calls)

	// After the window the next failure doubles the delay.
	f.clk.Advance(11 * time.Second)
	f.analyst.Analyze(context.Background(), signals)
	assert.Equal(t, 4, failing.calls)
	assert.Equal(t, 4, f.analyst.st.Breaker.Failures)
	assert.Equal(t, clock.NowMs(f.clk)+20_000, f.analyst.st.Breaker.CircuitOpenUntilMs)

	// A success once the circuit closes resets the record.
	f.clk.Advance(21 * time.Second)
	f.analyst.completer = f.llm
	f.llm.script = []completion{
		{content: researchBody(ResearchResult{Symbol: "NVDA", Verdict: "BUY", Confidence: 0.7, Reasoning: "recovered"})},
		{content: analysisBody(Recommendation{Symbol: "NVDA", Action: "BUY", Confidence: 0.7, Reasoning: "recovered"})},
	}
	recs, _ = f.analyst.Analyze(context.Background(), signals)
	require.Len(t, recs, 1)
	assert.Zero(t, f.analyst.st.Breaker.Failures)
	assert.Zero(t, f.analyst.st.Breaker.CircuitOpenUntilMs)
	assert.Empty(t, f.analyst.st.Breaker.LastError)
	assert.Equal(t, clock.NowMs(f.clk), f.analyst.st.Breaker.LastSuccessMs)
}

func TestBreakerFallbackIsNotCached(t *testing.T) {
	f := newFixture(t, nil)
	f.analyst.completer = &failingCompleter{}
	signals := []scout.Signal{strongSignal("NVDA", 0.8, 10)}

	recs, _ := f.analyst.Analyze(context.Background(), signals)
	assert.Empty(t, recs)
	assert.Empty(t, f.analyst.st.AnalysisCache, "fallback result must not suppress the next attempt")

	f.analyst.completer = f.llm
	f.llm.script = []completion{
		{content: researchBody(ResearchResult{Symbol: "NVDA", Verdict: "BUY", Confidence: 0.7, Reasoning: "ok"})},
		{content: analysisBody(Recommendation{Symbol: "NVDA", Action: "BUY", Confidence: 0.7, Reasoning: "ok"})},
	}
	recs, _ = f.analyst.Analyze(context.Background(), signals)
	require.Len(t, recs, 1)
	assert.Len(t, f.analyst.st.AnalysisCache, 1)
}

func TestResearchBatchChunksAndCaps(t *testing.T) {
	f := newFixture(t, nil)
	signals := make([]scout.Signal, 0, 20)
	for i := 0; i < 20; i++ {
		signals = append(signals, strongSignal(fmt.Sprintf("SYM%02d", i), 0.5, 5))
	}
	chunk := func(lo, hi int) string {
		results := make([]ResearchResult, 0, hi-lo)
		for i := lo; i < hi; i++ {
			results = append(results, ResearchResult{
				Symbol: fmt.Sprintf("SYM%02d", i), Verdict: "SKIP", Confidence: 0.5, Reasoning: "noise",
			})
		}
		return researchBody(results...)
	}
	f.llm.script = []completion{{content: chunk(0, 8)}, {content: chunk(8, 16)}}

	out := f.analyst.ResearchSignalsBatch(context.Background(), signals)

	assert.Len(t, out, 16, "batch capped at 16 symbols")
	assert.Equal(t, 2, f.llm.calls, "two chunks of eight")
	assert.NotContains(t, out, "SYM16")

	// Immediately afterwards everything is served from cache.
	out = f.analyst.ResearchSignalsBatch(context.Background(), signals)
	assert.Len(t, out, 16)
	assert.Equal(t, 2, f.llm.calls)
}

func TestResearchServesWeakSymbolsOnlyFromCache(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []completion{
		{content: researchBody(ResearchResult{Symbol: "NVDA", Verdict: "BUY", Confidence: 0.7, Reasoning: "beat"})},
	}

	out := f.analyst.ResearchSignalsBatch(context.Background(), []scout.Signal{strongSignal("NVDA", 0.8, 10)})
	require.Contains(t, out, "NVDA")

	// Sentiment faded below the research floor: the cached verdict is
	// served, no new call is made.
	out = f.analyst.ResearchSignalsBatch(context.Background(), []scout.Signal{strongSignal("NVDA", 0.1, 2)})
	assert.Contains(t, out, "NVDA")
	assert.Equal(t, 1, f.llm.calls)

	// A weak symbol with no cache entry is not researched at all.
	out = f.analyst.ResearchSignalsBatch(context.Background(), []scout.Signal{strongSignal("AAPL", 0.1, 2)})
	assert.Empty(t, out)
	assert.Equal(t, 1, f.llm.calls)
}

func TestResearchDropsInvalidVerdicts(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []completion{{content: `[
		{"symbol": "nvda", "verdict": "buy", "confidence": 1.7, "reasoning": "messy but usable"},
		{"symbol": "TSLA", "verdict": "MOON", "confidence": 0.9, "reasoning": "not a verdict"},
		{"symbol": "", "verdict": "SKIP", "confidence": 0.5, "reasoning": "no symbol"}
	]`}}

	out := f.analyst.ResearchSignalsBatch(context.Background(), []scout.Signal{
		strongSignal("NVDA", 0.8, 10),
		strongSignal("TSLA", 0.6, 5),
	})

	require.Len(t, out, 1)
	assert.Equal(t, "BUY", out["NVDA"].Verdict, "verdict uppercased")
	assert.Equal(t, 1.0, out["NVDA"].Confidence, "confidence clamped to [0,1]")
}

func TestRunCyclePullsPublishesPersists(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.signals = []scout.Signal{strongSignal("NVDA", 0.8, 10)}
	f.llm.script = []completion{
		{content: researchBody(ResearchResult{Symbol: "NVDA", Verdict: "BUY", Confidence: 0.7, Reasoning: "beat"})},
		{content: analysisBody(Recommendation{Symbol: "NVDA", Action: "BUY", Confidence: 0.75, Reasoning: "strong", Urgency: "high"})},
	}

	require.NoError(t, f.analyst.RunCycle(context.Background()))

	assert.Equal(t, 1, f.caller.calls, "signals pulled from the scout")
	require.Equal(t, []string{swarm.TopicAnalysisReady}, f.pub.topics)
	raw, err := json.Marshal(f.pub.payloads[0])
	require.NoError(t, err)
	ready, err := DecodeAnalysis(raw)
	require.NoError(t, err)
	require.Len(t, ready.Recommendations, 1)
	assert.Equal(t, "NVDA", ready.Recommendations[0].Symbol)
	assert.Equal(t, "high", ready.Recommendations[0].Urgency)
	assert.Equal(t, "BUY", ready.BatchedResearch["NVDA"].Verdict)
	assert.Equal(t, clock.NowMs(f.clk), ready.GeneratedAt)

	var persisted state
	found, err := f.store.Load(context.Background(), &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, clock.NowMs(f.clk), persisted.LastAnalysisMs)
	assert.Equal(t, int64(1), persisted.Cycles)
	require.Len(t, persisted.LastRecommendations, 1)
}

func TestRunCycleFailsWhenScoutUnreachable(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.err = faults.New(faults.NotFound, "agent not registered")

	err := f.analyst.RunCycle(context.Background())

	require.Error(t, err)
	assert.Empty(t, f.pub.topics, "nothing published without signals")
}

func TestOnAlarmHonorsCycleInterval(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.analyst.OnAlarm(context.Background()))
	assert.Equal(t, 1, f.caller.calls, "first alarm runs a cycle")

	f.clk.Advance(60 * time.Second)
	require.NoError(t, f.analyst.OnAlarm(context.Background()))
	assert.Equal(t, 1, f.caller.calls, "within the interval nothing runs")

	f.clk.Advance(60 * time.Second)
	require.NoError(t, f.analyst.OnAlarm(context.Background()))
	assert.Equal(t, 2, f.caller.calls)
}

func TestSignalsUpdatedTriggersDueCycle(t *testing.T) {
	f := newFixture(t, nil)
	msg, err := swarm.NewMessage("msg", swarm.NewAgentID(swarm.TypeScout), f.analyst.ID(), swarm.MessageEvent, swarm.TopicSignalsUpdated, nil, clock.NowMs(f.clk))
	require.NoError(t, err)

	out, err := f.analyst.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, swarm.Ack{Ack: true}, out)
	assert.Equal(t, 1, f.caller.calls)

	// A second event inside the interval only acks.
	out, err = f.analyst.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, swarm.Ack{Ack: true}, out)
	assert.Equal(t, 1, f.caller.calls)
}

func TestHandleMessageCommands(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.signals = []scout.Signal{strongSignal("NVDA", 0.8, 10)}
	f.llm.script = []completion{
		{content: researchBody(ResearchResult{Symbol: "NVDA", Verdict: "BUY", Confidence: 0.7, Reasoning: "beat"})},
		{content: analysisBody(Recommendation{Symbol: "NVDA", Action: "BUY", Confidence: 0.75, Reasoning: "strong"})},
	}
	nowMs := clock.NowMs(f.clk)

	analyze, err := swarm.NewMessage("msg", swarm.RegistryID(), f.analyst.ID(), swarm.MessageCommand, TopicAnalyze, nil, nowMs)
	require.NoError(t, err)
	out, err := f.analyst.HandleMessage(context.Background(), analyze)
	require.NoError(t, err)
	resp, ok := out.(RecommendationsResponse)
	require.True(t, ok)
	require.Len(t, resp.Recommendations, 1)

	get, err := swarm.NewMessage("msg", swarm.RegistryID(), f.analyst.ID(), swarm.MessageCommand, TopicGetRecommendations, nil, nowMs)
	require.NoError(t, err)
	out, err = f.analyst.HandleMessage(context.Background(), get)
	require.NoError(t, err)
	resp, ok = out.(RecommendationsResponse)
	require.True(t, ok)
	assert.Equal(t, "NVDA", resp.Recommendations[0].Symbol)

	unknown, err := swarm.NewMessage("msg", swarm.RegistryID(), f.analyst.ID(), swarm.MessageCommand, "no_such_op", nil, nowMs)
	require.NoError(t, err)
	_, err = f.analyst.HandleMessage(context.Background(), unknown)
	require.Error(t, err)
	assert.Equal(t, faults.NotFound, faults.KindOf(err))

	event, err := swarm.NewMessage("msg", swarm.RegistryID(), f.analyst.ID(), swarm.MessageEvent, "no_such_topic", nil, nowMs)
	require.NoError(t, err)
	out, err = f.analyst.HandleMessage(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, swarm.Ack{Ack: true}, out)
}

func TestRecommendationNormalization(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []completion{
		{content: researchBody()},
		{content: `[
			{"symbol": "nvda", "action": "buy", "confidence": 1.4, "reasoning": "clamped", "urgency": "HIGH"},
			{"symbol": "TSLA", "action": "YOLO", "confidence": 0.9, "reasoning": "dropped"},
			{"symbol": "AMD", "action": "SKIP", "confidence": -0.2, "reasoning": "floored"}
		]`},
	}

	recs, _ := f.analyst.Analyze(context.Background(), []scout.Signal{strongSignal("NVDA", 0.8, 10)})

	require.Len(t, recs, 2)
	assert.Equal(t, "NVDA", recs[0].Symbol)
	assert.Equal(t, "BUY", recs[0].Action)
	assert.Equal(t, 1.0, recs[0].Confidence)
	assert.Equal(t, "high", recs[0].Urgency)
	assert.Equal(t, "AMD", recs[1].Symbol)
	assert.Equal(t, 0.0, recs[1].Confidence)
}

func TestResearchPromptCarriesTechnicalSnapshot(t *testing.T) {
	paper := broker.NewPaper(broker.DefaultPaperConfig(), clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)), zerolog.Nop())
	f := newFixture(t, paper)
	f.llm.script = []completion{
		{content: researchBody(ResearchResult{Symbol: "NVDA", Verdict: "WAIT", Confidence: 0.5, Reasoning: "mixed"})},
	}

	f.analyst.ResearchSignalsBatch(context.Background(), []scout.Signal{strongSignal("NVDA", 0.8, 10)})

	require.Len(t, f.llm.prompts, 1)
	assert.Contains(t, f.llm.prompts[0], "NVDA: sentiment +0.80, volume 10")
	assert.Contains(t, f.llm.prompts[0], "technicals over", "indicator snapshot appended when market data is configured")
}

func TestResearchPromptOmitsTechnicalsWithoutMarketData(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []completion{{content: researchBody()}}

	f.analyst.ResearchSignalsBatch(context.Background(), []scout.Signal{strongSignal("NVDA", 0.8, 10)})

	require.Len(t, f.llm.prompts, 1)
	assert.False(t, strings.Contains(f.llm.prompts[0], "technicals over"))
}

func TestOnStartRestoresBreakerGauge(t *testing.T) {
	f := newFixture(t, nil)
	f.analyst.completer = &failingCompleter{}
	signals := []scout.Signal{strongSignal("NVDA", 0.8, 10)}
	f.analyst.Analyze(context.Background(), signals)
	f.analyst.Analyze(context.Background(), signals)
	require.Positive(t, f.analyst.st.Breaker.CircuitOpenUntilMs)
	require.NoError(t, f.analyst.store.Save(context.Background(), &f.analyst.st))

	restored := New(Config{}, f.llm, f.caller, nil, f.store, f.pub, f.clk, activity.NewWriter(nil, f.clk, zerolog.Nop()), zerolog.Nop())
	require.NoError(t, restored.OnStart(context.Background()))

	assert.Equal(t, f.analyst.st.Breaker, restored.st.Breaker, "breaker record survives restarts")
}
