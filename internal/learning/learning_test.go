package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehive/tradehive/internal/agent"
	"github.com/tradehive/tradehive/internal/blob"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/strategy"
	"github.com/tradehive/tradehive/internal/swarm"
)

type fakePublisher struct {
	topics   []string
	payloads []interface{}
}

func (p *fakePublisher) Publish(_ context.Context, _ swarm.AgentID, topic string, payload interface{}) (int, error) {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return 1, nil
}

type fixture struct {
	agent *Agent
	pub   *fakePublisher
	blobs *blob.Memory
	clk   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	pub := &fakePublisher{}
	blobs := blob.NewMemory()
	a := New(agent.NewMemStateStore(), pub, blobs, clk, nil, zerolog.Nop())
	require.NoError(t, a.OnStart(context.Background()))
	return &fixture{agent: a, pub: pub, blobs: blobs, clk: clk}
}

func (f *fixture) record(t *testing.T, symbol string, success bool, pnl float64) {
	t.Helper()
	require.NoError(t, f.agent.RecordOutcome(context.Background(), Outcome{
		Symbol: symbol, Success: success, PnL: pnl, Notional: 1000,
	}))
}

func TestOnStartSeedsDefaultStrategy(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, strategy.Default(), f.agent.st.Strategy)
}

func TestRecordOutcomeNormalizesSymbol(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.agent.RecordOutcome(context.Background(), Outcome{Symbol: " aapl ", Success: true, PnL: 10}))

	perf := f.agent.Performance()
	assert.Contains(t, perf.PerSymbol, "AAPL")

	err := f.agent.RecordOutcome(context.Background(), Outcome{Symbol: "  "})
	assert.Equal(t, faults.InvalidInput, faults.KindOf(err))
}

func TestPerformanceAggregates(t *testing.T) {
	f := newFixture(t)
	f.record(t, "AAPL", true, 120)
	f.record(t, "AAPL", false, -60)
	f.record(t, "MSFT", true, 30)

	perf := f.agent.Performance()
	assert.Equal(t, 3, perf.Global.Samples)
	assert.Equal(t, 2, perf.Global.Wins)
	assert.InDelta(t, 2.0/3.0, perf.Global.WinRate, 1e-9)
	assert.InDelta(t, 90, perf.Global.TotalPnL, 1e-9)
	assert.InDelta(t, 30, perf.Global.AvgPnL, 1e-9)

	aapl := perf.PerSymbol["AAPL"]
	assert.Equal(t, 2, aapl.Samples)
	assert.InDelta(t, 0.5, aapl.WinRate, 1e-9)
}

func TestLosingStreakTightensStrategy(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		f.record(t, "AAPL", false, -50)
	}

	changed, err := f.agent.OptimizeStrategy(context.Background(), "test")
	require.NoError(t, err)
	assert.True(t, changed)

	got := f.agent.st.Strategy
	assert.Greater(t, got.MinConfidenceBuy, strategy.Default().MinConfidenceBuy)
	assert.Less(t, got.MaxPositionNotional, strategy.Default().MaxPositionNotional)
	assert.Less(t, got.RiskMultiplier, strategy.Default().RiskMultiplier)

	require.Equal(t, []string{swarm.TopicStrategyUpdated}, f.pub.topics)
	upd, ok := f.pub.payloads[0].(StrategyUpdated)
	require.True(t, ok)
	assert.Equal(t, got, upd.Strategy)
	assert.Equal(t, "test", upd.Reason)
}

func TestWinningStreakLoosensStrategy(t *testing.T) {
	f := newFixture(t)
	// Start from a tightened position so loosening has room inside the caps.
	f.agent.st.Strategy = strategy.Params{MinConfidenceBuy: 0.85, MaxPositionNotional: 3000, RiskMultiplier: 0.8}
	for i := 0; i < 10; i++ {
		f.record(t, "MSFT", true, 40)
	}

	changed, err := f.agent.OptimizeStrategy(context.Background(), "test")
	require.NoError(t, err)
	assert.True(t, changed)

	got := f.agent.st.Strategy
	assert.InDelta(t, 0.82, got.MinConfidenceBuy, 1e-9)
	assert.InDelta(t, 3150, got.MaxPositionNotional, 1e-9)
	assert.InDelta(t, 0.824, got.RiskMultiplier, 1e-9)
}

func TestOptimizeRespectsClampBounds(t *testing.T) {
	f := newFixture(t)
	f.agent.st.Strategy = strategy.Params{
		MinConfidenceBuy:    strategy.MinConfidenceCap,
		MaxPositionNotional: strategy.NotionalFloor,
		RiskMultiplier:      strategy.RiskMultiplierFloor,
	}
	for i := 0; i < 12; i++ {
		f.record(t, "AAPL", false, -50)
	}

	changed, err := f.agent.OptimizeStrategy(context.Background(), "test")
	require.NoError(t, err)
	// Already pinned at the cautious extremes, so nothing can move.
	assert.False(t, changed)
	assert.Empty(t, f.pub.topics)
}

func TestOptimizeNoChangeOnMixedRecord(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.record(t, "AAPL", true, 20)
		f.record(t, "AAPL", false, -20)
	}

	changed, err := f.agent.OptimizeStrategy(context.Background(), "test")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, strategy.Default(), f.agent.st.Strategy)
}

func TestAdviceAdjustsForTrackRecord(t *testing.T) {
	cases := []struct {
		name    string
		seed    func(f *fixture, t *testing.T)
		symbol  string
		conf    float64
		want    float64
		approve bool
	}{
		{
			name:    "no history passes through",
			seed:    func(*fixture, *testing.T) {},
			symbol:  "AAPL",
			conf:    0.75,
			want:    0.75,
			approve: true,
		},
		{
			name: "losing symbol docked",
			seed: func(f *fixture, t *testing.T) {
				for i := 0; i < 4; i++ {
					f.record(t, "AAPL", false, -10)
				}
			},
			symbol:  "AAPL",
			conf:    0.75,
			want:    0.65,
			approve: false,
		},
		{
			name: "winning symbol boosted",
			seed: func(f *fixture, t *testing.T) {
				for i := 0; i < 4; i++ {
					f.record(t, "NVDA", true, 25)
				}
			},
			symbol:  "NVDA",
			conf:    0.66,
			want:    0.71,
			approve: true,
		},
		{
			name: "global slump docks everything",
			seed: func(f *fixture, t *testing.T) {
				for i := 0; i < 12; i++ {
					f.record(t, "SPY", false, -5)
				}
			},
			symbol:  "QQQ",
			conf:    0.73,
			want:    0.68,
			approve: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.seed(f, t)

			resp := f.agent.Advice(tc.symbol, tc.conf)
			assert.InDelta(t, tc.want, resp.Confidence, 1e-9)
			assert.Equal(t, tc.conf, resp.OriginalConfidence)
			assert.Equal(t, tc.approve, resp.Approved)
			if tc.want != tc.conf {
				assert.NotEmpty(t, resp.Reason)
			}
		})
	}
}

func TestOutcomeRetentionAndCap(t *testing.T) {
	f := newFixture(t)
	f.record(t, "OLD", true, 1)
	// Push the first outcome past the 30 day retention window.
	f.clk.Advance(31 * 24 * time.Hour)
	f.record(t, "NEW", true, 1)

	f.agent.pruneOutcomes()
	perf := f.agent.Performance()
	assert.NotContains(t, perf.PerSymbol, "OLD")
	assert.Contains(t, perf.PerSymbol, "NEW")

	for i := 0; i < outcomeCap+100; i++ {
		f.record(t, fmt.Sprintf("S%d", i), true, 1)
	}
	assert.LessOrEqual(t, len(f.agent.st.Outcomes), outcomeCap)
}

func TestExportArchivesYAML(t *testing.T) {
	f := newFixture(t)

	res, err := f.agent.Export(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.YAML, "min_confidence_buy")
	require.NotEmpty(t, res.ArchivePath)
	assert.True(t, strings.HasPrefix(res.ArchivePath, "strategy/export-"))

	raw, ok := f.blobs.Get(res.ArchivePath)
	require.True(t, ok)
	assert.Equal(t, res.YAML, string(raw))
}

func TestImportReplacesStrategyAndPublishes(t *testing.T) {
	f := newFixture(t)
	doc := strategy.Export(strategy.Params{
		MinConfidenceBuy:    0.8,
		MaxPositionNotional: 2500,
		RiskMultiplier:      0.9,
	}, "imported", f.clk.Now())
	raw, err := doc.EncodeYAML()
	require.NoError(t, err)

	require.NoError(t, f.agent.Import(context.Background(), raw))
	assert.InDelta(t, 0.8, f.agent.st.Strategy.MinConfidenceBuy, 1e-9)
	require.Equal(t, []string{swarm.TopicStrategyUpdated}, f.pub.topics)
}

func TestImportRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	before := f.agent.st.Strategy

	err := f.agent.Import(context.Background(), []byte("not: [valid"))
	require.Error(t, err)
	assert.Equal(t, before, f.agent.st.Strategy)
}

func TestHandleMessageRoutes(t *testing.T) {
	f := newFixture(t)
	nowMs := clock.NowMs(f.clk)

	outcome, err := json.Marshal(Outcome{Symbol: "AAPL", Success: false, PnL: -12})
	require.NoError(t, err)
	msg, err := swarm.NewMessage("t", swarm.NewAgentID(swarm.TypeTrader), f.agent.ID(),
		swarm.MessageEvent, swarm.TopicTradeOutcome, json.RawMessage(outcome), nowMs)
	require.NoError(t, err)
	resp, err := f.agent.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, swarm.Ack{Ack: true}, resp)
	assert.Equal(t, 1, f.agent.Performance().Global.Samples)

	adviceReq, err := json.Marshal(AdviceRequest{Symbol: "AAPL", Confidence: 0.75})
	require.NoError(t, err)
	msg, err = swarm.NewMessage("t", swarm.NewAgentID(swarm.TypeTrader), f.agent.ID(),
		swarm.MessageCommand, TopicAdvice, json.RawMessage(adviceReq), nowMs)
	require.NoError(t, err)
	resp, err = f.agent.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	advice, ok := resp.(AdviceResponse)
	require.True(t, ok)
	assert.Equal(t, 0.75, advice.OriginalConfidence)

	msg, err = swarm.NewMessage("t", swarm.NewAgentID(swarm.TypeTrader), f.agent.ID(),
		swarm.MessageCommand, "bogus", nil, nowMs)
	require.NoError(t, err)
	_, err = f.agent.HandleMessage(context.Background(), msg)
	assert.Equal(t, faults.NotFound, faults.KindOf(err))
}

func TestScheduledOptimizeHonorsInterval(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		f.record(t, "AAPL", false, -50)
	}

	require.NoError(t, f.agent.OnAlarm(context.Background()))
	require.Len(t, f.pub.topics, 1)

	// A second alarm inside the 15 minute window does not re-optimize.
	f.clk.Advance(5 * time.Minute)
	require.NoError(t, f.agent.OnAlarm(context.Background()))
	assert.Len(t, f.pub.topics, 1)
}
