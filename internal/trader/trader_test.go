package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehive/tradehive/internal/agent"
	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/execution"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/learning"
	"github.com/tradehive/tradehive/internal/swarm"
)

type executedOrder struct {
	Source string
	Key    string
	Params execution.Params
}

// fakePipeline records executions and answers with a submitted row.
type fakePipeline struct {
	calls []executedOrder
	err   error
}

func (p *fakePipeline) Execute(ctx context.Context, source, key string, params execution.Params, approvalID *string) (*db.Submission, error) {
	p.calls = append(p.calls, executedOrder{Source: source, Key: key, Params: params})
	if p.err != nil {
		return nil, p.err
	}
	orderID := fmt.Sprintf("order-%d", len(p.calls))
	return &db.Submission{
		ID:             uuid.New(),
		IdempotencyKey: key,
		State:          db.SubmissionSubmitted,
		BrokerOrderID:  &orderID,
	}, nil
}

// fakeCaller scripts the learning agent's advice.
type fakeCaller struct {
	advice learning.AdviceResponse
	err    error
	asked  []learning.AdviceRequest
}

func (c *fakeCaller) Call(ctx context.Context, source, target swarm.AgentID, topic string, payload interface{}) (json.RawMessage, error) {
	if req, ok := payload.(learning.AdviceRequest); ok {
		c.asked = append(c.asked, req)
	}
	if c.err != nil {
		return nil, c.err
	}
	return json.Marshal(c.advice)
}

// fakePublisher captures published events.
type fakePublisher struct {
	topics   []string
	payloads []interface{}
}

func (p *fakePublisher) Publish(ctx context.Context, source swarm.AgentID, topic string, payload interface{}) (int, error) {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return 1, nil
}

type fixture struct {
	trader   *Trader
	pipeline *fakePipeline
	caller   *fakeCaller
	pub      *fakePublisher
	paper    *broker.Paper
	clk      *clock.Fake
}

var tradingDay = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(tradingDay)
	paper := broker.NewPaper(broker.DefaultPaperConfig(), fake, zerolog.Nop())
	registry := broker.NewRegistry()
	registry.Register(paper.Provider())

	pipeline := &fakePipeline{}
	caller := &fakeCaller{advice: learning.AdviceResponse{Approved: true, Confidence: 0.8}}
	pub := &fakePublisher{}
	tr := New(Config{}, pipeline, caller, registry, agent.NewMemStateStore(), pub, fake, nil, zerolog.Nop())
	require.NoError(t, tr.OnStart(context.Background()))
	return &fixture{trader: tr, pipeline: pipeline, caller: caller, pub: pub, paper: paper, clk: fake}
}

func TestBuySizesPosition(t *testing.T) {
	f := newFixture(t)

	res, err := f.trader.Buy(context.Background(), BuyRequest{Symbol: "aapl", Confidence: 0.8})

	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, "AAPL", res.Symbol)
	require.Len(t, f.pipeline.calls, 1)

	call := f.pipeline.calls[0]
	assert.Equal(t, "trader:default", call.Source)
	assert.Equal(t, fmt.Sprintf("trader:buy:AAPL:%d", tradingDay.UnixMilli()), call.Key)
	// 100k cash x 10% x 0.8 confidence = 8000, capped at the 5000 limit.
	assert.Equal(t, "5000", call.Params.Notional.String())
	assert.Equal(t, "buy", call.Params.Side)
	assert.Equal(t, "market", call.Params.Type)
}

func TestBuyUsesAdviceAdjustedConfidence(t *testing.T) {
	f := newFixture(t)
	f.caller.advice = learning.AdviceResponse{Approved: true, Confidence: 0.4}

	res, err := f.trader.Buy(context.Background(), BuyRequest{Symbol: "MSFT", Confidence: 0.5})

	require.NoError(t, err)
	assert.True(t, res.Executed)
	require.Len(t, f.caller.asked, 1)
	assert.Equal(t, "MSFT", f.caller.asked[0].Symbol)
	// 100k x 10% x 0.4 = 4000, below the cap.
	assert.Equal(t, "4000", f.pipeline.calls[0].Params.Notional.String())
}

func TestBuySkipsWhenAdviceRejects(t *testing.T) {
	f := newFixture(t)
	f.caller.advice = learning.AdviceResponse{Approved: false, Confidence: 0.3, MinConfidenceBuy: 0.7}

	res, err := f.trader.Buy(context.Background(), BuyRequest{Symbol: "TSLA", Confidence: 0.4})

	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "advice rejected")
	assert.Empty(t, f.pipeline.calls)
	assert.Equal(t, int64(1), f.trader.st.Skips)
}

func TestBuyProceedsWhenAdviceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.caller.err = faults.New(faults.Internal, "learning agent down")

	res, err := f.trader.Buy(context.Background(), BuyRequest{Symbol: "NVDA", Confidence: 0.9})

	require.NoError(t, err)
	assert.True(t, res.Executed)
	require.Len(t, f.pipeline.calls, 1)
}

func TestBuyRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.trader.Buy(context.Background(), BuyRequest{Symbol: "", Confidence: 0.8})
	assert.Equal(t, faults.InvalidInput, faults.KindOf(err))

	_, err = f.trader.Buy(context.Background(), BuyRequest{Symbol: "AAPL", Confidence: 1.5})
	assert.Equal(t, faults.InvalidInput, faults.KindOf(err))
	assert.Empty(t, f.pipeline.calls)
}

func TestBuyBlockedByPolicyIsSkipNotError(t *testing.T) {
	f := newFixture(t)
	f.pipeline.err = faults.New(faults.KillSwitchActive, "kill switch is active: halt")

	res, err := f.trader.Buy(context.Background(), BuyRequest{Symbol: "AAPL", Confidence: 0.8})

	require.NoError(t, err)
	assert.True(t, res.Skipped)
	require.Len(t, f.trader.st.History, 1)
	assert.Equal(t, "blocked", f.trader.st.History[0].Outcome)
}

func TestBuyPipelineFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.pipeline.err = faults.New(faults.ProviderError, "venue down")

	_, err := f.trader.Buy(context.Background(), BuyRequest{Symbol: "AAPL", Confidence: 0.8})

	assert.Equal(t, faults.ProviderError, faults.KindOf(err))
	require.Len(t, f.trader.st.History, 1)
	assert.Equal(t, "failed", f.trader.st.History[0].Outcome)
}

func TestSellClosesPositionAndPublishesOutcome(t *testing.T) {
	f := newFixture(t)
	// Open a real position on the paper venue so Sell finds it.
	qty := decimal.NewFromInt(10)
	_, err := f.paper.CreateOrder(context.Background(), broker.OrderRequest{
		Symbol: "AAPL", Side: broker.SideBuy, Type: broker.OrderTypeMarket,
		Qty: &qty, TimeInForce: broker.TimeInForceDay,
	})
	require.NoError(t, err)

	res, err := f.trader.Sell(context.Background(), SellRequest{Symbol: "aapl", Reason: "take profit"})

	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.InDelta(t, 10, res.Qty, 1e-9)
	require.Len(t, f.pipeline.calls, 1)
	assert.Equal(t, "sell", f.pipeline.calls[0].Params.Side)
	require.NotNil(t, f.pipeline.calls[0].Params.Qty)

	require.Contains(t, f.pub.topics, swarm.TopicTradeOutcome)
	out, ok := f.pub.payloads[0].(learning.Outcome)
	require.True(t, ok)
	assert.Equal(t, "AAPL", out.Symbol)
}

func TestSellWithoutPositionSkips(t *testing.T) {
	f := newFixture(t)

	res, err := f.trader.Sell(context.Background(), SellRequest{Symbol: "GOOG", Reason: "exit"})

	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "no open position", res.Reason)
	assert.Empty(t, f.pipeline.calls)
	assert.Empty(t, f.pub.topics)
}

func TestAnalysisReadyDrivesBuys(t *testing.T) {
	f := newFixture(t)
	payload, _ := json.Marshal(map[string]interface{}{
		"recommendations": []map[string]interface{}{
			{"symbol": "AAPL", "action": "BUY", "confidence": 0.8, "reasoning": "strong flow"},
			{"symbol": "TSLA", "action": "WAIT", "confidence": 0.5},
			{"symbol": "MSFT", "action": "SKIP", "confidence": 0.2},
		},
	})
	msg, err := swarm.NewMessage("event", swarm.NewAgentID(swarm.TypeAnalyst), f.trader.ID(),
		swarm.MessageEvent, swarm.TopicAnalysisReady, nil, tradingDay.UnixMilli())
	require.NoError(t, err)
	msg.Payload = payload

	_, err = f.trader.HandleMessage(context.Background(), msg)

	require.NoError(t, err)
	require.Len(t, f.pipeline.calls, 1)
	assert.Equal(t, "AAPL", f.pipeline.calls[0].Params.Symbol)
}

func TestStrategyUpdatedTightensSizingCap(t *testing.T) {
	f := newFixture(t)
	upd := learning.StrategyUpdated{}
	upd.Strategy.MinConfidenceBuy = 0.75
	upd.Strategy.MaxPositionNotional = 2000
	upd.Strategy.RiskMultiplier = 0.9
	payload, _ := json.Marshal(upd)
	msg, err := swarm.NewMessage("event", swarm.NewAgentID(swarm.TypeLearning), f.trader.ID(),
		swarm.MessageEvent, swarm.TopicStrategyUpdated, nil, tradingDay.UnixMilli())
	require.NoError(t, err)
	msg.Payload = payload

	_, err = f.trader.HandleMessage(context.Background(), msg)
	require.NoError(t, err)

	res, err := f.trader.Buy(context.Background(), BuyRequest{Symbol: "AAPL", Confidence: 0.9})
	require.NoError(t, err)
	assert.True(t, res.Executed)
	// 100k x 10% x 0.8 (advice confidence) would be 8000; the updated
	// strategy caps it at 2000.
	assert.Equal(t, "2000", f.pipeline.calls[0].Params.Notional.String())
}

func TestHistoryRingTruncates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < historyCap+1; i++ {
		f.trader.remember(context.Background(), HistoryEntry{Symbol: fmt.Sprintf("S%d", i), Side: "buy", Outcome: "skipped"})
	}
	assert.Len(t, f.trader.st.History, historyKeep)
	// Newest entries survive the truncation.
	assert.Equal(t, fmt.Sprintf("S%d", historyCap), f.trader.st.History[historyKeep-1].Symbol)
}

func TestHistoryCommandReturnsNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.trader.remember(context.Background(), HistoryEntry{Symbol: "OLD", Side: "buy", Outcome: "skipped"})
	f.trader.remember(context.Background(), HistoryEntry{Symbol: "NEW", Side: "sell", Outcome: "submitted"})

	msg, err := swarm.NewMessage("cmd", swarm.RegistryID(), f.trader.ID(),
		swarm.MessageCommand, TopicGetHistory, nil, tradingDay.UnixMilli())
	require.NoError(t, err)
	resp, err := f.trader.HandleMessage(context.Background(), msg)

	require.NoError(t, err)
	hist := resp.(HistoryResponse)
	require.Len(t, hist.History, 2)
	assert.Equal(t, "NEW", hist.History[0].Symbol)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	f := newFixture(t)
	store := agent.NewMemStateStore()
	f.trader.store = store
	_, err := f.trader.Buy(context.Background(), BuyRequest{Symbol: "AAPL", Confidence: 0.8})
	require.NoError(t, err)

	reborn := New(Config{}, f.pipeline, f.caller, broker.NewRegistry(), store, f.pub, f.clk, nil, zerolog.Nop())
	require.NoError(t, reborn.OnStart(context.Background()))
	assert.Equal(t, int64(1), reborn.st.Buys)
	assert.Len(t, reborn.st.History, 1)
}
