package riskmgr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehive/tradehive/internal/agent"
	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/execution"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/policy"
	"github.com/tradehive/tradehive/internal/swarm"
)

type fakeLoader struct {
	inputs execution.PolicyInputs
	err    error
}

func (l *fakeLoader) LoadPolicyInputs(ctx context.Context) (execution.PolicyInputs, error) {
	return l.inputs, l.err
}

type fixture struct {
	mgr    *Manager
	loader *fakeLoader
	clk    *clock.Fake
}

// newFixture runs the paper venue at the given instant; default policy
// config unless the test overrides the loader.
func newFixture(t *testing.T, at time.Time) *fixture {
	t.Helper()
	fake := clock.NewFake(at)
	paper := broker.NewPaper(broker.DefaultPaperConfig(), fake, zerolog.Nop())
	registry := broker.NewRegistry()
	registry.Register(paper.Provider())

	loader := &fakeLoader{inputs: execution.PolicyInputs{Config: policy.DefaultConfig()}}
	gate := execution.NewGate(loader, fake, zerolog.Nop())
	mgr := New(gate, registry, agent.NewMemStateStore(), fake, zerolog.Nop())
	require.NoError(t, mgr.OnStart(context.Background()))
	return &fixture{mgr: mgr, loader: loader, clk: fake}
}

// Monday 2025-06-02 14:00 UTC is 10:00 ET, inside the equity session.
var marketOpen = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

func buyOrder(notional float64) execution.Params {
	n := decimal.NewFromFloat(notional)
	return execution.Params{
		Symbol:     "aapl",
		Side:       "buy",
		Type:       "market",
		AssetClass: string(broker.AssetClassUSEquity),
		Notional:   &n,
		Confidence: 0.8,
	}
}

func TestValidateApprovesCleanOrder(t *testing.T) {
	f := newFixture(t, marketOpen)

	verdict, err := f.mgr.Validate(context.Background(), buyOrder(1000))

	require.NoError(t, err)
	assert.True(t, verdict.Approved)
	assert.Empty(t, verdict.Reasons)
	assert.Equal(t, int64(1), f.mgr.st.Validations)
	assert.Equal(t, int64(1), f.mgr.st.Approved)
}

func TestValidateRejectsOversizedOrder(t *testing.T) {
	f := newFixture(t, marketOpen)

	verdict, err := f.mgr.Validate(context.Background(), buyOrder(6000))

	require.NoError(t, err)
	assert.False(t, verdict.Approved)
	require.NotEmpty(t, verdict.Reasons)
	assert.Contains(t, verdict.Reasons[0], string(policy.CodePerTradeNotional))
	assert.Equal(t, int64(1), f.mgr.st.Rejected)
}

func TestValidateReportsKillSwitch(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.loader.inputs.RiskState = policy.RiskState{
		KillSwitchActive: true,
		KillSwitchReason: "manual halt",
	}

	verdict, err := f.mgr.Validate(context.Background(), buyOrder(1000))

	require.NoError(t, err, "a blocked order is a verdict, not a failure")
	assert.False(t, verdict.Approved)
	found := false
	for _, r := range verdict.Reasons {
		if strings.Contains(r, string(policy.CodeKillSwitch)) {
			found = true
		}
	}
	assert.True(t, found, "reasons carry the kill switch violation: %v", verdict.Reasons)
}

func TestValidateReportsClosedSession(t *testing.T) {
	// Saturday 10:00 ET: inside the configured trading-hours window, so
	// the policy engine passes, but the venue session is closed.
	f := newFixture(t, time.Date(2025, 6, 7, 14, 0, 0, 0, time.UTC))

	verdict, err := f.mgr.Validate(context.Background(), buyOrder(1000))

	require.NoError(t, err)
	assert.False(t, verdict.Approved)
	require.Len(t, verdict.Reasons, 1)
	assert.Contains(t, verdict.Reasons[0], "closed")
}

func TestValidateErrorsOnLoaderFailure(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.loader.err = errors.New("pg down")

	verdict, err := f.mgr.Validate(context.Background(), buyOrder(1000))

	require.Error(t, err)
	assert.Nil(t, verdict)
	assert.Zero(t, f.mgr.st.Validations, "an infrastructure failure is not a validation")
}

func TestValidateErrorsOnBadInput(t *testing.T) {
	f := newFixture(t, marketOpen)
	params := buyOrder(1000)
	qty := decimal.NewFromInt(5)
	params.Qty = &qty

	_, err := f.mgr.Validate(context.Background(), params)

	require.Error(t, err)
	assert.Equal(t, faults.InvalidInput, faults.KindOf(err))
}

func TestValidateErrorsOnUnknownProvider(t *testing.T) {
	f := newFixture(t, marketOpen)
	params := buyOrder(1000)
	params.Provider = "no_such_venue"

	_, err := f.mgr.Validate(context.Background(), params)

	require.Error(t, err)
	assert.Equal(t, faults.NotFound, faults.KindOf(err))
}

func TestHandleMessageValidate(t *testing.T) {
	f := newFixture(t, marketOpen)
	msg, err := swarm.NewMessage("test", swarm.RegistryID(), f.mgr.ID(),
		swarm.MessageCommand, TopicValidate, buyOrder(1000), clock.NowMs(f.clk))
	require.NoError(t, err)

	out, err := f.mgr.HandleMessage(context.Background(), msg)

	require.NoError(t, err)
	verdict, ok := out.(*ValidationResult)
	require.True(t, ok)
	assert.True(t, verdict.Approved)
}

func TestHandleMessageUnknownTopic(t *testing.T) {
	f := newFixture(t, marketOpen)

	cmd, err := swarm.NewMessage("test", swarm.RegistryID(), f.mgr.ID(),
		swarm.MessageCommand, "no_such_op", nil, clock.NowMs(f.clk))
	require.NoError(t, err)
	_, err = f.mgr.HandleMessage(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, faults.NotFound, faults.KindOf(err))

	ev, err := swarm.NewMessage("test", swarm.RegistryID(), f.mgr.ID(),
		swarm.MessageEvent, "whatever", nil, clock.NowMs(f.clk))
	require.NoError(t, err)
	out, err := f.mgr.HandleMessage(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, swarm.Ack{Ack: true}, out)
}
