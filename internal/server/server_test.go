package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/approval"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/config"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/execution"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/swarm"
)

type fakeRuntime struct {
	states    map[string]interface{}
	responses map[string]interface{}
	calls     []string
	err       error
}

func (f *fakeRuntime) Call(_ context.Context, _, target swarm.AgentID, topic string, _ interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, target.String()+"/"+topic)
	if f.err != nil {
		return nil, f.err
	}
	resp, ok := f.responses[topic]
	if !ok {
		return nil, faults.New(faults.NotFound, "agent %s has no %q operation", target, topic)
	}
	return json.Marshal(resp)
}

func (f *fakeRuntime) State(_ context.Context, id swarm.AgentID) (interface{}, error) {
	st, ok := f.states[id.String()]
	if !ok {
		return nil, faults.New(faults.NotFound, "agent %s not hosted here", id)
	}
	return st, nil
}

type fakeCoordinator struct {
	agents     []swarm.AgentStatus
	qs         swarm.QueueState
	subs       map[string][]swarm.AgentID
	pollLimits []int
	requeued   int
	topics     []string
}

func (f *fakeCoordinator) Subscribe(_ context.Context, _ swarm.AgentID, topic string) error {
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeCoordinator) Unsubscribe(_ context.Context, _ swarm.AgentID, topic string) error {
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeCoordinator) Poll(_ context.Context, _ swarm.AgentID, limit int) ([]*swarm.Message, error) {
	f.pollLimits = append(f.pollLimits, limit)
	return nil, nil
}

func (f *fakeCoordinator) QueueState(_ context.Context) (swarm.QueueState, error) {
	return f.qs, nil
}

func (f *fakeCoordinator) Agents(_ context.Context) ([]swarm.AgentStatus, error) {
	return f.agents, nil
}

func (f *fakeCoordinator) Subscriptions(_ context.Context) (map[string][]swarm.AgentID, error) {
	return f.subs, nil
}

func (f *fakeCoordinator) Dispatch(_ context.Context, limit int) (swarm.DispatchResult, error) {
	return swarm.DispatchResult{Delivered: limit}, nil
}

func (f *fakeCoordinator) RequeueDeadLetter(_ context.Context, _ int) (int, error) {
	return f.requeued, nil
}

type fakePipeline struct {
	sub       *db.Submission
	err       error
	keys      []string
	sources   []string
	approvals []*string
	params    []execution.Params
}

func (f *fakePipeline) Execute(_ context.Context, source, key string, params execution.Params, approvalID *string) (*db.Submission, error) {
	f.sources = append(f.sources, source)
	f.keys = append(f.keys, key)
	f.params = append(f.params, params)
	f.approvals = append(f.approvals, approvalID)
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

type fakeApprover struct {
	grant *approval.Grant
	appr  *db.Approval
	err   error
}

func (f *fakeApprover) Generate(_ context.Context, _, _ interface{}, _ time.Duration) (*approval.Grant, error) {
	return f.grant, f.err
}

func (f *fakeApprover) Validate(_ context.Context, _ string) (*db.Approval, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.appr, nil
}

type fakeTradeReader struct {
	trades []db.Trade
}

func (f *fakeTradeReader) ListRecent(_ context.Context, _ int) ([]db.Trade, error) {
	return f.trades, nil
}

type fakeSubmissionReader struct {
	subs map[string]*db.Submission
}

func (f *fakeSubmissionReader) GetByKey(_ context.Context, key string) (*db.Submission, error) {
	return f.subs[key], nil
}

type fakeAlertStore struct {
	events []db.AlertEvent
	acked  map[string]bool
}

func (f *fakeAlertStore) ListRecent(_ context.Context, _ int) ([]db.AlertEvent, error) {
	return f.events, nil
}

func (f *fakeAlertStore) Acknowledge(_ context.Context, id, _ string, _ time.Time) (bool, error) {
	return f.acked[id], nil
}

type serverFixture struct {
	srv     *httptest.Server
	runtime *fakeRuntime
	coord   *fakeCoordinator
	pipe    *fakePipeline
	appr    *fakeApprover
	alerts  *fakeAlertStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	fx := &serverFixture{
		runtime: &fakeRuntime{
			states:    map[string]interface{}{"trader:default": map[string]int{"orders": 2}},
			responses: map[string]interface{}{"history": []string{"AAPL"}},
		},
		coord: &fakeCoordinator{
			agents: []swarm.AgentStatus{{ID: swarm.NewAgentID(swarm.TypeTrader), Type: swarm.TypeTrader}},
			qs:     swarm.QueueState{Queued: 3, DeadLettered: 1},
		},
		pipe:   &fakePipeline{sub: &db.Submission{IdempotencyKey: "k", State: db.SubmissionSubmitted}},
		appr:   &fakeApprover{appr: &db.Approval{ID: "appr-1", State: db.ApprovalActive}},
		alerts: &fakeAlertStore{acked: map[string]bool{"known": true}},
	}

	s := New(Deps{
		Config:      config.ServerConfig{},
		Environment: "paper",
		Runtime:     fx.runtime,
		Coordinator: fx.coord,
		Pipeline:    fx.pipe,
		Approvals:   fx.appr,
		Trades:      &fakeTradeReader{},
		Submissions: &fakeSubmissionReader{subs: map[string]*db.Submission{"known": {IdempotencyKey: "known"}}},
		AlertEvents: fx.alerts,
		Clock:       clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)),
		Logger:      zerolog.Nop(),
	})
	fx.srv = httptest.NewServer(s.Handler())
	t.Cleanup(fx.srv.Close)
	return fx
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthReportsAgentCount(t *testing.T) {
	fx := newServerFixture(t)
	resp, body := doJSON(t, http.MethodGet, fx.srv.URL+"/health", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "paper", body["environment"])
	assert.Equal(t, float64(1), body["agents"])
}

func TestAgentStateRoutes(t *testing.T) {
	fx := newServerFixture(t)

	resp, body := doJSON(t, http.MethodGet, fx.srv.URL+"/api/v1/agents/trader:default/state", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trader:default", body["agent"])

	resp, _ = doJSON(t, http.MethodGet, fx.srv.URL+"/api/v1/agents/scout:default/state", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, fx.srv.URL+"/api/v1/agents/nonsense/state", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentMessageDispatchesCommand(t *testing.T) {
	fx := newServerFixture(t)

	resp, body := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/agents/trader:default/message",
		map[string]interface{}{"topic": "history"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{"AAPL"}, body["response"])
	assert.Equal(t, []string{"trader:default/history"}, fx.runtime.calls)

	resp, _ = doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/agents/trader:default/message",
		map[string]interface{}{"topic": "no_such_op"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentPollClampsLimit(t *testing.T) {
	fx := newServerFixture(t)

	resp, _ := doJSON(t, http.MethodGet, fx.srv.URL+"/api/v1/agents/trader:default/poll?limit=1000", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, fx.coord.pollLimits, 1)
	assert.Equal(t, maxPollLimit, fx.coord.pollLimits[0])
}

func TestQueueStateRoute(t *testing.T) {
	fx := newServerFixture(t)

	resp, body := doJSON(t, http.MethodGet, fx.srv.URL+"/api/v1/swarm/queue", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["queued"])
	assert.Equal(t, float64(1), body["dead_lettered"])
}

func TestRequeueDeadLetterRoute(t *testing.T) {
	fx := newServerFixture(t)
	fx.coord.requeued = 2

	resp, body := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/swarm/recovery/requeue-dead-letter",
		map[string]int{"limit": 10})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["requeued"])
}

func TestPlaceOrderRunsPipeline(t *testing.T) {
	fx := newServerFixture(t)

	resp, body := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/orders", map[string]interface{}{
		"idempotency_key": "api:buy:AAPL:1",
		"symbol":          "AAPL",
		"side":            "buy",
		"type":            "market",
		"asset_class":     "us_equity",
		"notional":        1500,
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotNil(t, body["submission"])

	require.Len(t, fx.pipe.keys, 1)
	assert.Equal(t, "api:buy:AAPL:1", fx.pipe.keys[0])
	assert.Equal(t, "api", fx.pipe.sources[0])
	assert.Equal(t, "AAPL", fx.pipe.params[0].Symbol)
	assert.Nil(t, fx.pipe.approvals[0])
}

func TestPlaceOrderWithApprovalToken(t *testing.T) {
	fx := newServerFixture(t)

	resp, _ := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/orders", map[string]interface{}{
		"idempotency_key": "api:buy:AAPL:2",
		"symbol":          "AAPL",
		"side":            "buy",
		"type":            "market",
		"asset_class":     "us_equity",
		"notional":        1500,
		"approval_token":  "tok",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, fx.pipe.approvals, 1)
	require.NotNil(t, fx.pipe.approvals[0])
	assert.Equal(t, "appr-1", *fx.pipe.approvals[0])
}

func TestPlaceOrderRejectsBadToken(t *testing.T) {
	fx := newServerFixture(t)
	fx.appr.err = faults.New(faults.Unauthorized, "approval token signature mismatch")

	resp, body := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/orders", map[string]interface{}{
		"idempotency_key": "api:buy:AAPL:3",
		"symbol":          "AAPL",
		"side":            "buy",
		"type":            "market",
		"asset_class":     "us_equity",
		"approval_token":  "forged",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, string(faults.Unauthorized), body["kind"])
	assert.Empty(t, fx.pipe.keys, "pipeline must not run on a bad token")
}

func TestFaultKindStatusMapping(t *testing.T) {
	cases := []struct {
		kind faults.Kind
		want int
	}{
		{faults.InvalidInput, http.StatusBadRequest},
		{faults.Unauthorized, http.StatusUnauthorized},
		{faults.NotFound, http.StatusNotFound},
		{faults.Conflict, http.StatusConflict},
		{faults.PolicyViolation, http.StatusConflict},
		{faults.MarketClosed, http.StatusConflict},
		{faults.InsufficientBuyingPower, http.StatusUnprocessableEntity},
		{faults.KillSwitchActive, http.StatusLocked},
		{faults.RateLimited, http.StatusTooManyRequests},
		{faults.NotSupported, http.StatusNotImplemented},
		{faults.ProviderError, http.StatusBadGateway},
		{faults.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(faults.New(tc.kind, "x")), string(tc.kind))
	}
}

func TestPlaceOrderMapsPipelineFaults(t *testing.T) {
	fx := newServerFixture(t)
	fx.pipe.err = faults.New(faults.KillSwitchActive, "kill switch engaged")

	resp, body := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/orders", map[string]interface{}{
		"idempotency_key": "api:buy:AAPL:4",
		"symbol":          "AAPL",
		"side":            "buy",
		"type":            "market",
		"asset_class":     "us_equity",
	})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, string(faults.KillSwitchActive), body["kind"])
}

func TestGetOrderRoutes(t *testing.T) {
	fx := newServerFixture(t)

	resp, _ := doJSON(t, http.MethodGet, fx.srv.URL+"/api/v1/orders/known", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, fx.srv.URL+"/api/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlertAcknowledgeRoutes(t *testing.T) {
	fx := newServerFixture(t)

	resp, _ := doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/alerts/known/ack",
		map[string]string{"by": "ops"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, fx.srv.URL+"/api/v1/alerts/unknown/ack",
		map[string]string{"by": "ops"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpointServes(t *testing.T) {
	fx := newServerFixture(t)

	resp, err := http.Get(fx.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
