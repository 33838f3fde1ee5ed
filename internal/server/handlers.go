package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradehive/tradehive/internal/execution"
	"github.com/tradehive/tradehive/internal/faults"
	"github.com/tradehive/tradehive/internal/swarm"
)

const (
	maxPollLimit  = 100
	defaultLimit  = 50
	maxListLimit  = 500
	defaultSource = "api"
)

// statusFor maps a fault kind onto an HTTP status. This table is the only
// place in the repo where kinds become status codes.
func statusFor(err error) int {
	switch faults.KindOf(err) {
	case faults.InvalidInput:
		return http.StatusBadRequest
	case faults.Unauthorized:
		return http.StatusUnauthorized
	case faults.NotFound:
		return http.StatusNotFound
	case faults.Conflict, faults.PolicyViolation, faults.MarketClosed:
		return http.StatusConflict
	case faults.InsufficientBuyingPower:
		return http.StatusUnprocessableEntity
	case faults.KillSwitchActive:
		return http.StatusLocked
	case faults.RateLimited:
		return http.StatusTooManyRequests
	case faults.NotSupported:
		return http.StatusNotImplemented
	case faults.ProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	kind := faults.KindOf(err)
	if kind == "" {
		kind = faults.Internal
	}
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": kind})
}

func limitQuery(c *gin.Context, def, max int) int {
	limit := def
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func agentID(c *gin.Context) (swarm.AgentID, bool) {
	id, err := swarm.ParseAgentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": faults.InvalidInput})
		return swarm.AgentID{}, false
	}
	return id, true
}

func (s *Server) handleHealth(c *gin.Context) {
	agents, err := s.d.Coordinator.Agents(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"environment": s.d.Environment,
		"agents":      len(agents),
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.d.Coordinator.Agents(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleAgentState(c *gin.Context) {
	id, ok := agentID(c)
	if !ok {
		return
	}
	state, err := s.d.Runtime.State(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": id.String(), "state": state})
}

type messageRequest struct {
	Topic   string          `json:"topic" binding:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleAgentMessage sends a COMMAND to a hosted agent and relays its
// response. The operator surface addresses agents directly; replies come
// back synchronously through the actor.
func (s *Server) handleAgentMessage(c *gin.Context) {
	id, ok := agentID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Wrap(err, faults.InvalidInput, "decode message request"))
		return
	}
	var payload interface{}
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	resp, err := s.d.Runtime.Call(c.Request.Context(), swarm.RegistryID(), id, req.Topic, payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": id.String(), "topic": req.Topic, "response": resp})
}

func (s *Server) handleAgentPoll(c *gin.Context) {
	id, ok := agentID(c)
	if !ok {
		return
	}
	limit := limitQuery(c, defaultLimit, maxPollLimit)
	msgs, err := s.d.Coordinator.Poll(c.Request.Context(), id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type topicRequest struct {
	Topic string `json:"topic" binding:"required"`
}

func (s *Server) handleAgentSubscribe(c *gin.Context) {
	id, ok := agentID(c)
	if !ok {
		return
	}
	var req topicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Wrap(err, faults.InvalidInput, "decode subscribe request"))
		return
	}
	if err := s.d.Coordinator.Subscribe(c.Request.Context(), id, req.Topic); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": req.Topic})
}

func (s *Server) handleAgentUnsubscribe(c *gin.Context) {
	id, ok := agentID(c)
	if !ok {
		return
	}
	var req topicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Wrap(err, faults.InvalidInput, "decode unsubscribe request"))
		return
	}
	if err := s.d.Coordinator.Unsubscribe(c.Request.Context(), id, req.Topic); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unsubscribed": req.Topic})
}

func (s *Server) handleQueueState(c *gin.Context) {
	qs, err := s.d.Coordinator.QueueState(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, qs)
}

func (s *Server) handleSubscriptions(c *gin.Context) {
	subs, err := s.d.Coordinator.Subscriptions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make(map[string][]string, len(subs))
	for topic, ids := range subs {
		for _, id := range ids {
			out[topic] = append(out[topic], id.String())
		}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

type limitRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		s.fail(c, faults.Wrap(err, faults.InvalidInput, "decode dispatch request"))
		return
	}
	res, err := s.d.Coordinator.Dispatch(c.Request.Context(), req.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRequeueDeadLetter(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		s.fail(c, faults.Wrap(err, faults.InvalidInput, "decode requeue request"))
		return
	}
	n, err := s.d.Coordinator.RequeueDeadLetter(c.Request.Context(), req.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

type orderRequest struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	Source         string `json:"source"`
	ApprovalToken  string `json:"approval_token,omitempty"`
	execution.Params
}

// handlePlaceOrder runs the idempotent pipeline. An approval token, when
// supplied, is validated first so a forged or expired token never reaches
// the broker path.
func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Wrap(err, faults.InvalidInput, "decode order request"))
		return
	}
	source := req.Source
	if source == "" {
		source = defaultSource
	}

	var approvalID *string
	if req.ApprovalToken != "" {
		grant, err := s.d.Approvals.Validate(c.Request.Context(), req.ApprovalToken)
		if err != nil {
			s.fail(c, err)
			return
		}
		approvalID = &grant.ID
	}

	sub, err := s.d.Pipeline.Execute(c.Request.Context(), source, req.IdempotencyKey, req.Params, approvalID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"submission": sub})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	sub, err := s.d.Submissions.GetByKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if sub == nil {
		s.fail(c, faults.New(faults.NotFound, "no submission for key %q", c.Param("key")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"submission": sub})
}

func (s *Server) handleListTrades(c *gin.Context) {
	limit := limitQuery(c, defaultLimit, maxListLimit)
	trades, err := s.d.Trades.ListRecent(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

type approvalRequest struct {
	Preview      json.RawMessage `json:"preview" binding:"required"`
	PolicyResult json.RawMessage `json:"policy_result,omitempty"`
	TTLSeconds   int             `json:"ttl_s,omitempty"`
}

func (s *Server) handleCreateApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Wrap(err, faults.InvalidInput, "decode approval request"))
		return
	}
	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	grant, err := s.d.Approvals.Generate(c.Request.Context(), req.Preview, req.PolicyResult, ttl)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, grant)
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handleValidateApproval(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Wrap(err, faults.InvalidInput, "decode token request"))
		return
	}
	appr, err := s.d.Approvals.Validate(c.Request.Context(), req.Token)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         appr.ID,
		"state":      appr.State,
		"expires_at": appr.ExpiresAt,
	})
}

func (s *Server) handleListAlertEvents(c *gin.Context) {
	limit := limitQuery(c, defaultLimit, maxListLimit)
	events, err := s.d.AlertEvents.ListRecent(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type ackRequest struct {
	By string `json:"by" binding:"required"`
}

func (s *Server) handleAckAlertEvent(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Wrap(err, faults.InvalidInput, "decode ack request"))
		return
	}
	ok, err := s.d.AlertEvents.Acknowledge(c.Request.Context(), c.Param("id"), req.By, s.d.Clock.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		s.fail(c, faults.New(faults.NotFound, "alert event %q missing or already acknowledged", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}
