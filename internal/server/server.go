// Package server is the HTTP surface over the swarm: agent message and
// state routes dispatched through the actor runtime, registry queue
// observability, and REST access to orders, trades, approvals, and alert
// events. Handlers translate; every operation lives in a core package.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/approval"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/config"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/execution"
	"github.com/tradehive/tradehive/internal/swarm"
)

// Runtime is the actor surface the server dispatches through.
// *agent.Runtime satisfies it.
type Runtime interface {
	Call(ctx context.Context, source, target swarm.AgentID, topic string, payload interface{}) (json.RawMessage, error)
	State(ctx context.Context, id swarm.AgentID) (interface{}, error)
}

// Coordinator is the registry slice the server needs.
// *agent.LocalCoordinator satisfies it.
type Coordinator interface {
	Subscribe(ctx context.Context, id swarm.AgentID, topic string) error
	Unsubscribe(ctx context.Context, id swarm.AgentID, topic string) error
	Poll(ctx context.Context, id swarm.AgentID, limit int) ([]*swarm.Message, error)
	QueueState(ctx context.Context) (swarm.QueueState, error)
	Agents(ctx context.Context) ([]swarm.AgentStatus, error)
	Subscriptions(ctx context.Context) (map[string][]swarm.AgentID, error)
	Dispatch(ctx context.Context, limit int) (swarm.DispatchResult, error)
	RequeueDeadLetter(ctx context.Context, limit int) (int, error)
}

// Executor submits orders. *execution.Pipeline satisfies it.
type Executor interface {
	Execute(ctx context.Context, source, key string, params execution.Params, approvalID *string) (*db.Submission, error)
}

// Approver mints and checks approval tokens. *approval.Service satisfies it.
type Approver interface {
	Generate(ctx context.Context, preview, policyResult interface{}, ttl time.Duration) (*approval.Grant, error)
	Validate(ctx context.Context, token string) (*db.Approval, error)
}

// TradeReader lists the trade ledger. *db.TradeRepo satisfies it.
type TradeReader interface {
	ListRecent(ctx context.Context, limit int) ([]db.Trade, error)
}

// SubmissionReader looks up order submissions. *db.SubmissionRepo
// satisfies it.
type SubmissionReader interface {
	GetByKey(ctx context.Context, key string) (*db.Submission, error)
}

// AlertEventStore serves the alert event feed. *db.AlertEventRepo
// satisfies it.
type AlertEventStore interface {
	ListRecent(ctx context.Context, limit int) ([]db.AlertEvent, error)
	Acknowledge(ctx context.Context, id, by string, at time.Time) (bool, error)
}

// Deps wires the server.
type Deps struct {
	Config      config.ServerConfig
	Environment string
	Runtime     Runtime
	Coordinator Coordinator
	Pipeline    Executor
	Approvals   Approver
	Trades      TradeReader
	Submissions SubmissionReader
	AlertEvents AlertEventStore
	Clock       clock.Clock
	Logger      zerolog.Logger
}

// Server owns the gin engine and its http.Server.
type Server struct {
	d      Deps
	router *gin.Engine
	http   *http.Server
	log    zerolog.Logger
}

// New builds the server and mounts every route.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	log := deps.Logger.With().Str("component", "server").Logger()
	router.Use(requestLogger(log))

	origins := deps.Config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{d: deps, router: router, log: log}
	s.setupRoutes()
	return s
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.d.Config.Host, s.d.Config.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.log.Info().Msg("HTTP server stopping")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.Info()
		if c.Writer.Status() >= 500 {
			entry = log.Error()
		}
		entry.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}
