// Package llm is the chat-completion client the analysis agents reason
// through. It speaks the OpenAI wire shape against any compatible
// gateway, paces its own requests, and classifies gateway failures into
// the shared fault taxonomy so callers can tell a bad key from a busy
// venue.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
)

// Config controls the gateway endpoint and request pacing.
type Config struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`

	Timeout time.Duration `mapstructure:"timeout"`

	// RequestsPerMinute throttles outbound calls client-side so one
	// chatty cycle cannot burn through the gateway quota. Zero keeps
	// the default.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	Burst             int     `mapstructure:"burst"`
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080/v1"
	}
	if c.Model == "" {
		c.Model = "default"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
}

// Client talks to one chat-completions gateway.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	clk     clock.Clock
	log     zerolog.Logger

	mu              sync.Mutex
	lastAuthFailure time.Time
}

// New builds a client. Missing config fields take conservative defaults.
func New(cfg Config, clk clock.Clock, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), cfg.Burst),
		clk:     clk,
		log:     logger.With().Str("component", "llm").Str("model", cfg.Model).Logger(),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// LastAuthFailure reports when the gateway last rejected our
// credentials; zero when it never has. The alert engine watches this.
func (c *Client) LastAuthFailure() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAuthFailure
}

func (c *Client) markAuthFailure() {
	c.mu.Lock()
	c.lastAuthFailure = c.clk.Now()
	c.mu.Unlock()
}

// Complete sends one chat request and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, faults.New(faults.InvalidInput, "completion request has no messages")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm request pacing: %w", err)
	}

	wire := wireRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if req.Temperature > 0 {
		wire.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		wire.MaxTokens = req.MaxTokens
	}
	if req.ResponseFormat != "" {
		wire.ResponseFormat = &wireResponseFormat{Type: req.ResponseFormat}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, faults.Provider(err, true, "llm gateway unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, faults.Provider(err, true, "read llm response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp.StatusCode, raw)
	}

	var parsed wireResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, faults.Provider(err, false, "malformed llm response")
	}
	if len(parsed.Choices) == 0 {
		return nil, faults.New(faults.ProviderError, "llm response has no choices")
	}

	choice := parsed.Choices[0]
	c.log.Debug().
		Dur("elapsed", time.Since(start)).
		Int("total_tokens", parsed.Usage.TotalTokens).
		Str("finish_reason", choice.FinishReason).
		Msg("Completion returned")

	return &Response{
		Content:      choice.Message.Content,
		Model:        parsed.Model,
		FinishReason: choice.FinishReason,
		Usage:        parsed.Usage,
	}, nil
}

func (c *Client) classifyStatus(status int, raw []byte) error {
	detail := gatewayMessage(raw)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.markAuthFailure()
		c.log.Warn().Int("status", status).Msg("LLM gateway rejected credentials")
		return faults.New(faults.Unauthorized, "llm gateway rejected credentials (status %d): %s", status, detail)
	case status == http.StatusTooManyRequests:
		return faults.New(faults.RateLimited, "llm gateway throttled request: %s", detail)
	case status >= 500:
		return faults.Provider(fmt.Errorf("status %d: %s", status, detail), true, "llm gateway error")
	default:
		return faults.Provider(fmt.Errorf("status %d: %s", status, detail), false, "llm gateway rejected request")
	}
}

// gatewayMessage pulls the human-readable error out of an OpenAI-style
// error body, falling back to a trimmed raw snippet.
func gatewayMessage(raw []byte) string {
	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil && we.Error.Message != "" {
		return we.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "no detail"
	}
	return s
}
