// Package feeds adapts external news and social sources to the one
// shape the scout ingests. Two adapters cover the corpus of real
// sources: authenticated REST APIs returning JSON, and public RSS/Atom
// feeds. Source configuration decides which one a source gets; a source
// without API credentials always falls back to its public feed, and
// OAuth is never attempted without credentials.
package feeds

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tradehive/tradehive/internal/faults"
)

// Item is one normalized news entry. (Source, SourceID) is the dedupe
// key downstream.
type Item struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	Content  string `json:"content"`
}

// Feed is the capability the scout polls.
type Feed interface {
	Name() string
	Poll(ctx context.Context) ([]Item, error)
}

// SourceConfig describes one configured source. APIURL+APIKey select
// the JSON adapter; FeedURL alone selects the RSS fallback.
type SourceConfig struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`

	APIURL     string            `mapstructure:"api_url"`
	APIKey     string            `mapstructure:"api_key"`
	Query      map[string]string `mapstructure:"query"`
	ListField  string            `mapstructure:"list_field"`
	IDField    string            `mapstructure:"id_field"`
	TextFields []string          `mapstructure:"text_fields"`

	FeedURL string `mapstructure:"feed_url"`
}

// NewClient builds the HTTP client the adapters share. Polling is
// read-only, so transport-level retries are safe.
func NewClient(timeout time.Duration) *resty.Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
}

// Build turns a source config into the right adapter. A source with
// credentials uses its API; one without uses its public feed.
func Build(cfg SourceConfig, client *resty.Client, logger zerolog.Logger) (Feed, error) {
	switch {
	case cfg.APIURL != "" && cfg.APIKey != "":
		return NewJSON(JSONConfig{
			Name:       cfg.Name,
			URL:        cfg.APIURL,
			APIKey:     cfg.APIKey,
			Query:      cfg.Query,
			ListField:  cfg.ListField,
			IDField:    cfg.IDField,
			TextFields: cfg.TextFields,
		}, client, logger), nil
	case cfg.FeedURL != "":
		return NewRSS(cfg.Name, cfg.FeedURL, client, logger), nil
	default:
		return nil, faults.New(faults.InvalidInput, "source %s has no API credentials and no public feed URL", cfg.Name)
	}
}

// BuildAll builds adapters for every enabled source, skipping (and
// logging) sources that cannot be built so one bad entry does not take
// down ingestion.
func BuildAll(cfgs []SourceConfig, client *resty.Client, logger zerolog.Logger) []Feed {
	var out []Feed
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		f, err := Build(cfg, client, logger)
		if err != nil {
			logger.Warn().Err(err).Str("source", cfg.Name).Msg("Skipping misconfigured feed source")
			continue
		}
		out = append(out, f)
	}
	return out
}

// Poller polls a set of feeds under a shared request budget.
type Poller struct {
	feeds   []Feed
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewPoller paces polling at perMinute requests across all feeds.
func NewPoller(feedList []Feed, perMinute float64, logger zerolog.Logger) *Poller {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Poller{
		feeds:   feedList,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
		log:     logger.With().Str("component", "feeds").Logger(),
	}
}

// Poll pulls every feed once. Per-feed failures are collected, not
// fatal; the scout decides how loudly to complain.
func (p *Poller) Poll(ctx context.Context) ([]Item, map[string]error) {
	var items []Item
	errs := make(map[string]error)
	for _, f := range p.feeds {
		if err := p.limiter.Wait(ctx); err != nil {
			errs[f.Name()] = err
			break
		}
		got, err := f.Poll(ctx)
		if err != nil {
			p.log.Warn().Err(err).Str("source", f.Name()).Msg("Feed poll failed")
			errs[f.Name()] = err
			continue
		}
		items = append(items, got...)
	}
	return items, errs
}

// classifyStatus maps a feed host's HTTP rejection onto the shared
// fault taxonomy.
func classifyStatus(source string, status int, body string) error {
	if len(body) > 200 {
		body = body[:200]
	}
	switch {
	case status == 401 || status == 403:
		return faults.New(faults.Unauthorized, "feed %s rejected credentials (status %d): %s", source, status, body)
	case status == 429:
		return faults.New(faults.RateLimited, "feed %s throttled polling: %s", source, body)
	case status >= 500:
		return faults.Provider(nil, true, "feed %s host error (status %d): %s", source, status, body)
	default:
		return faults.Provider(nil, false, "feed %s rejected request (status %d): %s", source, status, body)
	}
}
