package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/db"
	"github.com/tradehive/tradehive/internal/kv"
	"github.com/tradehive/tradehive/internal/metrics"
)

// Channel delivers one alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// EventSink persists alert events. *db.AlertEventRepo satisfies it.
type EventSink interface {
	Insert(ctx context.Context, ev *db.AlertEvent) (bool, error)
}

// NotifierConfig tunes dedupe and per-channel rate limiting.
type NotifierConfig struct {
	DedupeWindow    time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// DefaultNotifierConfig returns the shipped notifier tuning.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		DedupeWindow:    30 * time.Minute,
		RateLimitWindow: time.Hour,
		RateLimitMax:    20,
	}
}

// Clamp bounds the windows to at least a minute and the per-window cap
// to at least one delivery.
func (c NotifierConfig) Clamp() NotifierConfig {
	if c.DedupeWindow < time.Minute {
		c.DedupeWindow = time.Minute
	}
	if c.RateLimitWindow < time.Minute {
		c.RateLimitWindow = time.Minute
	}
	if c.RateLimitMax < 1 {
		c.RateLimitMax = 1
	}
	return c
}

// Summary reports one Notify pass. Attempted and Deduped count alerts;
// Sent, RateLimited and Failed count channel deliveries.
type Summary struct {
	Attempted   int `json:"attempted"`
	Sent        int `json:"sent"`
	Deduped     int `json:"deduped"`
	RateLimited int `json:"rate_limited"`
	Failed      int `json:"failed"`
}

// Notifier fans alerts out to the configured channels with store-backed
// dedupe and per-channel rate limits.
type Notifier struct {
	channels []Channel
	store    kv.Store
	sink     EventSink
	clk      clock.Clock
	cfg      NotifierConfig
	log      zerolog.Logger
	metrics  *metrics.AlertMetrics
}

// NewNotifier builds the notifier. sink may be nil when event persistence
// is not wired (tests, dry runs).
func NewNotifier(channels []Channel, store kv.Store, sink EventSink, clk clock.Clock, cfg NotifierConfig, logger zerolog.Logger) *Notifier {
	return &Notifier{
		channels: channels,
		store:    store,
		sink:     sink,
		clk:      clk,
		cfg:      cfg.Clamp(),
		log:      logger.With().Str("component", "alerting").Logger(),
		metrics:  metrics.Alerts(),
	}
}

// Notify persists and delivers the alerts. It never returns an error:
// every failure is counted, logged and absorbed here, because a broken
// alert channel must not break the loop that detected the condition.
//
// The dedupe key is written only after at least one channel accepted the
// alert, so a fully rate-limited or failed pass stays eligible for the
// next evaluation.
func (n *Notifier) Notify(ctx context.Context, events []Event) Summary {
	var sum Summary
	for _, ev := range events {
		sum.Attempted++
		n.persist(ctx, ev)

		dedupeKey := "dedupe:" + ev.Fingerprint
		if _, seen := n.store.Get(ctx, dedupeKey); seen {
			sum.Deduped++
			n.metrics.Dispatch.WithLabelValues(metrics.AlertDeduped).Inc()
			continue
		}

		accepted := false
		for _, ch := range n.channels {
			if !n.allow(ctx, ch.Name()) {
				sum.RateLimited++
				n.metrics.Dispatch.WithLabelValues(metrics.AlertRateLimited).Inc()
				continue
			}
			if err := ch.Send(ctx, ev); err != nil {
				sum.Failed++
				n.metrics.Dispatch.WithLabelValues(metrics.AlertFailed).Inc()
				n.log.Warn().Err(err).
					Str("channel", ch.Name()).
					Str("rule", ev.RuleID).
					Msg("Alert delivery failed")
				continue
			}
			accepted = true
			sum.Sent++
			n.metrics.Dispatch.WithLabelValues(metrics.AlertSent).Inc()
		}

		if accepted {
			n.store.Put(ctx, dedupeKey, ev.ID, n.cfg.DedupeWindow)
		}
	}
	return sum
}

// allow consumes one rate-limit slot for the channel's current window.
// The counter key embeds the window index, so stale windows expire on
// their own.
func (n *Notifier) allow(ctx context.Context, channel string) bool {
	window := clock.NowMs(n.clk) / n.cfg.RateLimitWindow.Milliseconds()
	key := fmt.Sprintf("ratelimit:%s:%d", channel, window)
	count := n.store.Incr(ctx, key, n.cfg.RateLimitWindow)
	if count == 0 {
		// Store unavailable. Deliver anyway; duplicates beat silence.
		return true
	}
	return count <= int64(n.cfg.RateLimitMax)
}

func (n *Notifier) persist(ctx context.Context, ev Event) {
	if n.sink == nil {
		return
	}
	var details json.RawMessage
	if len(ev.Details) > 0 {
		if raw, err := json.Marshal(ev.Details); err == nil {
			details = raw
		}
	}
	row := &db.AlertEvent{
		ID:          ev.ID,
		RuleID:      ev.RuleID,
		Severity:    string(ev.Severity),
		Title:       ev.Title,
		Message:     ev.Message,
		Fingerprint: ev.Fingerprint,
		DetailsJSON: details,
		OccurredAt:  time.UnixMilli(ev.OccurredAt).UTC(),
	}
	if _, err := n.sink.Insert(ctx, row); err != nil {
		n.log.Warn().Err(err).Str("event", ev.ID).Msg("Alert event not persisted")
	}
}
