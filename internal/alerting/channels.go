package alerting

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/faults"
)

// ConsoleChannel writes alerts to the structured log. Always configured;
// it is the floor that keeps alerts observable when every remote channel
// is down or unset.
type ConsoleChannel struct {
	log zerolog.Logger
}

func NewConsole(logger zerolog.Logger) *ConsoleChannel {
	return &ConsoleChannel{log: logger.With().Str("component", "alerting").Logger()}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(_ context.Context, ev Event) error {
	entry := c.log.Warn()
	if ev.Severity == SeverityCritical {
		entry = c.log.Error()
	}
	entry.
		Str("rule", ev.RuleID).
		Str("severity", string(ev.Severity)).
		Str("title", ev.Title).
		Msg(ev.Message)
	return nil
}

// DiscordChannel posts alerts to a Discord webhook.
type DiscordChannel struct {
	url    string
	client *resty.Client
}

func NewDiscord(url string, client *resty.Client) *DiscordChannel {
	return &DiscordChannel{url: url, client: client}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Send(ctx context.Context, ev Event) error {
	body := map[string]string{
		"content": fmt.Sprintf("%s **%s**\n%s", severityMarker(ev.Severity), ev.Title, ev.Message),
	}
	resp, err := d.client.R().SetContext(ctx).SetBody(body).Post(d.url)
	if err != nil {
		return faults.Provider(err, true, "discord webhook unreachable")
	}
	if resp.StatusCode() >= 300 {
		return faults.Provider(nil, resp.StatusCode() >= 500, "discord webhook returned %d", resp.StatusCode())
	}
	return nil
}

// WebhookChannel posts the full event JSON to a generic HTTP endpoint.
type WebhookChannel struct {
	url    string
	client *resty.Client
}

func NewWebhook(url string, client *resty.Client) *WebhookChannel {
	return &WebhookChannel{url: url, client: client}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, ev Event) error {
	resp, err := w.client.R().SetContext(ctx).SetBody(ev).Post(w.url)
	if err != nil {
		return faults.Provider(err, true, "alert webhook unreachable")
	}
	if resp.StatusCode() >= 300 {
		return faults.Provider(nil, resp.StatusCode() >= 500, "alert webhook returned %d", resp.StatusCode())
	}
	return nil
}

func severityMarker(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
