package alerting

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/faults"
)

// TelegramChannel sends alerts to one or more Telegram chats.
type TelegramChannel struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
	log     zerolog.Logger
}

// NewTelegram builds the channel. The constructor calls Telegram to
// validate the token, so it needs network access.
func NewTelegram(token string, chatIDs []int64, logger zerolog.Logger) (*TelegramChannel, error) {
	if token == "" {
		return nil, faults.New(faults.InvalidInput, "telegram token is required")
	}
	if len(chatIDs) == 0 {
		return nil, faults.New(faults.InvalidInput, "at least one telegram chat id is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot api: %w", err)
	}
	log := logger.With().Str("component", "alerting").Str("channel", "telegram").Logger()
	log.Info().Str("bot", api.Self.UserName).Int("chats", len(chatIDs)).Msg("Telegram channel ready")
	return &TelegramChannel{api: api, chatIDs: chatIDs, log: log}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Send delivers to every configured chat and fails only when none
// accepted the message.
func (t *TelegramChannel) Send(_ context.Context, ev Event) error {
	text := formatTelegram(ev)
	sent := 0
	var lastErr error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "Markdown"
		if _, err := t.api.Send(msg); err != nil {
			t.log.Warn().Err(err).Int64("chat_id", chatID).Msg("Telegram send failed")
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return faults.Provider(lastErr, true, "telegram rejected alert on every chat")
	}
	return nil
}

func formatTelegram(ev Event) string {
	text := fmt.Sprintf("%s *%s*\n\n%s", severityMarker(ev.Severity), ev.Title, ev.Message)
	if len(ev.Details) > 0 {
		text += "\n"
		for key, value := range ev.Details {
			text += fmt.Sprintf("\n• %s: `%v`", key, value)
		}
	}
	text += fmt.Sprintf("\n\n_%s_", time.UnixMilli(ev.OccurredAt).UTC().Format("2006-01-02 15:04:05"))
	return text
}
