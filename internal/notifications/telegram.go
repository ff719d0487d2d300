package notifications

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/quangdle/bybit-multistrat-bot/internal/events"
)

// Telegram pushes trading alerts to a chat via the Bot API. A nil
// notifier (empty token) is a no-op so call sites stay unconditional.
type Telegram struct {
	client *resty.Client
	token  string
	chatID string
	logger zerolog.Logger
}

// NewTelegram creates a notifier. Returns nil when token or chat id is
// empty, which disables notifications.
func NewTelegram(token, chatID string, logger zerolog.Logger) *Telegram {
	if token == "" || chatID == "" {
		return nil
	}
	client := resty.New().
		SetBaseURL("https://api.telegram.org/bot" + token).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second)
	return &Telegram{
		client: client,
		token:  token,
		chatID: chatID,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

// Send pushes one message. Errors are logged, never propagated: an
// alert failure must not disturb the trading loop.
func (t *Telegram) Send(text string) {
	if t == nil {
		return
	}
	resp, err := t.client.R().
		SetFormData(map[string]string{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		Post("/sendMessage")
	if err != nil {
		t.logger.Warn().Err(err).Msg("Telegram send failed")
		return
	}
	if resp.IsError() {
		t.logger.Warn().Int("status", resp.StatusCode()).Msg("Telegram rejected message")
	}
}

// Attach subscribes the notifier to the alert-worthy event types.
func (t *Telegram) Attach(bus *events.Bus) {
	if t == nil {
		return
	}
	bus.Subscribe(events.EmergencyStop, func(ev events.Event) {
		t.Send(fmt.Sprintf("🚨 <b>%s</b> emergency stop: %v", ev.Bot, ev.Data["reason"]))
	})
	bus.Subscribe(events.DealClosed, func(ev events.Event) {
		t.Send(fmt.Sprintf("💰 <b>%s</b> deal closed (%v)", ev.Bot, ev.Data["close_reason"]))
	})
	bus.Subscribe(events.OrderError, func(ev events.Event) {
		t.Send(fmt.Sprintf("⚠️ <b>%s</b> order error: %v", ev.Bot, ev.Data["error_kind"]))
	})
	bus.Subscribe(events.PhaseAdvanced, func(ev events.Event) {
		t.Send(fmt.Sprintf("📈 <b>%s</b> capital phase %v → %v", ev.Bot, ev.Data["from"], ev.Data["to"]))
	})
	bus.Subscribe(events.BotStateChanged, func(ev events.Event) {
		if ev.Data["to"] == "ERROR" {
			t.Send(fmt.Sprintf("🛑 <b>%s</b> entered ERROR state", ev.Bot))
		}
	})
}
