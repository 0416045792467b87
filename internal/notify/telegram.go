package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"spot-trader/internal/config"
	"spot-trader/internal/security"
)

const telegramMaxLength = 4096

// telegramSender is the subset of tgbotapi.BotAPI used for delivery.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends notifications via a Telegram bot.
type TelegramNotifier struct {
	api     telegramSender
	chatID  int64
	token   string
	enabled bool
}

// NewTelegramNotifier authorizes the bot token against the Telegram API.
func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	if !cfg.Enabled || cfg.BotToken == "" || cfg.ChatID == 0 {
		return &TelegramNotifier{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		// tgbotapi errors carry the request URL, token included
		return nil, fmt.Errorf("failed to create telegram bot: %w", security.RedactError(err, cfg.BotToken))
	}
	t := newTelegramNotifier(bot, cfg.ChatID)
	t.token = cfg.BotToken
	return t, nil
}

func newTelegramNotifier(api telegramSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{api: api, chatID: chatID, enabled: api != nil && chatID != 0}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends a notification as one or more HTML messages.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))
	for _, part := range splitMessage(text, telegramMaxLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(t.chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.api.Send(msg); err != nil {
			return fmt.Errorf("sending telegram message: %w", security.RedactError(err, t.token))
		}
	}
	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// splitMessage breaks text on line boundaries into chunks of at most max bytes.
func splitMessage(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var parts []string
	var cur strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > max {
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
			parts = append(parts, line[:max])
			line = line[max:]
		}
		if cur.Len()+len(line) > max {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
