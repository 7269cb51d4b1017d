package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

// Telegram delivers operator alerts to a Telegram chat
type Telegram struct {
	bot    *bot.Bot
	chatID int64
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{
		bot:    b,
		chatID: chatID,
		logger: logger.With("component", "notify"),
	}, nil
}

// AccountFailed alerts the operator that an account needs attention
func (t *Telegram) AccountFailed(ctx context.Context, account *models.EmailAccount, reason string) {
	text := fmt.Sprintf("⚠️ Email account %s (%s) suspended: %s", account.EmailAddress, account.Provider, reason)
	t.send(text)
}

// SendFailed alerts the operator about an undeliverable reply
func (t *Telegram) SendFailed(ctx context.Context, msg *models.EmailMessage, reason string) {
	text := fmt.Sprintf("⚠️ Reply to %s could not be delivered: %s", msg.Recipient, reason)
	t.send(text)
}

func (t *Telegram) send(text string) {
	// Alerts must not block or fail the engine's own error path
	apiCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := t.bot.SendMessage(apiCtx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   text,
	})
	if err != nil {
		t.logger.Error("failed to deliver operator alert", "error", err)
	}
}
