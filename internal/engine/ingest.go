package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/krsnalabs/booking-automation/internal/database"
	"github.com/krsnalabs/booking-automation/internal/normalize"
	"github.com/krsnalabs/booking-automation/pkg/models"
)

// Ingestor commits canonical events as chat messages, exactly once per
// (account, provider message id).
type Ingestor struct {
	db     *database.DB
	logger *slog.Logger
}

// NewIngestor creates an Ingestor
func NewIngestor(db *database.DB, logger *slog.Logger) *Ingestor {
	return &Ingestor{db: db, logger: logger.With("component", "ingestor")}
}

// Ingest processes one canonical event. A unique-key conflict means the
// event was already processed and is silently absorbed. The chat-side
// write happens before the caller commits the cursor, so a failure here
// leaves the event to be refetched and retried safely.
func (g *Ingestor) Ingest(ctx context.Context, account *models.EmailAccount, ev normalize.InboundEmailEvent) error {
	rec := &models.EmailMessage{
		EmailAccountID: sql.NullInt64{Int64: account.ID, Valid: true},
		MessageID:      ev.ProviderMessageID,
		ThreadID:       ev.ThreadID,
		Status:         models.StatusReceived,
		Sender:         ev.From,
	}

	err := g.db.InsertEmailMessage(ctx, rec)
	if errors.Is(err, database.ErrAlreadyExists) {
		existing, gerr := g.db.GetEmailMessageByKey(ctx, account.ID, ev.ProviderMessageID)
		if gerr != nil {
			return fmt.Errorf("failed to load duplicate record: %w", gerr)
		}
		// A received row without a chat link is a previous run that
		// crashed between the insert and the chat write; finish its job.
		// Anything else is a genuine duplicate delivery.
		if existing.Status != models.StatusReceived || existing.ChatID.Valid {
			g.logger.Debug("duplicate event absorbed",
				"account_id", account.ID, "message_id", ev.ProviderMessageID)
			return nil
		}
		rec = existing
	} else if err != nil {
		return err
	}

	chatID, err := g.db.ResolveChatForThread(ctx, account, ev.ThreadID)
	if err != nil {
		return fmt.Errorf("failed to resolve chat: %w", err)
	}

	// One transaction: the chat message and the chat link land together,
	// so a crash can never leave a message the next refetch would repeat.
	if _, err := g.db.AppendEmailChatMessage(ctx, rec.ID, chatID, ev.FromGuest(), ev.Body, ev.ContentRef); err != nil {
		return err
	}

	g.logger.Info("ingested message",
		"account_id", account.ID, "message_id", ev.ProviderMessageID,
		"chat_id", chatID, "direction", ev.Direction)
	return nil
}
