package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

// InsertEmailMessage inserts the idempotency record for a provider message.
// A conflict on (email_account_id, message_id) means the message was already
// processed; the caller gets ErrAlreadyExists and must treat it as a no-op,
// not a failure.
func (db *DB) InsertEmailMessage(ctx context.Context, msg *models.EmailMessage) error {
	query := `
		INSERT OR IGNORE INTO email_messages (email_account_id, chat_id, message_id, thread_id, status, error, sent_message_id, sender, recipient, subject, body, attempts, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		msg.EmailAccountID,
		msg.ChatID,
		msg.MessageID,
		msg.ThreadID,
		msg.Status,
		msg.Error,
		msg.SentMessageID,
		msg.Sender,
		msg.Recipient,
		msg.Subject,
		msg.Body,
		msg.Attempts,
		msg.NextRetryAt,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert email message: %w", err)
	}

	// Check if row was actually inserted (not ignored due to duplicate)
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return nil
}

// GetEmailMessage returns a message record by ID
func (db *DB) GetEmailMessage(ctx context.Context, id int64) (*models.EmailMessage, error) {
	var msg models.EmailMessage
	query := `SELECT * FROM email_messages WHERE id = ?`
	err := db.GetContext(ctx, &msg, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email message: %w", err)
	}
	return &msg, nil
}

// GetEmailMessageByKey returns a message record by its idempotency key
func (db *DB) GetEmailMessageByKey(ctx context.Context, accountID int64, messageID string) (*models.EmailMessage, error) {
	var msg models.EmailMessage
	query := `SELECT * FROM email_messages WHERE email_account_id = ? AND message_id = ?`
	err := db.GetContext(ctx, &msg, query, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email message: %w", err)
	}
	return &msg, nil
}

// MarkEmailMessageSent records a successful send. The temporary local key
// is replaced by the provider's message id so later inbound echoes of the
// send collide with this row instead of creating a duplicate.
func (db *DB) MarkEmailMessageSent(ctx context.Context, id int64, providerMessageID string) error {
	query := `UPDATE email_messages SET message_id = ?, sent_message_id = ?, status = ?, error = '', next_retry_at = NULL, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, providerMessageID, providerMessageID, models.StatusSent, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark email message sent: %w", err)
	}
	return nil
}

// MarkEmailMessageNeedsRetry records a transient send failure and its
// backoff deadline
func (db *DB) MarkEmailMessageNeedsRetry(ctx context.Context, id int64, errText string, attempts int, nextRetryAt time.Time) error {
	query := `UPDATE email_messages SET status = ?, error = ?, attempts = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, models.StatusNeedsRetry, errText, attempts, nextRetryAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark email message for retry: %w", err)
	}
	return nil
}

// MarkEmailMessageError records a terminal failure; the row is surfaced to
// the operator and never retried again
func (db *DB) MarkEmailMessageError(ctx context.Context, id int64, errText string) error {
	query := `UPDATE email_messages SET status = ?, error = ?, next_retry_at = NULL, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, models.StatusError, errText, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark email message errored: %w", err)
	}
	return nil
}

// MarkEmailMessageSkipped records a deliberately dropped event so the audit
// trail still shows it
func (db *DB) MarkEmailMessageSkipped(ctx context.Context, id int64, reason string) error {
	query := `UPDATE email_messages SET status = ?, error = ?, next_retry_at = NULL, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, models.StatusSkipped, reason, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark email message skipped: %w", err)
	}
	return nil
}

// ThreadForChat returns the provider thread a chat's email traffic lives
// in, so replies stay in the guest's existing conversation
func (db *DB) ThreadForChat(ctx context.Context, chatID int64) (string, error) {
	var threadID string
	query := `SELECT thread_id FROM email_messages WHERE chat_id = ? AND thread_id != '' ORDER BY id DESC LIMIT 1`
	err := db.GetContext(ctx, &threadID, query, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve thread for chat: %w", err)
	}
	return threadID, nil
}

// DueRetries returns needs_retry messages whose backoff deadline has passed
func (db *DB) DueRetries(ctx context.Context, now time.Time, limit int) ([]*models.EmailMessage, error) {
	var msgs []*models.EmailMessage
	query := `
		SELECT * FROM email_messages
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?
	`
	err := db.SelectContext(ctx, &msgs, query, models.StatusNeedsRetry, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due retries: %w", err)
	}
	return msgs, nil
}
