package models

import (
	"database/sql"
	"time"
)

// EmailMessageStatus is the processing status of an email message record
type EmailMessageStatus string

const (
	StatusReceived   EmailMessageStatus = "received"
	StatusSent       EmailMessageStatus = "sent"
	StatusNeedsRetry EmailMessageStatus = "needs_retry"
	StatusSkipped    EmailMessageStatus = "skipped"
	StatusError      EmailMessageStatus = "error"
)

// EmailMessage is the durable idempotency and audit record for one provider
// message. The unique key (email_account_id, message_id) guarantees at most
// one record per provider message per account. Rows are created once and
// only ever advance their status; they are never deleted.
type EmailMessage struct {
	ID             int64              `db:"id"`
	EmailAccountID sql.NullInt64      `db:"email_account_id"`
	ChatID         sql.NullInt64      `db:"chat_id"`
	MessageID      string             `db:"message_id"` // provider id, or pending:<uuid> before a send completes
	ThreadID       string             `db:"thread_id"`
	Status         EmailMessageStatus `db:"status"`
	Error          string             `db:"error"`
	SentMessageID  string             `db:"sent_message_id"`

	// Sender address, recorded for inbound mail
	Sender string `db:"sender"`

	// Outbound payload, kept so the retry sweep can re-drive the send
	Recipient string `db:"recipient"`
	Subject   string `db:"subject"`
	Body      string `db:"body"`

	Attempts    int          `db:"attempts"`
	NextRetryAt sql.NullTime `db:"next_retry_at"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}
