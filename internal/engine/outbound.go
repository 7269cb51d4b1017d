package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krsnalabs/booking-automation/internal/database"
	"github.com/krsnalabs/booking-automation/internal/provider"
	"github.com/krsnalabs/booking-automation/pkg/models"
)

// Dispatcher sends operator replies and tracks their delivery status.
// Sends for the same chat are serialized to preserve ordering as the guest
// sees it; different chats proceed concurrently. A separate sweep re-drives
// needs_retry rows past their backoff deadline.
type Dispatcher struct {
	db       *database.DB
	registry provider.Registry
	notifier notifierIface
	logger   *slog.Logger

	maxAttempts   int
	backoffBase   time.Duration
	backoffCap    time.Duration
	timeout       time.Duration
	sweepInterval time.Duration

	mu        sync.Mutex
	chatLocks map[int64]*sync.Mutex
}

// DispatcherOptions tunes outbound retry behavior
type DispatcherOptions struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	Timeout       time.Duration
	SweepInterval time.Duration
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 10 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	return o
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(db *database.DB, registry provider.Registry, notifier notifierIface, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		db:            db,
		registry:      registry,
		notifier:      notifier,
		logger:        logger.With("component", "dispatcher"),
		maxAttempts:   opts.MaxAttempts,
		backoffBase:   opts.BackoffBase,
		backoffCap:    opts.BackoffCap,
		timeout:       opts.Timeout,
		sweepInterval: opts.SweepInterval,
		chatLocks:     make(map[int64]*sync.Mutex),
	}
}

func (d *Dispatcher) chatLock(chatID int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	mu, ok := d.chatLocks[chatID]
	if !ok {
		mu = &sync.Mutex{}
		d.chatLocks[chatID] = mu
	}
	return mu
}

// Run drives the retry sweep until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RetrySweep(ctx)
		}
	}
}

// Send dispatches an operator reply for a chat. The row is inserted with a
// locally-generated temporary key before any provider call, so the attempt
// is tracked even if the process dies mid-send.
func (d *Dispatcher) Send(ctx context.Context, chatID int64, recipient, subject, body string) (*models.EmailMessage, error) {
	if recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}

	account, err := d.db.EmailAccountForChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("no email account bound to chat %d: %w", chatID, err)
	}

	threadID, err := d.db.ThreadForChat(ctx, chatID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	lock := d.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	rec := &models.EmailMessage{
		EmailAccountID: sql.NullInt64{Int64: account.ID, Valid: true},
		ChatID:         sql.NullInt64{Int64: chatID, Valid: true},
		MessageID:      "pending:" + uuid.NewString(),
		ThreadID:       threadID,
		Status:         models.StatusNeedsRetry,
		Recipient:      recipient,
		Subject:        subject,
		Body:           body,
	}
	if err := d.db.InsertEmailMessage(ctx, rec); err != nil {
		return nil, err
	}

	// The operator's reply shows up in the chat regardless of delivery
	// outcome; the email_messages row carries the delivery status.
	if _, err := d.db.AppendChatMessage(ctx, chatID, false, body, ""); err != nil {
		return nil, err
	}

	d.attempt(ctx, account, rec)
	return d.db.GetEmailMessage(ctx, rec.ID)
}

// attempt performs one send attempt and advances the row's status. The
// caller holds the chat lock.
func (d *Dispatcher) attempt(ctx context.Context, account *models.EmailAccount, rec *models.EmailMessage) {
	adapter, err := d.registry.For(account)
	if err != nil {
		d.markError(ctx, rec, err.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	providerID, err := adapter.SendMessage(callCtx, account, provider.OutboundMessage{
		To:       rec.Recipient,
		Subject:  rec.Subject,
		Body:     rec.Body,
		ThreadID: rec.ThreadID,
	})
	cancel()

	switch {
	case err == nil:
		// If sync already ingested the provider's copy of this send, the
		// provider id is taken; keep this row as a skipped audit record
		// instead of violating the unique key.
		if existing, gerr := d.db.GetEmailMessageByKey(ctx, account.ID, providerID); gerr == nil && existing.ID != rec.ID {
			if merr := d.db.MarkEmailMessageSkipped(ctx, rec.ID, "provider message "+providerID+" already recorded by sync"); merr != nil {
				d.logger.Error("failed to mark message skipped", "id", rec.ID, "error", merr)
			}
			return
		}
		if merr := d.db.MarkEmailMessageSent(ctx, rec.ID, providerID); merr != nil {
			d.logger.Error("failed to mark message sent", "id", rec.ID, "error", merr)
			return
		}
		d.logger.Info("reply sent", "id", rec.ID, "provider_message_id", providerID)

	case provider.IsTransient(err):
		attempts := rec.Attempts + 1
		if attempts >= d.maxAttempts {
			d.markError(ctx, rec, fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, err))
			return
		}
		deadline := time.Now().Add(backoffDelay(d.backoffBase, d.backoffCap, attempts))
		if merr := d.db.MarkEmailMessageNeedsRetry(ctx, rec.ID, err.Error(), attempts, deadline); merr != nil {
			d.logger.Error("failed to schedule retry", "id", rec.ID, "error", merr)
			return
		}
		d.logger.Warn("send failed, scheduled for retry",
			"id", rec.ID, "attempt", attempts, "next_retry_at", deadline, "error", err)

	case provider.IsAuth(err):
		// Credentials are dead for the whole account, not just this send
		if serr := d.db.SetAccountStatus(ctx, account.ID, models.AccountSuspended); serr != nil {
			d.logger.Error("failed to suspend account", "account_id", account.ID, "error", serr)
		}
		d.notifier.AccountFailed(ctx, account, err.Error())
		d.markError(ctx, rec, err.Error())

	default:
		d.markError(ctx, rec, err.Error())
	}
}

func (d *Dispatcher) markError(ctx context.Context, rec *models.EmailMessage, reason string) {
	if err := d.db.MarkEmailMessageError(ctx, rec.ID, reason); err != nil {
		d.logger.Error("failed to mark message errored", "id", rec.ID, "error", err)
		return
	}
	d.notifier.SendFailed(ctx, rec, reason)
	d.logger.Error("reply delivery failed permanently", "id", rec.ID, "reason", reason)
}

// RetrySweep re-drives needs_retry rows whose backoff deadline has passed.
// Rows for different chats run concurrently.
func (d *Dispatcher) RetrySweep(ctx context.Context) {
	due, err := d.db.DueRetries(ctx, time.Now(), 50)
	if err != nil {
		d.logger.Error("retry sweep failed to list due messages", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, rec := range due {
		if !rec.EmailAccountID.Valid || !rec.ChatID.Valid {
			d.markError(ctx, rec, "orphaned retry row: account or chat reference lost")
			continue
		}
		wg.Add(1)
		go func(rec *models.EmailMessage) {
			defer wg.Done()
			account, err := d.db.GetEmailAccount(ctx, rec.EmailAccountID.Int64)
			if err != nil {
				d.logger.Error("retry sweep cannot load account", "id", rec.ID, "error", err)
				return
			}
			if account.Status == models.AccountSuspended {
				// Leave the row for after reauthorization
				return
			}
			lock := d.chatLock(rec.ChatID.Int64)
			lock.Lock()
			defer lock.Unlock()
			d.attempt(ctx, account, rec)
		}(rec)
	}
	wg.Wait()
}
