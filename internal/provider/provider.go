package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

// ErrNeedsResync means the account's stored cursor is expired or invalid;
// incremental fetching cannot continue and the caller must establish a
// fresh baseline via Resync.
var ErrNeedsResync = errors.New("provider cursor expired, full resync required")

// TransientError covers network failures, timeouts, rate limits and 5xx
// responses. Safe to retry with backoff; never advances cursors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// AuthError means the provider rejected our credentials. The account must
// be suspended and reauthorized; other accounts are unaffected.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// PermanentError means the request itself is unacceptable (invalid
// recipient, rejected content). Terminal; never retried.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsAuth reports whether err means the account needs reauthorization
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

// Direction says which way a message travelled relative to the account
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// RawEvent is one provider message surfaced by an incremental fetch,
// before normalization
type RawEvent struct {
	ProviderMessageID string
	ThreadID          string
	Direction         Direction
	Timestamp         time.Time
	From              string
	Subject           string
	BodyText          string
	BodyHTML          string
	ContentRef        string // attachment/media reference, bodies are never stored
}

// ChangeSet is the result of one incremental fetch: the newly visible
// messages and the provider state the caller should persist after the
// chat-side writes succeed. No provider state is advanced by the fetch
// itself, so fetching twice with the same stored cursor is safe.
type ChangeSet struct {
	Events   []RawEvent
	NewState models.ProviderState
}

// OutboundMessage is an operator reply to dispatch
type OutboundMessage struct {
	To       string
	Subject  string
	Body     string
	ThreadID string // provider thread to reply within, if known
}

// Adapter is the uniform capability surface over one provider's API
type Adapter interface {
	// FetchIncrementalChanges returns messages that became visible since
	// the account's stored cursor. Returns ErrNeedsResync when the cursor
	// is no longer usable.
	FetchIncrementalChanges(ctx context.Context, account *models.EmailAccount) (ChangeSet, error)

	// Resync establishes a fresh baseline cursor from the provider's
	// current state, without backfilling history
	Resync(ctx context.Context, account *models.EmailAccount) (models.ProviderState, error)

	// RenewWatch (re)establishes the push subscription. Idempotent:
	// renewing a fresh subscription simply extends its expiration.
	RenewWatch(ctx context.Context, account *models.EmailAccount) (models.ProviderState, error)

	// SendMessage dispatches an outbound email and returns the provider's
	// message id. Callers serialize sends per chat; calling twice for the
	// same logical send risks duplicate delivery.
	SendMessage(ctx context.Context, account *models.EmailAccount, msg OutboundMessage) (string, error)
}

// Registry maps provider tags to adapters
type Registry map[models.Provider]Adapter

// For returns the adapter for an account's provider
func (r Registry) For(account *models.EmailAccount) (Adapter, error) {
	adapter, ok := r[account.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", account.Provider)
	}
	return adapter, nil
}
