package notify

import (
	"context"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

// Notifier surfaces terminal failures for operator attention. Transient
// failures never reach it.
type Notifier interface {
	// AccountFailed reports an account whose ingestion is now suspended
	// (renewal exhausted or credentials rejected)
	AccountFailed(ctx context.Context, account *models.EmailAccount, reason string)
	// SendFailed reports an outbound message that reached terminal error
	// status
	SendFailed(ctx context.Context, msg *models.EmailMessage, reason string)
}

// Nop is the Notifier used when no alert channel is configured
type Nop struct{}

func (Nop) AccountFailed(ctx context.Context, account *models.EmailAccount, reason string) {}
func (Nop) SendFailed(ctx context.Context, msg *models.EmailMessage, reason string)        {}
