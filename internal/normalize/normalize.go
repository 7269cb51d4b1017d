package normalize

import (
	"log/slog"
	"time"

	"github.com/krsnalabs/booking-automation/internal/provider"
	"github.com/krsnalabs/booking-automation/pkg/models"
)

// InboundEmailEvent is the canonical, provider-agnostic form of one email
// message. Gmail thread ids and Outlook conversation ids both land in
// ThreadID.
type InboundEmailEvent struct {
	AccountID         int64
	ProviderMessageID string
	ThreadID          string
	Direction         provider.Direction
	Timestamp         time.Time
	From              string
	Subject           string
	Body              string
	ContentRef        string
}

// FromGuest reports whether the event should appear as a guest message in
// the chat
func (e InboundEmailEvent) FromGuest() bool {
	return e.Direction == provider.DirectionInbound
}

// Normalizer converts raw provider events into canonical events, collapsing
// redelivered duplicates within a batch and rendering bodies to plain text.
// Cross-batch deduplication belongs to the ingestion pipeline's unique key.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a Normalizer
func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With("component", "normalizer")}
}

// Normalize maps a fetched batch into canonical events, one per distinct
// provider message id, preserving batch order
func (n *Normalizer) Normalize(account *models.EmailAccount, raw []provider.RawEvent) []InboundEmailEvent {
	seen := make(map[string]bool, len(raw))
	events := make([]InboundEmailEvent, 0, len(raw))

	for _, r := range raw {
		if r.ProviderMessageID == "" {
			n.logger.Warn("dropping event without provider message id", "account_id", account.ID)
			continue
		}
		if seen[r.ProviderMessageID] {
			continue
		}
		seen[r.ProviderMessageID] = true

		body := r.BodyText
		if body == "" && r.BodyHTML != "" {
			rendered, err := RenderHTML(r.BodyHTML)
			if err != nil {
				n.logger.Warn("failed to render html body", "account_id", account.ID, "message_id", r.ProviderMessageID, "error", err)
			} else {
				body = rendered
			}
		}

		events = append(events, InboundEmailEvent{
			AccountID:         account.ID,
			ProviderMessageID: r.ProviderMessageID,
			ThreadID:          r.ThreadID,
			Direction:         r.Direction,
			Timestamp:         r.Timestamp,
			From:              r.From,
			Subject:           r.Subject,
			Body:              body,
			ContentRef:        r.ContentRef,
		})
	}

	return events
}
