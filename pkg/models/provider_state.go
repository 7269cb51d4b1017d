package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Provider identifies which email provider an account belongs to
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// GmailState is the provider state for Gmail accounts
type GmailState struct {
	LastHistoryID   uint64    `json:"lastHistoryId,string"` // baseline for the Gmail History API
	WatchExpiration time.Time `json:"watchExpiration"`
	TopicName       string    `json:"topicName"` // Pub/Sub topic receiving watch notifications
	LabelIDs        []string  `json:"labelIds,omitempty"`
}

// OutlookState is the provider state for Outlook accounts
type OutlookState struct {
	SubscriptionID         string    `json:"subscriptionId"`
	SubscriptionExpiration time.Time `json:"subscriptionExpiration"`
	DeltaToken             string    `json:"deltaToken"` // Graph delta token for message sync
	Resource               string    `json:"resource"`   // watched resource path
}

// ProviderState holds exactly one provider-specific state arm. The
// persisted form is a JSON document tagged with the provider name, so a
// Gmail document can never be read through the Outlook fields or vice
// versa.
type ProviderState struct {
	Gmail   *GmailState
	Outlook *OutlookState
}

type providerStateEnvelope struct {
	Provider Provider `json:"provider"`
	*GmailState
	*OutlookState
}

// IsZero reports whether no provider arm is set
func (s ProviderState) IsZero() bool {
	return s.Gmail == nil && s.Outlook == nil
}

// Provider returns the tag of the populated arm
func (s ProviderState) Provider() Provider {
	switch {
	case s.Gmail != nil:
		return ProviderGmail
	case s.Outlook != nil:
		return ProviderOutlook
	}
	return ""
}

// Validate checks that the populated arm matches the account's provider tag
func (s ProviderState) Validate(p Provider) error {
	if s.IsZero() {
		return fmt.Errorf("provider state is empty")
	}
	if s.Gmail != nil && s.Outlook != nil {
		return fmt.Errorf("provider state has both gmail and outlook arms")
	}
	if got := s.Provider(); got != p {
		return fmt.Errorf("provider state is %q, account is %q", got, p)
	}
	return nil
}

// Cursor returns the sync position in provider-agnostic form: the decimal
// history id for Gmail, the delta token for Outlook.
func (s ProviderState) Cursor() string {
	switch {
	case s.Gmail != nil:
		return fmt.Sprintf("%d", s.Gmail.LastHistoryID)
	case s.Outlook != nil:
		return s.Outlook.DeltaToken
	}
	return ""
}

// Expiration returns when the watch/subscription lapses
func (s ProviderState) Expiration() time.Time {
	switch {
	case s.Gmail != nil:
		return s.Gmail.WatchExpiration
	case s.Outlook != nil:
		return s.Outlook.SubscriptionExpiration
	}
	return time.Time{}
}

// CursorAdvances reports whether moving from prev to next keeps the cursor
// monotonically non-decreasing. Gmail history ids are numeric and compared
// directly; Outlook delta tokens are opaque, so any non-empty token is
// accepted.
func CursorAdvances(prev, next ProviderState) bool {
	if prev.IsZero() {
		return !next.IsZero()
	}
	if prev.Provider() != next.Provider() {
		return false
	}
	if prev.Gmail != nil {
		return next.Gmail.LastHistoryID >= prev.Gmail.LastHistoryID
	}
	return next.Outlook.DeltaToken != ""
}

func (s ProviderState) MarshalJSON() ([]byte, error) {
	if err := s.Validate(s.Provider()); err != nil {
		return nil, err
	}
	return json.Marshal(providerStateEnvelope{
		Provider:     s.Provider(),
		GmailState:   s.Gmail,
		OutlookState: s.Outlook,
	})
}

func (s *ProviderState) UnmarshalJSON(data []byte) error {
	var tag struct {
		Provider Provider `json:"provider"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag.Provider {
	case ProviderGmail:
		st := &GmailState{}
		if err := json.Unmarshal(data, st); err != nil {
			return err
		}
		*s = ProviderState{Gmail: st}
	case ProviderOutlook:
		st := &OutlookState{}
		if err := json.Unmarshal(data, st); err != nil {
			return err
		}
		*s = ProviderState{Outlook: st}
	default:
		return fmt.Errorf("unknown provider tag %q in provider state", tag.Provider)
	}
	return nil
}

// Value implements driver.Valuer so the state persists as a JSON document
func (s ProviderState) Value() (driver.Value, error) {
	if s.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (s *ProviderState) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = ProviderState{}
		return nil
	case string:
		return s.UnmarshalJSON([]byte(v))
	case []byte:
		return s.UnmarshalJSON(v)
	}
	return fmt.Errorf("cannot scan %T into ProviderState", src)
}
