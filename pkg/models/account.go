package models

import "time"

// AccountStatus tracks whether the engine may sync an account
type AccountStatus string

const (
	// AccountActive accounts are synced and renewed normally
	AccountActive AccountStatus = "active"
	// AccountPendingRenewal is set while a renewal attempt is in flight
	AccountPendingRenewal AccountStatus = "pending_renewal"
	// AccountFailed means watch renewal exhausted its attempts; ingestion
	// is suspended until the account is reset to active
	AccountFailed AccountStatus = "failed"
	// AccountSuspended means the provider rejected our credentials; the
	// account needs reauthorization
	AccountSuspended AccountStatus = "suspended"
)

// Syncable reports whether ingestion may run for an account in this status
func (s AccountStatus) Syncable() bool {
	return s == AccountActive || s == AccountPendingRenewal
}

// EmailAccount is a connected Gmail or Outlook account used to correspond
// with guests of a property
type EmailAccount struct {
	ID           int64         `db:"id"`
	OwnerID      string        `db:"owner_id"`
	Provider     Provider      `db:"provider"`
	EmailAddress string        `db:"email_address"`
	RefreshToken string        `db:"refresh_token"` // encrypted at rest
	Scope        string        `db:"scope"`
	State        ProviderState `db:"provider_state"`
	Status       AccountStatus `db:"status"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

// PropertyEmailAccount binds a property to the account used for its guests
type PropertyEmailAccount struct {
	ID             int64 `db:"id"`
	PropertyID     int64 `db:"property_id"`
	EmailAccountID int64 `db:"email_account_id"`
}
