package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

// CreateEmailAccount creates a new email account. The refresh token must
// already be encrypted by the caller.
func (db *DB) CreateEmailAccount(ctx context.Context, account *models.EmailAccount) error {
	if account.Status == "" {
		account.Status = models.AccountActive
	}
	if !account.State.IsZero() {
		if err := account.State.Validate(account.Provider); err != nil {
			return fmt.Errorf("invalid provider state: %w", err)
		}
	}

	query := `
		INSERT INTO email_accounts (owner_id, provider, email_address, refresh_token, scope, provider_state, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		account.OwnerID,
		account.Provider,
		account.EmailAddress,
		account.RefreshToken,
		account.Scope,
		account.State,
		account.Status,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create email account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetEmailAccount returns an account by ID
func (db *DB) GetEmailAccount(ctx context.Context, id int64) (*models.EmailAccount, error) {
	var account models.EmailAccount
	query := `SELECT * FROM email_accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email account: %w", err)
	}
	return &account, nil
}

// GetEmailAccountByAddress returns an account by its email address
func (db *DB) GetEmailAccountByAddress(ctx context.Context, address string) (*models.EmailAccount, error) {
	var account models.EmailAccount
	query := `SELECT * FROM email_accounts WHERE email_address = ?`
	err := db.GetContext(ctx, &account, query, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email account: %w", err)
	}
	return &account, nil
}

// ListSyncableAccounts returns all accounts whose ingestion is not suspended
func (db *DB) ListSyncableAccounts(ctx context.Context) ([]*models.EmailAccount, error) {
	var accounts []*models.EmailAccount
	query := `SELECT * FROM email_accounts WHERE status IN ('active', 'pending_renewal')`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// GetEmailAccountBySubscriptionID resolves an Outlook account from the
// subscription id carried by a Graph change notification. The subscription
// id lives inside the provider-state document, so matching happens in Go.
func (db *DB) GetEmailAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*models.EmailAccount, error) {
	var accounts []*models.EmailAccount
	query := `SELECT * FROM email_accounts WHERE provider = 'outlook' AND provider_state IS NOT NULL`
	if err := db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to list outlook accounts: %w", err)
	}
	for _, account := range accounts {
		if account.State.Outlook != nil && account.State.Outlook.SubscriptionID == subscriptionID {
			return account, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateProviderState advances an account's provider state with
// compare-and-set semantics: the update applies only if the stored state
// still equals prev, so two concurrent syncs can never commit cursors out
// of order. Returns ErrStaleCursor when the stored state moved on.
func (db *DB) UpdateProviderState(ctx context.Context, id int64, prev, next models.ProviderState) error {
	nextVal, err := next.Value()
	if err != nil {
		return fmt.Errorf("failed to encode provider state: %w", err)
	}

	var result sql.Result
	now := time.Now()
	if prev.IsZero() {
		query := `UPDATE email_accounts SET provider_state = ?, updated_at = ? WHERE id = ? AND provider_state IS NULL`
		result, err = db.ExecContext(ctx, query, nextVal, now, id)
	} else {
		prevVal, perr := prev.Value()
		if perr != nil {
			return fmt.Errorf("failed to encode provider state: %w", perr)
		}
		query := `UPDATE email_accounts SET provider_state = ?, updated_at = ? WHERE id = ? AND provider_state = ?`
		result, err = db.ExecContext(ctx, query, nextVal, now, id, prevVal)
	}
	if err != nil {
		return fmt.Errorf("failed to update provider state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleCursor
	}
	return nil
}

// UpdateRefreshToken replaces the stored (encrypted) refresh token
func (db *DB) UpdateRefreshToken(ctx context.Context, id int64, encryptedToken string) error {
	query := `UPDATE email_accounts SET refresh_token = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, encryptedToken, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update refresh token: %w", err)
	}
	return nil
}

// SetAccountStatus sets the account status
func (db *DB) SetAccountStatus(ctx context.Context, id int64, status models.AccountStatus) error {
	query := `UPDATE email_accounts SET status = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return nil
}

// DeleteEmailAccount removes an account. EmailMessage audit rows survive
// with a NULL account reference.
func (db *DB) DeleteEmailAccount(ctx context.Context, id int64) error {
	query := `DELETE FROM email_accounts WHERE id = ?`
	_, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete email account: %w", err)
	}
	return nil
}
