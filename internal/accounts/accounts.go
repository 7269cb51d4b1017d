package accounts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/krsnalabs/booking-automation/internal/database"
	"github.com/krsnalabs/booking-automation/internal/secrets"
	"github.com/krsnalabs/booking-automation/pkg/models"
)

// Service handles email-account onboarding and reauthorization. The OAuth
// consent flow itself is external; this service receives its output (a
// refresh token) and stores it encrypted.
type Service struct {
	db     *database.DB
	cipher *secrets.Cipher
	logger *slog.Logger
}

// NewService creates a Service
func NewService(db *database.DB, cipher *secrets.Cipher, logger *slog.Logger) *Service {
	return &Service{db: db, cipher: cipher, logger: logger.With("component", "accounts")}
}

// Create registers a provider account. The initial provider state may be
// zero; the watch manager establishes the subscription and the first sync
// establishes the baseline cursor.
func (s *Service) Create(ctx context.Context, ownerID string, prov models.Provider, address, refreshToken, scope string, state models.ProviderState) (*models.EmailAccount, error) {
	if !state.IsZero() {
		if err := state.Validate(prov); err != nil {
			return nil, err
		}
	}

	encrypted, err := s.cipher.Encrypt(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	account := &models.EmailAccount{
		OwnerID:      ownerID,
		Provider:     prov,
		EmailAddress: address,
		RefreshToken: encrypted,
		Scope:        scope,
		State:        state,
		Status:       models.AccountActive,
	}
	if err := s.db.CreateEmailAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("email account onboarded", "account_id", account.ID, "provider", prov, "email", address)
	return account, nil
}

// Reauthorize stores a fresh refresh token and resets a suspended or
// failed account to active, resuming its ingestion and renewals
func (s *Service) Reauthorize(ctx context.Context, accountID int64, refreshToken string) (*models.EmailAccount, error) {
	account, err := s.db.GetEmailAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.cipher.Encrypt(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	if err := s.db.UpdateRefreshToken(ctx, accountID, encrypted); err != nil {
		return nil, err
	}
	if err := s.db.SetAccountStatus(ctx, accountID, models.AccountActive); err != nil {
		return nil, err
	}

	s.logger.Info("email account reauthorized", "account_id", accountID, "previous_status", account.Status)
	return s.db.GetEmailAccount(ctx, accountID)
}
