package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/krsnalabs/booking-automation/internal/database"
	"github.com/krsnalabs/booking-automation/internal/provider"
	"github.com/krsnalabs/booking-automation/pkg/models"
)

// WatchManager keeps every account's push subscription alive. It sweeps on
// a fixed cadence and renews subscriptions whose expiration falls inside
// the renewal window, well before expiry so retries have room. Renewal of
// one account never blocks another.
type WatchManager struct {
	db       *database.DB
	registry provider.Registry
	notifier notifierIface
	logger   *slog.Logger

	window        time.Duration
	sweepInterval time.Duration
	maxAttempts   int
	backoffBase   time.Duration
	backoffCap    time.Duration
	timeout       time.Duration
}

// WatchOptions tunes the renewal sweep
type WatchOptions struct {
	Window        time.Duration
	SweepInterval time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	Timeout       time.Duration
}

func (o WatchOptions) withDefaults() WatchOptions {
	if o.Window <= 0 {
		o.Window = 12 * time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 15 * time.Minute
	}
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
	return o
}

// NewWatchManager creates a WatchManager
func NewWatchManager(db *database.DB, registry provider.Registry, notifier notifierIface, opts WatchOptions, logger *slog.Logger) *WatchManager {
	opts = opts.withDefaults()
	return &WatchManager{
		db:            db,
		registry:      registry,
		notifier:      notifier,
		logger:        logger.With("component", "watch_manager"),
		window:        opts.Window,
		sweepInterval: opts.SweepInterval,
		maxAttempts:   opts.MaxAttempts,
		backoffBase:   opts.BackoffBase,
		backoffCap:    opts.BackoffCap,
		timeout:       opts.Timeout,
	}
}

// Run sweeps on the configured cadence until ctx is cancelled
func (w *WatchManager) Run(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep renews every account whose subscription expires inside the renewal
// window. Accounts are renewed concurrently and failures stay isolated.
func (w *WatchManager) Sweep(ctx context.Context) {
	accounts, err := w.db.ListSyncableAccounts(ctx)
	if err != nil {
		w.logger.Error("renewal sweep failed to list accounts", "error", err)
		return
	}

	deadline := time.Now().Add(w.window)
	var wg sync.WaitGroup
	for _, account := range accounts {
		if !account.State.IsZero() && account.State.Expiration().After(deadline) {
			continue
		}
		wg.Add(1)
		go func(account *models.EmailAccount) {
			defer wg.Done()
			w.renew(ctx, account)
		}(account)
	}
	wg.Wait()
}

// renew drives one account through PendingRenewal -> {Active, Failed}
func (w *WatchManager) renew(ctx context.Context, account *models.EmailAccount) {
	adapter, err := w.registry.For(account)
	if err != nil {
		w.logger.Error("cannot renew watch", "account_id", account.ID, "error", err)
		return
	}

	if err := w.db.SetAccountStatus(ctx, account.ID, models.AccountPendingRenewal); err != nil {
		w.logger.Error("failed to mark account pending renewal", "account_id", account.ID, "error", err)
		return
	}

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, w.timeout)
		renewed, err := adapter.RenewWatch(callCtx, account)
		cancel()

		switch {
		case err == nil:
			if err := w.commitRenewal(ctx, account, renewed); err != nil {
				w.logger.Error("failed to persist renewed subscription", "account_id", account.ID, "error", err)
				break
			}
			if err := w.db.SetAccountStatus(ctx, account.ID, models.AccountActive); err != nil {
				w.logger.Error("failed to reactivate account", "account_id", account.ID, "error", err)
			}
			w.logger.Info("watch renewed",
				"account_id", account.ID, "expires", renewed.Expiration())
			return
		case provider.IsAuth(err):
			if serr := w.db.SetAccountStatus(ctx, account.ID, models.AccountSuspended); serr != nil {
				w.logger.Error("failed to suspend account", "account_id", account.ID, "error", serr)
			}
			w.notifier.AccountFailed(ctx, account, err.Error())
			return
		default:
			w.logger.Warn("watch renewal attempt failed",
				"account_id", account.ID, "attempt", attempt, "error", err)
		}

		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay(w.backoffBase, w.backoffCap, attempt)):
		}
	}

	if err := w.db.SetAccountStatus(ctx, account.ID, models.AccountFailed); err != nil {
		w.logger.Error("failed to mark account failed", "account_id", account.ID, "error", err)
	}
	w.notifier.AccountFailed(ctx, account, fmt.Sprintf("watch renewal exhausted after %d attempts", w.maxAttempts))
}

// commitRenewal persists the renewed subscription fields without clobbering
// a cursor a concurrent sync may have advanced in the meantime
func (w *WatchManager) commitRenewal(ctx context.Context, account *models.EmailAccount, renewed models.ProviderState) error {
	prev := account.State
	for i := 0; i < 3; i++ {
		next := mergeRenewal(prev, renewed)
		err := w.db.UpdateProviderState(ctx, account.ID, prev, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrStaleCursor) {
			return err
		}
		fresh, gerr := w.db.GetEmailAccount(ctx, account.ID)
		if gerr != nil {
			return gerr
		}
		prev = fresh.State
	}
	return database.ErrStaleCursor
}

// mergeRenewal overlays subscription fields from renewed onto the current
// state, keeping whichever cursor is further along
func mergeRenewal(current, renewed models.ProviderState) models.ProviderState {
	switch {
	case renewed.Gmail != nil:
		next := *renewed.Gmail
		if current.Gmail != nil && current.Gmail.LastHistoryID > next.LastHistoryID {
			next.LastHistoryID = current.Gmail.LastHistoryID
		}
		return models.ProviderState{Gmail: &next}
	case renewed.Outlook != nil:
		next := *renewed.Outlook
		if current.Outlook != nil && current.Outlook.DeltaToken != "" {
			next.DeltaToken = current.Outlook.DeltaToken
		}
		return models.ProviderState{Outlook: &next}
	}
	return current
}
