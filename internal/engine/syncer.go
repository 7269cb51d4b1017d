package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/krsnalabs/booking-automation/internal/database"
	"github.com/krsnalabs/booking-automation/internal/normalize"
	"github.com/krsnalabs/booking-automation/internal/provider"
	"github.com/krsnalabs/booking-automation/pkg/models"
)

// Syncer drives the fetch → normalize → ingest → cursor-commit cycle. Work
// for a single account is strictly serialized; accounts run concurrently on
// a bounded worker pool. A trigger arriving while an account's sync is in
// flight coalesces into one follow-up sync.
type Syncer struct {
	db         *database.DB
	registry   provider.Registry
	normalizer *normalize.Normalizer
	ingestor   *Ingestor
	notifier   notifierIface
	logger     *slog.Logger
	timeout    time.Duration

	sem chan struct{}

	mu      sync.Mutex
	states  map[int64]*syncState
	mutexes map[int64]*sync.Mutex
	rootCtx context.Context
	wg      sync.WaitGroup
}

type syncState struct {
	busy    bool
	pending bool
}

// NewSyncer creates a Syncer with the given worker-pool size
func NewSyncer(db *database.DB, registry provider.Registry, ingestor *Ingestor, notifier notifierIface, workers int, timeout time.Duration, logger *slog.Logger) *Syncer {
	if workers < 1 {
		workers = 1
	}
	return &Syncer{
		db:         db,
		registry:   registry,
		normalizer: normalize.New(logger),
		ingestor:   ingestor,
		notifier:   notifier,
		logger:     logger.With("component", "syncer"),
		timeout:    timeout,
		sem:        make(chan struct{}, workers),
		states:     make(map[int64]*syncState),
		mutexes:    make(map[int64]*sync.Mutex),
	}
}

// Start sets the admission context; triggers arriving after it is
// cancelled are dropped
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()
}

// Wait blocks until all in-flight syncs have finished
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// TriggerSync schedules a sync for an account. If one is already running,
// a single follow-up sync is queued instead of starting a second one.
func (s *Syncer) TriggerSync(accountID int64) {
	s.mu.Lock()
	if s.rootCtx == nil || s.rootCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	st, ok := s.states[accountID]
	if !ok {
		st = &syncState{}
		s.states[accountID] = st
	}
	if st.busy {
		st.pending = true
		s.mu.Unlock()
		return
	}
	st.busy = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(accountID)
}

func (s *Syncer) run(accountID int64) {
	defer s.wg.Done()

	for {
		select {
		case s.sem <- struct{}{}:
		case <-s.rootCtx.Done():
			// Shutdown admits no new work
			s.finish(accountID, false)
			return
		}

		// The sync itself runs on a fresh context so shutdown never
		// severs an in-flight commit; admission is gated above.
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.SyncOnce(ctx, accountID)
		cancel()
		<-s.sem

		if err != nil {
			s.logger.Warn("account sync failed", "account_id", accountID, "error", err)
		}

		if !s.finish(accountID, err == nil) {
			return
		}
	}
}

// finish clears the busy flag; returns true if a coalesced follow-up
// should run
func (s *Syncer) finish(accountID int64, allowFollowUp bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[accountID]
	if allowFollowUp && st.pending && s.rootCtx.Err() == nil {
		st.pending = false
		return true
	}
	st.busy = false
	st.pending = false
	return false
}

func (s *Syncer) accountMutex(accountID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.mutexes[accountID]
	if !ok {
		mu = &sync.Mutex{}
		s.mutexes[accountID] = mu
	}
	return mu
}

// SyncOnce performs one full sync pass for an account: fetch incremental
// changes, ingest each event, then commit the advanced cursor. The cursor
// is committed only after every chat-side write succeeded, so a failure
// leaves the events to be refetched behind the idempotency key.
func (s *Syncer) SyncOnce(ctx context.Context, accountID int64) error {
	mu := s.accountMutex(accountID)
	mu.Lock()
	defer mu.Unlock()

	account, err := s.db.GetEmailAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Status.Syncable() {
		s.logger.Debug("skipping sync for non-syncable account", "account_id", accountID, "status", account.Status)
		return nil
	}

	adapter, err := s.registry.For(account)
	if err != nil {
		return err
	}

	cs, err := adapter.FetchIncrementalChanges(ctx, account)
	if errors.Is(err, provider.ErrNeedsResync) {
		return s.resync(ctx, adapter, account)
	}
	if err != nil {
		return s.classifyFailure(ctx, account, err)
	}

	events := s.normalizer.Normalize(account, cs.Events)
	for _, ev := range events {
		if err := s.ingestor.Ingest(ctx, account, ev); err != nil {
			return fmt.Errorf("ingest of %s failed, cursor not advanced: %w", ev.ProviderMessageID, err)
		}
	}

	if cs.NewState.IsZero() {
		return nil
	}
	if err := cs.NewState.Validate(account.Provider); err != nil {
		return fmt.Errorf("adapter returned invalid state: %w", err)
	}
	if !models.CursorAdvances(account.State, cs.NewState) {
		return fmt.Errorf("refusing cursor regression for account %d (%s -> %s)",
			account.ID, account.State.Cursor(), cs.NewState.Cursor())
	}
	if err := s.db.UpdateProviderState(ctx, account.ID, account.State, cs.NewState); err != nil {
		return err
	}

	s.logger.Info("sync committed",
		"account_id", account.ID, "events", len(events), "cursor", cs.NewState.Cursor())
	return nil
}

// resync establishes a fresh baseline cursor after the stored one expired.
// History between the two baselines is lost; log it loudly.
func (s *Syncer) resync(ctx context.Context, adapter provider.Adapter, account *models.EmailAccount) error {
	newState, err := adapter.Resync(ctx, account)
	if err != nil {
		return s.classifyFailure(ctx, account, err)
	}
	if err := newState.Validate(account.Provider); err != nil {
		return fmt.Errorf("adapter returned invalid resync state: %w", err)
	}
	if err := s.db.UpdateProviderState(ctx, account.ID, account.State, newState); err != nil {
		return err
	}
	s.logger.Warn("cursor expired, established fresh baseline",
		"account_id", account.ID, "cursor", newState.Cursor())
	return nil
}

// classifyFailure applies the error taxonomy: auth errors suspend the
// account and surface it; everything else is logged and retried invisibly
// on the next trigger or poll tick.
func (s *Syncer) classifyFailure(ctx context.Context, account *models.EmailAccount, err error) error {
	if provider.IsAuth(err) {
		if serr := s.db.SetAccountStatus(ctx, account.ID, models.AccountSuspended); serr != nil {
			s.logger.Error("failed to suspend account", "account_id", account.ID, "error", serr)
		}
		s.notifier.AccountFailed(ctx, account, err.Error())
		return fmt.Errorf("account %d suspended: %w", account.ID, err)
	}
	return err
}
