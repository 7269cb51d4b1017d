package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krsnalabs/booking-automation/internal/database"
	"github.com/krsnalabs/booking-automation/internal/provider"
	"github.com/krsnalabs/booking-automation/pkg/models"
)

// notifierIface is the slice of notify.Notifier the engine needs
type notifierIface interface {
	AccountFailed(ctx context.Context, account *models.EmailAccount, reason string)
	SendFailed(ctx context.Context, msg *models.EmailMessage, reason string)
}

// backoffDelay doubles the base delay per prior attempt, capped at ceiling
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Options tunes the whole engine
type Options struct {
	Workers      int
	SyncInterval time.Duration
	SyncTimeout  time.Duration
	Watch        WatchOptions
	Dispatch     DispatcherOptions
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 5 * time.Minute
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 2 * time.Minute
	}
	return o
}

// Engine owns the sync, renewal and outbound loops
type Engine struct {
	db         *database.DB
	syncer     *Syncer
	watch      *WatchManager
	dispatcher *Dispatcher
	logger     *slog.Logger

	syncInterval time.Duration
}

// New wires the engine from its collaborators
func New(db *database.DB, registry provider.Registry, notifier notifierIface, opts Options, logger *slog.Logger) *Engine {
	opts = opts.withDefaults()
	ingestor := NewIngestor(db, logger)
	return &Engine{
		db:           db,
		syncer:       NewSyncer(db, registry, ingestor, notifier, opts.Workers, opts.SyncTimeout, logger),
		watch:        NewWatchManager(db, registry, notifier, opts.Watch, logger),
		dispatcher:   NewDispatcher(db, registry, notifier, opts.Dispatch, logger),
		logger:       logger.With("component", "engine"),
		syncInterval: opts.SyncInterval,
	}
}

// Start opens sync admission. Callers that serve webhooks before Run
// should call it first so a push arriving during startup is not dropped;
// Run calls it again harmlessly.
func (e *Engine) Start(ctx context.Context) {
	e.syncer.Start(ctx)
}

// TriggerSync schedules an incremental sync for one account (push path)
func (e *Engine) TriggerSync(accountID int64) {
	e.syncer.TriggerSync(accountID)
}

// Send dispatches an operator reply for a chat
func (e *Engine) Send(ctx context.Context, chatID int64, recipient, subject, body string) (*models.EmailMessage, error) {
	return e.dispatcher.Send(ctx, chatID, recipient, subject, body)
}

// Run starts the renewal sweep, the retry sweep and the poll fallback, and
// blocks until ctx is cancelled. In-flight account syncs finish their
// current step before Run returns, so a cursor is never partially
// advanced.
func (e *Engine) Run(ctx context.Context) {
	e.syncer.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.watch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.pollLoop(ctx)
	}()

	wg.Wait()
	e.syncer.Wait()
	e.logger.Info("engine stopped")
}

// pollLoop is the fallback for missed push notifications: every account
// gets a periodic sync regardless of webhook traffic
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	e.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollAll(ctx)
		}
	}
}

func (e *Engine) pollAll(ctx context.Context) {
	accounts, err := e.db.ListSyncableAccounts(ctx)
	if err != nil {
		e.logger.Error("poll sweep failed to list accounts", "error", err)
		return
	}
	for _, account := range accounts {
		e.syncer.TriggerSync(account.ID)
	}
}
