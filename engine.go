// Package offsync is an offline-first synchronization engine. Mutations are
// applied to the local store optimistically and queued durably; a single
// coordinator pushes them to the server and pulls server changes back.
//
// Open wires the durable SQLite stores and the HTTP client from a
// config.Config. New accepts custom components.
package offsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/config"
	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/events"
	"github.com/c0deZ3R0/go-offline-sync/guest"
	"github.com/c0deZ3R0/go-offline-sync/idmap"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
	"github.com/c0deZ3R0/go-offline-sync/resolver"
	"github.com/c0deZ3R0/go-offline-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-offline-sync/transport/httptransport"
	"github.com/c0deZ3R0/go-offline-sync/transport/sse"
	"github.com/c0deZ3R0/go-offline-sync/transport/ws"
	"github.com/c0deZ3R0/go-offline-sync/trigger"
)

const component = "offsync"

// Components are the collaborators an Engine is built from. Queue, Local,
// Guests and Client are required; the rest default to in-memory or no-op
// implementations.
type Components struct {
	Queue    queue.Store
	Local    localstore.Store
	IDs      idmap.Table
	Cursors  coordinator.CursorStore
	Guests   guest.Store
	Client   coordinator.NetworkClient
	Resolver resolver.Resolver
	Metrics  coordinator.Metrics
	Clock    clock.Clock
	Logger   *slog.Logger

	// Coordinator holds extra coordinator options such as backoff and limits.
	Coordinator []coordinator.Option

	// Schedule is the periodic trigger as a cron spec; empty disables it.
	Schedule string

	// NotifyURL, when set, subscribes to server change notifications over
	// WebSocket, or server-sent events when NotifyMode is config.NotifySSE.
	NotifyURL    string
	NotifyMode   string
	NotifyHeader http.Header
}

// notifier keeps a change-notification stream open until ctx is done.
type notifier interface {
	Run(ctx context.Context) error
}

// Engine is the application-facing sync engine.
type Engine struct {
	queue     *queue.Queue
	local     localstore.Store
	ids       idmap.Table
	coord     *coordinator.Coordinator
	guests    *guest.Manager
	lifecycle *trigger.Lifecycle
	notifier  notifier
	bus       *events.Bus
	metrics   coordinator.Metrics
	clock     clock.Clock
	logger    *slog.Logger

	principal atomic.Pointer[string]
	closers   []io.Closer

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an Engine from c.
func New(c Components) (*Engine, error) {
	switch {
	case c.Queue == nil:
		return nil, fmt.Errorf("queue store is required")
	case c.Local == nil:
		return nil, fmt.Errorf("local store is required")
	case c.Guests == nil:
		return nil, fmt.Errorf("guest store is required")
	case c.Client == nil:
		return nil, fmt.Errorf("network client is required")
	}
	if c.IDs == nil {
		c.IDs = idmap.NewMemory()
	}
	if c.Cursors == nil {
		c.Cursors = &coordinator.MemoryCursorStore{}
	}
	if c.Resolver == nil {
		c.Resolver = resolver.Default()
	}
	if c.Metrics == nil {
		c.Metrics = coordinator.NewCounterMetrics()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(component)
	}

	e := &Engine{
		local:   c.Local,
		ids:     c.IDs,
		bus:     events.NewBus(c.Logger),
		metrics: c.Metrics,
		clock:   c.Clock,
		logger:  c.Logger,
	}
	e.queue = queue.New(c.Queue, queue.WithClock(c.Clock), queue.WithLogger(c.Logger.With("component", "queue")))

	opts := append([]coordinator.Option{
		coordinator.WithLocalStore(c.Local),
		coordinator.WithClient(c.Client),
		coordinator.WithResolver(c.Resolver),
		coordinator.WithIDMap(c.IDs),
		coordinator.WithCursorStore(c.Cursors),
		coordinator.WithListener(e.bus),
		coordinator.WithClock(c.Clock),
		coordinator.WithMetrics(c.Metrics),
		coordinator.WithLogger(c.Logger.With("component", "coordinator")),
	}, c.Coordinator...)
	coord, err := coordinator.New(e.queue, opts...)
	if err != nil {
		return nil, err
	}
	e.coord = coord

	e.guests = guest.NewManager(c.Guests, c.Client,
		guest.WithQueue(e.queue),
		guest.WithLocalStore(c.Local),
		guest.WithIDMap(c.IDs),
		guest.WithCursorAdopter(coord),
		guest.WithListener(e.bus),
		guest.WithClock(c.Clock),
		guest.WithLogger(c.Logger.With("component", "guest")))

	e.lifecycle, err = trigger.New(coord,
		trigger.WithSchedule(c.Schedule),
		trigger.WithClock(c.Clock),
		trigger.WithLogger(c.Logger.With("component", "trigger")))
	if err != nil {
		_ = coord.Close()
		return nil, errors.E(errors.OpConfig, errors.Component(component), errors.KindInvalid, err)
	}

	if c.NotifyURL != "" {
		logger := c.Logger.With("component", "notifier")
		switch c.NotifyMode {
		case config.NotifySSE:
			client := sse.NewClient(c.NotifyURL, nil)
			client.Header = c.NotifyHeader
			e.notifier = sse.NewNotifier(client, coord,
				sse.WithConnectivity(e.lifecycle),
				sse.WithNotifierLogger(logger))
		case "", config.NotifyWebSocket:
			e.notifier = ws.NewNotifier(c.NotifyURL, coord,
				ws.WithConnectivity(e.lifecycle),
				ws.WithHeader(c.NotifyHeader),
				ws.WithNotifierLogger(logger))
		default:
			_ = coord.Close()
			return nil, errors.E(errors.OpConfig, errors.Component(component), errors.KindInvalid, "unknown notify mode "+c.NotifyMode)
		}
	}
	return e, nil
}

// Open builds an Engine backed by the SQLite database and server cfg names.
func Open(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.WithComponent(component)

	db, err := sqlite.Open(&sqlite.Config{
		DataSourceName: cfg.Store.Path,
		EnableWAL:      cfg.Store.WAL,
		Logger:         logger.With("component", "storage/sqlite"),
	})
	if err != nil {
		return nil, errors.Persistence(errors.OpLoad, component, err)
	}
	res, err := cfg.Resolver()
	if err != nil {
		db.Close()
		return nil, err
	}

	var e *Engine
	client := httptransport.NewClient(cfg.Remote.BaseURL,
		httptransport.WithClientTimeout(cfg.Remote.Timeout.Std()),
		httptransport.WithToken(cfg.Remote.Token),
		httptransport.WithPrincipal(func() string { return e.Principal() }),
		httptransport.WithClientLogger(logger.With("component", "transport/http")))

	var header http.Header
	if cfg.Remote.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + cfg.Remote.Token}}
	}

	s := cfg.Sync
	e, err = New(Components{
		Queue:    db.Queue(),
		Local:    db.Entities(),
		IDs:      db.IDMap(),
		Cursors:  db.Cursor(),
		Guests:   db.Guest(),
		Client:   client,
		Resolver: res,
		Logger:   logger,
		Coordinator: []coordinator.Option{
			coordinator.WithBackoff(coordinator.Backoff{Base: s.BaseDelay.Std(), Max: s.MaxDelay.Std(), Jitter: s.Jitter}),
			coordinator.WithMaxAttempts(s.MaxAttempts),
			coordinator.WithParallelism(s.Parallelism),
			coordinator.WithMaxPushRounds(s.MaxPushRounds),
			coordinator.WithPullLimits(s.PullLimit, s.MaxPullBatches),
			coordinator.WithSendTimeout(s.SendTimeout.Std()),
			coordinator.WithUserDecisionTTL(s.UserDecisionTTL.Std()),
		},
		Schedule:     s.Periodic,
		NotifyURL:    cfg.Remote.NotifyURL,
		NotifyMode:   cfg.Remote.NotifyMode,
		NotifyHeader: header,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	e.closers = append(e.closers, db)
	return e, nil
}

// Start prepares the engine for background syncing: actions interrupted by a
// crash go back to pending, a journaled claim is finished, the guest identity
// is ensured, the periodic trigger and the notification stream start, and a
// first pass is triggered.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return coordinator.ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.Prepare(ctx); err != nil {
		return err
	}

	e.lifecycle.Start(runCtx)
	if e.notifier != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			_ = e.notifier.Run(runCtx)
		}()
	}
	e.Trigger()
	return nil
}

// Prepare does the startup work that needs no background goroutines:
// interrupted actions go back to pending, a journaled claim is finished and
// the guest identity is ensured. Start calls it; short-lived processes that
// only call SyncNow call it directly.
func (e *Engine) Prepare(ctx context.Context) error {
	if n, err := e.coord.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		e.logger.Info("recovered interrupted actions", "count", n)
	}
	if res, ok, err := e.guests.ResumeClaim(ctx); err != nil {
		return err
	} else if ok {
		e.logger.Info("finished interrupted claim", "account_id", res.AccountID)
	}
	_, err := e.EnsureIdentity(ctx)
	return err
}

// Close stops background work and waits for a running pass to finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	e.lifecycle.Stop()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	err := e.coord.Close()
	for _, c := range e.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Subscribe registers l for engine events and returns a function that
// removes it.
func (e *Engine) Subscribe(l events.Listener) (unsubscribe func()) {
	return e.bus.Subscribe(l)
}

// Lifecycle exposes connectivity and foreground transitions.
func (e *Engine) Lifecycle() *trigger.Lifecycle { return e.lifecycle }

// Trigger starts a background pass when online. It never blocks.
func (e *Engine) Trigger() bool {
	if !e.lifecycle.Online() {
		return false
	}
	return e.coord.Trigger()
}

// SyncNow runs a pass on the calling goroutine.
func (e *Engine) SyncNow(ctx context.Context) (coordinator.PassResult, error) {
	return e.coord.RunPass(ctx)
}

// Resume clears a persistence halt once storage has been repaired.
func (e *Engine) Resume() { e.coord.Resume() }

// Status is a snapshot for sync indicators.
type Status struct {
	queue.Stats
	Syncing bool   `json:"syncing"`
	Running bool   `json:"running"`
	Online  bool   `json:"online"`
	Halted  string `json:"halted,omitempty"`
	Cursor  string `json:"cursor,omitempty"`

	GuestID   string `json:"guest_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`

	Metrics *coordinator.MetricsSnapshot `json:"metrics,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	s := Status{
		Stats:   stats,
		Syncing: stats.Syncing(),
		Running: e.coord.Running(),
		Online:  e.lifecycle.Online(),
	}
	if err := e.coord.Halted(); err != nil {
		s.Halted = err.Error()
	}
	cur, err := e.coord.Cursor(ctx)
	if err != nil {
		return Status{}, err
	}
	if cur != nil {
		s.Cursor = cur.String()
	}
	id, ok, err := e.guests.Identity(ctx)
	if err != nil {
		return Status{}, err
	}
	if ok {
		s.GuestID, s.AccountID = id.GuestID, id.AccountID
	}
	if m, ok := e.metrics.(*coordinator.CounterMetrics); ok {
		snap := m.Snapshot()
		s.Metrics = &snap
	}
	return s, nil
}

// Cursor returns the persisted sync cursor.
func (e *Engine) Cursor(ctx context.Context) (cursor.Cursor, error) {
	return e.coord.Cursor(ctx)
}

// Actions lists queued actions matching f.
func (e *Engine) Actions(ctx context.Context, f queue.Filter) ([]model.Action, error) {
	return e.queue.List(ctx, f)
}

// Decide answers a conflict that is waiting for the user.
func (e *Engine) Decide(ctx context.Context, actionID string, d model.Decision) error {
	return e.coord.Decide(ctx, actionID, d)
}

// EnsureIdentity returns the guest identity, creating it on first use.
func (e *Engine) EnsureIdentity(ctx context.Context) (model.GuestIdentity, error) {
	id, err := e.guests.EnsureIdentity(ctx)
	if err != nil {
		return model.GuestIdentity{}, err
	}
	e.setPrincipal(id)
	return id, nil
}

// Claim migrates guest data to the account credential authenticates. On
// success the engine acts as the account from then on.
func (e *Engine) Claim(ctx context.Context, credential string) (model.ClaimResult, error) {
	res, err := e.guests.Claim(ctx, credential)
	if err != nil {
		return model.ClaimResult{}, err
	}
	account := res.AccountID
	e.principal.Store(&account)
	e.Trigger()
	return res, nil
}

// Principal is the identity the engine pushes as: the account once claimed,
// otherwise the guest id. It is empty before the identity is ensured.
func (e *Engine) Principal() string {
	if p := e.principal.Load(); p != nil {
		return *p
	}
	return ""
}

func (e *Engine) setPrincipal(id model.GuestIdentity) {
	p := id.GuestID
	if id.Claimed && id.AccountID != "" {
		p = id.AccountID
	}
	e.principal.Store(&p)
}
