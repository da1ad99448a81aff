// Package coordinator drives synchronization: one drain pass at a time,
// pushing queued actions and then pulling server changes.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/events"
	"github.com/c0deZ3R0/go-offline-sync/idmap"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
	"github.com/c0deZ3R0/go-offline-sync/resolver"
)

const component = "coordinator"

var (
	// ErrPassInProgress is returned by RunPass when another pass is running.
	ErrPassInProgress = errors.E(errors.Op("coordinator.RunPass"), errors.Component(component), errors.KindInvalid, "sync pass already in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.E(errors.Op("coordinator"), errors.Component(component), errors.KindInvalid, "coordinator is closed")
)

// PassResult summarizes one drain pass.
type PassResult struct {
	Pushed       int           `json:"pushed"`
	Retried      int           `json:"retried"`
	DeadLettered int           `json:"dead_lettered"`
	Conflicts    int           `json:"conflicts"`
	AwaitingUser int           `json:"awaiting_user"`
	Pulled       int           `json:"pulled"`
	Rounds       int           `json:"rounds"`
	Cancelled    bool          `json:"cancelled"`
	Duration     time.Duration `json:"duration"`
	// PullErr is set when the pull phase failed without halting the coordinator.
	PullErr error `json:"-"`
}

// Coordinator owns the drain loop, the single-pass guard, retry policy and
// the SyncCursor.
type Coordinator struct {
	queue    *queue.Queue
	store    localstore.Store
	client   NetworkClient
	resolver resolver.Resolver
	ids      idmap.Table
	cursors  CursorStore
	listener events.Listener
	clock    clock.Clock
	logger   *slog.Logger
	metrics  Metrics
	backoff  Backoff

	maxAttempts    int
	parallelism    int
	maxPushRounds  int
	maxPullBatches int
	pullLimit      int
	sendTimeout    time.Duration
	decisionTTL    time.Duration

	running atomic.Bool
	passes  sync.WaitGroup

	// wakeMissed is set when the retry timer fires into a running pass.
	wakeMissed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	halted error
	closed bool
	wake   clock.Timer
	base   context.Context
	stop   context.CancelFunc

	// cursorMu makes the pull phase and AdoptCursor the only, serialized,
	// writers of the cursor.
	cursorMu sync.Mutex
}

// New creates a Coordinator draining q. A local store and a network client
// are required.
func New(q *queue.Queue, opts ...Option) (*Coordinator, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	c := &Coordinator{
		queue:          q,
		resolver:       resolver.Default(),
		ids:            idmap.NewMemory(),
		cursors:        &MemoryCursorStore{},
		listener:       events.NopListener{},
		clock:          clock.Real{},
		metrics:        NoOpMetrics{},
		backoff:        DefaultBackoff,
		maxAttempts:    DefaultMaxAttempts,
		parallelism:    DefaultParallelism,
		maxPushRounds:  DefaultMaxPushRounds,
		maxPullBatches: DefaultMaxPullBatches,
		pullLimit:      DefaultPullLimit,
		sendTimeout:    DefaultSendTimeout,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.E(errors.OpConfig, errors.Component(component), errors.KindInvalid, err)
		}
	}
	if c.store == nil {
		return nil, fmt.Errorf("local store is required")
	}
	if c.client == nil {
		return nil, fmt.Errorf("network client is required")
	}
	if c.logger == nil {
		c.logger = logging.WithComponent(component)
	}
	c.base, c.stop = context.WithCancel(context.Background())
	return c, nil
}

// Trigger starts a pass in the background unless one is already running, the
// coordinator is halted or it is closed. Repeated triggers while a pass runs
// are coalesced. It never blocks and reports whether a pass was started.
func (c *Coordinator) Trigger() bool {
	c.mu.Lock()
	if c.closed || c.halted != nil {
		c.mu.Unlock()
		return false
	}
	if !c.running.CompareAndSwap(false, true) {
		c.mu.Unlock()
		c.logger.Debug("trigger coalesced into running pass")
		return false
	}
	c.passes.Add(1)
	base := c.base
	c.mu.Unlock()

	go func() {
		defer c.passes.Done()
		if _, err := c.runOwned(base); err != nil {
			c.logger.Warn("background sync pass failed", "error", err)
		}
	}()
	return true
}

// RunPass runs a pass on the calling goroutine.
func (c *Coordinator) RunPass(ctx context.Context) (PassResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return PassResult{}, ErrClosed
	}
	if c.halted != nil {
		err := c.halted
		c.mu.Unlock()
		return PassResult{}, err
	}
	if !c.running.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return PassResult{}, ErrPassInProgress
	}
	c.passes.Add(1)
	c.mu.Unlock()

	defer c.passes.Done()
	return c.runOwned(ctx)
}

// Running reports whether a pass is active.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Cancel asks the running pass to stop. Sends already issued complete; no new
// action is dispatched.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		c.logger.Debug("cancelling running pass")
		cancel()
	}
}

// Halted returns the persistence failure that stopped the coordinator, if any.
func (c *Coordinator) Halted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Resume clears a halt once the caller has repaired storage.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.halted = nil
	c.mu.Unlock()
	c.logger.Info("coordinator resumed")
}

// Close cancels any running pass, stops the wake-up timer and waits for
// background passes to finish.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.wake != nil {
		c.wake.Stop()
		c.wake = nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.stop()
	c.passes.Wait()
	return nil
}

// Recover returns actions interrupted mid-send by a crash to pending.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	return c.queue.Recover(ctx)
}

// Cursor returns the persisted SyncCursor.
func (c *Coordinator) Cursor(ctx context.Context) (cursor.Cursor, error) {
	cur, err := c.cursors.Load(ctx)
	if err != nil {
		return nil, errors.WrapPersistence(err, "coordinator.Cursor", component)
	}
	return cur, nil
}

// AdoptCursor installs a cursor issued outside the pull phase, such as the
// one returned by a guest claim.
func (c *Coordinator) AdoptCursor(ctx context.Context, cur cursor.Cursor) error {
	if cur == nil {
		return nil
	}
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	if err := c.cursors.Save(ctx, cur); err != nil {
		err = errors.WrapPersistence(err, "coordinator.AdoptCursor", component)
		c.halt(err)
		return err
	}
	c.logger.Debug("adopted cursor", "cursor", cur.String())
	return nil
}

func (c *Coordinator) runOwned(parent context.Context) (res PassResult, err error) {
	defer func() {
		c.running.Store(false)
		if c.wakeMissed.Swap(false) {
			c.Trigger()
		}
	}()

	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
	}()

	start := c.clock.Now()
	c.logger.Debug("sync pass started")
	defer func() {
		res.Duration = c.clock.Now().Sub(start)
		c.metrics.RecordPass(res.Duration)
		if err != nil && errors.IsPersistence(err) {
			c.halt(err)
		} else {
			c.scheduleWakeup()
		}
		c.logger.Info("sync pass finished",
			"pushed", res.Pushed,
			"retried", res.Retried,
			"dead_lettered", res.DeadLettered,
			"conflicts", res.Conflicts,
			"pulled", res.Pulled,
			"cancelled", res.Cancelled,
			"duration", res.Duration)
	}()

	if err = c.expireDecisions(ctx); err != nil {
		return res, err
	}

	t := &tally{}
	err = c.push(ctx, t)
	t.into(&res)
	if err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		res.Cancelled = true
		return res, nil
	}

	pulled, err := c.pull(ctx, t)
	t.into(&res)
	res.Pulled = pulled
	if err != nil {
		if errors.IsPersistence(err) {
			return res, err
		}
		res.PullErr = err
		c.metrics.RecordError("pull", string(errors.KindOf(err)))
		c.logger.Warn("pull phase failed", "error", err)
	}
	if ctx.Err() != nil {
		res.Cancelled = true
	}
	return res, nil
}

func (c *Coordinator) halt(err error) {
	c.mu.Lock()
	already := c.halted != nil
	if !already {
		c.halted = err
	}
	c.mu.Unlock()
	if already {
		return
	}
	(&logging.Logger{Logger: c.logger}).LogError(context.Background(), err, "coordinator halted on persistence failure")
	c.metrics.RecordError("halt", string(errors.KindPersistence))
	c.listener.OnCoordinatorHalted(err)
}

func (c *Coordinator) scheduleWakeup() {
	next, ok, err := c.queue.NextWakeup(context.Background())
	if err != nil {
		c.logger.Warn("could not compute next retry time", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wake != nil {
		c.wake.Stop()
		c.wake = nil
	}
	if !ok || c.closed {
		return
	}
	d := next.Sub(c.clock.Now())
	if d <= 0 {
		d = time.Millisecond
	}
	c.wake = c.clock.AfterFunc(d, c.wakeup)
	c.logger.Debug("wake-up scheduled", "in", d)
}

// wakeup runs when the earliest retry becomes due. If a pass holds the token
// the trigger would be coalesced, so the pass re-triggers once it releases.
func (c *Coordinator) wakeup() {
	c.wakeMissed.Store(true)
	if c.Trigger() {
		c.wakeMissed.Store(false)
	}
}

// Decide applies the caller's answer to a conflict parked with AskUser.
func (c *Coordinator) Decide(ctx context.Context, actionID string, d model.Decision) error {
	if !d.Valid() {
		return errors.E(errors.OpResolve, errors.Component(component), errors.KindInvalid, "unknown decision "+string(d))
	}
	a, err := c.queue.Get(ctx, actionID)
	if err != nil {
		return err
	}
	if a.Status != model.StatusAwaitingUser {
		return errors.E(errors.OpResolve, errors.Component(component), errors.KindInvalid,
			fmt.Sprintf("action %s is %s, not awaiting a decision", actionID, a.Status))
	}
	switch d {
	case model.DecisionKeepServer:
		return c.keepServer(ctx, a)
	case model.DecisionKeepLocal:
		rev := a.BaseRevision
		if a.Conflict != nil {
			rev = a.Conflict.Server.Revision
		}
		if _, err := c.queue.MarkRetry(ctx, actionID, time.Time{}, queue.WithBaseRevision(rev)); err != nil {
			return err
		}
		c.Trigger()
		return nil
	default:
		if _, err := c.queue.MarkDeadLetter(ctx, actionID, "discarded by user"); err != nil {
			return err
		}
		c.listener.OnActionDeadLettered(actionID, "discarded by user")
		return nil
	}
}

func (c *Coordinator) keepServer(ctx context.Context, a model.Action) error {
	if a.Conflict != nil && a.Conflict.Server.ID != "" {
		c.applyServerState(ctx, a.Conflict.Server)
	}
	if _, err := c.queue.MarkResolved(ctx, a.ID); err != nil {
		return err
	}
	c.listener.OnActionResolved(a.ID)
	return nil
}

func (c *Coordinator) expireDecisions(ctx context.Context) error {
	expired, err := c.queue.ExpiredDecisions(ctx, c.decisionTTL)
	if err != nil {
		return err
	}
	for _, a := range expired {
		c.logger.Info("user decision expired, keeping server state", "action_id", a.ID)
		if err := c.keepServer(ctx, a); err != nil {
			if errors.IsPersistence(err) {
				return err
			}
			c.logger.Warn("could not expire decision", "action_id", a.ID, "error", err)
		}
	}
	return nil
}

// applyServerState writes canonical server state to the local store. Local
// store failures are logged; the next pull delivers the state again.
func (c *Coordinator) applyServerState(ctx context.Context, s model.ServerState) {
	var err error
	if s.Deleted {
		err = c.store.Delete(ctx, s.ID)
	} else {
		err = c.store.Upsert(ctx, s.Entity())
	}
	if err != nil {
		c.metrics.RecordError("apply", string(errors.KindOf(err)))
		c.logger.Warn("failed to apply server state locally", "entity_id", s.ID, "error", err)
	}
}
