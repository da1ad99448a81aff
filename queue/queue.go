// Package queue implements the durable action queue: the ordered log of
// mutations waiting to be pushed, and the only owner of their lifecycle state.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

const (
	opEnqueue    = "queue.Enqueue"
	opTransition = "queue.Transition"
	opDrain      = "queue.Drainable"
	opRewrite    = "queue.RewriteTarget"
	opRecover    = "queue.Recover"
	opList       = "queue.List"
	component    = "queue"
)

// Queue wraps a Store with validated, per-action serialized transitions.
type Queue struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	locks  keyedMutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for timestamps and due checks.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a Queue over store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{store: store, clock: clock.Real{}}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = logging.WithComponent(component)
	}
	return q
}

// Enqueue durably appends a as a pending action and returns its id. The id is
// generated when a.ID is empty. A failed write returns a persistence error and
// the caller must roll back any optimistic local write.
func (q *Queue) Enqueue(ctx context.Context, a model.Action) (string, error) {
	if a.Target.IsZero() {
		return "", errors.E(errors.Op(opEnqueue), errors.Component(component), errors.KindInvalid, "action has no target")
	}
	if a.Kind == "" {
		return "", errors.E(errors.Op(opEnqueue), errors.Component(component), errors.KindInvalid, "action has no kind")
	}
	now := q.clock.Now()
	if a.ID == "" {
		a.ID = model.NewActionID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.Status = model.StatusPending
	a.Attempt = 0
	a.NextAttemptAt = time.Time{}
	a.UpdatedAt = now
	a.LastError = ""
	a.Conflict = nil

	if err := q.store.Insert(ctx, &a); err != nil {
		return "", errors.WrapPersistence(err, opEnqueue, component)
	}
	q.logger.Debug("action enqueued", "id", a.ID, "kind", a.Kind, "target", a.Target.ID, "seq", a.Seq)
	return a.ID, nil
}

// Drainable yields the actions that may be dispatched now, in creation order.
// For every target only the run of pending, due actions starting at its oldest
// unfinished action is yielded: a target whose head is in flight, awaiting a
// user decision or backing off is skipped entirely. Dead-lettered actions
// never block. Each range re-reads the store.
func (q *Queue) Drainable(ctx context.Context) iter.Seq2[model.Action, error] {
	return func(yield func(model.Action, error) bool) {
		actions, err := q.store.List(ctx, Filter{Statuses: NonTerminal})
		if err != nil {
			yield(model.Action{}, errors.WrapPersistence(err, opDrain, component))
			return
		}
		now := q.clock.Now()
		blocked := make(map[string]bool)
		for _, a := range actions {
			if blocked[a.Target.ID] {
				continue
			}
			if a.Status != model.StatusPending || !a.Due(now) {
				blocked[a.Target.ID] = true
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(model.Action{}, err)
				return
			}
			if !yield(a, nil) {
				return
			}
		}
	}
}

// Get returns a single action.
func (q *Queue) Get(ctx context.Context, id string) (model.Action, error) {
	a, err := q.store.Get(ctx, id)
	if err != nil {
		return model.Action{}, errors.WrapPersistence(err, opList, component)
	}
	return a, nil
}

// MarkInFlight moves a pending action to in-flight and counts the attempt.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (model.Action, error) {
	return q.transition(ctx, id, model.StatusInFlight, func(a *model.Action) {
		a.Attempt++
		a.LastError = ""
	})
}

// MarkResolved finishes an action. Resolved actions are removed from the store;
// the final state is returned.
func (q *Queue) MarkResolved(ctx context.Context, id string) (model.Action, error) {
	return q.transition(ctx, id, model.StatusResolved, nil)
}

// RetryOption adjusts an action as it goes back to pending.
type RetryOption func(*model.Action)

// WithPayload replaces the payload sent on the next attempt.
func WithPayload(p json.RawMessage) RetryOption {
	return func(a *model.Action) { a.Payload = p }
}

// WithBaseRevision sets the server revision the next attempt is based on.
func WithBaseRevision(rev int64) RetryOption {
	return func(a *model.Action) { a.BaseRevision = rev }
}

// WithLastError records why the previous attempt failed.
func WithLastError(msg string) RetryOption {
	return func(a *model.Action) { a.LastError = msg }
}

// MarkRetry returns an action to pending, not to be dispatched before notBefore.
func (q *Queue) MarkRetry(ctx context.Context, id string, notBefore time.Time, opts ...RetryOption) (model.Action, error) {
	return q.transition(ctx, id, model.StatusPending, func(a *model.Action) {
		a.NextAttemptAt = notBefore
		a.Conflict = nil
		for _, opt := range opts {
			opt(a)
		}
	})
}

// MarkDeadLetter terminally parks an action with reason.
func (q *Queue) MarkDeadLetter(ctx context.Context, id, reason string) (model.Action, error) {
	return q.transition(ctx, id, model.StatusDeadLettered, func(a *model.Action) {
		a.LastError = reason
	})
}

// MarkAwaitingUser parks an action until the caller decides the conflict.
func (q *Queue) MarkAwaitingUser(ctx context.Context, id string, desc model.ConflictDescriptor) (model.Action, error) {
	return q.transition(ctx, id, model.StatusAwaitingUser, func(a *model.Action) {
		d := desc.Clone()
		a.Conflict = &d
		a.LastError = desc.Reason
	})
}

// RefreshConflict replaces the descriptor of an action that already awaits a
// decision, for a newer server state of the same entity.
func (q *Queue) RefreshConflict(ctx context.Context, id string, desc model.ConflictDescriptor) (model.Action, error) {
	unlock := q.locks.Lock(id)
	defer unlock()

	a, err := q.store.Get(ctx, id)
	if err != nil {
		return model.Action{}, errors.WrapPersistence(err, opTransition, component)
	}
	if a.Status != model.StatusAwaitingUser {
		return a, errors.E(errors.Op(opTransition), errors.Component(component), errors.KindInvalid,
			fmt.Sprintf("action %s is %s, not awaiting a decision", id, a.Status))
	}
	d := desc.Clone()
	a.Conflict = &d
	a.LastError = desc.Reason
	a.UpdatedAt = q.clock.Now()
	if err := q.store.Update(ctx, a); err != nil {
		return model.Action{}, errors.WrapPersistence(err, opTransition, component)
	}
	return a, nil
}

func (q *Queue) transition(ctx context.Context, id string, to model.Status, mutate func(*model.Action)) (model.Action, error) {
	unlock := q.locks.Lock(id)
	defer unlock()

	a, err := q.store.Get(ctx, id)
	if err != nil {
		return model.Action{}, errors.WrapPersistence(err, opTransition, component)
	}
	if !a.Status.CanTransition(to) {
		return a, errors.E(errors.Op(opTransition), errors.Component(component), errors.KindInvalid,
			fmt.Sprintf("action %s: illegal transition %s -> %s", id, a.Status, to))
	}
	from := a.Status
	a.Status = to
	a.UpdatedAt = q.clock.Now()
	if mutate != nil {
		mutate(&a)
	}

	if to == model.StatusResolved {
		err = q.store.Delete(ctx, id)
	} else {
		err = q.store.Update(ctx, a)
	}
	if err != nil {
		return model.Action{}, errors.WrapPersistence(err, opTransition, component)
	}
	q.logger.Debug("action transition", "id", id, "from", from, "to", to, "attempt", a.Attempt)
	return a, nil
}

// RewriteTarget points pending, awaiting and dead-lettered actions that target
// oldID at newID.
func (q *Queue) RewriteTarget(ctx context.Context, oldID, newID string) (int, error) {
	if oldID == newID {
		return 0, nil
	}
	n, err := q.store.RewriteTarget(ctx, oldID, newID, Rewritable)
	if err != nil {
		return 0, errors.WrapPersistence(err, opRewrite, component)
	}
	if n > 0 {
		q.logger.Debug("rewrote action targets", "old", oldID, "new", newID, "count", n)
	}
	return n, nil
}

// Recover returns actions left in flight by a crash to pending. The counted
// attempt is kept since the request may have reached the server.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	stuck, err := q.store.List(ctx, Filter{Statuses: []model.Status{model.StatusInFlight}})
	if err != nil {
		return 0, errors.WrapPersistence(err, opRecover, component)
	}
	for _, a := range stuck {
		if _, err := q.MarkRetry(ctx, a.ID, time.Time{}, WithLastError("interrupted")); err != nil {
			return 0, err
		}
	}
	if len(stuck) > 0 {
		q.logger.Info("recovered interrupted actions", "count", len(stuck))
	}
	return len(stuck), nil
}

// PendingFor returns the unfinished actions that target id.
func (q *Queue) PendingFor(ctx context.Context, id string) ([]model.Action, error) {
	return q.List(ctx, Filter{Statuses: NonTerminal, Target: id})
}

// List returns actions matching f in creation order.
func (q *Queue) List(ctx context.Context, f Filter) ([]model.Action, error) {
	out, err := q.store.List(ctx, f)
	if err != nil {
		return nil, errors.WrapPersistence(err, opList, component)
	}
	return out, nil
}

// Discard deletes a dead-lettered action.
func (q *Queue) Discard(ctx context.Context, id string) error {
	unlock := q.locks.Lock(id)
	defer unlock()

	a, err := q.store.Get(ctx, id)
	if err != nil {
		return errors.WrapPersistence(err, opTransition, component)
	}
	if a.Status != model.StatusDeadLettered {
		return errors.E(errors.Op(opTransition), errors.Component(component), errors.KindInvalid,
			fmt.Sprintf("action %s is %s, only dead-lettered actions can be discarded", id, a.Status))
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return errors.WrapPersistence(err, opTransition, component)
	}
	return nil
}

// Stats summarizes the queue for status indicators.
type Stats struct {
	Pending      int `json:"pending"`
	InFlight     int `json:"in_flight"`
	AwaitingUser int `json:"awaiting_user"`
	DeadLettered int `json:"dead_lettered"`
}

// Syncing reports whether any action still needs to reach the server.
func (s Stats) Syncing() bool { return s.Pending+s.InFlight > 0 }

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	all, err := q.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, a := range all {
		switch a.Status {
		case model.StatusPending:
			s.Pending++
		case model.StatusInFlight:
			s.InFlight++
		case model.StatusAwaitingUser:
			s.AwaitingUser++
		case model.StatusDeadLettered:
			s.DeadLettered++
		}
	}
	return s, nil
}

// NextWakeup returns the earliest retry time among backing-off actions.
func (q *Queue) NextWakeup(ctx context.Context) (time.Time, bool, error) {
	pending, err := q.List(ctx, Filter{Statuses: []model.Status{model.StatusPending}})
	if err != nil {
		return time.Time{}, false, err
	}
	now := q.clock.Now()
	var next time.Time
	for _, a := range pending {
		if a.Due(now) {
			continue
		}
		if next.IsZero() || a.NextAttemptAt.Before(next) {
			next = a.NextAttemptAt
		}
	}
	return next, !next.IsZero(), nil
}

// ExpiredDecisions returns actions that have awaited a user decision for at
// least ttl.
func (q *Queue) ExpiredDecisions(ctx context.Context, ttl time.Duration) ([]model.Action, error) {
	if ttl <= 0 {
		return nil, nil
	}
	waiting, err := q.List(ctx, Filter{Statuses: []model.Status{model.StatusAwaitingUser}})
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	var out []model.Action
	for _, a := range waiting {
		raised := a.UpdatedAt
		if a.Conflict != nil && !a.Conflict.RaisedAt.IsZero() {
			raised = a.Conflict.RaisedAt
		}
		if !now.Before(raised.Add(ttl)) {
			out = append(out, a)
		}
	}
	return out, nil
}
