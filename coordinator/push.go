package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/idmap"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
	"github.com/c0deZ3R0/go-offline-sync/resolver"
)

// tally accumulates push results from concurrent lanes.
type tally struct {
	mu           sync.Mutex
	pushed       int
	retried      int
	deadLettered int
	conflicts    int
	awaiting     int
	rounds       int
	progress     atomic.Int64
}

func (t *tally) add(f func(t *tally)) {
	t.mu.Lock()
	f(t)
	t.mu.Unlock()
}

func (t *tally) into(r *PassResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.Pushed = t.pushed
	r.Retried = t.retried
	r.DeadLettered = t.deadLettered
	r.Conflicts = t.conflicts
	r.AwaitingUser = t.awaiting
	r.Rounds = t.rounds
}

// push drains the queue in rounds. Each round groups the drainable actions
// into one lane per entity; lanes run concurrently, actions inside a lane run
// strictly in order. Rounds repeat while they make progress.
func (c *Coordinator) push(ctx context.Context, t *tally) error {
	for round := 0; round < c.maxPushRounds; round++ {
		if ctx.Err() != nil {
			return nil
		}
		lanes, order, err := c.collectLanes(ctx)
		if err != nil {
			return err
		}
		if len(order) == 0 {
			return nil
		}

		t.progress.Store(0)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.parallelism)
		for _, key := range order {
			lane := lanes[key]
			g.Go(func() error { return c.runLane(gctx, lane, t) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		t.add(func(t *tally) { t.rounds++ })

		c.logger.Debug("push round finished", "round", round+1, "lanes", len(order), "progress", t.progress.Load())
		if t.progress.Load() == 0 {
			return nil
		}
	}
	return nil
}

func (c *Coordinator) collectLanes(ctx context.Context) (map[string][]model.Action, []string, error) {
	lanes := make(map[string][]model.Action)
	var order []string
	for a, err := range c.queue.Drainable(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		key, err := idmap.Resolve(ctx, c.ids, a.Target.ID)
		if err != nil {
			return nil, nil, errors.WrapPersistence(err, "coordinator.collectLanes", component)
		}
		if _, ok := lanes[key]; !ok {
			order = append(order, key)
		}
		lanes[key] = append(lanes[key], a)
	}
	return lanes, order, nil
}

func (c *Coordinator) runLane(ctx context.Context, lane []model.Action, t *tally) error {
	for _, a := range lane {
		if ctx.Err() != nil {
			return nil
		}
		cont, err := c.process(ctx, a, t)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// process pushes one action. It reports whether later actions for the same
// entity may proceed in this round.
func (c *Coordinator) process(ctx context.Context, a model.Action, t *tally) (bool, error) {
	canonical, err := idmap.Resolve(ctx, c.ids, a.Target.ID)
	if err != nil {
		return false, errors.WrapPersistence(err, "coordinator.process", component)
	}
	if canonical != a.Target.ID {
		if _, err := c.queue.RewriteTarget(ctx, a.Target.ID, canonical); err != nil {
			return false, err
		}
		if err := c.store.RewriteReference(ctx, a.Target.ID, canonical); err != nil {
			c.logger.Warn("failed to rewrite local references", "old", a.Target.ID, "new", canonical, "error", err)
			return false, nil
		}
	}

	inflight, err := c.queue.MarkInFlight(ctx, a.ID)
	if err != nil {
		if errors.IsPersistence(err) {
			return false, err
		}
		// Changed underneath us; the next round re-reads the queue.
		c.logger.Debug("skipping action", "action_id", a.ID, "error", err)
		return false, nil
	}
	a = inflight

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sendTimeout)
	result, sendErr := c.client.Send(sendCtx, a)
	cancel()

	outcome := classify(result, sendErr)
	c.metrics.RecordPush(outcome)
	c.logger.Debug("action sent", "action_id", a.ID, "target", a.Target.ID, "attempt", a.Attempt, "outcome", outcome)

	// The request went out; its result is recorded even if the pass was cancelled.
	done := context.WithoutCancel(ctx)
	switch outcome {
	case OutcomeSuccess:
		return c.onSuccess(done, a, result, t)
	case OutcomeConflict:
		return c.onConflict(done, a, result, t)
	case OutcomeFatal:
		reason := failureReason(result, sendErr, "rejected by server")
		if err := c.deadLetter(done, a, reason, t); err != nil {
			return false, err
		}
		return true, nil
	default:
		return c.onTransient(done, a, failureReason(result, sendErr, "transient failure"), t)
	}
}

func classify(r SendResult, err error) SendOutcome {
	if err != nil {
		if errors.Is(errors.KindFatal, err) {
			return OutcomeFatal
		}
		if errors.Is(errors.KindConflict, err) {
			return OutcomeConflict
		}
		return OutcomeTransient
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeConflict, OutcomeFatal, OutcomeTransient:
		return r.Outcome
	default:
		return OutcomeTransient
	}
}

func failureReason(r SendResult, err error, fallback string) string {
	switch {
	case err != nil:
		return err.Error()
	case r.Reason != "":
		return r.Reason
	default:
		return fallback
	}
}

func (c *Coordinator) onSuccess(ctx context.Context, a model.Action, r SendResult, t *tally) (bool, error) {
	if r.Server != nil {
		state := *r.Server
		if state.ID == "" {
			state.ID = a.Target.ID
		}
		if state.ID != a.Target.ID && (a.Target.Temporary || model.IsCID(a.Target.ID)) {
			if err := c.remap(ctx, a.Target.ID, state.ID); err != nil {
				if errors.IsPersistence(err) {
					return false, err
				}
				// The server replays the create by action id; the retry
				// finishes the rewrite through the id map.
				return c.onTransient(ctx, a, err.Error(), t)
			}
		}
		if a.Kind == model.KindDelete {
			state.Deleted = true
		}
		c.applyServerState(ctx, state)
	} else if a.Kind == model.KindDelete {
		c.applyServerState(ctx, model.ServerState{ID: a.Target.ID, Deleted: true})
	}

	if _, err := c.queue.MarkResolved(ctx, a.ID); err != nil {
		return false, err
	}
	t.add(func(t *tally) { t.pushed++ })
	t.progress.Add(1)
	c.listener.OnActionResolved(a.ID)
	return true, nil
}

// remap retires a cid everywhere it is referenced.
func (c *Coordinator) remap(ctx context.Context, oldID, newID string) error {
	if err := c.ids.Put(ctx, oldID, newID); err != nil {
		return errors.WrapPersistence(err, "coordinator.remap", component)
	}
	if _, err := c.queue.RewriteTarget(ctx, oldID, newID); err != nil {
		return err
	}
	if err := c.store.RewriteReference(ctx, oldID, newID); err != nil {
		return errors.E(errors.Op("coordinator.remap"), errors.Component("localstore"), errors.KindInternal, err, "rewrite local references")
	}
	c.logger.Debug("retired client id", "cid", oldID, "id", newID)
	return nil
}

func (c *Coordinator) onTransient(ctx context.Context, a model.Action, reason string, t *tally) (bool, error) {
	if a.Attempt >= c.maxAttempts {
		if err := c.deadLetter(ctx, a, fmt.Sprintf("gave up after %d attempts: %s", a.Attempt, reason), t); err != nil {
			return false, err
		}
		return true, nil
	}
	delay := c.backoff.Next(a.Attempt)
	if _, err := c.queue.MarkRetry(ctx, a.ID, c.clock.Now().Add(delay), queue.WithLastError(reason)); err != nil {
		return false, err
	}
	t.add(func(t *tally) { t.retried++ })
	c.logger.Debug("action scheduled for retry", "action_id", a.ID, "attempt", a.Attempt, "delay", delay)
	return false, nil
}

func (c *Coordinator) onConflict(ctx context.Context, a model.Action, r SendResult, t *tally) (bool, error) {
	t.add(func(t *tally) { t.conflicts++ })
	server := model.ServerState{ID: a.Target.ID, EntityType: a.EntityType}
	if r.Server != nil {
		server = *r.Server
	}

	out := c.resolver.Resolve(a, server)
	c.logger.Debug("conflict resolved", "action_id", a.ID, "decision", out.Decision, "reason", out.Reason)

	switch out.Decision {
	case resolver.AcceptServer:
		c.applyServerState(ctx, server)
		if _, err := c.queue.MarkResolved(ctx, a.ID); err != nil {
			return false, err
		}
		t.add(func(t *tally) { t.pushed++ })
		t.progress.Add(1)
		c.listener.OnActionResolved(a.ID)
		return true, nil

	case resolver.AcceptLocal, resolver.Merge:
		if a.Attempt >= c.maxAttempts {
			return true, c.deadLetter(ctx, a, fmt.Sprintf("conflict unresolved after %d attempts", a.Attempt), t)
		}
		opts := []queue.RetryOption{queue.WithBaseRevision(server.Revision), queue.WithLastError("conflict: " + out.Reason)}
		if out.Decision == resolver.Merge {
			opts = append(opts, queue.WithPayload(out.MergedPayload))
			c.applyMerged(ctx, a, server, out)
		}
		if _, err := c.queue.MarkRetry(ctx, a.ID, time.Time{}, opts...); err != nil {
			return false, err
		}
		t.progress.Add(1)
		return false, nil

	default:
		desc := out.Descriptor
		if desc == nil {
			desc = resolver.Describe(a, server, out.Reason)
		}
		d := desc.Clone()
		d.RaisedAt = c.clock.Now()
		if _, err := c.queue.MarkAwaitingUser(ctx, a.ID, d); err != nil {
			return false, err
		}
		t.add(func(t *tally) { t.awaiting++ })
		c.listener.OnConflictNeedsUser(d)
		return false, nil
	}
}

func (c *Coordinator) applyMerged(ctx context.Context, a model.Action, server model.ServerState, out resolver.Outcome) {
	e := server.Entity()
	if e.Type == "" {
		e.Type = a.EntityType
	}
	e.Fields = out.MergedPayload
	if err := localstore.Apply(ctx, c.store, []model.Patch{{Op: model.PatchUpsert, Entity: e}}); err != nil {
		c.logger.Warn("failed to apply merged state locally", "entity_id", e.ID, "error", err)
	}
}

func (c *Coordinator) deadLetter(ctx context.Context, a model.Action, reason string, t *tally) error {
	if _, err := c.queue.MarkDeadLetter(ctx, a.ID, reason); err != nil {
		return err
	}
	t.add(func(t *tally) { t.deadLettered++ })
	c.logger.Warn("action dead-lettered", "action_id", a.ID, "attempt", a.Attempt, "reason", reason)
	c.listener.OnActionDeadLettered(a.ID, reason)
	return nil
}
