package coordinator

import (
	"context"

	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/resolver"
)

const opPull = "coordinator.pull"

// pull fetches server changes since the persisted cursor. Each batch is
// applied as a whole before the cursor moves past it.
func (c *Coordinator) pull(ctx context.Context, t *tally) (int, error) {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()

	cur, err := c.cursors.Load(ctx)
	if err != nil {
		return 0, errors.WrapPersistence(err, opPull, component)
	}

	total := 0
	for batch := 0; batch < c.maxPullBatches; batch++ {
		if ctx.Err() != nil {
			return total, nil
		}
		res, err := c.client.Pull(ctx, cur, c.pullLimit)
		if err != nil {
			if ctx.Err() != nil {
				return total, nil
			}
			return total, errors.E(errors.Op(opPull), errors.Component(component), errors.KindTransient, err)
		}

		patches, err := c.reconcile(ctx, res.Patches, t)
		if err != nil {
			return total, err
		}
		if err := localstore.Apply(ctx, c.store, patches); err != nil {
			return total, errors.E(errors.Op(opPull), errors.Component("localstore"), errors.KindInternal, err, "apply batch")
		}
		if res.Next != nil {
			if err := c.cursors.Save(ctx, res.Next); err != nil {
				return total, errors.WrapPersistence(err, opPull, component)
			}
			cur = res.Next
		}

		total += len(patches)
		c.metrics.RecordPulled(len(patches))
		if len(res.Patches) > 0 {
			c.listener.OnPullApplied(len(patches))
		}
		c.logger.Debug("pull batch applied", "batch", batch+1, "received", len(res.Patches), "applied", len(patches), "has_more", res.HasMore)

		if !res.HasMore {
			break
		}
	}
	return total, nil
}

// reconcile drops or rewrites server patches for entities that still have
// local actions waiting, so a pull never blindly overwrites unpushed work.
func (c *Coordinator) reconcile(ctx context.Context, patches []model.Patch, t *tally) ([]model.Patch, error) {
	out := make([]model.Patch, 0, len(patches))
	for _, p := range patches {
		pending, err := c.queue.PendingFor(ctx, p.Entity.ID)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			out = append(out, p)
			continue
		}

		latest := pending[len(pending)-1]
		server := p.ServerState()
		decision := c.resolver.Resolve(latest, server)
		switch decision.Decision {
		case resolver.AcceptServer:
			out = append(out, p)
		case resolver.Merge:
			p.Op = model.PatchUpsert
			p.Entity.Fields = decision.MergedPayload
			p.Entity.Deleted = false
			out = append(out, p)
		case resolver.AskUser:
			if err := c.parkPulled(ctx, latest, server, decision, t); err != nil {
				return nil, err
			}
		}
		c.logger.Debug("pulled patch reconciled with local work", "entity_id", p.Entity.ID, "pending", len(pending), "decision", decision.Decision)
	}
	return out, nil
}

// parkPulled hands a conflict found while pulling to the user. The action
// keeps the server state in its descriptor so keep-server can still apply
// it after the cursor has moved on. A parked action only picks up newer
// server revisions; one in flight is left to its push outcome.
func (c *Coordinator) parkPulled(ctx context.Context, a model.Action, server model.ServerState, out resolver.Outcome, t *tally) error {
	desc := out.Descriptor
	if desc == nil {
		desc = resolver.Describe(a, server, out.Reason)
	}
	d := desc.Clone()
	d.RaisedAt = c.clock.Now()

	var err error
	switch a.Status {
	case model.StatusPending:
		_, err = c.queue.MarkAwaitingUser(ctx, a.ID, d)
	case model.StatusAwaitingUser:
		if a.Conflict != nil && server.Revision <= a.Conflict.Server.Revision {
			return nil
		}
		_, err = c.queue.RefreshConflict(ctx, a.ID, d)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	t.add(func(t *tally) { t.awaiting++ })
	c.listener.OnConflictNeedsUser(d)
	return nil
}
