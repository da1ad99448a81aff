package offsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/idmap"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
)

const opMutate = "offsync.Mutate"

// Mutation is a change the application makes to an entity.
type Mutation struct {
	Kind       model.Kind
	EntityType string
	Target     model.EntityRef
	// Fields is the full document for a create and the changed top-level
	// fields for an update. Deletes ignore it.
	Fields json.RawMessage
	// BaseRevision defaults to the revision of the local copy.
	BaseRevision int64
}

// Mutate applies m to the local store and durably queues it. When the queue
// write fails the local write is rolled back and the persistence error is
// returned; the caller decides whether to retry.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (model.Action, error) {
	if m.Target.IsZero() {
		return model.Action{}, errors.E(errors.Op(opMutate), errors.Component(component), errors.KindInvalid, "mutation has no target")
	}
	if m.Kind == "" {
		return model.Action{}, errors.E(errors.Op(opMutate), errors.Component(component), errors.KindInvalid, "mutation has no kind")
	}

	target, err := e.canonical(ctx, m.Target)
	if err != nil {
		return model.Action{}, err
	}
	prev, existed, err := e.local.Get(ctx, target.ID)
	if err != nil {
		return model.Action{}, errors.WrapPersistence(err, opMutate, component)
	}
	if m.EntityType == "" {
		m.EntityType = prev.Type
	}
	if m.BaseRevision == 0 && existed {
		m.BaseRevision = prev.Revision
	}

	if err := e.applyLocal(ctx, m, target, prev, existed); err != nil {
		return model.Action{}, err
	}

	a := model.Action{
		Kind:         m.Kind,
		EntityType:   m.EntityType,
		Target:       target,
		Payload:      m.Fields,
		BaseRevision: m.BaseRevision,
	}
	id, err := e.queue.Enqueue(ctx, a)
	if err != nil {
		if rerr := e.rollback(ctx, target.ID, prev, existed); rerr != nil {
			e.logger.Error("rollback of optimistic write failed", "entity_id", target.ID, "error", rerr)
		}
		return model.Action{}, err
	}
	a.ID, a.Status = id, model.StatusPending
	e.Trigger()
	return a, nil
}

// Create queues a new entity under a fresh client temporary id.
func (e *Engine) Create(ctx context.Context, entityType string, fields json.RawMessage) (model.Action, error) {
	return e.Mutate(ctx, Mutation{
		Kind:       model.KindCreate,
		EntityType: entityType,
		Target:     model.TempRef(model.NewCID()),
		Fields:     fields,
	})
}

// Update queues a change to the named top-level fields of entity id.
func (e *Engine) Update(ctx context.Context, id string, fields json.RawMessage) (model.Action, error) {
	return e.Mutate(ctx, Mutation{Kind: model.KindUpdate, Target: refFor(id), Fields: fields})
}

// Delete queues the deletion of entity id.
func (e *Engine) Delete(ctx context.Context, id string) (model.Action, error) {
	return e.Mutate(ctx, Mutation{Kind: model.KindDelete, Target: refFor(id)})
}

// Get returns the local copy of entity id, following id remappings.
func (e *Engine) Get(ctx context.Context, id string) (model.Entity, bool, error) {
	canonical, err := idmap.Resolve(ctx, e.ids, id)
	if err != nil {
		return model.Entity{}, false, err
	}
	return e.local.Get(ctx, canonical)
}

func refFor(id string) model.EntityRef {
	if model.IsCID(id) {
		return model.TempRef(id)
	}
	return model.Ref(id)
}

// canonical follows the id map so a mutation made with a cid that has since
// been assigned a server id targets the server id.
func (e *Engine) canonical(ctx context.Context, ref model.EntityRef) (model.EntityRef, error) {
	id, err := idmap.Resolve(ctx, e.ids, ref.ID)
	if err != nil {
		return model.EntityRef{}, err
	}
	if id == ref.ID {
		return ref, nil
	}
	return model.Ref(id), nil
}

func (e *Engine) applyLocal(ctx context.Context, m Mutation, target model.EntityRef, prev model.Entity, existed bool) error {
	if m.Kind == model.KindDelete {
		if !existed {
			return nil
		}
		return errors.WrapPersistence(e.local.Delete(ctx, target.ID), opMutate, component)
	}

	next := model.Entity{
		ID:        target.ID,
		Type:      m.EntityType,
		Fields:    m.Fields,
		Revision:  prev.Revision,
		UpdatedAt: e.clock.Now(),
	}
	if m.Kind == model.KindUpdate && existed {
		merged, err := localstore.MergeFields(prev.Fields, m.Fields)
		if err != nil {
			return errors.E(errors.Op(opMutate), errors.Component(component), errors.KindInvalid, err)
		}
		next.Fields = merged
	}
	if err := e.local.Upsert(ctx, next); err != nil {
		return errors.WrapPersistence(err, opMutate, component)
	}
	return nil
}

func (e *Engine) rollback(ctx context.Context, id string, prev model.Entity, existed bool) error {
	if existed {
		return e.local.Upsert(ctx, prev)
	}
	return e.local.Delete(ctx, id)
}

// DeadLetters lists the actions that will not be retried automatically.
func (e *Engine) DeadLetters(ctx context.Context) ([]model.Action, error) {
	return e.queue.List(ctx, queue.Filter{Statuses: []model.Status{model.StatusDeadLettered}})
}

// RetryDeadLetter re-queues a dead-lettered action as a new action with a new
// id and removes the dead-lettered record. It returns the new action.
func (e *Engine) RetryDeadLetter(ctx context.Context, id string) (model.Action, error) {
	a, err := e.queue.Get(ctx, id)
	if err != nil {
		return model.Action{}, err
	}
	if a.Status != model.StatusDeadLettered {
		return model.Action{}, errors.E(errors.Op("offsync.RetryDeadLetter"), errors.Component(component), errors.KindInvalid,
			fmt.Sprintf("action %s is %s, not dead-lettered", id, a.Status))
	}
	target, err := e.canonical(ctx, a.Target)
	if err != nil {
		return model.Action{}, err
	}

	retry := model.Action{
		Kind:         a.Kind,
		EntityType:   a.EntityType,
		Target:       target,
		Payload:      a.Clone().Payload,
		BaseRevision: a.BaseRevision,
		CreatedAt:    e.clock.Now(),
	}
	newID, err := e.queue.Enqueue(ctx, retry)
	if err != nil {
		return model.Action{}, err
	}
	if err := e.queue.Discard(ctx, id); err != nil {
		return model.Action{}, err
	}
	e.logger.Info("dead letter re-queued", "action_id", id, "new_action_id", newID)

	retry.ID, retry.Status = newID, model.StatusPending
	e.Trigger()
	return retry, nil
}

// DiscardDeadLetter deletes a dead-lettered action. Discarding a create the
// server never accepted also removes its local entity, unless other queued
// actions still target it. Updates and deletes keep their local state until
// the server next changes the entity.
func (e *Engine) DiscardDeadLetter(ctx context.Context, id string) error {
	a, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.queue.Discard(ctx, id); err != nil {
		return err
	}
	e.logger.Info("dead letter discarded", "action_id", id)
	if a.Kind == model.KindCreate {
		return e.dropUnsyncedCreate(ctx, a)
	}
	return nil
}

func (e *Engine) dropUnsyncedCreate(ctx context.Context, a model.Action) error {
	target, err := e.canonical(ctx, a.Target)
	if err != nil {
		return err
	}
	if !model.IsCID(target.ID) {
		return nil
	}
	rest, err := e.queue.PendingFor(ctx, target.ID)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return nil
	}
	if err := e.local.Delete(ctx, target.ID); err != nil {
		return errors.WrapPersistence(err, "offsync.DiscardDeadLetter", component)
	}
	e.logger.Debug("removed local entity of discarded create", "entity_id", target.ID)
	return nil
}
