// Package remote is an in-memory source of truth: it assigns canonical ids,
// versions entities, detects stale writes, keeps an ordered change log for
// pulls and re-homes guest data on claim. The HTTP handler serves it and
// tests drive it directly.
package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

const component = "remote"

type principalKey struct{}

// WithPrincipal tags ctx with the guest or account id making a request.
func WithPrincipal(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

// PrincipalFrom returns the id set by WithPrincipal.
func PrincipalFrom(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}

type record struct {
	state model.ServerState
	owner string
}

type change struct {
	seq   uint64
	patch model.Patch
}

// Remote is safe for concurrent use.
type Remote struct {
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	entities map[string]*record
	log      []change
	seq      uint64
	nextID   int
	applied  map[string]coordinator.SendResult
	claims   map[string]claim
	notify   []func(seq uint64)
	faults   []coordinator.SendOutcome
}

type claim struct {
	account string
	mapping map[string]string
}

// Option configures a Remote.
type Option func(*Remote)

func WithClock(c clock.Clock) Option { return func(r *Remote) { r.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(r *Remote) { r.logger = l } }

// New creates an empty Remote.
func New(opts ...Option) *Remote {
	r := &Remote{
		clock:    clock.Real{},
		entities: make(map[string]*record),
		applied:  make(map[string]coordinator.SendResult),
		claims:   make(map[string]claim),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.WithComponent(component)
	}
	return r
}

// OnChange registers fn to run after every committed change.
func (r *Remote) OnChange(fn func(seq uint64)) {
	r.mu.Lock()
	r.notify = append(r.notify, fn)
	r.mu.Unlock()
}

// InjectFaults makes the next sends answer with the given outcomes in order,
// without applying them.
func (r *Remote) InjectFaults(outcomes ...coordinator.SendOutcome) {
	r.mu.Lock()
	r.faults = append(r.faults, outcomes...)
	r.mu.Unlock()
}

// Apply executes a pushed action. Replays of an already applied action id
// return the original result.
func (r *Remote) Apply(ctx context.Context, a model.Action) (coordinator.SendResult, error) {
	r.mu.Lock()
	if len(r.faults) > 0 {
		outcome := r.faults[0]
		r.faults = r.faults[1:]
		r.mu.Unlock()
		return coordinator.SendResult{Outcome: outcome, Reason: "injected " + string(outcome)}, nil
	}
	if res, ok := r.applied[a.ID]; ok {
		r.mu.Unlock()
		return res, nil
	}

	res := r.applyLocked(ctx, a)
	if res.Outcome == coordinator.OutcomeSuccess {
		r.applied[a.ID] = res
	}
	seq, notify := r.seq, slices.Clone(r.notify)
	r.mu.Unlock()

	r.logger.Debug("action applied", "action_id", a.ID, "kind", a.Kind, "target", a.Target.ID, "outcome", res.Outcome)
	if res.Outcome == coordinator.OutcomeSuccess {
		for _, fn := range notify {
			fn(seq)
		}
	}
	return res, nil
}

func (r *Remote) applyLocked(ctx context.Context, a model.Action) coordinator.SendResult {
	owner := r.ownerLocked(PrincipalFrom(ctx))
	now := r.clock.Now()
	rec, exists := r.entities[a.Target.ID]
	if exists && rec.state.Deleted && a.Kind != model.KindCreate {
		exists = false
	}

	switch a.Kind {
	case model.KindCreate:
		id := a.Target.ID
		if a.Target.Temporary || model.IsCID(id) || id == "" {
			r.nextID++
			id = "srv-" + strconv.Itoa(r.nextID)
		} else if exists && !rec.state.Deleted {
			return conflict(rec.state, "entity already exists")
		}
		state := model.ServerState{
			ID:         id,
			EntityType: a.EntityType,
			Revision:   1,
			UpdatedAt:  now,
			Fields:     normalize(a.Payload),
		}
		r.entities[id] = &record{state: state, owner: owner}
		r.appendLocked(model.PatchUpsert, state)
		return success(state)

	case model.KindUpdate:
		if !exists {
			return coordinator.SendResult{Outcome: coordinator.OutcomeFatal, Reason: "entity " + a.Target.ID + " not found"}
		}
		if a.BaseRevision != 0 && a.BaseRevision != rec.state.Revision {
			return conflict(rec.state, fmt.Sprintf("stale revision %d, current %d", a.BaseRevision, rec.state.Revision))
		}
		merged, err := localstore.MergeFields(rec.state.Fields, a.Payload)
		if err != nil {
			return coordinator.SendResult{Outcome: coordinator.OutcomeFatal, Reason: err.Error()}
		}
		rec.state.Fields = merged
		rec.state.Revision++
		rec.state.UpdatedAt = now
		r.appendLocked(model.PatchUpsert, rec.state)
		return success(rec.state)

	case model.KindDelete:
		if !exists {
			return coordinator.SendResult{Outcome: coordinator.OutcomeSuccess}
		}
		if a.BaseRevision != 0 && a.BaseRevision != rec.state.Revision {
			return conflict(rec.state, fmt.Sprintf("stale revision %d, current %d", a.BaseRevision, rec.state.Revision))
		}
		rec.state.Deleted = true
		rec.state.Revision++
		rec.state.UpdatedAt = now
		r.appendLocked(model.PatchDelete, rec.state)
		return success(rec.state)

	default:
		return coordinator.SendResult{Outcome: coordinator.OutcomeFatal, Reason: "unknown action kind " + string(a.Kind)}
	}
}

// Put writes an entity as another client would, bumping its revision.
func (r *Remote) Put(_ context.Context, id, entityType string, fields json.RawMessage) model.ServerState {
	r.mu.Lock()
	rec, ok := r.entities[id]
	if !ok {
		rec = &record{state: model.ServerState{ID: id, EntityType: entityType}}
		r.entities[id] = rec
	}
	rec.state.Fields = normalize(fields)
	rec.state.Deleted = false
	rec.state.Revision++
	rec.state.UpdatedAt = r.clock.Now()
	if entityType != "" {
		rec.state.EntityType = entityType
	}
	r.appendLocked(model.PatchUpsert, rec.state)
	state, seq, notify := rec.state.Clone(), r.seq, slices.Clone(r.notify)
	r.mu.Unlock()

	for _, fn := range notify {
		fn(seq)
	}
	return state
}

// Get returns the canonical state of id.
func (r *Remote) Get(id string) (model.ServerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entities[id]
	if !ok {
		return model.ServerState{}, false
	}
	return rec.state.Clone(), true
}

// Len returns the number of live entities.
func (r *Remote) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.entities {
		if !rec.state.Deleted {
			n++
		}
	}
	return n
}

// Changes returns up to limit patches committed after since, which must be
// nil or an integer cursor.
func (r *Remote) Changes(_ context.Context, since cursor.Cursor, limit int) (coordinator.PullResult, error) {
	var from uint64
	switch c := since.(type) {
	case nil:
	case cursor.IntegerCursor:
		from = c.Seq
	case *cursor.IntegerCursor:
		from = c.Seq
	default:
		return coordinator.PullResult{}, errors.E(errors.OpPull, errors.Component(component), errors.KindFatal,
			"unsupported cursor kind "+since.Kind())
	}
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i, _ := slices.BinarySearchFunc(r.log, from+1, func(c change, seq uint64) int {
		switch {
		case c.seq < seq:
			return -1
		case c.seq > seq:
			return 1
		}
		return 0
	})
	end := min(i+limit, len(r.log))

	res := coordinator.PullResult{Next: cursor.NewInteger(from), HasMore: end < len(r.log)}
	for _, c := range r.log[i:end] {
		p := c.patch
		p.Entity = p.Entity.Clone()
		res.Patches = append(res.Patches, p)
		res.Next = cursor.NewInteger(c.seq)
	}
	return res, nil
}

// Claim re-homes every entity owned by guestID to the account. A repeated
// claim by the same account returns the original mapping; a guest already
// claimed by another account is refused with conflicts.
func (r *Remote) Claim(_ context.Context, guestID, accountID string) (coordinator.ClaimResponse, error) {
	if guestID == "" || accountID == "" {
		return coordinator.ClaimResponse{}, errors.E(errors.OpClaim, errors.Component(component), errors.KindInvalid, "guest and account are required")
	}

	r.mu.Lock()
	if prev, ok := r.claims[guestID]; ok {
		defer r.mu.Unlock()
		if prev.account == accountID {
			return coordinator.ClaimResponse{AccountID: accountID, Mapping: maps.Clone(prev.mapping), Next: cursor.NewInteger(0)}, nil
		}
		var conflicts []model.ConflictDescriptor
		for _, newID := range slices.Sorted(maps.Values(prev.mapping)) {
			if rec, ok := r.entities[newID]; ok {
				conflicts = append(conflicts, model.ConflictDescriptor{
					Target:     model.Ref(newID),
					EntityType: rec.state.EntityType,
					Server:     rec.state.Clone(),
					Reason:     "guest data already belongs to another account",
					RaisedAt:   r.clock.Now(),
				})
			}
		}
		if len(conflicts) == 0 {
			conflicts = append(conflicts, model.ConflictDescriptor{Reason: "guest already claimed by another account", RaisedAt: r.clock.Now()})
		}
		return coordinator.ClaimResponse{Conflicts: conflicts}, nil
	}

	mapping := make(map[string]string)
	for _, id := range slices.Sorted(maps.Keys(r.entities)) {
		rec := r.entities[id]
		if rec.owner != guestID || rec.state.Deleted {
			continue
		}
		r.nextID++
		newID := "srv-" + strconv.Itoa(r.nextID)
		mapping[id] = newID

		moved := rec.state.Clone()
		moved.ID = newID
		moved.Revision = 1
		moved.UpdatedAt = r.clock.Now()
		r.entities[newID] = &record{state: moved, owner: accountID}

		rec.state.Deleted = true
		rec.state.Revision++
		rec.state.UpdatedAt = moved.UpdatedAt
		r.appendLocked(model.PatchDelete, rec.state)
		r.appendLocked(model.PatchUpsert, moved)
	}
	r.claims[guestID] = claim{account: accountID, mapping: mapping}
	seq, notify := r.seq, slices.Clone(r.notify)
	r.mu.Unlock()

	r.logger.Info("guest claimed", "guest_id", guestID, "account_id", accountID, "entities", len(mapping))
	for _, fn := range notify {
		fn(seq)
	}
	// The account view is pulled from the start.
	return coordinator.ClaimResponse{AccountID: accountID, Mapping: maps.Clone(mapping), Next: cursor.NewInteger(0)}, nil
}

// ownerLocked maps a claimed guest to its account.
func (r *Remote) ownerLocked(principal string) string {
	if c, ok := r.claims[principal]; ok {
		return c.account
	}
	return principal
}

func (r *Remote) appendLocked(op model.PatchOp, s model.ServerState) {
	r.seq++
	r.log = append(r.log, change{seq: r.seq, patch: model.Patch{Op: op, Entity: s.Clone().Entity()}})
}

func success(s model.ServerState) coordinator.SendResult {
	s = s.Clone()
	return coordinator.SendResult{Outcome: coordinator.OutcomeSuccess, Server: &s}
}

func conflict(s model.ServerState, reason string) coordinator.SendResult {
	s = s.Clone()
	return coordinator.SendResult{Outcome: coordinator.OutcomeConflict, Server: &s, Reason: reason}
}

func normalize(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), p...)
}

var errOffline = stderrors.New("server unreachable")
