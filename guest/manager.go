// Package guest manages the anonymous identity a client works under before
// sign-in, and the claim handshake that moves its data to an account.
package guest

import (
	"context"
	stderrors "errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/events"
	"github.com/c0deZ3R0/go-offline-sync/idmap"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
)

const component = "guest"

// ErrAlreadyClaimed is returned by Claim once the identity belongs to an account.
var ErrAlreadyClaimed = errors.E(errors.OpClaim, errors.Component(component), errors.KindInvalid, "guest identity already claimed")

// Claimer performs the server side of a claim.
type Claimer interface {
	ClaimGuest(ctx context.Context, guestID, credential string) (coordinator.ClaimResponse, error)
}

// CursorAdopter accepts the cursor issued with a claim.
type CursorAdopter interface {
	AdoptCursor(ctx context.Context, c cursor.Cursor) error
}

// Manager owns the guest identity record.
type Manager struct {
	store    Store
	client   Claimer
	queue    *queue.Queue
	local    localstore.Store
	ids      idmap.Table
	cursors  CursorAdopter
	listener events.Listener
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	claiming atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithQueue(q *queue.Queue) Option { return func(m *Manager) { m.queue = q } }
func WithLocalStore(s localstore.Store) Option { return func(m *Manager) { m.local = s } }
func WithIDMap(t idmap.Table) Option { return func(m *Manager) { m.ids = t } }
func WithCursorAdopter(a CursorAdopter) Option { return func(m *Manager) { m.cursors = a } }
func WithListener(l events.Listener) Option { return func(m *Manager) { m.listener = l } }
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates a Manager. The queue, local store, id map and cursor
// adopter are optional; a claim rewrites whichever are configured.
func NewManager(store Store, client Claimer, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		client:   client,
		listener: events.NopListener{},
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.WithComponent(component)
	}
	return m
}

// EnsureIdentity returns the guest identity, creating and persisting one on
// first use. Repeated calls return the same identity.
func (m *Manager) EnsureIdentity(ctx context.Context) (model.GuestIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx)
}

func (m *Manager) ensureLocked(ctx context.Context) (model.GuestIdentity, error) {
	id, ok, err := m.store.Load(ctx)
	if err != nil {
		return model.GuestIdentity{}, errors.WrapPersistence(err, "guest.Load", component)
	}
	if ok {
		return id, nil
	}
	id = model.GuestIdentity{GuestID: model.NewGuestID(), CreatedAt: m.clock.Now()}
	if err := m.store.Save(ctx, id); err != nil {
		return model.GuestIdentity{}, errors.WrapPersistence(err, "guest.Save", component)
	}
	m.logger.Info("guest identity created", "guest_id", id.GuestID)
	return id, nil
}

// Identity returns the stored identity without creating one.
func (m *Manager) Identity(ctx context.Context) (model.GuestIdentity, bool, error) {
	id, ok, err := m.store.Load(ctx)
	if err != nil {
		return model.GuestIdentity{}, false, errors.WrapPersistence(err, "guest.Load", component)
	}
	return id, ok, nil
}

// Claim migrates guest data to the account the credential authenticates.
//
// Nothing local changes unless the server accepts the claim. The accepted
// mapping is journaled in the identity record before it is applied, so a
// crash part way is finished by the next Claim or ResumeClaim.
func (m *Manager) Claim(ctx context.Context, credential string) (model.ClaimResult, error) {
	if !m.claiming.CompareAndSwap(false, true) {
		return model.ClaimResult{}, errors.ClaimInProgress()
	}
	defer m.claiming.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.ensureLocked(ctx)
	if err != nil {
		return model.ClaimResult{}, err
	}
	if id.Claimed {
		return model.ClaimResult{}, ErrAlreadyClaimed
	}
	if id.Journaled() {
		m.logger.Info("finishing journaled claim", "guest_id", id.GuestID)
		return m.apply(ctx, id)
	}

	cred, err := Inspect(credential, m.clock.Now())
	if err != nil {
		return model.ClaimResult{}, err
	}

	resp, err := m.client.ClaimGuest(ctx, id.GuestID, cred.Token)
	if err != nil {
		switch errors.KindOf(err) {
		case errors.KindClaimConflict, errors.KindClaimNetwork, errors.KindInvalid:
			return model.ClaimResult{}, err
		}
		return model.ClaimResult{}, errors.ClaimNetwork(err)
	}
	if len(resp.Conflicts) > 0 {
		return model.ClaimResult{}, ConflictError(resp.Conflicts)
	}

	id.AccountID = resp.AccountID
	if id.AccountID == "" {
		id.AccountID = cred.Subject
	}
	id.PendingMapping = maps.Clone(resp.Mapping)
	if id.PendingCursor, err = cursor.Encode(resp.Next); err != nil {
		return model.ClaimResult{}, errors.E(errors.OpClaim, errors.Component(component), errors.KindInternal, err)
	}
	if err := m.store.Save(ctx, id); err != nil {
		return model.ClaimResult{}, errors.WrapPersistence(err, "guest.Journal", component)
	}
	m.logger.Debug("claim journaled", "guest_id", id.GuestID, "account_id", id.AccountID, "mappings", len(id.PendingMapping))

	return m.apply(ctx, id)
}

// ResumeClaim finishes a claim left journaled by a crash. It reports false
// when there was nothing to resume.
func (m *Manager) ResumeClaim(ctx context.Context) (model.ClaimResult, bool, error) {
	if !m.claiming.CompareAndSwap(false, true) {
		return model.ClaimResult{}, false, errors.ClaimInProgress()
	}
	defer m.claiming.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok, err := m.store.Load(ctx)
	if err != nil {
		return model.ClaimResult{}, false, errors.WrapPersistence(err, "guest.Load", component)
	}
	if !ok || !id.Journaled() {
		return model.ClaimResult{}, false, nil
	}
	res, err := m.apply(ctx, id)
	return res, err == nil, err
}

// apply rewrites every local reference named by the journaled mapping, then
// marks the identity claimed. Each step is idempotent.
func (m *Manager) apply(ctx context.Context, id model.GuestIdentity) (model.ClaimResult, error) {
	res := model.ClaimResult{
		GuestID:   id.GuestID,
		AccountID: id.AccountID,
		Mapping:   maps.Clone(id.PendingMapping),
	}

	for _, oldID := range slices.Sorted(maps.Keys(id.PendingMapping)) {
		newID := id.PendingMapping[oldID]
		if oldID == newID || newID == "" {
			continue
		}
		if m.ids != nil {
			if err := m.ids.Put(ctx, oldID, newID); err != nil {
				return res, errors.WrapPersistence(err, "guest.apply", component)
			}
		}
		if m.local != nil {
			if err := m.local.RewriteReference(ctx, oldID, newID); err != nil {
				return res, errors.WrapPersistence(err, "guest.apply", component)
			}
		}
		if m.queue != nil {
			n, err := m.queue.RewriteTarget(ctx, oldID, newID)
			if err != nil {
				return res, err
			}
			res.RewrittenActions += n
		}
	}

	next, err := cursor.Decode(id.PendingCursor)
	if err != nil {
		return res, errors.E(errors.OpClaim, errors.Component(component), errors.KindInternal, err, "journaled cursor")
	}
	if next != nil && m.cursors != nil {
		if err := m.cursors.AdoptCursor(ctx, next); err != nil {
			return res, err
		}
	}

	id.Claimed = true
	id.ClaimedAt = m.clock.Now()
	id.PendingMapping = nil
	id.PendingCursor = nil
	if err := m.store.Save(ctx, id); err != nil {
		return res, errors.WrapPersistence(err, "guest.Save", component)
	}

	m.logger.Info("guest identity claimed",
		"guest_id", res.GuestID,
		"account_id", res.AccountID,
		"mappings", len(res.Mapping),
		"rewritten_actions", res.RewrittenActions)
	m.listener.OnClaimCompleted(res)
	return res, nil
}

// ConflictError builds the claim error carrying the server's conflicts.
func ConflictError(conflicts []model.ConflictDescriptor) error {
	err := errors.ClaimConflict(errors.E(errors.OpClaim, "server reported conflicting data"))
	err.Metadata = map[string]interface{}{"conflicts": conflicts}
	return err
}

// Conflicts extracts the conflicts from a claim conflict error.
func Conflicts(err error) []model.ConflictDescriptor {
	for err != nil {
		var syncErr *errors.SyncError
		if !stderrors.As(err, &syncErr) {
			return nil
		}
		if c, ok := syncErr.Metadata["conflicts"].([]model.ConflictDescriptor); ok {
			return c
		}
		err = syncErr.Err
	}
	return nil
}
