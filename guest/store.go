package guest

import (
	"context"
	"maps"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Store persists the single guest identity record.
type Store interface {
	// Load returns the identity and whether one exists.
	Load(ctx context.Context) (model.GuestIdentity, bool, error)
	Save(ctx context.Context, id model.GuestIdentity) error
}

// MemoryStore is a non-durable Store.
type MemoryStore struct {
	mu sync.Mutex
	id *model.GuestIdentity

	// FailSave makes Save fail with the given error.
	FailSave error
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(context.Context) (model.GuestIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		return model.GuestIdentity{}, false, nil
	}
	return clone(*s.id), true, nil
}

func (s *MemoryStore) Save(_ context.Context, id model.GuestIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return errors.Persistence(errors.OpStore, component, s.FailSave)
	}
	cp := clone(id)
	s.id = &cp
	return nil
}

func clone(id model.GuestIdentity) model.GuestIdentity {
	id.PendingMapping = maps.Clone(id.PendingMapping)
	if id.PendingCursor != nil {
		id.PendingCursor = append([]byte(nil), id.PendingCursor...)
	}
	return id
}
