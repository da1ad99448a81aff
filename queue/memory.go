package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

const opMemory = "queue.MemoryStore"

// MemoryStore is a non-durable Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]model.Action
	seq     int64

	// FailWrites makes every mutating call fail with the given error.
	FailWrites error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]model.Action)}
}

func (s *MemoryStore) Insert(_ context.Context, a *model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, exists := s.actions[a.ID]; exists {
		return errors.E(errors.Op(opMemory+".Insert"), errors.KindInvalid, "duplicate action id "+a.ID)
	}
	s.seq++
	a.Seq = s.seq
	s.actions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return model.Action{}, notFound(opMemory+".Get", id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, a model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, ok := s.actions[a.ID]; !ok {
		return notFound(opMemory+".Update", a.ID)
	}
	s.actions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, ok := s.actions[id]; !ok {
		return notFound(opMemory+".Delete", id)
	}
	delete(s.actions, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]model.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Action, 0, len(s.actions))
	for _, a := range s.actions {
		if f.Match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) RewriteTarget(_ context.Context, oldID, newID string, statuses []model.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return 0, s.FailWrites
	}
	f := Filter{Statuses: statuses, Target: oldID}
	n := 0
	for id, a := range s.actions {
		if !f.Match(a) {
			continue
		}
		a.Target = model.Ref(newID)
		s.actions[id] = a
		n++
	}
	return n, nil
}

func notFound(op, id string) error {
	return errors.E(errors.Op(op), errors.KindNotFound, "action "+id+" not found")
}
