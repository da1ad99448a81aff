package localstore

import (
	"context"
	"sort"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Memory is an in-process Store with a local change log.
type Memory struct {
	mu       sync.RWMutex
	entities map[string]model.Entity
	changes  []model.Patch
	seq      int64

	// FailApply, when set, makes ApplyBatch fail without writing anything.
	FailApply error
}

func NewMemory() *Memory {
	return &Memory{entities: make(map[string]model.Entity)}
}

func (m *Memory) Get(_ context.Context, id string) (model.Entity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return model.Entity{}, false, nil
	}
	return e.Clone(), true, nil
}

func (m *Memory) Upsert(_ context.Context, e model.Entity) error {
	if e.ID == "" {
		return errors.E(errors.Op("localstore.Upsert"), errors.KindInvalid, "entity has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(e)
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(id)
	return nil
}

func (m *Memory) ApplyBatch(_ context.Context, patches []model.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailApply != nil {
		return m.FailApply
	}
	for _, p := range patches {
		if p.Entity.ID == "" {
			return errors.E(errors.Op("localstore.ApplyBatch"), errors.KindInvalid, "patch has no entity id")
		}
	}
	for _, p := range patches {
		if p.Op == model.PatchDelete {
			m.deleteLocked(p.Entity.ID)
		} else {
			m.upsertLocked(p.Entity)
		}
	}
	return nil
}

func (m *Memory) upsertLocked(e model.Entity) {
	e = e.Clone()
	m.entities[e.ID] = e
	m.record(model.PatchUpsert, e)
}

func (m *Memory) deleteLocked(id string) {
	e, ok := m.entities[id]
	if !ok {
		return
	}
	delete(m.entities, id)
	e.Deleted = true
	m.record(model.PatchDelete, e)
}

func (m *Memory) record(op model.PatchOp, e model.Entity) {
	m.seq++
	m.changes = append(m.changes, model.Patch{Op: op, Entity: e.Clone(), Seq: m.seq})
}

func (m *Memory) ReadChangesSince(_ context.Context, since int64, limit int) ([]model.Patch, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.changes), func(i int) bool { return m.changes[i].Seq > since })
	var out []model.Patch
	next := since
	for ; i < len(m.changes); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		p := m.changes[i]
		p.Entity = p.Entity.Clone()
		out = append(out, p)
		next = p.Seq
	}
	return out, next, nil
}

func (m *Memory) RewriteReference(_ context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entities[oldID]; ok {
		delete(m.entities, oldID)
		e.ID = newID
		m.entities[newID] = e
		m.record(model.PatchUpsert, e)
	}
	for id, e := range m.entities {
		if fields, changed := RewriteFields(e.Fields, oldID, newID); changed {
			e.Fields = fields
			m.entities[id] = e
			m.record(model.PatchUpsert, e)
		}
	}
	return nil
}

// Len returns the number of stored entities.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}
