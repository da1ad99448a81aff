// Package idmap is the translation table from client temporary ids (and
// guest-owned ids re-homed by a claim) to canonical server ids. Every
// component that stores or transmits an entity reference consults it.
package idmap

import (
	"context"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/errors"
)

// maxHops bounds chain resolution (cid -> guest server id -> account id).
const maxHops = 8

// Table maps retired ids to their replacements.
type Table interface {
	Put(ctx context.Context, oldID, newID string) error
	// Lookup returns the direct replacement for oldID.
	Lookup(ctx context.Context, oldID string) (string, bool, error)
	All(ctx context.Context) (map[string]string, error)
}

// Resolve follows replacements from id to its current canonical id.
// Unmapped ids resolve to themselves.
func Resolve(ctx context.Context, t Table, id string) (string, error) {
	current := id
	for i := 0; i < maxHops; i++ {
		next, ok, err := t.Lookup(ctx, current)
		if err != nil {
			return "", err
		}
		if !ok || next == current {
			return current, nil
		}
		current = next
	}
	return "", errors.E(errors.Op("idmap.Resolve"), errors.KindInternal, "id mapping chain too long for "+id)
}

// Memory is an in-process Table.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

func (t *Memory) Put(_ context.Context, oldID, newID string) error {
	if oldID == "" || newID == "" {
		return errors.E(errors.Op("idmap.Put"), errors.KindInvalid, "empty id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[oldID] = newID
	return nil
}

func (t *Memory) Lookup(_ context.Context, oldID string) (string, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.m[oldID]
	return id, ok, nil
}

func (t *Memory) All(_ context.Context) (map[string]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out, nil
}
