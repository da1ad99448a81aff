// Package localstore defines the contract the sync engine needs from the
// application's local entity storage, plus an in-memory implementation.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Store is durable keyed entity storage owned by the application.
type Store interface {
	// Get returns the entity, or ok=false when it does not exist.
	Get(ctx context.Context, id string) (model.Entity, bool, error)
	Upsert(ctx context.Context, e model.Entity) error
	Delete(ctx context.Context, id string) error
	// ReadChangesSince returns local changes with a sequence greater than
	// since, oldest first, and the sequence to resume from.
	ReadChangesSince(ctx context.Context, since int64, limit int) ([]model.Patch, int64, error)
	// RewriteReference renames entity oldID to newID and replaces references
	// to oldID held in other entities' fields.
	RewriteReference(ctx context.Context, oldID, newID string) error
}

// BatchApplier is implemented by stores that can apply a pull batch
// atomically. The coordinator uses it when available.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, patches []model.Patch) error
}

// Apply writes patches through s, atomically when s supports it.
func Apply(ctx context.Context, s Store, patches []model.Patch) error {
	if len(patches) == 0 {
		return nil
	}
	if b, ok := s.(BatchApplier); ok {
		return b.ApplyBatch(ctx, patches)
	}
	for _, p := range patches {
		var err error
		if p.Op == model.PatchDelete {
			err = s.Delete(ctx, p.Entity.ID)
		} else {
			err = s.Upsert(ctx, p.Entity)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RewriteFields replaces top-level string values equal to oldID inside a JSON
// object. Nested values and non-object documents are returned unchanged.
func RewriteFields(fields json.RawMessage, oldID, newID string) (json.RawMessage, bool) {
	if len(fields) == 0 {
		return fields, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(fields, &obj); err != nil {
		return fields, false
	}
	oldJSON, _ := json.Marshal(oldID)
	newJSON, _ := json.Marshal(newID)
	changed := false
	for k, v := range obj {
		if string(v) == string(oldJSON) {
			obj[k] = newJSON
			changed = true
		}
	}
	if !changed {
		return fields, false
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return fields, false
	}
	return out, true
}

// MergeFields overlays the top-level fields of patch on base. Both must be
// JSON objects when present.
func MergeFields(base, patch json.RawMessage) (json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &out); err != nil {
			return nil, fmt.Errorf("stored fields are not an object: %w", err)
		}
	}
	if len(patch) > 0 {
		var p map[string]json.RawMessage
		if err := json.Unmarshal(patch, &p); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
		for k, v := range p {
			out[k] = v
		}
	}
	return json.Marshal(out)
}
