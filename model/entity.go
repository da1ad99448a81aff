package model

import (
	"encoding/json"
	"time"
)

// Entity is a row of the local store.
type Entity struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = append(json.RawMessage(nil), e.Fields...)
	}
	return out
}

// ServerState is the canonical state of an entity as reported by the remote.
type ServerState struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	Revision   int64           `json:"revision"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
}

func (s ServerState) Clone() ServerState {
	out := s
	if s.Fields != nil {
		out.Fields = append(json.RawMessage(nil), s.Fields...)
	}
	return out
}

// Entity converts the server state into a local store row.
func (s ServerState) Entity() Entity {
	return Entity{
		ID:        s.ID,
		Type:      s.EntityType,
		Fields:    s.Fields,
		Revision:  s.Revision,
		UpdatedAt: s.UpdatedAt,
		Deleted:   s.Deleted,
	}
}

// PatchOp is the operation carried by a Patch.
type PatchOp string

const (
	PatchUpsert PatchOp = "upsert"
	PatchDelete PatchOp = "delete"
)

// Patch is a single change to an entity, produced by the remote during pull
// or by the local store's change log.
type Patch struct {
	Op     PatchOp `json:"op"`
	Entity Entity  `json:"entity"`
	// Seq orders local changes; remote patches leave it zero.
	Seq int64 `json:"seq,omitempty"`
}

// ServerState returns the patch as a server state for conflict resolution.
func (p Patch) ServerState() ServerState {
	return ServerState{
		ID:         p.Entity.ID,
		EntityType: p.Entity.Type,
		Revision:   p.Entity.Revision,
		UpdatedAt:  p.Entity.UpdatedAt,
		Fields:     p.Entity.Fields,
		Deleted:    p.Op == PatchDelete || p.Entity.Deleted,
	}
}
