// Package model holds the data types shared by every component of the sync
// engine. It depends on nothing else in the module so that queue, coordinator,
// resolver and storage packages can all import it without cycles.
package model

import (
	"encoding/json"
	"time"
)

// Kind is the mutation an action performs. The set is open: adapters may
// define their own kinds and the engine passes them through untouched.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Status is the lifecycle state of a queued action.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in-flight"
	StatusResolved     Status = "resolved"
	StatusDeadLettered Status = "dead-lettered"
	StatusAwaitingUser Status = "pending-user-decision"
)

var transitions = map[Status][]Status{
	StatusPending:      {StatusInFlight, StatusAwaitingUser},
	StatusInFlight:     {StatusResolved, StatusPending, StatusDeadLettered, StatusAwaitingUser},
	StatusAwaitingUser: {StatusPending, StatusResolved, StatusDeadLettered},
}

// CanTransition reports whether the state machine allows s -> to.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusDeadLettered
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusResolved, StatusDeadLettered, StatusAwaitingUser:
		return true
	}
	return false
}

// EntityRef points at an entity either by its canonical server id or by a
// client temporary id (cid) allocated while offline.
type EntityRef struct {
	ID        string `json:"id"`
	Temporary bool   `json:"temporary,omitempty"`
}

// Ref returns a canonical reference.
func Ref(id string) EntityRef { return EntityRef{ID: id} }

// TempRef returns a reference to a client temporary id.
func TempRef(cid string) EntityRef { return EntityRef{ID: cid, Temporary: true} }

func (r EntityRef) String() string { return r.ID }

// IsZero reports whether the reference is unset.
func (r EntityRef) IsZero() bool { return r.ID == "" }

// Action is a single queued mutation.
type Action struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	EntityType   string          `json:"entity_type"`
	Target       EntityRef       `json:"target"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	BaseRevision int64           `json:"base_revision,omitempty"`

	Status  Status `json:"status"`
	Attempt int    `json:"attempt"`
	// Seq is the creation order assigned by the queue store.
	Seq int64 `json:"seq"`

	CreatedAt     time.Time `json:"created_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`

	LastError string              `json:"last_error,omitempty"`
	Conflict  *ConflictDescriptor `json:"conflict,omitempty"`
}

// Due reports whether the action may be dispatched at now.
func (a Action) Due(now time.Time) bool {
	return a.NextAttemptAt.IsZero() || !a.NextAttemptAt.After(now)
}

// Clone returns a deep copy of the action.
func (a Action) Clone() Action {
	out := a
	if a.Payload != nil {
		out.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.Conflict != nil {
		c := a.Conflict.Clone()
		out.Conflict = &c
	}
	return out
}

// ConflictDescriptor describes a conflict surfaced to the user.
type ConflictDescriptor struct {
	ActionID   string          `json:"action_id"`
	Target     EntityRef       `json:"target"`
	EntityType string          `json:"entity_type"`
	Kind       Kind            `json:"kind"`
	Local      json.RawMessage `json:"local,omitempty"`
	Server     ServerState     `json:"server"`
	Reason     string          `json:"reason,omitempty"`
	RaisedAt   time.Time       `json:"raised_at"`
}

func (d ConflictDescriptor) Clone() ConflictDescriptor {
	out := d
	if d.Local != nil {
		out.Local = append(json.RawMessage(nil), d.Local...)
	}
	out.Server = d.Server.Clone()
	return out
}

// Decision is the caller's answer to a conflict surfaced with AskUser.
type Decision string

const (
	// DecisionKeepServer discards the local action and keeps the server state.
	DecisionKeepServer Decision = "keep-server"
	// DecisionKeepLocal re-submits the local action against the server revision.
	DecisionKeepLocal Decision = "keep-local"
	// DecisionDiscard dead-letters the action without applying anything.
	DecisionDiscard Decision = "discard"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionKeepServer, DecisionKeepLocal, DecisionDiscard:
		return true
	}
	return false
}
