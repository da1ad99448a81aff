// Package resolver decides what happens when the server disagrees with a
// local action. Resolvers are pure: the same inputs always give the same
// Outcome and nothing is written anywhere.
package resolver

import (
	"encoding/json"

	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Decision is the kind of Outcome.
type Decision string

const (
	// AcceptServer discards the local action and applies the server state.
	AcceptServer Decision = "accept-server"
	// AcceptLocal re-submits the local action against the server revision.
	AcceptLocal Decision = "accept-local"
	// Merge re-submits a combined payload.
	Merge Decision = "merge"
	// AskUser parks the action until the caller decides.
	AskUser Decision = "ask-user"
)

// Outcome is the result of resolving one conflict.
type Outcome struct {
	Decision      Decision
	MergedPayload json.RawMessage
	Descriptor    *model.ConflictDescriptor
	Reason        string
}

// Resolver maps a local action and the conflicting server state to an Outcome.
type Resolver interface {
	Resolve(local model.Action, server model.ServerState) Outcome
}

// Func adapts a function to Resolver.
type Func func(local model.Action, server model.ServerState) Outcome

func (f Func) Resolve(local model.Action, server model.ServerState) Outcome { return f(local, server) }

// Describe builds the descriptor surfaced to the user for a conflict.
func Describe(local model.Action, server model.ServerState, reason string) *model.ConflictDescriptor {
	return &model.ConflictDescriptor{
		ActionID:   local.ID,
		Target:     local.Target,
		EntityType: local.EntityType,
		Kind:       local.Kind,
		Local:      local.Payload,
		Server:     server,
		Reason:     reason,
	}
}

// Default returns the default policy, last-write-wins.
func Default() Resolver { return LastWriteWins{} }
