package resolver

import (
	"encoding/json"

	"github.com/c0deZ3R0/go-offline-sync/model"
)

var (
	_ Resolver = LastWriteWins{}
	_ Resolver = ServerWins{}
	_ Resolver = ClientWins{}
	_ Resolver = FieldMerge{}
	_ Resolver = AskUserPolicy{}
)

// LastWriteWins keeps whichever side was written last, comparing the server's
// update time against the action's creation time. Ties favor the server.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(local model.Action, server model.ServerState) Outcome {
	if !server.UpdatedAt.Before(local.CreatedAt) {
		return Outcome{Decision: AcceptServer, Reason: "server newer or equal"}
	}
	return Outcome{Decision: AcceptLocal, Reason: "local newer"}
}

// ServerWins always keeps the server state.
type ServerWins struct{}

func (ServerWins) Resolve(model.Action, model.ServerState) Outcome {
	return Outcome{Decision: AcceptServer, Reason: "server wins"}
}

// ClientWins always re-submits the local action.
type ClientWins struct{}

func (ClientWins) Resolve(model.Action, model.ServerState) Outcome {
	return Outcome{Decision: AcceptLocal, Reason: "client wins"}
}

// FieldMerge overlays the fields sent by the local action on the server's
// fields. Deletes, server tombstones and non-object documents fall back to
// last-write-wins.
type FieldMerge struct{}

func (FieldMerge) Resolve(local model.Action, server model.ServerState) Outcome {
	if local.Kind == model.KindDelete || server.Deleted {
		return LastWriteWins{}.Resolve(local, server)
	}
	merged, ok := mergeObjects(server.Fields, local.Payload)
	if !ok {
		return LastWriteWins{}.Resolve(local, server)
	}
	return Outcome{Decision: Merge, MergedPayload: merged, Reason: "field merge"}
}

func mergeObjects(base, overlay json.RawMessage) (json.RawMessage, bool) {
	var b, o map[string]json.RawMessage
	if len(base) > 0 {
		if err := json.Unmarshal(base, &b); err != nil || b == nil {
			return nil, false
		}
	} else {
		b = map[string]json.RawMessage{}
	}
	if err := json.Unmarshal(overlay, &o); err != nil || o == nil {
		return nil, false
	}
	for k, v := range o {
		b[k] = v
	}
	out, err := json.Marshal(b)
	if err != nil {
		return nil, false
	}
	return out, true
}

// AskUserPolicy surfaces every conflict to the caller.
type AskUserPolicy struct{ Reason string }

func (p AskUserPolicy) Resolve(local model.Action, server model.ServerState) Outcome {
	reason := p.Reason
	if reason == "" {
		reason = "manual review required"
	}
	return Outcome{Decision: AskUser, Descriptor: Describe(local, server, reason), Reason: reason}
}
