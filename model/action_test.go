package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInFlight, true},
		{StatusPending, StatusResolved, false},
		{StatusPending, StatusAwaitingUser, true},
		{StatusInFlight, StatusResolved, true},
		{StatusInFlight, StatusPending, true},
		{StatusInFlight, StatusDeadLettered, true},
		{StatusInFlight, StatusAwaitingUser, true},
		{StatusAwaitingUser, StatusPending, true},
		{StatusAwaitingUser, StatusInFlight, false},
		{StatusResolved, StatusPending, false},
		{StatusDeadLettered, StatusPending, false},
		{StatusDeadLettered, StatusInFlight, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StatusResolved.Terminal())
	assert.True(t, StatusDeadLettered.Terminal())
	assert.False(t, StatusAwaitingUser.Terminal())
	assert.False(t, Status("bogus").Valid())
}

func TestAction_Due(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, Action{}.Due(now))
	assert.True(t, Action{NextAttemptAt: now}.Due(now))
	assert.False(t, Action{NextAttemptAt: now.Add(time.Second)}.Due(now))
}

func TestAction_CloneIsDeep(t *testing.T) {
	a := Action{
		Payload:  json.RawMessage(`{"title":"x"}`),
		Conflict: &ConflictDescriptor{Local: json.RawMessage(`{}`)},
	}
	b := a.Clone()
	b.Payload[2] = 'X'
	b.Conflict.Reason = "changed"
	assert.Equal(t, `{"title":"x"}`, string(a.Payload))
	assert.Empty(t, a.Conflict.Reason)
}

func TestIDs(t *testing.T) {
	cid := NewCID()
	assert.True(t, IsCID(cid))
	assert.False(t, IsCID("srv-9"))
	assert.NotEqual(t, NewActionID(), NewActionID())
	assert.Contains(t, NewGuestID(), "guest-")
}

func TestPatch_ServerState(t *testing.T) {
	p := Patch{Op: PatchDelete, Entity: Entity{ID: "srv-1", Type: "todo", Revision: 3}}
	s := p.ServerState()
	assert.True(t, s.Deleted)
	assert.Equal(t, "todo", s.EntityType)
	assert.Equal(t, int64(3), s.Revision)
}
