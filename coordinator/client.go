package coordinator

import (
	"context"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

// SendOutcome classifies the server's answer to a pushed action.
type SendOutcome string

const (
	OutcomeSuccess   SendOutcome = "success"
	OutcomeConflict  SendOutcome = "conflict"
	OutcomeTransient SendOutcome = "transient"
	OutcomeFatal     SendOutcome = "fatal"
)

// SendResult is the structured response to Send.
type SendResult struct {
	Outcome SendOutcome `json:"outcome"`
	// Server is the canonical state after success, or the conflicting state.
	Server *model.ServerState `json:"server,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// PullResult is one batch of server changes.
type PullResult struct {
	Patches []model.Patch
	Next    cursor.Cursor
	HasMore bool
}

// ClaimResponse is the server's answer to a guest claim.
type ClaimResponse struct {
	AccountID string
	// Mapping re-homes guest ids (cids and guest-owned server ids) to ids
	// owned by the account.
	Mapping   map[string]string
	Next      cursor.Cursor
	Conflicts []model.ConflictDescriptor
}

// NetworkClient talks to the remote source of truth. A non-nil error from
// Send or Pull is a transport failure and is treated as transient unless it
// carries errors.KindFatal.
type NetworkClient interface {
	Send(ctx context.Context, a model.Action) (SendResult, error)
	Pull(ctx context.Context, since cursor.Cursor, limit int) (PullResult, error)
	ClaimGuest(ctx context.Context, guestID, credential string) (ClaimResponse, error)
}

// CursorStore persists the single SyncCursor record.
type CursorStore interface {
	// Load returns the persisted cursor, or nil when nothing was pulled yet.
	Load(ctx context.Context) (cursor.Cursor, error)
	Save(ctx context.Context, c cursor.Cursor) error
}

// MemoryCursorStore is a non-durable CursorStore.
type MemoryCursorStore struct {
	mu  sync.Mutex
	cur cursor.Cursor

	// FailSave makes Save fail with the given error.
	FailSave error
}

func (s *MemoryCursorStore) Load(context.Context) (cursor.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur, nil
}

func (s *MemoryCursorStore) Save(_ context.Context, c cursor.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return errors.Persistence(errors.OpStore, "cursor", s.FailSave)
	}
	s.cur = c
	return nil
}
