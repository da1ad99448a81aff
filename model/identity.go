package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	cidPrefix   = "cid-"
	guestPrefix = "guest-"
)

// GuestIdentity is the anonymous identity a client works under until it
// authenticates and claims its data for an account.
type GuestIdentity struct {
	GuestID   string    `json:"guest_id"`
	CreatedAt time.Time `json:"created_at"`
	Claimed   bool      `json:"claimed"`
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
	AccountID string    `json:"account_id,omitempty"`

	// PendingMapping journals a claim mapping that was accepted by the server
	// but not yet fully applied locally.
	PendingMapping map[string]string `json:"pending_mapping,omitempty"`
	// PendingCursor is the encoded cursor issued with the journaled claim.
	PendingCursor []byte `json:"pending_cursor,omitempty"`
}

// Journaled reports whether a claim was accepted but not fully applied.
func (g GuestIdentity) Journaled() bool {
	return !g.Claimed && (len(g.PendingMapping) > 0 || len(g.PendingCursor) > 0)
}

// NewCID allocates a client temporary id.
func NewCID() string { return cidPrefix + uuid.NewString() }

// IsCID reports whether id looks like a client temporary id.
func IsCID(id string) bool { return strings.HasPrefix(id, cidPrefix) }

// NewActionID allocates an action correlation id.
func NewActionID() string { return uuid.NewString() }

// NewGuestID allocates a guest identity id.
func NewGuestID() string { return guestPrefix + uuid.NewString() }

// ClaimResult describes a completed guest claim.
type ClaimResult struct {
	GuestID   string            `json:"guest_id"`
	AccountID string            `json:"account_id"`
	Mapping   map[string]string `json:"mapping"`
	// RewrittenActions counts queued actions whose target was remapped.
	RewrittenActions int `json:"rewritten_actions"`
}
