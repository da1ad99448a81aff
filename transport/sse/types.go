// Package sse streams change notices from the sync server as server-sent
// events, for clients that cannot keep a WebSocket open.
package sse

import (
	"context"

	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
)

const component = "transport/sse"

// Path is where the event stream is served.
const Path = "/events"

// Feed is the server's change log.
type Feed interface {
	Changes(ctx context.Context, since cursor.Cursor, limit int) (coordinator.PullResult, error)
}

// Notice is the data of one event. The first notice on a stream reports zero
// changes and the head cursor.
type Notice struct {
	Changes    int                `json:"changes"`
	NextCursor *cursor.WireCursor `json:"next_cursor,omitempty"`
}

// Triggerer starts a sync pass.
type Triggerer interface {
	Trigger() bool
}

// Connectivity receives network transitions.
type Connectivity interface {
	NetworkAvailable()
	NetworkLost()
}
