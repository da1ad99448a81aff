package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/remote"
)

type recorder struct {
	triggers  atomic.Int32
	available atomic.Int32
	lost      atomic.Int32
}

func (r *recorder) Trigger() bool     { r.triggers.Add(1); return true }
func (r *recorder) NetworkAvailable() { r.available.Add(1) }
func (r *recorder) NetworkLost()      { r.lost.Add(1) }

func newServer(t *testing.T) (*remote.Remote, *httptest.Server) {
	t.Helper()
	r := remote.New(remote.WithLogger(logging.Discard()))
	s := NewServer(r, logging.Discard())
	s.PollInterval = 10 * time.Millisecond
	mux := http.NewServeMux()
	mux.Handle(Path, s.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return r, srv
}

func TestSubscribe_HelloThenChanges(t *testing.T) {
	r, srv := newServer(t)
	r.Put(context.Background(), "srv-0", "task", json.RawMessage(`{"n":0}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notices := make(chan Notice, 8)
	done := make(chan error, 1)
	go func() {
		done <- NewClient(srv.URL+Path, nil).Subscribe(ctx, nil, func(n Notice) error {
			notices <- n
			return nil
		})
	}()

	hello := <-notices
	assert.Equal(t, 0, hello.Changes)
	require.NotNil(t, hello.NextCursor)
	head, err := cursor.UnmarshalWire(hello.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, cursor.NewInteger(1), head)

	r.Put(context.Background(), "srv-1", "task", json.RawMessage(`{"n":1}`))
	r.Put(context.Background(), "srv-2", "task", json.RawMessage(`{"n":2}`))

	total := 0
	for total < 2 {
		select {
		case n := <-notices:
			total += n.Changes
		case <-ctx.Done():
			t.Fatal("timed out waiting for change notices")
		}
	}
	assert.Equal(t, 2, total)

	cancel()
	assert.NoError(t, <-done)
}

func TestSubscribe_FromCursorReplaysChanges(t *testing.T) {
	r, srv := newServer(t)
	for _, id := range []string{"a", "b", "c"} {
		r.Put(context.Background(), id, "task", json.RawMessage(`{}`))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notices := make(chan Notice, 8)
	go func() {
		_ = NewClient(srv.URL+Path, nil).Subscribe(ctx, cursor.NewInteger(1), func(n Notice) error {
			notices <- n
			return nil
		})
	}()

	hello := <-notices
	assert.Equal(t, 0, hello.Changes)
	replay := <-notices
	assert.Equal(t, 2, replay.Changes)
	next, err := cursor.UnmarshalWire(replay.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, cursor.NewInteger(3), next)
}

func TestHandler_RejectsBadCursor(t *testing.T) {
	_, srv := newServer(t)
	resp, err := http.Get(srv.URL + Path + "?cursor=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotifier_TriggersAndReportsConnectivity(t *testing.T) {
	r, srv := newServer(t)
	rec := &recorder{}
	n := NewNotifier(NewClient(srv.URL+Path, nil), rec,
		WithConnectivity(rec),
		WithReconnectBackoff(coordinator.Backoff{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond}),
		WithNotifierLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, n.Connected, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, rec.available.Load())
	before := rec.triggers.Load()
	assert.GreaterOrEqual(t, before, int32(1))

	r.Put(context.Background(), "x", "task", json.RawMessage(`{}`))
	require.Eventually(t, func() bool { return rec.triggers.Load() > before }, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNotifier_ReconnectsAfterServerDown(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	n := NewNotifier(NewClient(srv.URL+Path, nil), rec,
		WithConnectivity(rec),
		WithReconnectBackoff(coordinator.Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond}),
		WithNotifierLogger(logging.Discard()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Run(ctx), context.DeadlineExceeded)
	assert.False(t, n.Connected())
	assert.Zero(t, rec.available.Load())
	assert.Zero(t, rec.triggers.Load())
}
