package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/clock"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/events"
	"github.com/c0deZ3R0/go-offline-sync/idmap"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
)

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// fakeClient scripts server responses.
type fakeClient struct {
	mu        sync.Mutex
	send      func(a model.Action) (SendResult, error)
	sent      []model.Action
	pulls     []PullResult
	pullErr   error
	pullSince []cursor.Cursor
}

func (f *fakeClient) Send(_ context.Context, a model.Action) (SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, a)
	send := f.send
	f.mu.Unlock()
	if send == nil {
		return SendResult{Outcome: OutcomeSuccess}, nil
	}
	return send(a)
}

func (f *fakeClient) Pull(_ context.Context, since cursor.Cursor, _ int) (PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullSince = append(f.pullSince, since)
	if f.pullErr != nil {
		return PullResult{}, f.pullErr
	}
	if len(f.pulls) == 0 {
		return PullResult{Next: since}, nil
	}
	next := f.pulls[0]
	f.pulls = f.pulls[1:]
	return next, nil
}

func (f *fakeClient) ClaimGuest(context.Context, string, string) (ClaimResponse, error) {
	return ClaimResponse{}, nil
}

func (f *fakeClient) sentIDs(target string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, a := range f.sent {
		if target == "" || a.Target.ID == target {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

type harness struct {
	c       *Coordinator
	q       *queue.Queue
	qs      *queue.MemoryStore
	store   *localstore.Memory
	client  *fakeClient
	rec     *events.Recorder
	clk     *clock.Fake
	cursors *MemoryCursorStore
	ids     *idmap.Memory
	metrics *CounterMetrics
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		qs:      queue.NewMemoryStore(),
		store:   localstore.NewMemory(),
		client:  &fakeClient{},
		rec:     events.NewRecorder(),
		clk:     clock.NewFake(epoch),
		cursors: &MemoryCursorStore{},
		ids:     idmap.NewMemory(),
		metrics: NewCounterMetrics(),
	}
	h.q = queue.New(h.qs, queue.WithClock(h.clk), queue.WithLogger(logging.Discard()))
	base := []Option{
		WithLocalStore(h.store),
		WithClient(h.client),
		WithListener(h.rec),
		WithClock(h.clk),
		WithLogger(logging.Discard()),
		WithCursorStore(h.cursors),
		WithIDMap(h.ids),
		WithMetrics(h.metrics),
		WithBackoff(Backoff{Base: time.Second, Max: 4 * time.Second}),
	}
	c, err := New(h.q, append(base, opts...)...)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

func (h *harness) enqueue(t *testing.T, kind model.Kind, target model.EntityRef, payload string) string {
	t.Helper()
	id, err := h.q.Enqueue(context.Background(), model.Action{
		Kind:       kind,
		EntityType: "todo",
		Target:     target,
		Payload:    json.RawMessage(payload),
	})
	require.NoError(t, err)
	return id
}

func (h *harness) action(t *testing.T, id string) model.Action {
	t.Helper()
	a, err := h.q.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.c.Running() }, 2*time.Second, time.Millisecond)
}

func success(id string, fields string) (SendResult, error) {
	return SendResult{Outcome: OutcomeSuccess, Server: &model.ServerState{
		ID: id, EntityType: "todo", Revision: 1, UpdatedAt: epoch, Fields: json.RawMessage(fields),
	}}, nil
}
