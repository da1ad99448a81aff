package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
	"github.com/c0deZ3R0/go-offline-sync/resolver"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	q := queue.New(queue.NewMemoryStore())
	_, err := New(q)
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)

	_, err = New(q, WithMaxAttempts(0))
	assert.True(t, errors.Is(errors.KindInvalid, err))
}

func TestCreateOffline_RemapsClientID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Upsert(ctx, model.Entity{ID: "cid-1", Type: "todo", Fields: json.RawMessage(`{"title":"Buy milk"}`)}))
	id := h.enqueue(t, model.KindCreate, model.TempRef("cid-1"), `{"title":"Buy milk"}`)

	h.client.send = func(model.Action) (SendResult, error) {
		return success("srv-9", `{"title":"Buy milk"}`)
	}

	res, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)

	_, ok, _ := h.store.Get(ctx, "cid-1")
	assert.False(t, ok, "cid entity must be retired")
	e, ok, _ := h.store.Get(ctx, "srv-9")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"Buy milk"}`, string(e.Fields))

	remaining, err := h.q.List(ctx, queue.Filter{})
	require.NoError(t, err)
	assert.Empty(t, remaining, "the queue no longer contains the action")
	assert.Equal(t, []string{id}, h.rec.ResolvedIDs())

	mapped, err := h.ids.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cid-1": "srv-9"}, mapped)
}

func TestCreateOffline_FollowUpActionsUseCanonicalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.enqueue(t, model.KindCreate, model.TempRef("cid-1"), `{"title":"a"}`)
	h.enqueue(t, model.KindUpdate, model.TempRef("cid-1"), `{"title":"b"}`)

	h.client.send = func(a model.Action) (SendResult, error) {
		if a.Kind == model.KindCreate {
			return success("srv-9", `{"title":"a"}`)
		}
		return success(a.Target.ID, `{"title":"b"}`)
	}

	_, err := h.c.RunPass(ctx)
	require.NoError(t, err)

	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	require.Len(t, h.client.sent, 2)
	assert.Equal(t, "cid-1", h.client.sent[0].Target.ID)
	assert.Equal(t, "srv-9", h.client.sent[1].Target.ID, "update must be rewritten before transmission")
}

// rewriteFailStore fails the first n reference rewrites.
type rewriteFailStore struct {
	*localstore.Memory
	mu    sync.Mutex
	fails int
}

func (s *rewriteFailStore) RewriteReference(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	fail := s.fails > 0
	if fail {
		s.fails--
	}
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("disk I/O error")
	}
	return s.Memory.RewriteReference(ctx, oldID, newID)
}

func TestCreateOffline_FailedLocalRewriteIsRetried(t *testing.T) {
	store := &rewriteFailStore{Memory: localstore.NewMemory(), fails: 1}
	h := newHarness(t, WithLocalStore(store))
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, model.Entity{ID: "cid-1", Type: "todo", Fields: json.RawMessage(`{"title":"Buy milk"}`)}))
	id := h.enqueue(t, model.KindCreate, model.TempRef("cid-1"), `{"title":"Buy milk"}`)
	h.client.send = func(model.Action) (SendResult, error) { return success("srv-1", `{"title":"Buy milk"}`) }

	res, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Empty(t, h.rec.ResolvedIDs())
	assert.Equal(t, model.StatusPending, h.action(t, id).Status)
	_, ok, _ := store.Get(ctx, "srv-1")
	assert.False(t, ok, "server state waits for the rewrite")

	h.clk.Advance(time.Minute)
	h.waitIdle(t)

	assert.Equal(t, []string{id}, h.rec.ResolvedIDs())
	_, ok, _ = store.Get(ctx, "cid-1")
	assert.False(t, ok)
	e, ok, _ := store.Get(ctx, "srv-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"Buy milk"}`, string(e.Fields))
	assert.Equal(t, 1, store.Len())

	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	require.Len(t, h.client.sent, 2)
	assert.Equal(t, "srv-1", h.client.sent[1].Target.ID)
}

func TestPush_PerEntityOrderWithoutOverlap(t *testing.T) {
	h := newHarness(t, WithParallelism(4))
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, h.enqueue(t, model.KindUpdate, model.Ref("A"), fmt.Sprintf(`{"n":%d}`, i)))
	}
	b := h.enqueue(t, model.KindUpdate, model.Ref("B"), `{}`)

	var mu sync.Mutex
	inFlight := map[string]int{}
	overlap := false
	h.client.send = func(a model.Action) (SendResult, error) {
		mu.Lock()
		inFlight[a.Target.ID]++
		if inFlight[a.Target.ID] > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight[a.Target.ID]--
		mu.Unlock()
		return SendResult{Outcome: OutcomeSuccess}, nil
	}

	res, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Pushed)
	assert.False(t, overlap, "two actions for one entity were in flight at once")
	assert.Equal(t, want, h.client.sentIDs("A"))
	assert.Equal(t, []string{b}, h.client.sentIDs("B"))
}

func TestTrigger_CoalescesWhilePassRuns(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.client.send = func(model.Action) (SendResult, error) {
		close(entered)
		<-release
		return SendResult{Outcome: OutcomeSuccess}, nil
	}

	assert.True(t, h.c.Trigger())
	<-entered
	assert.False(t, h.c.Trigger(), "second trigger must be a no-op")

	_, err := h.c.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	h.waitIdle(t)
	assert.Equal(t, 1, h.metrics.Snapshot().Passes)
}

func TestWakeup_DuringPassRunsAnotherPass(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.client.send = func(model.Action) (SendResult, error) {
		close(entered)
		<-release
		return SendResult{Outcome: OutcomeSuccess}, nil
	}

	assert.True(t, h.c.Trigger())
	<-entered
	h.c.wakeup()

	close(release)
	require.Eventually(t, func() bool { return h.metrics.Snapshot().Passes == 2 }, 2*time.Second, time.Millisecond)
	h.waitIdle(t)
}

func TestTransient_DeadLettersAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, WithMaxAttempts(5))
	ctx := context.Background()
	id := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)

	h.client.send = func(model.Action) (SendResult, error) {
		return SendResult{}, fmt.Errorf("connection refused")
	}

	_, err := h.c.RunPass(ctx)
	require.NoError(t, err)

	var lastDelay time.Duration
	for attempt := 1; attempt < 5; attempt++ {
		a := h.action(t, id)
		require.Equal(t, model.StatusPending, a.Status)
		require.Equal(t, attempt, a.Attempt)

		delay := a.NextAttemptAt.Sub(h.clk.Now())
		assert.Equal(t, h.c.backoff.Delay(attempt), delay)
		assert.GreaterOrEqual(t, delay, lastDelay, "backoff must not shrink")
		lastDelay = delay

		// The wake-up timer starts the next pass.
		h.clk.Advance(delay)
		h.waitIdle(t)
	}

	a := h.action(t, id)
	assert.Equal(t, model.StatusDeadLettered, a.Status)
	assert.Equal(t, 5, a.Attempt)
	assert.Equal(t, 1, h.rec.DeadLetterCount(id))

	_, err = h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.rec.DeadLetterCount(id), "event fires exactly once")
	assert.Len(t, h.client.sentIDs("A"), 5)
}

func TestTransient_BlocksOnlyItsEntity(t *testing.T) {
	h := newHarness(t)
	a1 := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	a2 := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	b1 := h.enqueue(t, model.KindUpdate, model.Ref("B"), `{}`)

	h.client.send = func(a model.Action) (SendResult, error) {
		if a.Target.ID == "A" {
			return SendResult{Outcome: OutcomeTransient, Reason: "503"}, nil
		}
		return SendResult{Outcome: OutcomeSuccess}, nil
	}

	res, err := h.c.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, []string{a1}, h.client.sentIDs("A"), "later actions for A wait behind the retry")
	assert.Equal(t, []string{b1}, h.rec.ResolvedIDs())
	assert.Equal(t, "503", h.action(t, a1).LastError)
	assert.Equal(t, model.StatusPending, h.action(t, a2).Status)
}

func TestFatal_DeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	bad := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	good := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)

	h.client.send = func(a model.Action) (SendResult, error) {
		if a.ID == bad {
			return SendResult{Outcome: OutcomeFatal, Reason: "422 invalid title"}, nil
		}
		return SendResult{Outcome: OutcomeSuccess}, nil
	}

	res, err := h.c.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, "422 invalid title", h.rec.DeadLettered[bad])
	assert.Equal(t, 1, h.action(t, bad).Attempt, "fatal failures are not retried")
	assert.Equal(t, []string{good}, h.rec.ResolvedIDs(), "a dead letter does not block the entity")
}

func TestFatal_TransportErrorKind(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	h.client.send = func(model.Action) (SendResult, error) {
		return SendResult{}, errors.Fatal(errors.OpPush, fmt.Errorf("400 bad request"))
	}

	_, err := h.c.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeadLettered, h.action(t, id).Status)
}

func conflictWith(updated time.Time, rev int64, fields string) func(model.Action) (SendResult, error) {
	return func(model.Action) (SendResult, error) {
		return SendResult{Outcome: OutcomeConflict, Server: &model.ServerState{
			ID: "A", EntityType: "todo", Revision: rev, UpdatedAt: updated, Fields: json.RawMessage(fields),
		}}, nil
	}
}

func TestConflict_DefaultPolicyServerNewer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, model.Entity{ID: "A", Type: "todo", Fields: json.RawMessage(`{"title":"mine"}`)}))
	id := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{"title":"mine"}`)

	h.client.send = conflictWith(epoch.Add(time.Minute), 5, `{"title":"theirs"}`)

	res, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, []string{id}, h.rec.ResolvedIDs())

	e, ok, _ := h.store.Get(ctx, "A")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"theirs"}`, string(e.Fields), "the later server write wins")
	assert.Equal(t, int64(5), e.Revision)
}

func TestConflict_DefaultPolicyLocalNewer(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{"title":"mine"}`)

	first := conflictWith(epoch.Add(-time.Minute), 5, `{"title":"old"}`)
	var calls int
	h.client.send = func(a model.Action) (SendResult, error) {
		calls++
		if calls == 1 {
			return first(a)
		}
		if a.BaseRevision != 5 {
			return SendResult{Outcome: OutcomeFatal, Reason: "wrong base revision"}, nil
		}
		return SendResult{Outcome: OutcomeSuccess}, nil
	}

	_, err := h.c.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{id}, h.rec.ResolvedIDs())
}

func TestConflict_FieldMergeResubmits(t *testing.T) {
	h := newHarness(t, WithResolver(resolver.FieldMerge{}))
	h.enqueue(t, model.KindUpdate, model.Ref("A"), `{"title":"mine"}`)

	var second model.Action
	calls := 0
	h.client.send = func(a model.Action) (SendResult, error) {
		calls++
		if calls == 1 {
			return conflictWith(epoch, 3, `{"title":"theirs","done":true}`)(a)
		}
		second = a
		return SendResult{Outcome: OutcomeSuccess}, nil
	}

	_, err := h.c.RunPass(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"mine","done":true}`, string(second.Payload))
	assert.Equal(t, int64(3), second.BaseRevision)
}

func TestConflict_AskUserAndDecide(t *testing.T) {
	h := newHarness(t, WithResolver(resolver.AskUserPolicy{}))
	ctx := context.Background()
	id := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{"title":"mine"}`)
	later := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{"title":"mine again"}`)

	h.client.send = conflictWith(epoch, 7, `{"title":"theirs"}`)

	res, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AwaitingUser)
	require.Equal(t, 1, h.rec.ConflictCount())
	assert.Equal(t, id, h.rec.Conflicts[0].ActionID)
	assert.Equal(t, model.StatusAwaitingUser, h.action(t, id).Status)
	assert.Equal(t, []string{id}, h.client.sentIDs("A"), "the parked action blocks its entity")

	// Not retried automatically.
	_, err = h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Len(t, h.client.sentIDs("A"), 1)

	h.client.send = func(model.Action) (SendResult, error) { return SendResult{Outcome: OutcomeSuccess}, nil }
	require.NoError(t, h.c.Decide(ctx, id, model.DecisionKeepLocal))
	h.waitIdle(t)

	_, err = h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id, later}, h.rec.ResolvedIDs())
	assert.Equal(t, int64(7), h.client.sent[1].BaseRevision)
}

func TestDecide_KeepServerAndDiscard(t *testing.T) {
	h := newHarness(t, WithResolver(resolver.AskUserPolicy{}))
	ctx := context.Background()
	a := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	h.client.send = conflictWith(epoch, 2, `{"title":"theirs"}`)
	_, err := h.c.RunPass(ctx)
	require.NoError(t, err)

	require.NoError(t, h.c.Decide(ctx, a, model.DecisionKeepServer))
	e, ok, _ := h.store.Get(ctx, "A")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"theirs"}`, string(e.Fields))
	assert.Equal(t, []string{a}, h.rec.ResolvedIDs())

	err = h.c.Decide(ctx, a, model.DecisionKeepServer)
	assert.True(t, errors.Is(errors.KindNotFound, err))

	b := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	_, err = h.c.RunPass(ctx)
	require.NoError(t, err)
	require.NoError(t, h.c.Decide(ctx, b, model.DecisionDiscard))
	assert.Equal(t, model.StatusDeadLettered, h.action(t, b).Status)
	assert.Equal(t, 1, h.rec.DeadLetterCount(b))

	assert.True(t, errors.Is(errors.KindInvalid, h.c.Decide(ctx, b, "maybe")))
}

func TestUserDecisionTTL_ExpiresToServer(t *testing.T) {
	h := newHarness(t, WithResolver(resolver.AskUserPolicy{}), WithUserDecisionTTL(time.Hour))
	ctx := context.Background()
	id := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	h.client.send = conflictWith(epoch, 2, `{"title":"theirs"}`)

	_, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingUser, h.action(t, id).Status)

	h.clk.Advance(59 * time.Minute)
	_, err = h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingUser, h.action(t, id).Status)

	h.clk.Advance(time.Minute)
	_, err = h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, h.rec.ResolvedIDs())
	e, ok, _ := h.store.Get(ctx, "A")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"theirs"}`, string(e.Fields))
}

func TestPull_AppliesBatchesAndAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	patch := func(id string) model.Patch {
		return model.Patch{Op: model.PatchUpsert, Entity: model.Entity{ID: id, Type: "todo", Fields: json.RawMessage(`{}`)}}
	}
	h.client.pulls = []PullResult{
		{Patches: []model.Patch{patch("x"), patch("y")}, Next: cursor.NewInteger(2), HasMore: true},
		{Patches: []model.Patch{patch("z")}, Next: cursor.NewInteger(3)},
	}

	res, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pulled)
	assert.Equal(t, 3, h.store.Len())
	assert.Equal(t, 3, h.rec.PulledTotal())

	cur, err := h.c.Cursor(ctx)
	require.NoError(t, err)
	assert.True(t, cursor.Equal(cursor.NewInteger(3), cur))
	assert.Nil(t, h.client.pullSince[0])
	assert.True(t, cursor.Equal(cursor.NewInteger(2), h.client.pullSince[1]))
}

func TestPull_FailedApplyKeepsCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.FailApply = fmt.Errorf("disk error")
	h.client.pulls = []PullResult{{
		Patches: []model.Patch{{Op: model.PatchUpsert, Entity: model.Entity{ID: "x"}}},
		Next:    cursor.NewInteger(9),
	}}

	res, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Error(t, res.PullErr)
	assert.NoError(t, h.c.Halted(), "local store failures do not halt the coordinator")

	cur, err := h.c.Cursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestPull_NetworkErrorIsReported(t *testing.T) {
	h := newHarness(t)
	h.client.pullErr = fmt.Errorf("dial tcp: connection refused")

	res, err := h.c.RunPass(context.Background())
	require.NoError(t, err)
	assert.True(t, errors.IsTransient(res.PullErr))
}

func TestPull_DoesNotOverwriteNewerLocalWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, model.Entity{ID: "X", Type: "todo", Fields: json.RawMessage(`{"title":"mine"}`)}))
	h.enqueue(t, model.KindUpdate, model.Ref("X"), `{"title":"mine"}`)

	h.client.send = func(model.Action) (SendResult, error) {
		return SendResult{Outcome: OutcomeTransient}, nil
	}
	h.client.pulls = []PullResult{{Patches: []model.Patch{
		{Op: model.PatchUpsert, Entity: model.Entity{ID: "X", Type: "todo", UpdatedAt: epoch.Add(-time.Hour), Fields: json.RawMessage(`{"title":"stale"}`)}},
		{Op: model.PatchUpsert, Entity: model.Entity{ID: "Y", Type: "todo", Fields: json.RawMessage(`{}`)}},
	}, Next: cursor.NewInteger(1)}}

	res, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)

	e, _, _ := h.store.Get(ctx, "X")
	assert.JSONEq(t, `{"title":"mine"}`, string(e.Fields))
	_, ok, _ := h.store.Get(ctx, "Y")
	assert.True(t, ok)
}

func TestPull_AskUserParksPendingAction(t *testing.T) {
	h := newHarness(t, WithResolver(resolver.AskUserPolicy{}))
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, model.Entity{ID: "X", Type: "todo", Fields: json.RawMessage(`{"title":"mine"}`)}))
	id := h.enqueue(t, model.KindUpdate, model.Ref("X"), `{"title":"mine"}`)

	h.client.send = func(model.Action) (SendResult, error) {
		return SendResult{Outcome: OutcomeTransient}, nil
	}
	h.client.pulls = []PullResult{{Patches: []model.Patch{
		{Op: model.PatchUpsert, Entity: model.Entity{ID: "X", Type: "todo", Revision: 4, Fields: json.RawMessage(`{"title":"theirs"}`)}},
	}, Next: cursor.NewInteger(1)}}

	res, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pulled)
	assert.Equal(t, 1, res.AwaitingUser)

	a := h.action(t, id)
	assert.Equal(t, model.StatusAwaitingUser, a.Status)
	require.NotNil(t, a.Conflict)
	assert.Equal(t, int64(4), a.Conflict.Server.Revision)
	require.Equal(t, 1, h.rec.ConflictCount())
	assert.Equal(t, id, h.rec.Conflicts[0].ActionID)

	e, _, _ := h.store.Get(ctx, "X")
	assert.JSONEq(t, `{"title":"mine"}`, string(e.Fields))

	// Parked actions are not retried once their backoff has passed.
	h.clk.Advance(time.Minute)
	_, err = h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Len(t, h.client.sentIDs("X"), 1)

	require.NoError(t, h.c.Decide(ctx, id, model.DecisionKeepServer))
	e, ok, _ := h.store.Get(ctx, "X")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"theirs"}`, string(e.Fields))
	assert.Equal(t, []string{id}, h.rec.ResolvedIDs())
}

func TestPull_AskUserRefreshesParkedConflict(t *testing.T) {
	h := newHarness(t, WithResolver(resolver.AskUserPolicy{}))
	ctx := context.Background()
	id := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{"title":"mine"}`)
	h.client.send = conflictWith(epoch, 2, `{"title":"theirs"}`)
	h.client.pulls = []PullResult{{Patches: []model.Patch{
		{Op: model.PatchUpsert, Entity: model.Entity{ID: "A", Type: "todo", Revision: 3, Fields: json.RawMessage(`{"title":"newer"}`)}},
	}, Next: cursor.NewInteger(1)}}

	_, err := h.c.RunPass(ctx)
	require.NoError(t, err)

	a := h.action(t, id)
	assert.Equal(t, model.StatusAwaitingUser, a.Status)
	require.NotNil(t, a.Conflict)
	assert.Equal(t, int64(3), a.Conflict.Server.Revision)
	assert.Equal(t, 2, h.rec.ConflictCount())

	require.NoError(t, h.c.Decide(ctx, id, model.DecisionKeepServer))
	e, ok, _ := h.store.Get(ctx, "A")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"newer"}`, string(e.Fields))
}

func TestHalt_OnCursorPersistenceFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cursors.FailSave = fmt.Errorf("read-only file system")
	h.client.pulls = []PullResult{{Next: cursor.NewInteger(1)}}

	_, err := h.c.RunPass(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(err))
	require.Error(t, h.c.Halted())
	assert.Len(t, h.rec.Halts, 1)

	assert.False(t, h.c.Trigger(), "halted coordinator ignores triggers")
	_, err = h.c.RunPass(ctx)
	assert.True(t, errors.IsPersistence(err))

	h.cursors.FailSave = nil
	h.c.Resume()
	_, err = h.c.RunPass(ctx)
	assert.NoError(t, err)
}

func TestHalt_OnQueuePersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	h.qs.FailWrites = fmt.Errorf("database is locked")

	_, err := h.c.RunPass(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(h.c.Halted()))
	assert.Empty(t, h.client.sentIDs(""), "nothing is sent when the transition cannot be stored")
}

func TestCancel_StopsDispatchButRecordsIssuedSend(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	second := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)

	h.client.send = func(model.Action) (SendResult, error) {
		h.c.Cancel()
		return SendResult{Outcome: OutcomeSuccess}, nil
	}

	res, err := h.c.RunPass(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, []string{first}, h.rec.ResolvedIDs())
	assert.Equal(t, model.StatusPending, h.action(t, second).Status)
	assert.Empty(t, h.client.pullSince, "pull is skipped after cancellation")
}

func TestAdoptCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.c.AdoptCursor(ctx, cursor.NewToken("claim-7")))

	_, err := h.c.RunPass(ctx)
	require.NoError(t, err)
	require.Len(t, h.client.pullSince, 1)
	assert.True(t, cursor.Equal(cursor.NewToken("claim-7"), h.client.pullSince[0]))
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.enqueue(t, model.KindUpdate, model.Ref("A"), `{}`)
	_, err := h.q.MarkInFlight(ctx, id)
	require.NoError(t, err)

	n, err := h.c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, h.rec.ResolvedIDs())
}

func TestClose_RejectsNewPasses(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Close())
	assert.False(t, h.c.Trigger())
	_, err := h.c.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
