package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/idmap"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
)

var created = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	config := DefaultConfig(path)
	config.Logger = logging.Discard()
	db, err := Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	return openTestDB(t, path), path
}

func newAction(id, target string) *model.Action {
	return &model.Action{
		ID:         id,
		Kind:       model.KindUpdate,
		EntityType: "todo",
		Target:     model.TempRef(target),
		Payload:    json.RawMessage(`{"title":"x"}`),
		Status:     model.StatusPending,
		CreatedAt:  created,
	}
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(nil)
	assert.Error(t, err)

	_, err = Open(&Config{Logger: logging.Discard()})
	assert.Error(t, err)
}

func TestOpen_EnablesWAL(t *testing.T) {
	db, _ := newTestDB(t)
	mode, err := db.JournalMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
}

func TestQueueStore_InsertGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	q := db.Queue()

	a := newAction("a-1", "cid-1")
	require.NoError(t, q.Insert(ctx, a))
	assert.Equal(t, int64(1), a.Seq)

	b := newAction("a-2", "cid-1")
	require.NoError(t, q.Insert(ctx, b))
	assert.Equal(t, int64(2), b.Seq)

	err := q.Insert(ctx, newAction("a-1", "cid-9"))
	assert.True(t, syncErrors.Is(syncErrors.KindInvalid, err), "duplicate id: %v", err)

	got, err := q.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "cid-1", got.Target.ID)
	assert.JSONEq(t, `{"title":"x"}`, string(got.Payload))
	assert.True(t, got.CreatedAt.Equal(created))

	got.Status = model.StatusInFlight
	got.Attempt = 2
	require.NoError(t, q.Update(ctx, got))
	got, err = q.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInFlight, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, int64(1), got.Seq)

	require.NoError(t, q.Delete(ctx, "a-1"))
	_, err = q.Get(ctx, "a-1")
	assert.True(t, syncErrors.Is(syncErrors.KindNotFound, err))
	assert.True(t, syncErrors.Is(syncErrors.KindNotFound, q.Delete(ctx, "a-1")))
	assert.True(t, syncErrors.Is(syncErrors.KindNotFound, q.Update(ctx, *newAction("missing", "x"))))
}

func TestQueueStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	q := db.Queue()

	for i, target := range []string{"cid-1", "cid-2", "cid-1", "cid-3"} {
		a := newAction(string(rune('a'+i)), target)
		if i == 3 {
			a.Status = model.StatusDeadLettered
		}
		require.NoError(t, q.Insert(ctx, a))
	}

	all, err := q.List(ctx, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Seq, all[i].Seq)
	}

	byTarget, err := q.List(ctx, queue.Filter{Target: "cid-1"})
	require.NoError(t, err)
	assert.Len(t, byTarget, 2)

	live, err := q.List(ctx, queue.Filter{Statuses: queue.NonTerminal})
	require.NoError(t, err)
	assert.Len(t, live, 3)

	limited, err := q.List(ctx, queue.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a", limited[0].ID)
}

func TestQueueStore_RewriteTarget(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	q := db.Queue()

	pending := newAction("a-1", "cid-1")
	inFlight := newAction("a-2", "cid-1")
	inFlight.Status = model.StatusInFlight
	other := newAction("a-3", "cid-2")
	for _, a := range []*model.Action{pending, inFlight, other} {
		require.NoError(t, q.Insert(ctx, a))
	}

	n, err := q.RewriteTarget(ctx, "cid-1", "srv-1", queue.Rewritable)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, model.Ref("srv-1"), got.Target)

	got, err = q.Get(ctx, "a-2")
	require.NoError(t, err)
	assert.Equal(t, model.TempRef("cid-1"), got.Target, "in-flight actions are left alone")

	byNew, err := q.List(ctx, queue.Filter{Target: "srv-1"})
	require.NoError(t, err)
	assert.Len(t, byNew, 1)
}

func TestEntityStore_ChangeLog(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	s := db.Entities()

	assert.True(t, syncErrors.Is(syncErrors.KindInvalid, s.Upsert(ctx, model.Entity{Type: "todo"})))

	e := model.Entity{ID: "cid-1", Type: "todo", Fields: json.RawMessage(`{"title":"milk"}`), UpdatedAt: created}
	require.NoError(t, s.Upsert(ctx, e))
	e.Revision = 2
	require.NoError(t, s.Upsert(ctx, e))
	require.NoError(t, s.Delete(ctx, "cid-1"))
	require.NoError(t, s.Delete(ctx, "cid-1"), "deleting a missing entity is a no-op")

	_, ok, err := s.Get(ctx, "cid-1")
	require.NoError(t, err)
	assert.False(t, ok)

	changes, next, err := s.ReadChangesSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, model.PatchUpsert, changes[0].Op)
	assert.Equal(t, int64(2), changes[1].Entity.Revision)
	assert.Equal(t, model.PatchDelete, changes[2].Op)
	assert.True(t, changes[2].Entity.Deleted)
	assert.Equal(t, changes[2].Seq, next)

	page, pageNext, err := s.ReadChangesSince(ctx, changes[0].Seq, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, changes[1].Seq, pageNext)

	empty, same, err := s.ReadChangesSince(ctx, next, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, next, same)
}

func TestEntityStore_ApplyBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	s := db.Entities()

	err := s.ApplyBatch(ctx, []model.Patch{
		{Op: model.PatchUpsert, Entity: model.Entity{ID: "srv-1", Type: "todo"}},
		{Op: model.PatchUpsert, Entity: model.Entity{Type: "todo"}},
	})
	assert.True(t, syncErrors.Is(syncErrors.KindInvalid, err))
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.ApplyBatch(ctx, []model.Patch{
		{Op: model.PatchUpsert, Entity: model.Entity{ID: "srv-1", Type: "todo", Revision: 1, Fields: json.RawMessage(`{"a":1}`)}},
		{Op: model.PatchUpsert, Entity: model.Entity{ID: "srv-2", Type: "todo", Revision: 1}},
		{Op: model.PatchDelete, Entity: model.Entity{ID: "srv-2"}},
	}))
	got, ok, err := s.Get(ctx, "srv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(got.Fields))
	n, err = s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEntityStore_RewriteReference(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	s := db.Entities()

	require.NoError(t, s.Upsert(ctx, model.Entity{ID: "cid-list", Type: "list", Fields: json.RawMessage(`{"name":"groceries"}`)}))
	require.NoError(t, s.Upsert(ctx, model.Entity{ID: "cid-item", Type: "todo", Fields: json.RawMessage(`{"list":"cid-list","title":"milk"}`)}))
	require.NoError(t, s.Upsert(ctx, model.Entity{ID: "cid-other", Type: "todo", Fields: json.RawMessage(`{"note":"cid-list is nested text"}`)}))

	require.NoError(t, s.RewriteReference(ctx, "cid-list", "srv-list"))

	_, ok, err := s.Get(ctx, "cid-list")
	require.NoError(t, err)
	assert.False(t, ok)
	list, ok, err := s.Get(ctx, "srv-list")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "list", list.Type)

	item, _, err := s.Get(ctx, "cid-item")
	require.NoError(t, err)
	assert.JSONEq(t, `{"list":"srv-list","title":"milk"}`, string(item.Fields))

	other, _, err := s.Get(ctx, "cid-other")
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"cid-list is nested text"}`, string(other.Fields))

	require.NoError(t, s.RewriteReference(ctx, "srv-list", "srv-list"))
}

func TestRecords_CursorGuestIDMap(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	c, err := db.Cursor().Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, c)
	require.NoError(t, db.Cursor().Save(ctx, cursor.NewInteger(42)))
	require.NoError(t, db.Cursor().Save(ctx, cursor.NewToken("page-7")))
	c, err = db.Cursor().Load(ctx)
	require.NoError(t, err)
	assert.True(t, cursor.Equal(cursor.NewToken("page-7"), c))
	require.NoError(t, db.Cursor().Save(ctx, nil))
	c, err = db.Cursor().Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, ok, err := db.Guest().Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	g := model.GuestIdentity{
		GuestID:        "guest-1",
		CreatedAt:      created,
		PendingMapping: map[string]string{"srv-1": "acct-srv-1"},
		PendingCursor:  []byte(`{"kind":"integer","data":0}`),
	}
	require.NoError(t, db.Guest().Save(ctx, g))
	loaded, ok, err := db.Guest().Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loaded.Journaled())
	assert.Equal(t, g.PendingMapping, loaded.PendingMapping)
	assert.Equal(t, g.PendingCursor, loaded.PendingCursor)

	ids := db.IDMap()
	assert.True(t, syncErrors.Is(syncErrors.KindInvalid, ids.Put(ctx, "", "x")))
	require.NoError(t, ids.Put(ctx, "cid-1", "srv-1"))
	require.NoError(t, ids.Put(ctx, "srv-1", "acct-1"))
	resolved, err := idmap.Resolve(ctx, ids, "cid-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", resolved)
	_, ok, err = ids.Lookup(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	all, err := ids.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cid-1": "srv-1", "srv-1": "acct-1"}, all)
}

func TestDB_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db, path := newTestDB(t)

	require.NoError(t, db.Queue().Insert(ctx, newAction("a-1", "cid-1")))
	require.NoError(t, db.Entities().Upsert(ctx, model.Entity{ID: "cid-1", Type: "todo"}))
	require.NoError(t, db.Cursor().Save(ctx, cursor.NewInteger(7)))
	require.NoError(t, db.IDMap().Put(ctx, "cid-0", "srv-0"))
	require.NoError(t, db.Close())

	reopened := openTestDB(t, path)
	a, err := reopened.Queue().Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, a.Status)

	next := newAction("a-2", "cid-1")
	require.NoError(t, reopened.Queue().Insert(ctx, next))
	assert.Greater(t, next.Seq, a.Seq)

	_, ok, err := reopened.Entities().Get(ctx, "cid-1")
	require.NoError(t, err)
	assert.True(t, ok)
	c, err := reopened.Cursor().Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", c.String())
	id, ok, err := reopened.IDMap().Lookup(ctx, "cid-0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "srv-0", id)
}

func TestDB_ClosedReturnsPersistenceError(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	err := db.Queue().Insert(ctx, newAction("a-1", "cid-1"))
	assert.True(t, syncErrors.IsPersistence(err))
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, err = db.Cursor().Load(ctx)
	assert.True(t, syncErrors.IsPersistence(err))
}

func TestQueueStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	q := db.Queue()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				a := newAction(model.NewActionID(), "cid-"+string(rune('a'+w)))
				errs <- q.Insert(ctx, a)
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := q.List(ctx, queue.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 40)
}

func TestInMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, ":memory:")
	require.NoError(t, db.Entities().Upsert(ctx, model.Entity{ID: "x", Type: "todo"}))
	_, ok, err := db.Entities().Get(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)
}
