package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
)

// QueueStore is a durable queue.Store. Each action is kept as a JSON document
// next to the columns used for filtering; the row's seq is the action's Seq.
type QueueStore struct {
	db *DB
}

var _ queue.Store = (*QueueStore)(nil)

func (s *QueueStore) Insert(ctx context.Context, a *model.Action) error {
	const op = "sqlite.Queue.Insert"
	return s.db.inTx(ctx, op, func(tx *sql.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO queue_actions (id, target, status, data) VALUES (?, ?, ?, ?)`,
			a.ID, a.Target.ID, string(a.Status), string(data))
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return syncErrors.E(syncErrors.Op(op), syncErrors.KindInvalid, "duplicate action id "+a.ID)
			}
			return err
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		a.Seq = seq
		return nil
	})
}

func (s *QueueStore) Get(ctx context.Context, id string) (model.Action, error) {
	const op = "sqlite.Queue.Get"
	if err := s.db.check(op); err != nil {
		return model.Action{}, err
	}
	row := s.db.db.QueryRowContext(ctx, `SELECT seq, data FROM queue_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Action{}, notFound(op, id)
	}
	if err != nil {
		return model.Action{}, wrap(err, op)
	}
	return a, nil
}

func (s *QueueStore) Update(ctx context.Context, a model.Action) error {
	const op = "sqlite.Queue.Update"
	return s.db.inTx(ctx, op, func(tx *sql.Tx) error {
		return updateAction(ctx, tx, op, a)
	})
}

func (s *QueueStore) Delete(ctx context.Context, id string) error {
	const op = "sqlite.Queue.Delete"
	return s.db.inTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM queue_actions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return notFound(op, id)
		}
		return nil
	})
}

func (s *QueueStore) List(ctx context.Context, f queue.Filter) ([]model.Action, error) {
	const op = "sqlite.Queue.List"
	if err := s.db.check(op); err != nil {
		return nil, err
	}
	return listActions(ctx, s.db.db, f, op)
}

func (s *QueueStore) RewriteTarget(ctx context.Context, oldID, newID string, statuses []model.Status) (int, error) {
	const op = "sqlite.Queue.RewriteTarget"
	n := 0
	err := s.db.inTx(ctx, op, func(tx *sql.Tx) error {
		actions, err := listActions(ctx, tx, queue.Filter{Statuses: statuses, Target: oldID}, op)
		if err != nil {
			return err
		}
		for _, a := range actions {
			a.Target = model.Ref(newID)
			if err := updateAction(ctx, tx, op, a); err != nil {
				return err
			}
		}
		n = len(actions)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listActions(ctx context.Context, q querier, f queue.Filter, op string) ([]model.Action, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}

	query := "SELECT seq, data FROM queue_actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	var out []model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, wrap(err, op)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, op)
	}
	return out, nil
}

func updateAction(ctx context.Context, tx *sql.Tx, op string, a model.Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE queue_actions SET target = ?, status = ?, data = ? WHERE id = ?`,
		a.Target.ID, string(a.Status), string(data), a.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return notFound(op, a.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(row scanner) (model.Action, error) {
	var (
		seq  int64
		data string
	)
	if err := row.Scan(&seq, &data); err != nil {
		return model.Action{}, err
	}
	var a model.Action
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return model.Action{}, err
	}
	a.Seq = seq
	return a, nil
}

func notFound(op, id string) error {
	return syncErrors.E(syncErrors.Op(op), syncErrors.KindNotFound, "action "+id+" not found")
}
