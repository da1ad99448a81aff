package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/localstore"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

// EntityStore is a durable localstore.Store. Every write appends to the
// entity_changes log in the same transaction.
type EntityStore struct {
	db *DB
}

var (
	_ localstore.Store        = (*EntityStore)(nil)
	_ localstore.BatchApplier = (*EntityStore)(nil)
)

func (s *EntityStore) Get(ctx context.Context, id string) (model.Entity, bool, error) {
	const op = "sqlite.Entities.Get"
	if err := s.db.check(op); err != nil {
		return model.Entity{}, false, err
	}
	e, ok, err := getEntity(ctx, s.db.db, id)
	if err != nil {
		return model.Entity{}, false, wrap(err, op)
	}
	return e, ok, nil
}

func (s *EntityStore) Upsert(ctx context.Context, e model.Entity) error {
	const op = "sqlite.Entities.Upsert"
	if e.ID == "" {
		return syncErrors.E(syncErrors.Op(op), syncErrors.KindInvalid, "entity has no id")
	}
	return s.db.inTx(ctx, op, func(tx *sql.Tx) error {
		return upsertEntity(ctx, tx, e)
	})
}

// Delete removes the entity. Deleting a missing entity is a no-op.
func (s *EntityStore) Delete(ctx context.Context, id string) error {
	return s.db.inTx(ctx, "sqlite.Entities.Delete", func(tx *sql.Tx) error {
		return deleteEntity(ctx, tx, id)
	})
}

// ApplyBatch writes all patches in one transaction.
func (s *EntityStore) ApplyBatch(ctx context.Context, patches []model.Patch) error {
	const op = "sqlite.Entities.ApplyBatch"
	for _, p := range patches {
		if p.Entity.ID == "" {
			return syncErrors.E(syncErrors.Op(op), syncErrors.KindInvalid, "patch has no entity id")
		}
	}
	return s.db.inTx(ctx, op, func(tx *sql.Tx) error {
		for _, p := range patches {
			var err error
			if p.Op == model.PatchDelete {
				err = deleteEntity(ctx, tx, p.Entity.ID)
			} else {
				err = upsertEntity(ctx, tx, p.Entity)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *EntityStore) ReadChangesSince(ctx context.Context, since int64, limit int) ([]model.Patch, int64, error) {
	const op = "sqlite.Entities.ReadChangesSince"
	if err := s.db.check(op); err != nil {
		return nil, since, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT seq, op, data FROM entity_changes WHERE seq > ? ORDER BY seq LIMIT ?`, since, limit)
	if err != nil {
		return nil, since, wrap(err, op)
	}
	defer rows.Close()

	var out []model.Patch
	next := since
	for rows.Next() {
		var (
			p      model.Patch
			patch  string
			entity string
		)
		if err := rows.Scan(&p.Seq, &patch, &entity); err != nil {
			return nil, since, wrap(err, op)
		}
		if err := json.Unmarshal([]byte(entity), &p.Entity); err != nil {
			return nil, since, wrap(err, op)
		}
		p.Op = model.PatchOp(patch)
		out = append(out, p)
		next = p.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, since, wrap(err, op)
	}
	return out, next, nil
}

func (s *EntityStore) RewriteReference(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	return s.db.inTx(ctx, "sqlite.Entities.RewriteReference", func(tx *sql.Tx) error {
		e, ok, err := getEntity(ctx, tx, oldID)
		if err != nil {
			return err
		}
		if ok {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, oldID); err != nil {
				return err
			}
			e.ID = newID
			if err := upsertEntity(ctx, tx, e); err != nil {
				return err
			}
		}

		needle, _ := json.Marshal(oldID)
		rows, err := tx.QueryContext(ctx,
			`SELECT id, type, fields, revision, updated_at, deleted FROM entities WHERE instr(fields, ?) > 0`,
			string(needle))
		if err != nil {
			return err
		}
		var referencing []model.Entity
		for rows.Next() {
			e, err := scanEntity(rows)
			if err != nil {
				rows.Close()
				return err
			}
			referencing = append(referencing, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range referencing {
			fields, changed := localstore.RewriteFields(e.Fields, oldID, newID)
			if !changed {
				continue
			}
			e.Fields = fields
			if err := upsertEntity(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of stored entities.
func (s *EntityStore) Len(ctx context.Context) (int, error) {
	const op = "sqlite.Entities.Len"
	if err := s.db.check(op); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&n); err != nil {
		return 0, wrap(err, op)
	}
	return n, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntity(ctx context.Context, q rowQuerier, id string) (model.Entity, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, type, fields, revision, updated_at, deleted FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, false, nil
	}
	if err != nil {
		return model.Entity{}, false, err
	}
	return e, true, nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, e model.Entity) error {
	var fields sql.NullString
	if e.Fields != nil {
		fields = sql.NullString{String: string(e.Fields), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, type, fields, revision, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			fields = excluded.fields,
			revision = excluded.revision,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted`,
		e.ID, e.Type, fields, e.Revision, formatTime(e.UpdatedAt), e.Deleted)
	if err != nil {
		return err
	}
	return recordChange(ctx, tx, model.PatchUpsert, e)
}

func deleteEntity(ctx context.Context, tx *sql.Tx, id string) error {
	e, ok, err := getEntity(ctx, tx, id)
	if err != nil || !ok {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return err
	}
	e.Deleted = true
	return recordChange(ctx, tx, model.PatchDelete, e)
}

func recordChange(ctx context.Context, tx *sql.Tx, op model.PatchOp, e model.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entity_changes (op, entity_id, data) VALUES (?, ?, ?)`,
		string(op), e.ID, string(data))
	return err
}

func scanEntity(row scanner) (model.Entity, error) {
	var (
		e         model.Entity
		fields    sql.NullString
		updatedAt sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Type, &fields, &e.Revision, &updatedAt, &e.Deleted); err != nil {
		return model.Entity{}, err
	}
	if fields.Valid {
		e.Fields = json.RawMessage(fields.String)
	}
	if updatedAt.Valid && updatedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, updatedAt.String)
		if err != nil {
			return model.Entity{}, err
		}
		e.UpdatedAt = t
	}
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
