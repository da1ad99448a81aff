package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/cursor"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/guest"
	"github.com/c0deZ3R0/go-offline-sync/idmap"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

var (
	_ coordinator.CursorStore = (*CursorStore)(nil)
	_ guest.Store             = (*GuestStore)(nil)
	_ idmap.Table             = (*IDMap)(nil)
)

// CursorStore persists the sync cursor in a single-row table.
type CursorStore struct {
	db *DB
}

// Load returns nil when no cursor has been saved.
func (s *CursorStore) Load(ctx context.Context) (cursor.Cursor, error) {
	const op = "sqlite.Cursor.Load"
	if err := s.db.check(op); err != nil {
		return nil, err
	}
	var data string
	err := s.db.db.QueryRowContext(ctx, `SELECT data FROM sync_cursor WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, op)
	}
	c, err := cursor.Decode([]byte(data))
	if err != nil {
		return nil, wrap(err, op)
	}
	return c, nil
}

// Save stores c. Saving nil forgets the cursor so the next pull starts over.
func (s *CursorStore) Save(ctx context.Context, c cursor.Cursor) error {
	return s.db.inTx(ctx, "sqlite.Cursor.Save", func(tx *sql.Tx) error {
		if c == nil {
			_, err := tx.ExecContext(ctx, `DELETE FROM sync_cursor WHERE id = 1`)
			return err
		}
		data, err := cursor.Encode(c)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_cursor (id, data, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			string(data))
		return err
	})
}

// GuestStore persists the guest identity, including a journaled claim.
type GuestStore struct {
	db *DB
}

func (s *GuestStore) Load(ctx context.Context) (model.GuestIdentity, bool, error) {
	const op = "sqlite.Guest.Load"
	if err := s.db.check(op); err != nil {
		return model.GuestIdentity{}, false, err
	}
	var data string
	err := s.db.db.QueryRowContext(ctx, `SELECT data FROM guest_identity WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GuestIdentity{}, false, nil
	}
	if err != nil {
		return model.GuestIdentity{}, false, wrap(err, op)
	}
	var id model.GuestIdentity
	if err := json.Unmarshal([]byte(data), &id); err != nil {
		return model.GuestIdentity{}, false, wrap(err, op)
	}
	return id, true, nil
}

func (s *GuestStore) Save(ctx context.Context, id model.GuestIdentity) error {
	return s.db.inTx(ctx, "sqlite.Guest.Save", func(tx *sql.Tx) error {
		data, err := json.Marshal(id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO guest_identity (id, data) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data`, string(data))
		return err
	})
}

// IDMap is a durable idmap.Table.
type IDMap struct {
	db *DB
}

func (m *IDMap) Put(ctx context.Context, oldID, newID string) error {
	const op = "sqlite.IDMap.Put"
	if oldID == "" || newID == "" {
		return syncErrors.E(syncErrors.Op(op), syncErrors.KindInvalid, "empty id")
	}
	return m.db.inTx(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO id_map (old_id, new_id) VALUES (?, ?)
			ON CONFLICT(old_id) DO UPDATE SET new_id = excluded.new_id`, oldID, newID)
		return err
	})
}

func (m *IDMap) Lookup(ctx context.Context, oldID string) (string, bool, error) {
	const op = "sqlite.IDMap.Lookup"
	if err := m.db.check(op); err != nil {
		return "", false, err
	}
	var id string
	err := m.db.db.QueryRowContext(ctx, `SELECT new_id FROM id_map WHERE old_id = ?`, oldID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, op)
	}
	return id, true, nil
}

func (m *IDMap) All(ctx context.Context) (map[string]string, error) {
	const op = "sqlite.IDMap.All"
	if err := m.db.check(op); err != nil {
		return nil, err
	}
	rows, err := m.db.db.QueryContext(ctx, `SELECT old_id, new_id FROM id_map`)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var oldID, newID string
		if err := rows.Scan(&oldID, &newID); err != nil {
			return nil, wrap(err, op)
		}
		out[oldID] = newID
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, op)
	}
	return out, nil
}
