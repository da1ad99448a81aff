// Package sqlite provides durable SQLite implementations of the sync
// engine's stores: the action queue, the local entity store with its change
// log, the sync cursor, the guest identity and the id map. All of them share
// one database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

// ErrStoreClosed is returned by every call after Close.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the database.
//
// DefaultConfig enables WAL mode and a busy timeout so the coordinator's
// parallel lanes can write concurrently.
type Config struct {
	// DataSourceName is a file path or SQLite URI.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode.
	EnableWAL bool

	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration

	Logger *slog.Logger

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(component)
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.inMemory() {
		// Every connection to :memory: is a separate database.
		c.MaxOpenConns, c.MaxIdleConns = 1, 1
		c.ConnMaxLifetime, c.ConnMaxIdleTime = 0, 0
	}
}

func (c *Config) inMemory() bool {
	return strings.Contains(c.DataSourceName, ":memory:") || strings.Contains(c.DataSourceName, "mode=memory")
}

// dsn appends the driver parameters to DataSourceName.
func (c *Config) dsn() string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if c.EnableWAL && !c.inMemory() && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL")
	}
	sep := "?"
	if strings.Contains(c.DataSourceName, "?") {
		sep = "&"
	}
	return c.DataSourceName + sep + strings.Join(params, "&")
}

// DefaultConfig returns a Config with WAL enabled and default pool settings.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// DB owns the database handle shared by the stores.
type DB struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger

	queue    *QueueStore
	entities *EntityStore
	cursor   *CursorStore
	guest    *GuestStore
	ids      *IDMap
}

// Open opens (creating if needed) the database described by config.
func Open(config *Config) (*DB, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger
	logger.Info("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL))

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	d := &DB{db: db, logger: logger}
	d.queue = &QueueStore{db: d}
	d.entities = &EntityStore{db: d}
	d.cursor = &CursorStore{db: d}
	d.guest = &GuestStore{db: d}
	d.ids = &IDMap{db: d}
	return d, nil
}

// OpenPath opens the database at path with default settings.
func OpenPath(path string) (*DB, error) {
	return Open(DefaultConfig(path))
}

const schema = `
CREATE TABLE IF NOT EXISTS queue_actions (
    seq     INTEGER PRIMARY KEY AUTOINCREMENT,
    id      TEXT NOT NULL UNIQUE,
    target  TEXT NOT NULL,
    status  TEXT NOT NULL,
    data    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_target ON queue_actions (target);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_actions (status);

CREATE TABLE IF NOT EXISTS entities (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    fields      TEXT,
    revision    INTEGER NOT NULL DEFAULT 0,
    updated_at  TEXT,
    deleted     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entity_changes (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    op          TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    data        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_cursor (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    data        TEXT NOT NULL,
    updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS guest_identity (
    id    INTEGER PRIMARY KEY CHECK (id = 1),
    data  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS id_map (
    old_id  TEXT PRIMARY KEY,
    new_id  TEXT NOT NULL
);
`

func (d *DB) Queue() *QueueStore { return d.queue }

func (d *DB) Entities() *EntityStore { return d.entities }

func (d *DB) Cursor() *CursorStore { return d.cursor }

func (d *DB) Guest() *GuestStore { return d.guest }

func (d *DB) IDMap() *IDMap { return d.ids }

// Close closes the database connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// Stats returns database statistics for monitoring
func (d *DB) Stats() sql.DBStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return sql.DBStats{}
	}
	return d.db.Stats()
}

// JournalMode reports the active journal mode, e.g. "wal".
func (d *DB) JournalMode(ctx context.Context) (string, error) {
	var mode string
	err := d.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode)
	return mode, err
}

func (d *DB) check(op string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return syncErrors.Persistence(syncErrors.Op(op), component, ErrStoreClosed)
	}
	return nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (d *DB) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if err := d.check(op); err != nil {
		return err
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrap(err, op)
	}
	if err := tx.Commit(); err != nil {
		return wrap(err, op)
	}
	return nil
}

// wrap marks storage failures as persistence errors. Errors that already
// carry a kind keep it.
func wrap(err error, op string) error {
	return syncErrors.WrapPersistence(err, op, component)
}
