package taskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	progress     INTEGER NOT NULL DEFAULT 0,
	total_steps  INTEGER NOT NULL,
	current_step TEXT NOT NULL DEFAULT '',
	log          TEXT NOT NULL DEFAULT '',
	source_ref   TEXT NOT NULL,
	target_ref   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_steps (
	task_id TEXT NOT NULL,
	idx     INTEGER NOT NULL,
	name    TEXT NOT NULL,
	status  TEXT NOT NULL,
	error   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, idx)
);

CREATE TABLE IF NOT EXISTS backups (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL DEFAULT '',
	server_ref TEXT NOT NULL,
	path       TEXT NOT NULL,
	file_count INTEGER NOT NULL,
	total_size INTEGER NOT NULL,
	checksum   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backups_server ON backups(server_ref, created_at);
`

type Config struct {
	// Path is the database file, it is created if it does not exist.
	// The parent directory must exist.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	Clock  clock.Clock
	Logger *log.Entry
}

// Store persists tasks, their steps and backup artifacts in SQLite.
//
// It is safe for concurrent use. Every mutation runs in its own
// IMMEDIATE transaction, so a write either fully applies or fails.
// WAL journaling lets pollers read while a pipeline writes.
type Store struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	logger *log.Entry
}

func Open(cfg Config) (*Store, error) {
	if len(cfg.Path) == 0 {
		return nil, fmt.Errorf("taskstore: database path is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("taskstore: open %s: %w", cfg.Path, err)
	}

	s := Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}

	// Apply the schema right away so that a broken database
	// is reported at startup, not on the first request
	conn, err := s.take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool.Put(conn)

	s.logger.Debugf("Task store opened: %s (pool size = %d)", cfg.Path, cfg.PoolSize)

	return &s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("taskstore: %s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("taskstore: apply schema: %w", err)
	}

	return nil
}

// Close blocks until all borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("taskstore: take connection: %w", err)
	}

	return conn, nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}
