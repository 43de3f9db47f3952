package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRegistered = errors.New("user already registered for event")
)

var placeholder = regexp.MustCompile(`\$(\d+)`)

// DB is the Event service store. Queries are written with Postgres
// placeholders and rebound for SQLite.
type DB struct {
	conn   *sql.DB
	driver string
}

// Open connects to the database and verifies the connection.
func Open(driver, dsn string) (*DB, error) {
	if driver == "" {
		driver = DriverPostgres
	}
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
		if _, err := conn.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: conn, driver: driver}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Driver() string { return db.driver }

func (db *DB) PingContext(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) rebind(query string) string {
	if db.driver != DriverSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

// tx rebinds queries the same way DB does.
type tx struct {
	*sql.Tx
	db *DB
}

func (db *DB) begin(ctx context.Context) (*tx, error) {
	t, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{Tx: t, db: db}, nil
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.ExecContext(ctx, t.db.rebind(query), args...)
}

func (t *tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.QueryContext(ctx, t.db.rebind(query), args...)
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.QueryRowContext(ctx, t.db.rebind(query), args...)
}

func (t *tx) rollback() {
	if err := t.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Error("rollback failed", "error", err)
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type migration struct {
	version int
	sql     string
}

// migrations are applied in order, each exactly once.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS user_projections (
	id           TEXT PRIMARY KEY,
	external_id  TEXT NOT NULL UNIQUE,
	first_name   TEXT NOT NULL DEFAULT '',
	last_name    TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	version      BIGINT NOT NULL DEFAULT 0,
	synced_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	location    TEXT NOT NULL DEFAULT '',
	start_date  BIGINT NOT NULL,
	end_date    BIGINT NOT NULL,
	start_time  TEXT NOT NULL DEFAULT '',
	images      TEXT NOT NULL DEFAULT '[]',
	categories  TEXT NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL DEFAULT 'upcoming',
	created_by  TEXT NOT NULL,
	created_at  BIGINT NOT NULL,
	updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created_by ON events (created_by);

CREATE TABLE IF NOT EXISTS event_attendees (
	event_id      TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	user_id       TEXT NOT NULL,
	registered_at BIGINT NOT NULL,
	PRIMARY KEY (event_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_event_attendees_user ON event_attendees (user_id);
`,
	},
	{
		// Producer timestamps are ordered separately from explicit versions,
		// and synced_at moves to nanoseconds for snapshot cutoffs.
		version: 2,
		sql: `
ALTER TABLE user_projections ADD COLUMN event_ts BIGINT NOT NULL DEFAULT 0;
UPDATE user_projections SET synced_at = synced_at * 1000000000;
`,
	},
}

// Migrate applies pending schema migrations.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return err
		}
		slog.Info("applied migration", "version", m.version)
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, m migration) error {
	t, err := db.begin(ctx)
	if err != nil {
		return err
	}
	defer t.rollback()

	if _, err := t.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration %d: %w", m.version, err)
	}
	if _, err := t.exec(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
		m.version, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := t.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// Version returns the highest applied migration.
func (db *DB) Version(ctx context.Context) (int, error) {
	var v int
	err := db.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}
