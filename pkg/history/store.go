package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when no record matches
var ErrNotFound = errors.New("history record not found")

// Build outcomes
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Record is one finished build
type Record struct {
	ID         string
	Name       string
	Version    string
	Mode       string
	Status     string
	Stage      string
	Error      string
	Detail     string
	Digest     string
	DistPath   string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the build ran
func (r Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS builds (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		version     TEXT NOT NULL,
		mode        TEXT NOT NULL,
		status      TEXT NOT NULL,
		stage       TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		detail      TEXT NOT NULL DEFAULT '',
		digest      TEXT NOT NULL DEFAULT '',
		dist_path   TEXT NOT NULL DEFAULT '',
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS builds_name_started ON builds (name, started_at)`,
	`CREATE TABLE IF NOT EXISTS publish_status (
		name       TEXT PRIMARY KEY,
		failed     BOOLEAN NOT NULL,
		version    TEXT NOT NULL,
		stage      TEXT NOT NULL DEFAULT '',
		error      TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,
}

// Store reads and writes build history
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn and creates the schema
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if driver == DriverSQLite {
		// one writer; also keeps ":memory:" on a single database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// DB exposes the handle for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate history schema: %w", err)
		}
	}
	return nil
}

// Record stores r, replacing an earlier record with the same ID
func (s *Store) Record(ctx context.Context, r Record) error {
	if r.ID == "" {
		return errors.New("history record needs an ID")
	}
	query := s.rebind(`INSERT INTO builds
		(id, name, version, mode, status, stage, error, detail, digest, dist_path, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			status = excluded.status,
			stage = excluded.stage,
			error = excluded.error,
			detail = excluded.detail,
			digest = excluded.digest,
			dist_path = excluded.dist_path,
			finished_at = excluded.finished_at`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Name, r.Version, r.Mode, r.Status, r.Stage, r.Error, r.Detail, r.Digest, r.DistPath,
		r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record build %s: %w", r.ID, err)
	}
	return nil
}

const recordColumns = `id, name, version, mode, status, stage, error, detail, digest, dist_path, started_at, finished_at`

// Latest returns the most recent build of name
func (s *Store) Latest(ctx context.Context, name string) (*Record, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM builds WHERE name = ? ORDER BY started_at DESC LIMIT 1`)
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest build: %w", err)
	}
	return r, nil
}

// List returns up to limit builds, newest first. An empty name lists
// every extension.
func (s *Store) List(ctx context.Context, name string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		query string
		args  []any
	)
	if name == "" {
		query = `SELECT ` + recordColumns + ` FROM builds ORDER BY started_at DESC LIMIT ?`
		args = []any{limit}
	} else {
		query = `SELECT ` + recordColumns + ` FROM builds WHERE name = ? ORDER BY started_at DESC LIMIT ?`
		args = []any{name, limit}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var r Record
	err := sc.Scan(&r.ID, &r.Name, &r.Version, &r.Mode, &r.Status, &r.Stage, &r.Error,
		&r.Detail, &r.Digest, &r.DistPath, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// rebind turns '?' placeholders into '$n' for postgres
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
