package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"listflow/internal/clock"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid schedule status transition")
	ErrRetryExhausted    = errors.New("retry ceiling reached")
	ErrInvalidInterval   = errors.New("item interval out of range")
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a driver name onto a supported dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  scheduled_at BIGINT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','in_progress','completed','failed')) DEFAULT 'pending',
  channel TEXT NOT NULL,
  account TEXT NOT NULL,
  item_interval_min INTEGER NOT NULL DEFAULT 0,
  item_interval_max INTEGER NOT NULL DEFAULT 0,
  actual_at BIGINT,
  actual_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, scheduled_at);
CREATE TABLE IF NOT EXISTS work_items (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL REFERENCES schedules(id),
  seq INTEGER NOT NULL,
  item_key TEXT NOT NULL,
  channel TEXT NOT NULL,
  account TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '',
  last_outcome TEXT NOT NULL CHECK(last_outcome IN ('pending','success','failed')) DEFAULT 'pending',
  last_error TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  exhausted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_work_items_schedule ON work_items(schedule_id, seq);
CREATE INDEX IF NOT EXISTS idx_work_items_retry ON work_items(last_outcome, exhausted);
CREATE TABLE IF NOT EXISTS item_outcomes (
  id TEXT PRIMARY KEY,
  item_id TEXT NOT NULL REFERENCES work_items(id),
  schedule_id TEXT NOT NULL,
  item_key TEXT NOT NULL,
  channel TEXT NOT NULL,
  account TEXT NOT NULL,
  attempt INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('success','failed')),
  error TEXT NOT NULL DEFAULT '',
  listing_id TEXT NOT NULL DEFAULT '',
  recorded_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_item_outcomes_item ON item_outcomes(item_id, recorded_at);
CREATE TABLE IF NOT EXISTS item_locks (
  item_key TEXT PRIMARY KEY,
  channel TEXT NOT NULL,
  account TEXT NOT NULL,
  acquired_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS execution_logs (
  id TEXT PRIMARY KEY,
  execution_at BIGINT NOT NULL,
  schedules_processed INTEGER NOT NULL DEFAULT 0,
  items_listed INTEGER NOT NULL DEFAULT 0,
  errors_count INTEGER NOT NULL DEFAULT 0,
  error_details TEXT NOT NULL DEFAULT '[]',
  duration_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_at ON execution_logs(execution_at);
`

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB, d Dialect) error {
	stmt := schema
	if d == SQLite {
		stmt = "PRAGMA journal_mode=WAL;\n" + stmt
	}
	_, err := db.Exec(stmt)
	return err
}

// Repo is the SQL persistence for schedules, work items, locks and the
// execution audit trail.
type Repo struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
}

func NewRepo(db *sql.DB, d Dialect, clk clock.Clock) *Repo {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Repo{db: db, dialect: d, clock: clk}
}

// q rewrites ? placeholders into the dialect's bind syntax.
func (r *Repo) q(query string) string {
	return rebind(r.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (r *Repo) nowMillis() int64 { return toMillis(r.clock.Now()) }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (r *Repo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
