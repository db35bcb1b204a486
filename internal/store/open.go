package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to the database and ensures the schema exists. For sqlite a
// bare file path is expanded into a WAL-mode DSN.
func Open(d Dialect, dsn string) (*sql.DB, error) {
	if d == SQLite && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn)
	}
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1) // SQLite single writer
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	if err := EnsureSchema(db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}
