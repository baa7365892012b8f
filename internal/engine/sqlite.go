package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// DialectSQLite is the dialect name reported by SQLite engines.
const DialectSQLite = "sqlite"

// SQLite is an Engine over a SQLite database. In-memory databases are pinned
// to a single connection, since each new connection to ":memory:" would see
// its own empty database.
type SQLite struct {
	db         *sql.DB
	path       string
	memory     bool
	once       sync.Once
	disposeErr error
}

var _ Engine = (*SQLite)(nil)
var _ WorkerCountHinter = (*SQLite)(nil)

// OpenSQLite opens the SQLite database at path. File databases get WAL mode
// and a busy timeout; ":memory:" databases are limited to one connection.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	memory := strings.Contains(path, ":memory:")
	if memory {
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	return &SQLite{db: db, path: path, memory: memory}, nil
}

// DialectName implements Engine.
func (e *SQLite) DialectName() string { return DialectSQLite }

// Connect implements Engine. For in-memory databases every "fresh" connection
// is the single pinned connection.
func (e *SQLite) Connect(ctx context.Context) (*sql.Conn, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// DB implements Engine.
func (e *SQLite) DB() *sql.DB { return e.db }

// Dispose implements Engine. Only the first call closes the handle.
func (e *SQLite) Dispose() error {
	e.once.Do(func() {
		e.disposeErr = e.db.Close()
	})
	return e.disposeErr
}

// PreferredWorkerCount implements WorkerCountHinter: in-memory databases
// support exactly one logical connection, so exactly one worker.
func (e *SQLite) PreferredWorkerCount() int {
	if e.memory {
		return 1
	}
	return 0
}

// Version reports the SQLite library version string.
func (e *SQLite) Version(ctx context.Context) (string, error) {
	var v string
	if err := e.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&v); err != nil {
		return "", fmt.Errorf("query sqlite version: %w", err)
	}
	return v, nil
}
