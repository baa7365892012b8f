package engine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/seantiz/ferry/internal/engine"
)

func openFileEngine(t *testing.T) *engine.SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine_test.db")
	e, err := engine.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { e.Dispose() })
	return e
}

func TestDialectName(t *testing.T) {
	e := openFileEngine(t)
	if got := e.DialectName(); got != engine.DialectSQLite {
		t.Errorf("DialectName() = %q, want %q", got, engine.DialectSQLite)
	}
}

func TestConnectAndQuery(t *testing.T) {
	e := openFileEngine(t)
	ctx := context.Background()

	conn, err := e.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		t.Fatalf("query: %v", err)
	}
	if one != 1 {
		t.Errorf("SELECT 1 = %d", one)
	}
}

func TestFileEngineHasNoWorkerHint(t *testing.T) {
	e := openFileEngine(t)
	if got := e.PreferredWorkerCount(); got > 0 {
		t.Errorf("file engine PreferredWorkerCount() = %d, want no preference", got)
	}
}

func TestMemoryEngineHintsOneWorker(t *testing.T) {
	e, err := engine.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer e.Dispose()

	if got := e.PreferredWorkerCount(); got != 1 {
		t.Errorf("memory engine PreferredWorkerCount() = %d, want 1", got)
	}
}

func TestMemoryEngineSharesState(t *testing.T) {
	e, err := engine.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer e.Dispose()
	ctx := context.Background()

	if _, err := e.DB().ExecContext(ctx, "CREATE TABLE t (n INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	// A fresh per-call connection must see the same database.
	conn, err := e.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "INSERT INTO t VALUES (1)"); err != nil {
		t.Fatalf("insert via fresh connection: %v", err)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	e := openFileEngine(t)
	if err := e.Dispose(); err != nil {
		t.Fatalf("first Dispose: %v", err)
	}
	if err := e.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
}

func TestVersion(t *testing.T) {
	e := openFileEngine(t)
	v, err := e.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v == "" {
		t.Error("empty sqlite version")
	}
}
