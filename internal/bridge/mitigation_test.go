package bridge

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/seantiz/ferry/internal/engine"
)

// recDriver records every query issued through it, in order, across all of
// its connections. It answers everything with an empty result set.
type recDriver struct {
	mu      sync.Mutex
	queries []string
}

func (d *recDriver) Open(name string) (driver.Conn, error) {
	return &recConn{d: d}, nil
}

func (d *recDriver) record(q string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, q)
}

func (d *recDriver) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.queries))
	copy(out, d.queries)
	return out
}

func (d *recDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = nil
}

type recConn struct {
	d *recDriver
}

func (c *recConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}

func (c *recConn) Close() error { return nil }

func (c *recConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (c *recConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.d.record(query)
	return recRows{}, nil
}

type recRows struct{}

func (recRows) Columns() []string              { return nil }
func (recRows) Close() error                   { return nil }
func (recRows) Next(dest []driver.Value) error { return io.EOF }

var (
	recOnce   sync.Once
	recShared = &recDriver{}
)

func openRecorderDB(t *testing.T) (*sql.DB, *recDriver) {
	t.Helper()
	recOnce.Do(func() {
		sql.Register("queryrecorder", recShared)
	})
	recShared.reset()
	db, err := sql.Open("queryrecorder", "")
	if err != nil {
		t.Fatalf("open recorder db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, recShared
}

// recordingEngine satisfies engine.Engine over the recording driver.
type recordingEngine struct {
	db *sql.DB
}

func (e *recordingEngine) DialectName() string { return engine.DialectSQLite }

func (e *recordingEngine) Connect(ctx context.Context) (*sql.Conn, error) {
	return e.db.Conn(ctx)
}

func (e *recordingEngine) DB() *sql.DB { return e.db }

func (e *recordingEngine) Dispose() error { return e.db.Close() }

func connQuery(conn *sql.Conn, query string) error {
	rows, err := conn.QueryContext(context.Background(), query)
	if err != nil {
		return err
	}
	return rows.Close()
}

func TestConnTaskRefreshesSchemaBeforeCallable(t *testing.T) {
	db, rec := openRecorderDB(t)
	p := &Pool{eng: &recordingEngine{db: db}, defect: DefectPresent}

	if _, err := p.connTask(func(conn *sql.Conn) (any, error) {
		return nil, connQuery(conn, "SELECT 1")
	})(); err != nil {
		t.Fatalf("connTask: %v", err)
	}

	got := rec.recorded()
	if len(got) != 2 {
		t.Fatalf("recorded %d queries, want 2: %q", len(got), got)
	}
	if got[0] != "SELECT * FROM sqlite_master" {
		t.Errorf("first query = %q, want the sqlite_master refresh", got[0])
	}
	if got[1] != "SELECT 1" {
		t.Errorf("second query = %q, want the callable's own statement", got[1])
	}
}

func TestEngineTaskRefreshesSchemaBeforeCallable(t *testing.T) {
	db, rec := openRecorderDB(t)
	p := &Pool{eng: &recordingEngine{db: db}, defect: DefectPresent}

	if _, err := p.engineTask(func(e engine.Engine) (any, error) {
		rows, err := e.DB().QueryContext(context.Background(), "SELECT 2")
		if err != nil {
			return nil, err
		}
		return nil, rows.Close()
	})(); err != nil {
		t.Fatalf("engineTask: %v", err)
	}

	got := rec.recorded()
	if len(got) != 2 {
		t.Fatalf("recorded %d queries, want 2: %q", len(got), got)
	}
	if got[0] != "SELECT * FROM sqlite_master" {
		t.Errorf("first query = %q, want the sqlite_master refresh", got[0])
	}
	if got[1] != "SELECT 2" {
		t.Errorf("second query = %q, want the callable's own statement", got[1])
	}
}

func TestNoSchemaRefreshWhenDefectAbsent(t *testing.T) {
	db, rec := openRecorderDB(t)
	p := &Pool{eng: &recordingEngine{db: db}, defect: DefectAbsent}

	if _, err := p.connTask(func(conn *sql.Conn) (any, error) {
		return nil, connQuery(conn, "SELECT 1")
	})(); err != nil {
		t.Fatalf("connTask: %v", err)
	}

	got := rec.recorded()
	if len(got) != 1 || got[0] != "SELECT 1" {
		t.Fatalf("recorded %q, want only the callable's statement", got)
	}
}
