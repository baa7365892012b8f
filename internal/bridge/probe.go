package bridge

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Some SQLite builds cache table metadata per connection: a table created on
// one connection is not visible to another until that connection reads
// sqlite_master. The probe reproduces the pattern empirically against a
// disposable database file instead of trusting version numbers.

// errTableNotVisible is the expected stale-read signature: the probe table
// exists but the reading connection cannot see it.
var errTableNotVisible = errors.New("probe table not visible")

// probeConn is one connection participating in the stale-metadata probe.
type probeConn interface {
	// TableInfo issues a harmless metadata read so the connection populates
	// its schema cache before the table exists.
	TableInfo(table string) error
	CreateTable(table string) error
	// SelectFrom reads the table; a missing table is reported by wrapping
	// errTableNotVisible, any other failure is returned as-is.
	SelectFrom(table string) error
	// RefreshSchema forces the connection to reload table metadata.
	RefreshSchema() error
	Close() error
}

// probeDialer opens a new independent connection to the probe database.
type probeDialer func() (probeConn, error)

// detectStaleMetadata reports whether the backend serves stale table metadata
// across connections. The first pass reads a freshly created table without a
// schema refresh; if that read misses the table, a second pass confirms that
// a refresh restores visibility. Any failure outside that exact signature is
// a probe error, never silently mapped to present or absent.
func detectStaleMetadata(dial probeDialer) (bool, error) {
	err := probeAttempt(dial, "probe_one", false)
	if err == nil {
		// Healthy so far; the refreshed variant must also succeed.
		if err := probeAttempt(dial, "probe_two", true); err != nil {
			return false, fmt.Errorf("probe with schema refresh failed on healthy backend: %w", err)
		}
		return false, nil
	}
	if !errors.Is(err, errTableNotVisible) {
		return false, err
	}
	if err := probeAttempt(dial, "probe_two", true); err != nil {
		return false, fmt.Errorf("schema refresh did not restore table visibility: %w", err)
	}
	return true, nil
}

// probeAttempt primes a reader connection's metadata cache, creates the table
// on a second connection, then reads it back on the first, optionally forcing
// a schema refresh in between.
func probeAttempt(dial probeDialer, table string, refresh bool) error {
	reader, err := dial()
	if err != nil {
		return fmt.Errorf("open reader connection: %w", err)
	}
	defer reader.Close()

	if err := reader.TableInfo(table); err != nil {
		return fmt.Errorf("prime metadata cache: %w", err)
	}

	writer, err := dial()
	if err != nil {
		return fmt.Errorf("open writer connection: %w", err)
	}
	defer writer.Close()

	if err := writer.CreateTable(table); err != nil {
		return fmt.Errorf("create probe table: %w", err)
	}

	if refresh {
		if err := reader.RefreshSchema(); err != nil {
			return fmt.Errorf("refresh schema: %w", err)
		}
	}

	return reader.SelectFrom(table)
}

// sqliteProbeConn runs the probe protocol over its own database handle, so
// every dial is a genuinely separate connection.
type sqliteProbeConn struct {
	db *sql.DB
}

// sqliteProbeDialer dials independent single-connection handles to the
// disposable probe database at path.
func sqliteProbeDialer(path string) probeDialer {
	return func() (probeConn, error) {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return &sqliteProbeConn{db: db}, nil
	}
}

func (c *sqliteProbeConn) TableInfo(table string) error {
	rows, err := c.db.Query(fmt.Sprintf("PRAGMA table_info('%s')", table))
	if err != nil {
		return err
	}
	return rows.Close()
}

func (c *sqliteProbeConn) CreateTable(table string) error {
	_, err := c.db.Exec(fmt.Sprintf("CREATE TABLE %s (n INTEGER)", table))
	return err
}

func (c *sqliteProbeConn) SelectFrom(table string) error {
	rows, err := c.db.Query(fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("%s: %w", table, errTableNotVisible)
		}
		return err
	}
	return rows.Close()
}

func (c *sqliteProbeConn) RefreshSchema() error {
	rows, err := c.db.Query("SELECT * FROM sqlite_master")
	if err != nil {
		return err
	}
	return rows.Close()
}

func (c *sqliteProbeConn) Close() error {
	return c.db.Close()
}
