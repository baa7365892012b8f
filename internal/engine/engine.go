// Package engine abstracts a database backend behind an Engine Handle: a
// connection factory plus identity metadata. The bridge only reads from it;
// ownership stays with the caller until the pool disposes it at teardown.
package engine

import (
	"context"
	"database/sql"
)

// Engine is the handle the bridge dispatches against. Connect returns a fresh
// dedicated connection for a single call; DB exposes the shared handle for
// engine-level operations. Implementations must be safe for concurrent use.
type Engine interface {
	// DialectName identifies the backend, e.g. "sqlite".
	DialectName() string

	// Connect returns a dedicated connection. The caller owns it and must
	// close it.
	Connect(ctx context.Context) (*sql.Conn, error)

	// DB returns the shared database handle.
	DB() *sql.DB

	// Dispose releases the engine. Safe to call more than once.
	Dispose() error
}

// WorkerCountHinter is implemented by engines that can only usefully serve a
// limited number of concurrent connections. A value <= 0 means no preference.
type WorkerCountHinter interface {
	PreferredWorkerCount() int
}
