// Package bridge moves blocking database work off the event loop and onto a
// bounded pool of worker goroutines. Do and DoWithEngine run a caller's
// function on a worker against a fresh connection or the shared engine handle
// and return a Future whose completion is delivered back onto the loop. The
// pool's lifecycle is bound to the loop's start and shutdown, and for SQLite
// backends a one-time probe decides whether each call needs a schema-cache
// refresh before the caller's function runs.
package bridge
