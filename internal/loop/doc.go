// Package loop provides a single-goroutine cooperative event loop. Callbacks
// submitted from any goroutine run in order on the loop goroutine; the loop
// also supports run-when-ready callbacks, shutdown hooks, and periodic
// tickers. It is the host environment the bridge delivers results into.
package loop
