package bridge

import (
	"context"
	"sync"

	"github.com/seantiz/ferry/internal/loop"
)

// Future is the deferred result of a bridge call. It is fulfilled exactly
// once, by exactly one worker, and completion callbacks run on the loop
// goroutine. Await additionally lets any goroutine block for the outcome.
type Future struct {
	lp        *loop.Loop
	mu        sync.Mutex
	completed bool
	val       any
	err       error
	callbacks []func(any, error)
	done      chan struct{}
}

func newFuture(lp *loop.Loop) *Future {
	return &Future{lp: lp, done: make(chan struct{})}
}

// complete fulfills the future and fires registered callbacks. It runs on the
// loop goroutine under normal delivery; the guard makes a second completion a
// no-op either way.
func (f *Future) complete(v any, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.val = v
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.done)
	for _, cb := range cbs {
		cb(v, err)
	}
}

// deliver marshals completion onto the loop goroutine. If the loop has
// already stopped the future completes on the calling goroutine instead, so
// no caller is ever left waiting on an abandoned future.
func (f *Future) deliver(v any, err error) {
	if serr := f.lp.Submit(func() { f.complete(v, err) }); serr != nil {
		f.complete(v, err)
	}
}

// OnComplete registers cb to run on the loop goroutine once the future is
// fulfilled. Callbacks registered after completion are scheduled immediately.
func (f *Future) OnComplete(cb func(v any, err error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.val, f.err
	f.mu.Unlock()

	if serr := f.lp.Submit(func() { cb(v, err) }); serr != nil {
		cb(v, err)
	}
}

// Done is closed when the future has been fulfilled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future is fulfilled or ctx is done. It is intended
// for goroutines outside the loop (HTTP handlers, tests); loop callbacks
// should use OnComplete instead, since blocking the loop would deadlock.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
