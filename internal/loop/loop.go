package loop

import (
	"errors"
	"sync"
	"time"
)

// ErrLoopStopped is returned by Submit once shutdown has begun.
var ErrLoopStopped = errors.New("loop: stopped")

const (
	stateNew = iota
	stateRunning
	stateStopping
	stateStopped
)

// Loop runs callbacks on a single goroutine. Submit is safe from any
// goroutine; everything submitted executes on the goroutine that called Run.
//
// Work arrives on a locked slice queue; the loop blocks on a wake signal when
// the queue is empty. The wake channel has capacity one, so concurrent
// submitters coalesce into a single wakeup.
type Loop struct {
	mu      sync.Mutex
	state   int
	queue   []func()
	pending []func() // CallWhenRunning callbacks queued before Run
	hooks   map[int]func()
	nextID  int
	wake    chan struct{}
	done    chan struct{}
}

// ShutdownHook identifies a registered shutdown callback so it can be removed.
type ShutdownHook struct {
	l  *Loop
	id int
}

// New creates a loop. It does nothing until Run is called.
func New() *Loop {
	return &Loop{
		hooks: make(map[int]func()),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Run executes the loop on the calling goroutine until Stop. Callbacks queued
// with CallWhenRunning fire first, in registration order.
func (l *Loop) Run() {
	l.mu.Lock()
	if l.state != stateNew {
		l.mu.Unlock()
		return
	}
	l.state = stateRunning
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range pending {
		fn()
	}

	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		stopping := l.state == stateStopping
		l.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}

		if stopping {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.state = stateStopped
				l.mu.Unlock()
				close(l.done)
				return
			}
			// Shutdown hooks queued more work; drain it first.
			l.mu.Unlock()
			continue
		}

		if len(tasks) == 0 {
			<-l.wake
		}
	}
}

// Submit schedules fn to run on the loop goroutine. It is safe to call from
// worker goroutines. Once shutdown has begun it returns ErrLoopStopped and fn
// is not run.
func (l *Loop) Submit(fn func()) error {
	l.mu.Lock()
	if l.state == stateStopping || l.state == stateStopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// CallWhenRunning runs fn on the loop goroutine once the loop is running. If
// the loop is already running the callback is submitted immediately; if the
// loop has stopped the callback is dropped.
func (l *Loop) CallWhenRunning(fn func()) {
	l.mu.Lock()
	if l.state == stateNew {
		l.pending = append(l.pending, fn)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	_ = l.Submit(fn)
}

// AddShutdownHook registers fn to run on the loop goroutine when Stop is
// called. Hooks run before the loop exits, in unspecified order.
func (l *Loop) AddShutdownHook(fn func()) *ShutdownHook {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.hooks[id] = fn
	return &ShutdownHook{l: l, id: id}
}

// Remove unregisters the hook. Removing an already-removed or already-fired
// hook is a no-op.
func (h *ShutdownHook) Remove() {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	delete(h.l.hooks, h.id)
}

// Stop begins shutdown: hooks run on the loop goroutine, already-queued
// callbacks drain, then Run returns and Done is closed. Stop is idempotent,
// does not block, and is safe from any goroutine including the loop itself.
// Callers that need to wait for termination use Done.
func (l *Loop) Stop() {
	l.mu.Lock()
	switch l.state {
	case stateStopping, stateStopped:
		l.mu.Unlock()
		return
	case stateNew:
		// The loop never ran, so there is no loop goroutine to hand the
		// teardown to. Drain queued callbacks and fire hooks right here, in
		// the same order the running path would have used.
		l.state = stateStopped
		tasks := l.queue
		l.queue = nil
		hooks := make([]func(), 0, len(l.hooks))
		for _, fn := range l.hooks {
			hooks = append(hooks, fn)
		}
		l.hooks = map[int]func(){}
		l.mu.Unlock()
		for _, fn := range tasks {
			fn()
		}
		for _, fn := range hooks {
			fn()
		}
		close(l.done)
		return
	}
	l.state = stateStopping
	hooks := make([]func(), 0, len(l.hooks))
	for _, fn := range l.hooks {
		hooks = append(hooks, fn)
	}
	l.hooks = map[int]func(){}
	// Queued directly rather than via Submit: Submit rejects once state is
	// stopping, but the hooks themselves must still run on the loop.
	l.queue = append(l.queue, func() {
		for _, fn := range hooks {
			fn()
		}
	})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop has fully stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Ticker invokes a callback on the loop goroutine at a fixed interval until
// stopped.
type Ticker struct {
	stop chan struct{}
	once sync.Once
}

// StartTicker schedules fn onto the loop every interval. The returned Ticker
// must be stopped; ticks that arrive after loop shutdown are discarded.
func (l *Loop) StartTicker(interval time.Duration, fn func()) *Ticker {
	t := &Ticker{stop: make(chan struct{})}
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tick.C:
				if err := l.Submit(fn); err != nil {
					return
				}
			}
		}
	}()
	return t
}

// Stop halts the ticker. Safe to call more than once and from any goroutine.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
}
