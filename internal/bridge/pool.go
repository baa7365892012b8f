package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/ferry/internal/engine"
	"github.com/seantiz/ferry/internal/loop"
)

const (
	// DefaultMaxWorkers bounds the pool when the engine has no preference.
	DefaultMaxWorkers = 5

	// taskQueueCap bounds how many dispatched tasks may wait for a worker.
	taskQueueCap = 128

	// keepAliveInterval is the liveness guard tick spacing.
	keepAliveInterval = time.Second
)

// Operation names for logs and metrics.
const (
	opDo           = "do"
	opDoWithEngine = "do_with_engine"
)

var (
	// ErrNotRunning reports a dispatch attempted outside the running state.
	ErrNotRunning = errors.New("bridge: pool is not running")

	// ErrLiveRows reports a callable that returned an unconsumed *sql.Rows.
	// The connection is closed before the caller could read from it, so this
	// is a programming error in the caller, not a transient condition.
	ErrLiveRows = errors.New("bridge: callable returned live *sql.Rows; materialize results before returning")
)

// DefectFlag is the cached result of the stale-metadata probe.
type DefectFlag int

const (
	DefectUnknown DefectFlag = iota
	DefectPresent
	DefectAbsent
)

func (d DefectFlag) String() string {
	switch d {
	case DefectPresent:
		return "present"
	case DefectAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// Pool state. Transitions are monotonic; a stopped pool cannot be restarted.
type poolState int

const (
	poolStopped poolState = iota
	poolStarting
	poolRunning
	poolStopping
	poolTerminated
)

func (s poolState) String() string {
	switch s {
	case poolStarting:
		return "starting"
	case poolRunning:
		return "running"
	case poolStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ConnFunc runs on a worker goroutine against a fresh per-call connection.
// It must return a fully materialized value, never a live *sql.Rows.
type ConnFunc func(conn *sql.Conn) (any, error)

// EngineFunc runs on a worker goroutine against the shared engine handle.
type EngineFunc func(eng engine.Engine) (any, error)

// Options configures a Pool.
type Options struct {
	// Debug enables before/after/elapsed logging of every bridge call.
	Debug bool

	// MaxWorkers overrides the sizing policy when > 0. Zero means: engine
	// hint if it has one, otherwise DefaultMaxWorkers.
	MaxWorkers int
}

type task struct {
	fut *Future
	run func() (any, error)
}

// Pool owns a bounded set of worker goroutines and the bridge between them
// and the event loop. It starts when the loop reports ready and stops with
// the loop's shutdown, or earlier via Shutdown.
type Pool struct {
	eng        engine.Engine
	lp         *loop.Loop
	logger     *slog.Logger
	debug      bool
	maxWorkers int
	defect     DefectFlag

	mu      sync.Mutex
	state   poolState
	spawned int
	hook    *loop.ShutdownHook
	tasks   chan *task
	wg      sync.WaitGroup
	started chan struct{}

	inFlight atomic.Int32
}

// New builds a pool bound to lp's lifecycle: it transitions to running once
// the loop is ready and registers a shutdown hook at that point. For SQLite
// engines the stale-metadata probe runs here, once, before any dispatch; a
// probe failure fails construction rather than guessing at the result.
func New(eng engine.Engine, lp *loop.Loop, logger *slog.Logger, opts Options) (*Pool, error) {
	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
		if h, ok := eng.(engine.WorkerCountHinter); ok {
			if n := h.PreferredWorkerCount(); n > 0 {
				maxWorkers = n
			}
		}
	}

	p := &Pool{
		eng:        eng,
		lp:         lp,
		logger:     logger,
		debug:      opts.Debug,
		maxWorkers: maxWorkers,
		tasks:      make(chan *task, taskQueueCap),
		started:    make(chan struct{}),
	}

	if eng.DialectName() == engine.DialectSQLite {
		if v, ok := eng.(interface {
			Version(context.Context) (string, error)
		}); ok {
			if vers, err := v.Version(context.Background()); err == nil {
				logger.Info("using SQLite", "version", vers)
			}
		}

		present, err := p.runProbe()
		if err != nil {
			return nil, err
		}
		if present {
			p.defect = DefectPresent
			logger.Info("sqlite serves stale table metadata across connections; applying per-call schema refresh")
		} else {
			p.defect = DefectAbsent
		}
	}

	lp.CallWhenRunning(p.start)
	return p, nil
}

// runProbe probes a disposable database file for the cross-connection
// metadata staleness defect.
func (p *Pool) runProbe() (bool, error) {
	dir, err := os.MkdirTemp("", "ferry-probe-")
	if err != nil {
		return false, fmt.Errorf("create probe dir: %w", err)
	}
	defer os.RemoveAll(dir)

	present, err := detectStaleMetadata(sqliteProbeDialer(filepath.Join(dir, "probe.db")))
	if err != nil {
		return false, fmt.Errorf("stale metadata probe: %w", err)
	}
	return present, nil
}

// start runs on the loop goroutine once the loop is ready.
func (p *Pool) start() {
	p.mu.Lock()
	if p.state != poolStopped {
		p.mu.Unlock()
		return
	}
	p.state = poolStarting
	p.mu.Unlock()

	hook := p.lp.AddShutdownHook(p.stop)

	p.mu.Lock()
	p.hook = hook
	p.state = poolRunning
	// One worker stays warm from startup; the rest spawn on demand.
	p.spawned = 1
	p.wg.Add(1)
	bridgeWorkers.Inc()
	go p.worker()
	p.mu.Unlock()

	close(p.started)

	p.logger.Info("bridge pool running",
		"dialect", p.eng.DialectName(),
		"max_workers", p.maxWorkers,
		"defect", p.defect.String(),
	)
}

// stop drains and terminates the pool: no new dispatches are accepted, queued
// and in-flight tasks run to completion, workers exit, and the engine is
// disposed exactly once.
func (p *Pool) stop() {
	p.mu.Lock()
	if p.state != poolRunning && p.state != poolStarting {
		p.mu.Unlock()
		return
	}
	p.state = poolStopping
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()

	if err := p.eng.Dispose(); err != nil {
		p.logger.Error("dispose engine", "error", err)
	}

	p.mu.Lock()
	p.state = poolTerminated
	p.mu.Unlock()

	p.logger.Info("bridge pool stopped")
}

// Shutdown stops the pool manually, ahead of loop shutdown. The registered
// loop hook is unregistered so teardown runs once. Calling Shutdown on an
// already-stopped pool is a no-op; this is what test harnesses rely on when
// the loop's own shutdown sequence never runs.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	hook := p.hook
	p.hook = nil
	p.mu.Unlock()

	if hook == nil {
		return
	}
	hook.Remove()
	p.stop()
}

// Do runs fn on a worker goroutine with a fresh connection from the engine.
// The connection is closed when fn returns, success or failure, so fn must
// fully materialize whatever it reads.
func (p *Pool) Do(fn ConnFunc) *Future {
	return p.dispatch(opDo, callSite(1), p.connTask(fn))
}

// DoWithEngine runs fn on a worker goroutine with the shared engine handle.
// No connection is opened or closed by this path.
func (p *Pool) DoWithEngine(fn EngineFunc) *Future {
	return p.dispatch(opDoWithEngine, callSite(1), p.engineTask(fn))
}

// connTask wraps fn with connection open/close, the stale-metadata
// mitigation, and the live-rows contract check.
func (p *Pool) connTask(fn ConnFunc) func() (any, error) {
	return func() (any, error) {
		ctx := context.Background()
		conn, err := p.eng.Connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("open connection: %w", err)
		}
		defer conn.Close()

		if p.defect == DefectPresent {
			if err := refreshSchema(ctx, conn); err != nil {
				return nil, fmt.Errorf("schema refresh: %w", err)
			}
		}

		return checkMaterialized(fn(conn))
	}
}

// engineTask wraps fn with the stale-metadata mitigation and the live-rows
// contract check, against the shared handle.
func (p *Pool) engineTask(fn EngineFunc) func() (any, error) {
	return func() (any, error) {
		if p.defect == DefectPresent {
			if err := refreshSchema(context.Background(), p.eng.DB()); err != nil {
				return nil, fmt.Errorf("schema refresh: %w", err)
			}
		}
		return checkMaterialized(fn(p.eng))
	}
}

// dispatch composes the liveness guard span and the instrumentation span
// around the task, then hands it to a worker. Everything the caller observes
// flows through the returned future.
func (p *Pool) dispatch(op, caller string, run func() (any, error)) *Future {
	fut := newFuture(p.lp)

	// Liveness guard: keep the loop waking at a fixed interval for the whole
	// span of the call, so a missed cross-thread wakeup cannot stall delivery
	// indefinitely. Workaround for the loop's coalesced wake signal, not a
	// scheduling feature.
	guard := p.lp.StartTicker(keepAliveInterval, func() {})
	fut.OnComplete(func(any, error) { guard.Stop() })

	if p.debug {
		p.instrument(op, caller, fut)
	}

	start := time.Now()
	fut.OnComplete(func(_ any, err error) { observeCall(op, start, err) })

	p.mu.Lock()
	if p.state != poolRunning {
		st := p.state.String()
		p.mu.Unlock()
		fut.deliver(nil, fmt.Errorf("%w (state %s)", ErrNotRunning, st))
		return fut
	}
	if p.spawned < p.maxWorkers {
		p.spawned++
		p.wg.Add(1)
		bridgeWorkers.Inc()
		go p.worker()
	}
	// The send happens under the lock so stop cannot close the channel
	// between the state check and the enqueue. Workers consume without the
	// lock, so a full queue drains while we block here.
	p.tasks <- &task{fut: fut, run: run}
	p.mu.Unlock()

	return fut
}

// worker runs queued tasks to completion until the pool stops.
func (p *Pool) worker() {
	defer p.wg.Done()
	defer bridgeWorkers.Dec()
	for t := range p.tasks {
		p.inFlight.Add(1)
		bridgeInFlight.Inc()
		v, err := t.run()
		p.inFlight.Add(-1)
		bridgeInFlight.Dec()
		t.fut.deliver(v, err)
	}
}

// checkMaterialized enforces the callable contract: live cursors cannot cross
// the bridge because their connection is already being torn down.
func checkMaterialized(v any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if rows, ok := v.(*sql.Rows); ok {
		rows.Close()
		return nil, ErrLiveRows
	}
	return v, nil
}

// queryer is the subset of *sql.Conn and *sql.DB the mitigation needs.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// refreshSchema forces the connection to reload its table metadata cache.
func refreshSchema(ctx context.Context, q queryer) error {
	rows, err := q.QueryContext(ctx, "SELECT * FROM sqlite_master")
	if err != nil {
		return err
	}
	return rows.Close()
}

// Started is closed once the pool has transitioned to running on the loop
// goroutine. Construction only schedules startup; a caller that dispatches
// right after New races the loop goroutine and can see ErrNotRunning, so the
// first dispatch should wait on this channel.
func (p *Pool) Started() <-chan struct{} {
	return p.started
}

// Defect reports the cached probe result for this pool.
func (p *Pool) Defect() DefectFlag {
	return p.defect
}

// Stats is a point-in-time snapshot of the pool for the ops surface.
type Stats struct {
	State      string `json:"state"`
	MaxWorkers int    `json:"max_workers"`
	Workers    int    `json:"workers"`
	InFlight   int    `json:"in_flight"`
	QueueDepth int    `json:"queue_depth"`
	Defect     string `json:"defect"`
}

// Stats snapshots the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:      p.state.String(),
		MaxWorkers: p.maxWorkers,
		Workers:    p.spawned,
		InFlight:   int(p.inFlight.Load()),
		QueueDepth: len(p.tasks),
		Defect:     p.defect.String(),
	}
}
