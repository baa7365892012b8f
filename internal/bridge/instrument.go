package bridge

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
)

// callSite describes the application code that invoked Do or DoWithEngine,
// e.g. "main.loadState (main.go:42)". skip counts frames above this function.
func callSite(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s (%s:%d)", name, filepath.Base(file), line)
}

// instrument wraps a dispatched call with before/after debug logging. The
// "after" line fires on delivery, success and failure alike.
func (p *Pool) instrument(op, caller string, fut *Future) {
	id := ulid.Make().String()
	start := time.Now()
	p.logger.Info("bridge call - before",
		"op", op,
		"call_id", id,
		"caller", caller,
	)
	fut.OnComplete(func(_ any, err error) {
		status := statusOK
		if err != nil {
			status = statusError
		}
		p.logger.Info("bridge call - after",
			"op", op,
			"call_id", id,
			"caller", caller,
			"status", status,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

// observeCall records the Prometheus view of a delivered call.
func observeCall(op string, start time.Time, err error) {
	status := statusOK
	if err != nil {
		status = statusError
	}
	bridgeCallsTotal.WithLabelValues(op, status).Inc()
	bridgeCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
