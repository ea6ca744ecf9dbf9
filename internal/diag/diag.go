// Package diag centralizes the runtime's diagnostic logging: the fatal
// out-of-memory / OS-failure path, and the non-fatal stack-trace sink for
// fiber errors surfacing from the run queue.
package diag

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	log *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	log = l
}

// SetLogger overrides the package-level logger. Hosts embedding the runtime
// in a larger process should call this once at startup to route
// diagnostics through their own zap core.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Fatal logs msg at fatal level and aborts the process: out-of-memory and
// OS-registration failures are both fatal after emitting a diagnostic.
func Fatal(msg string, fields ...zap.Field) {
	current().Fatal(msg, fields...)
}

// FiberError reports a fiber's non-OK, non-EVENT resumption signal to the
// stack-trace sink without aborting the loop: such errors are reported via
// a stack-trace sink and never abort the loop.
func FiberError(trace string, err error) {
	current().Error("fiber error", zap.String("trace", trace), zap.Error(err))
}

// Sync flushes any buffered log entries.
func Sync() error {
	return current().Sync()
}
