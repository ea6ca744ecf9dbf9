package fibev

import (
	"go.uber.org/zap"

	"github.com/xtaci/fibev/internal/diag"
)

// diagFatal reports a fatal OS-registration/backend failure through the
// shared diagnostic sink and aborts the process: an OS failure here is
// fatal after emitting a diagnostic.
func diagFatal(op string, err error) {
	diag.Fatal("fibev: fatal backend error", zap.String("op", op), zap.Error(err))
}

// SetLogger overrides the package-level diagnostic logger used for fatal
// backend errors and the fiber-error stack-trace sink.
func SetLogger(l *zap.Logger) { diag.SetLogger(l) }
