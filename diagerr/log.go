package diagerr

import (
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

// The teacher's go.mod pulls in charmbracelet/log but its own src/log.go
// predates that decision and instead rolls text_color_set/dw_printf with
// raw ANSI codes. kdiag wires the dependency up: one shared *log.Logger,
// colored when attached to a terminal and plain otherwise, replacing the
// ad hoc color-by-message-class scheme with structured levels.
var (
	logOnce sync.Once
	lgr     *log.Logger
)

func logger() *log.Logger {
	logOnce.Do(func() {
		lgr = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05.000",
			Prefix:          "kdiag",
		})
	})
	return lgr
}

// Logger exposes the shared logger so other packages (tty, l1, l0, l2,
// l7) can log wire-level detail at Debug and lifecycle events at Info
// without each owning a separate logger instance.
func Logger() *log.Logger { return logger() }

// SetLevel adjusts verbosity; an L0 driver's debug flag or a CLI -v option
// ultimately calls this.
func SetLevel(lvl log.Level) { logger().SetLevel(lvl) }
