package diagerr

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Latch is the process-wide single-cell latched error described in
// spec.md §3/§4.8/§9: "keep it as a process-wide atomic... the fact that
// it's a single cell is part of the specification; do not try to localize
// it." The first error since the last GetErr wins; later SetErr calls are
// no-ops until the cell is cleared. Timeouts are deliberately excluded
// (spec.md §7: a normal, frequent, polling outcome, not worth latching).
type Latch struct {
	code atomic.Int32
	set  atomic.Bool
	mu   sync.Mutex
	desc string
}

// global is the single process-wide latch every layer shares.
var global Latch

// Global returns the process-wide latch.
func Global() *Latch { return &global }

// SetErr latches code (with its location and msg) if nothing is latched
// yet, logs a "file:line: description" line, and always returns an *Error
// describing this occurrence (independent of whether it was the one that
// got latched). Timeout is logged at Debug and never latched.
func (l *Latch) SetErr(code Code, format string, args ...interface{}) *Error {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "???", 0
	}
	e := &Error{Code: code, File: shortFile(file), Line: line, Msg: fmt.Sprintf(format, args...)}

	if code == Timeout {
		logger().Debug(e.Error())
		return e
	}

	if l.set.CompareAndSwap(false, true) {
		l.code.Store(int32(code))
		l.mu.Lock()
		l.desc = e.Error()
		l.mu.Unlock()
	}
	logger().Error(e.Error())
	return e
}

// SetErrNil is SetErr with the result typed as a plain error, for call
// sites that return a nil pointer alongside it (freediag's two-flavor
// seterr, kept purely for caller ergonomics at construction sites that
// return e.g. *L0Device). The returned error is never nil.
func (l *Latch) SetErrNil(code Code, format string, args ...interface{}) error {
	return l.SetErr(code, format, args...)
}

// GetErr returns the latched code and clears the latch. Returns General
// if nothing was latched yet is a footgun, so it returns ok=false instead.
func (l *Latch) GetErr() (code Code, ok bool) {
	if !l.set.Swap(false) {
		return 0, false
	}
	return Code(l.code.Load()), true
}

func shortFile(path string) string {
	depth := 0
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			depth++
			if depth == 2 {
				return path[i+1:]
			}
		}
	}
	return path
}
