// Package recovery provides panic isolation for the orchestration loop and
// fired scheduler jobs. A panicking subtask handler or trigger callback must
// never take down the process or abort sibling work.
package recovery

import (
	"log/slog"
	"runtime/debug"
)

// LogPanic recovers a panic in the calling goroutine and logs it with the
// component name and optional slog key-value pairs. Use in a defer.
func LogPanic(component string, args ...any) {
	if r := recover(); r != nil {
		logArgs := append([]any{"panic", r, "stack", string(debug.Stack())}, args...)
		slog.Error("Recovered panic in "+component, logArgs...)
	}
}

// Go runs fn in a new goroutine with panic isolation.
func Go(component string, fn func()) {
	go func() {
		defer LogPanic(component)
		fn()
	}()
}

// Safe runs fn in the current goroutine with panic isolation and reports
// whether it completed without panicking.
func Safe(component string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered panic in "+component, "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}
