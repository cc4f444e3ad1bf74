// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine named after the work it performs. A panic in fn
// is recovered and logged instead of crashing the process. Use it for every
// fire-and-forget goroutine (cache invalidation retries, job loops, config watchers).
func Go(name string, fn func()) {
	go func() {
		_ = Call(name, fn)
	}()
}

// Call runs fn on the current goroutine and converts a panic into an error.
// The worker pool uses it so one misbehaving task cannot take a worker down.
func Call(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine",
				"task", name, "panic", r, "stack", string(debug.Stack()))
			err = &PanicError{Task: name, Value: r}
		}
	}()
	fn()
	return nil
}

// PanicError carries a recovered panic value
type PanicError struct {
	Task  string
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Task, e.Value)
}
