// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine. A panic in fn is recovered and logged rather than
// crashing the process. Use it for fire-and-forget work such as draft mirroring, activity
// shipping and reconciliation sweeps.
func Go(fn func()) {
	GoNamed("background", fn)
}

// GoNamed is Go with a task name attached to the panic log.
func GoNamed(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine",
					"task", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
