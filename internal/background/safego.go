// Package background runs fire-and-forget tasks (cache revalidation, idle
// reaping) whose panics and errors must never escape to a caller, adapted
// from the project's panic-recovery kernel utilities.
package background

import (
	"fmt"
	"runtime/debug"
)

// Logger is the structured logging interface used for recovered panics
// and discarded errors.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Go runs fn in a new goroutine. Panics are recovered and logged under
// operation; errors returned by fn are logged and discarded, never
// propagated, matching the fire-and-forget contract for background
// revalidation and idle reaping.
func Go(logger Logger, operation string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("background_task_panic_recovered",
						"operation", operation,
						"panic", fmt.Sprint(r),
						"stack", string(debug.Stack()))
				}
			}
		}()
		if err := fn(); err != nil && logger != nil {
			logger.Warn("background_task_failed", "operation", operation, "error", err.Error())
		}
	}()
}
