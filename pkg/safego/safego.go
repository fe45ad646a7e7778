// Package safego runs background goroutines with panic containment. The
// gateway's long-lived loops (config watcher, health prober, pool
// sweeper, HTTP listener) all start through Go so a panic in one of them
// is logged instead of taking the process down.
package safego

import (
	"go.uber.org/zap"
)

// Go launches fn on a new goroutine. A panic inside fn is recovered,
// logged with the goroutine's name and stack, and swallowed; the
// goroutine exits cleanly.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Background goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stacktrace"),
				)
			}
		}()
		fn()
	}()
}
