// Package recovery keeps a panicking connection or console goroutine from
// taking the whole relay down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the goroutine name.
// It must be deferred directly:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "session")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it and hands the recovered
// value to onPanic. The relay uses this to tear down the session that panicked.
func RecoverWithCallback(logger *slog.Logger, name string, onPanic func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if onPanic != nil {
			onPanic(r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
