// Package goroutine provides utilities for launching goroutines with panic recovery.
package goroutine

import (
	"fmt"
	"runtime/debug"

	"mailbot/internal/shared/logger"
)

// SafeGo launches fn in a goroutine and turns a panic into an error log with
// stack trace instead of crashing the process. Job executions run under it so
// a panicking message handler cannot take the scheduler down.
func SafeGo(log logger.Interface, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("goroutine panicked",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
