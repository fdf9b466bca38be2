package util

import (
	"runtime/debug"

	"github.com/moltbunker/uplink/internal/logging"
)

// SafeGoWithName runs fn on a new goroutine with panic recovery. The name
// shows up in the log line if fn panics.
//
// Example:
//
//	util.SafeGoWithName("session-writer-c3", func() {
//	    // goroutine code here
//	})
func SafeGoWithName(name string, fn func()) {
	SafeGoWithRecover(name, fn, nil)
}

// SafeGoWithRecover is SafeGoWithName with an extra hook that receives the
// recovered panic value after it has been logged. Sessions use it to turn a
// panicking handler into a fatal session error instead of a hung session.
func SafeGoWithRecover(name string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logging.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(stack),
				)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
