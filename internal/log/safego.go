package log

import (
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine with panic recovery. A recovered
// panic is logged with its stack; the daemon keeps running. Every
// long-lived goroutine in the daemon is started through SafeGo so a bug
// in one subsystem cannot take the process down.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatDaemon, "goroutine panicked",
					"name", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
