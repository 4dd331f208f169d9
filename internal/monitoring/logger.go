package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var debug atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug turns per-measurement debug lines on or off.
func SetDebug(on bool) {
	debug.Store(on)
}

// DebugEnabled reports whether Debugf writes anything.
func DebugEnabled() bool {
	return debug.Load()
}

// Debugf logs through Logf with a DEBUG prefix when debug output is enabled.
func Debugf(format string, v ...interface{}) {
	if !debug.Load() {
		return
	}
	Logf("DEBUG: "+format, v...)
}
