// Package perf is an opt-in operation timer for the daemon's hot paths
// (pane spawn, pane close, reaper scans).
package perf

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	enabled  = os.Getenv("OPENTMUX_PERF") == "1"
	logFile  *os.File
	logMutex sync.Mutex
	initOnce sync.Once
)

func ensureLog() {
	if !enabled {
		return
	}
	initOnce.Do(func() {
		f, err := os.OpenFile("/tmp/opentmuxd-perf.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			enabled = false
			return
		}
		logFile = f
	})
}

// Timer tracks elapsed time for a named operation.
type Timer struct {
	name  string
	start time.Time
}

// Start begins timing an operation.
func Start(name string) *Timer {
	ensureLog()
	return &Timer{name: name, start: time.Now()}
}

// Stop ends timing and logs the result when enabled.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if enabled && logFile != nil {
		logMutex.Lock()
		fmt.Fprintf(logFile, "%s: %s: %v\n", time.Now().Format("15:04:05.000"), t.name, elapsed)
		logMutex.Unlock()
	}
	return elapsed
}

// Track times fn under name and returns the elapsed duration.
func Track(name string, fn func()) time.Duration {
	t := Start(name)
	fn()
	return t.Stop()
}

// IsEnabled reports whether OPENTMUX_PERF=1 was set at process start.
func IsEnabled() bool {
	return enabled
}
