// Package logging provides the process-wide structured event log used by
// every other package in opentmuxd.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	logPath = filepath.Join(os.TempDir(), "opentmuxd.log")
)

// SetPath redirects future log entries to path. Empty path is a no-op.
func SetPath(path string) {
	if path == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	logPath = path
}

// Log appends one JSON-lines entry: {"ts", "message", "data"}.
func Log(message string, data any) {
	entry := map[string]any{
		"ts":      time.Now().Format(time.RFC3339Nano),
		"message": message,
	}
	if data != nil {
		entry["data"] = data
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"ts":%q,"message":%q}`, time.Now().Format(time.RFC3339Nano), message))
	}

	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(payload, '\n'))
}

// RecoverAndLog recovers a panic in the calling goroutine, logging it under
// context instead of letting it take down the process. Background loops
// (poller, reaper, control-socket handlers) defer this so a single bad tick
// doesn't kill the daemon.
func RecoverAndLog(context string) {
	if r := recover(); r != nil {
		Log("panic recovered", map[string]any{
			"context": context,
			"panic":   fmt.Sprintf("%v", r),
			"stack":   string(debug.Stack()),
		})
	}
}
