// Package xdg centralizes path resolution for opentmuxd's config search
// order, socket path and log file. The pidfile path lives in
// control.PidPath.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	homeOnce   sync.Once
	homeCached string
)

// HomeConfigDir resolves $HOME/.config/opencode, caching the lookup.
func HomeConfigDir() string {
	homeOnce.Do(func() {
		home := os.Getenv("HOME")
		if home == "" {
			if h, err := os.UserHomeDir(); err == nil {
				home = h
			}
		}
		homeCached = filepath.Join(home, ".config", "opencode")
	})
	return homeCached
}

// ConfigSearchPaths returns the ordered candidate config file locations for
// dir: "<dir>/opentmux.json", "<dir>/opencode-agent-tmux.json" (legacy),
// then "$HOME/.config/opencode/opentmux.json".
func ConfigSearchPaths(dir string) []string {
	paths := make([]string, 0, 3)
	if dir != "" {
		paths = append(paths,
			filepath.Join(dir, "opentmux.json"),
			filepath.Join(dir, "opencode-agent-tmux.json"),
		)
	}
	if home := HomeConfigDir(); home != "." && home != "" {
		paths = append(paths, filepath.Join(home, "opentmux.json"))
	}
	return paths
}

// SocketPath returns the default control-socket path for a daemon instance
// identified by pid: "<temp-dir>/opentmuxd-<pid>.sock".
func SocketPath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("opentmuxd-%d.sock", pid))
}

// LogPath returns the default event-log path for a daemon instance.
func LogPath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("opentmuxd-%d.log", pid))
}

// ResetForTest clears cached values so tests can re-run resolution logic.
func ResetForTest() {
	homeOnce = sync.Once{}
	homeCached = ""
}
