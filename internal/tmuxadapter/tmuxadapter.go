// Package tmuxadapter is the only module allowed to shell out to the
// multiplexer binary. It caches the binary path after first discovery,
// probes host health over HTTP, and wraps pane create/destroy and layout
// recomputation.
package tmuxadapter

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/opentmux/opentmuxd/internal/config"
	"github.com/opentmux/opentmuxd/internal/logging"
	"github.com/opentmux/opentmuxd/internal/perf"
	"github.com/opentmux/opentmuxd/internal/process"
)

// SpawnResult is the outcome of a SpawnPane call.
type SpawnResult struct {
	Success bool
	PaneID  string
}

const titleMaxWidth = 30

var (
	binPathOnce sync.Once
	binPath     string

	healthMu     sync.Mutex
	healthCache  = map[string]bool{}
)

// InsideMultiplexer reports whether the process is running inside a tmux
// pane, detected via tmux's own environment marker. If absent, all spawns
// are refused.
func InsideMultiplexer() bool {
	return os.Getenv("TMUX") != ""
}

func findBinary() string {
	out, err := exec.Command("sh", "-lc", "which tmux").Output()
	if err != nil {
		return ""
	}
	path := strings.TrimSpace(string(out))
	if path == "" {
		return ""
	}
	if err := exec.Command(path, "-V").Run(); err != nil {
		return ""
	}
	return path
}

// binaryPath resolves and caches the tmux binary path.
func binaryPath() string {
	binPathOnce.Do(func() {
		binPath = findBinary()
	})
	return binPath
}

// ResetForTest clears cached binary path and health results.
func ResetForTest() {
	binPathOnce = sync.Once{}
	binPath = ""
	healthMu.Lock()
	healthCache = map[string]bool{}
	healthMu.Unlock()
}

// HostHealthy GETs <url>/health with a 3s timeout. A positive result is
// cached per url; on negative, up to 2 attempts with a 250ms pause between
// them.
func HostHealthy(url string) bool {
	healthMu.Lock()
	if ok := healthCache[url]; ok {
		healthMu.Unlock()
		return true
	}
	healthMu.Unlock()

	healthy := probeHealth(url)
	if !healthy {
		time.Sleep(250 * time.Millisecond)
		healthy = probeHealth(url)
	}
	if healthy {
		healthMu.Lock()
		healthCache[url] = true
		healthMu.Unlock()
	}
	return healthy
}

func probeHealth(url string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func runCommand(args ...string) (stdout, stderr string, err error) {
	cmd := exec.Command(args[0], args[1:]...)
	out, runErr := cmd.Output()
	if runErr == nil {
		return strings.TrimSpace(string(out)), "", nil
	}
	if ee, ok := runErr.(*exec.ExitError); ok {
		return strings.TrimSpace(string(out)), strings.TrimSpace(string(ee.Stderr)), runErr
	}
	return strings.TrimSpace(string(out)), "", runErr
}

// truncateTitle trims title to 30 visible columns, rune-width-aware so
// wide characters don't overflow the pane label.
func truncateTitle(title string) string {
	if runewidth.StringWidth(title) <= titleMaxWidth {
		return title
	}
	return runewidth.Truncate(title, titleMaxWidth, "")
}

// SpawnPane invokes a horizontal, detached tmux split running
// "opencode attach <serverUrl> --session <sessionId>", titles the pane, and
// reapplies the layout. Preconditions: cfg.Enabled, InsideMultiplexer,
// HostHealthy(serverUrl), and a discovered binary. A zero exit with an
// empty pane id is treated as failure.
func SpawnPane(sessionID, title string, cfg config.Config, serverURL string) SpawnResult {
	defer perf.Start("tmuxadapter.SpawnPane").Stop()
	if !cfg.Enabled || !InsideMultiplexer() {
		return SpawnResult{}
	}
	if !HostHealthy(serverURL) {
		logging.Log("tmuxadapter: host unhealthy, spawn aborted", map[string]any{"serverUrl": serverURL})
		return SpawnResult{}
	}
	tmux := binaryPath()
	if tmux == "" {
		return SpawnResult{}
	}

	attachCmd := fmt.Sprintf("opencode attach %s --session %s", serverURL, sessionID)
	stdout, stderr, err := runCommand(tmux, "split-window", "-h", "-d", "-P", "-F", "#{pane_id}", attachCmd)
	if err != nil {
		logging.Log("tmuxadapter: split-window failed", map[string]any{"error": err.Error(), "stderr": stderr})
		return SpawnResult{}
	}
	paneID := strings.TrimSpace(stdout)
	if paneID == "" {
		return SpawnResult{}
	}

	_, _, _ = runCommand(tmux, "select-pane", "-t", paneID, "-T", truncateTitle(title))
	ApplyLayout(cfg)
	return SpawnResult{Success: true, PaneID: paneID}
}

// ClosePane resolves the pane's leading shell pid, SIGTERMs (then SIGKILLs
// after a 2s grace) any child whose command line contains "opencode", kills
// the pane, and reapplies the layout. Returns success iff kill-pane
// succeeded.
func ClosePane(paneID string, cfg config.Config) bool {
	defer perf.Start("tmuxadapter.ClosePane").Stop()
	if paneID == "" {
		return false
	}
	tmux := binaryPath()
	if tmux == "" {
		return false
	}

	if stdout, _, err := runCommand(tmux, "list-panes", "-t", paneID, "-F", "#{pane_pid}"); err == nil {
		if shellPID := parsePID(stdout); shellPID > 0 {
			for _, childPID := range process.Children(shellPID) {
				if strings.Contains(process.Command(childPID), "opencode") {
					process.SafeKill(childPID, syscall.SIGTERM)
					if !process.WaitForExit(childPID, 2*time.Second) {
						process.SafeKill(childPID, syscall.SIGKILL)
					}
				}
			}
		}
	}

	_, stderr, err := runCommand(tmux, "kill-pane", "-t", paneID)
	if err != nil {
		logging.Log("tmuxadapter: kill-pane failed", map[string]any{"paneId": paneID, "error": err.Error(), "stderr": stderr})
		ApplyLayout(cfg)
		return false
	}
	ApplyLayout(cfg)
	return true
}

// ApplyLayout selects cfg.Layout; for main-horizontal/main-vertical it also
// sets the main-pane size option, re-selecting main-vertical once to let
// the size take effect. On failure it falls back to main-vertical. Never
// raises.
func ApplyLayout(cfg config.Config) {
	tmux := binaryPath()
	if tmux == "" {
		return
	}
	layout := cfg.Layout
	if layout == "" {
		layout = "main-vertical"
	}

	if _, _, err := runCommand(tmux, "select-layout", layout); err != nil {
		_, _, _ = runCommand(tmux, "select-layout", "main-vertical")
		return
	}

	if layout == "main-horizontal" || layout == "main-vertical" {
		sizeOption := "main-pane-width"
		if layout == "main-horizontal" {
			sizeOption = "main-pane-height"
		}
		_, _, _ = runCommand(tmux, "set-window-option", sizeOption, fmt.Sprintf("%d%%", cfg.MainPaneSize))
		if layout == "main-vertical" {
			_, _, _ = runCommand(tmux, "select-layout", layout)
		}
	}
}

func parsePID(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	var pid int
	_, _ = fmt.Sscanf(raw, "%d", &pid)
	return pid
}
