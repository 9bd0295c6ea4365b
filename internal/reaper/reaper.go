// Package reaper identifies and kills orphaned "opencode attach" processes
// belonging to this instance only. It never kills a process it cannot
// prove belongs to this instance, never kills on a single scan, and never
// kills on transient host unavailability.
package reaper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/opentmux/opentmuxd/internal/config"
	"github.com/opentmux/opentmuxd/internal/logging"
	"github.com/opentmux/opentmuxd/internal/perf"
	"github.com/opentmux/opentmuxd/internal/process"
)

type candidate struct {
	count     int
	firstSeen time.Time
}

// Reaper runs the periodic zombie scan.
type Reaper struct {
	serverURL string
	cfg       config.Config
	ticker    *time.Ticker
	stop      chan struct{}
	stopOnce  sync.Once

	mu    sync.Mutex
	cands map[int]candidate
}

// New constructs a Reaper targeting serverURL.
func New(serverURL string, cfg config.Config) *Reaper {
	return &Reaper{
		serverURL: serverURL,
		cfg:       cfg,
		stop:      make(chan struct{}),
		cands:     make(map[int]candidate),
	}
}

// Start begins the interval scan (default 30s), plus one scan immediately.
// No-op when ReaperEnabled is false or already started.
func (r *Reaper) Start() {
	if !r.cfg.ReaperEnabled || r.cfg.ReaperIntervalMs <= 0 || r.ticker != nil {
		return
	}
	r.ticker = time.NewTicker(time.Duration(r.cfg.ReaperIntervalMs) * time.Millisecond)
	go r.ScanOnce(context.Background())
	go func() {
		for {
			select {
			case <-r.ticker.C:
				r.ScanOnce(context.Background())
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop performs a final scan, then halts the interval timer. Idempotent.
func (r *Reaper) Stop() {
	r.ScanOnce(context.Background())
	if r.ticker != nil {
		r.ticker.Stop()
	}
	r.stopOnce.Do(func() { close(r.stop) })
}

// ScanOnce runs one zombie scan: enumerate candidate attach processes,
// fetch the host's active session set, and kill anything that has been a
// candidate for reaperMinZombieChecks consecutive scans spanning at least
// reaperGracePeriodMs.
func (r *Reaper) ScanOnce(ctx context.Context) {
	defer logging.RecoverAndLog("reaper.ScanOnce")
	defer perf.Start("reaper.ScanOnce").Stop()

	pids := process.FindByPattern("opencode attach")
	if len(pids) == 0 {
		r.mu.Lock()
		r.cands = make(map[int]candidate)
		r.mu.Unlock()
		return
	}

	active, ok := fetchActiveSessions(ctx, r.serverURL)
	if !ok {
		logging.Log("reaper: active session fetch failed, skipping scan", map[string]any{"serverUrl": r.serverURL})
		return
	}

	now := time.Now()
	present := make(map[int]struct{}, len(pids))

	for _, pid := range pids {
		present[pid] = struct{}{}
		cmd := process.Command(pid)
		if cmd == "" {
			continue
		}
		targetURL, sessionID := parseAttachCommand(cmd)
		if targetURL == "" || !sameOrigin(targetURL, r.serverURL) {
			// Belongs to another instance; never touch it.
			continue
		}
		if sessionID == "" || active[sessionID] {
			r.mu.Lock()
			delete(r.cands, pid)
			r.mu.Unlock()
			continue
		}

		r.mu.Lock()
		cand := r.cands[pid]
		if cand.count == 0 {
			cand = candidate{count: 1, firstSeen: now}
		} else {
			cand.count++
		}
		r.cands[pid] = cand
		eligible := cand.count >= r.cfg.ReaperMinZombieChecks &&
			now.Sub(cand.firstSeen) >= time.Duration(r.cfg.ReaperGracePeriodMs)*time.Millisecond
		r.mu.Unlock()

		if eligible {
			killGraceful(pid)
			r.mu.Lock()
			delete(r.cands, pid)
			r.mu.Unlock()
			logging.Log("reaper: reaped zombie attach process", map[string]any{"pid": pid, "sessionId": sessionID})
		}
	}

	r.mu.Lock()
	for pid := range r.cands {
		if _, ok := present[pid]; !ok {
			delete(r.cands, pid)
		}
	}
	r.mu.Unlock()
}

// ReapAll is the manual, one-shot global reap used from the control CLI: it
// enumerates all attach processes regardless of interval-scan candidate
// state, groups them by target url, fetches each host's active set, and
// kills every pid whose session is not active. There is no grace period on
// this path. whitelist names this instance's own tracked session ids so a
// live daemon invoking a manual reap never kills its own panes.
func ReapAll(ctx context.Context, whitelist map[string]bool) {
	pids := process.FindByPattern("opencode attach")
	if len(pids) == 0 {
		return
	}

	byURL := make(map[string][]struct {
		pid       int
		sessionID string
	})
	for _, pid := range pids {
		cmd := process.Command(pid)
		if cmd == "" {
			continue
		}
		targetURL, sessionID := parseAttachCommand(cmd)
		if targetURL == "" || sessionID == "" {
			continue
		}
		byURL[targetURL] = append(byURL[targetURL], struct {
			pid       int
			sessionID string
		}{pid, sessionID})
	}

	for targetURL, entries := range byURL {
		active, ok := fetchActiveSessions(ctx, targetURL)
		if !ok {
			logging.Log("reaper: manual reap could not reach host, killing its clients", map[string]any{"url": targetURL})
			active = map[string]bool{}
		}
		for _, e := range entries {
			if whitelist[e.sessionID] {
				continue
			}
			if active[e.sessionID] {
				continue
			}
			process.SafeKill(e.pid, syscall.SIGTERM)
			if !process.WaitForExit(e.pid, 2*time.Second) {
				process.SafeKill(e.pid, syscall.SIGKILL)
			}
		}
	}
}

// ReapHosts additionally sweeps a fixed port range (4096..4096+maxPorts)
// for host processes still listening after their session ended, a
// supplement drawn from the prior implementation's reap sweep (see
// DESIGN.md). This never touches attach processes or their safety
// invariants; it is strictly a second, independent sweep over listening
// ports.
func ReapHosts(maxPorts int) {
	if maxPorts <= 0 {
		maxPorts = 10
	}
	for port := 4096; port <= 4096+maxPorts; port++ {
		for _, pid := range process.ListeningPids(port) {
			cmd := process.Command(pid)
			if strings.Contains(cmd, "opencode") {
				process.SafeKill(pid, syscall.SIGTERM)
				if !process.WaitForExit(pid, 2*time.Second) {
					process.SafeKill(pid, syscall.SIGKILL)
				}
				logging.Log("reaper: reaped host process", map[string]any{"pid": pid, "port": port})
			}
		}
	}
}

func killGraceful(pid int) {
	process.SafeKill(pid, syscall.SIGTERM)
	if !process.WaitForExit(pid, 2*time.Second) {
		process.SafeKill(pid, syscall.SIGKILL)
	}
}

func fetchActiveSessions(ctx context.Context, serverURL string) (map[string]bool, bool) {
	reqURL := strings.TrimRight(serverURL, "/") + "/session/status"
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false
	}

	result := make(map[string]bool)
	if data, ok := payload["data"].(map[string]any); ok {
		for k := range data {
			result[k] = true
		}
		return result, true
	}
	// Secondary interpretation: tolerate a payload missing the "data"
	// wrapper by treating likely-session-id-shaped top-level keys as
	// active. Only the reaper does this (see DESIGN.md Open Questions);
	// the session manager's poller requires the "data" wrapper.
	for k := range payload {
		if strings.HasPrefix(k, "ses_") || strings.HasPrefix(k, "session_") {
			result[k] = true
		}
	}
	return result, true
}

// parseAttachCommand extracts the target url (first non-flag token after
// "attach") and the session id (the argument following "--session") from
// an attach subprocess's full command line.
func parseAttachCommand(cmd string) (targetURL, sessionID string) {
	fields := strings.Fields(cmd)
	for i := 0; i < len(fields); i++ {
		if fields[i] == "attach" && i+1 < len(fields) && targetURL == "" {
			candidate := fields[i+1]
			if !strings.HasPrefix(candidate, "-") {
				targetURL = candidate
			}
		}
		if fields[i] == "--session" && i+1 < len(fields) {
			sessionID = fields[i+1]
		}
	}
	return targetURL, sessionID
}

// sameOrigin normalizes both urls (ensuring a scheme, treating localhost
// and 127.0.0.1 as equal) and compares origins.
func sameOrigin(a, b string) bool {
	return normalizeOrigin(a) == normalizeOrigin(b)
}

func normalizeOrigin(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := u.Hostname()
	if host == "localhost" {
		host = "127.0.0.1"
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return u.Scheme + "://" + host + ":" + port
}
