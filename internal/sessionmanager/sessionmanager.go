// Package sessionmanager owns tracked sessions, drives the poller, and
// orchestrates the spawn queue, reaper and multiplexer adapter. All state
// mutation happens under a single mutex; no mutation is held across an
// RPC or subprocess call.
package sessionmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opentmux/opentmuxd/internal/config"
	"github.com/opentmux/opentmuxd/internal/labeler"
	"github.com/opentmux/opentmuxd/internal/logging"
	"github.com/opentmux/opentmuxd/internal/metrics"
	"github.com/opentmux/opentmuxd/internal/reaper"
	"github.com/opentmux/opentmuxd/internal/spawnqueue"
	"github.com/opentmux/opentmuxd/internal/tmuxadapter"
)

const (
	pollInterval          = 2 * time.Second
	sessionTimeout        = 10 * time.Minute
	sessionMissingGraceMs = int64(pollInterval/time.Millisecond) * 3

	// maxConsecutiveHealthFailures bounds how many back-to-back failed
	// /session/status fetches the poller tolerates before concluding the
	// host itself is unreachable rather than any one pane being transiently
	// unresponsive, and shutting the whole manager down.
	maxConsecutiveHealthFailures = 5
)

// SessionEvent is the closed variant set of events the control boundary
// forwards into OnSessionCreated.
type SessionEvent struct {
	Type     string
	ID       string
	ParentID string
	Title    string
}

// CloseReason records why CloseSession removed a tracked session.
type CloseReason string

const (
	ReasonIdle           CloseReason = "idle"
	ReasonMissingTooLong CloseReason = "missing_too_long"
	ReasonTimeout        CloseReason = "timeout"
	ReasonShutdown       CloseReason = "shutdown"
)

// TrackedSession is one successfully spawned pane.
type TrackedSession struct {
	SessionID    string
	PaneID       string
	ParentID     string
	Title        string
	CreatedAt    time.Time
	LastSeenAt   time.Time
	MissingSince *time.Time
	LastState    string
}

// SessionSnapshot is the read-only view of a tracked session exposed over
// Stats, for opentmuxctl's per-session display.
type SessionSnapshot struct {
	SessionID string
	ParentID  string
	Title     string
	PaneID    string
	State     string
}

// insideMultiplexer and nowFunc are indirections so tests can stub them
// without touching global process/env state.
var (
	insideMultiplexer = tmuxadapter.InsideMultiplexer
	nowFunc           = time.Now
)

// Manager is the sole owner of tracked-session state.
type Manager struct {
	mu        sync.Mutex
	cfg       config.Config
	serverURL string
	enabled   bool

	sessions map[string]*TrackedSession
	pending  map[string]struct{}

	consecutiveHealthFailures int

	queue  *spawnqueue.Queue
	reaper *reaper.Reaper

	ticker      *time.Ticker
	pollerDone  chan struct{}
	layoutTimer *time.Timer

	shutdownOnce sync.Once
	metrics      *metrics.Metrics

	httpClient *http.Client

	// spawnFunc and statusFetcher are overridable for tests; in
	// production they drive the real multiplexer adapter / host HTTP
	// endpoint.
	spawnFunc     spawnqueue.SpawnFunc
	statusFetcher func(ctx context.Context) (map[string]string, bool)

	// closePane lets tests observe ClosePane calls without a real tmux.
	closePane func(paneID string, cfg config.Config) bool
}

// New constructs a Manager. m may be nil, in which case a fresh Metrics is
// created.
func New(cfg config.Config, serverURL string, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New()
	}
	mgr := &Manager{
		cfg:        cfg,
		serverURL:  serverURL,
		enabled:    cfg.Enabled && insideMultiplexer(),
		sessions:   make(map[string]*TrackedSession),
		pending:    make(map[string]struct{}),
		metrics:    m,
		httpClient: &http.Client{},
		closePane:  tmuxadapter.ClosePane,
	}
	mgr.spawnFunc = func(ctx context.Context, req spawnqueue.Request) spawnqueue.Result {
		res := tmuxadapter.SpawnPane(req.SessionID, req.Title, cfg, serverURL)
		return spawnqueue.Result{Success: res.Success, PaneID: res.PaneID}
	}
	mgr.statusFetcher = mgr.fetchStatuses

	mgr.queue = spawnqueue.New(spawnqueue.Options{
		Spawn:      func(ctx context.Context, req spawnqueue.Request) spawnqueue.Result { return mgr.spawnFunc(ctx, req) },
		SpawnDelay: time.Duration(cfg.SpawnDelayMs) * time.Millisecond,
		MaxRetries: cfg.MaxRetryAttempts,
		OnQueueUpdate: func(pending int) {
			mgr.metrics.SetQueueDepth(uint64(pending))
		},
		OnQueueDrained: mgr.scheduleLayout,
	})

	mgr.reaper = reaper.New(serverURL, cfg)
	if mgr.enabled {
		mgr.reaper.Start()
	}

	return mgr
}

// OnSessionCreated accepts iff enabled, event.Type is "session.created",
// and both event.ID and event.ParentID are non-empty. Duplicates
// (already-tracked or already-pending) are rejected. Otherwise the session
// is marked pending, released, and enqueued; on success it becomes a
// TrackedSession and the poller is ensured running.
func (m *Manager) OnSessionCreated(ctx context.Context, event SessionEvent) bool {
	if !m.enabled || event.Type != "session.created" || event.ID == "" || event.ParentID == "" {
		return false
	}

	m.mu.Lock()
	if _, tracked := m.sessions[event.ID]; tracked {
		m.mu.Unlock()
		return false
	}
	if _, isPending := m.pending[event.ID]; isPending {
		m.mu.Unlock()
		return false
	}
	m.pending[event.ID] = struct{}{}
	m.metrics.SetPendingSessions(uint64(len(m.pending)))
	m.mu.Unlock()

	title := event.Title
	if title == "" {
		title = labeler.Label(event.ParentID, "Subagent")
	}

	result := m.queue.Enqueue(ctx, event.ID, title)

	m.mu.Lock()
	delete(m.pending, event.ID)
	m.metrics.SetPendingSessions(uint64(len(m.pending)))
	if result.Success && result.PaneID != "" {
		now := nowFunc()
		m.sessions[event.ID] = &TrackedSession{
			SessionID:  event.ID,
			PaneID:     result.PaneID,
			ParentID:   event.ParentID,
			Title:      title,
			CreatedAt:  now,
			LastSeenAt: now,
		}
		m.metrics.SetTrackedSessions(uint64(len(m.sessions)))
		m.ensurePollerLocked()
	}
	m.mu.Unlock()

	return result.Success
}

func (m *Manager) ensurePollerLocked() {
	if m.ticker != nil {
		return
	}
	m.ticker = time.NewTicker(pollInterval)
	m.pollerDone = make(chan struct{})
	go m.pollLoop(m.ticker, m.pollerDone)
}

func (m *Manager) pollLoop(ticker *time.Ticker, done chan struct{}) {
	defer logging.RecoverAndLog("sessionmanager.pollLoop")
	for {
		select {
		case <-ticker.C:
			m.pollOnce(context.Background())
		case <-done:
			return
		}
	}
}

// pollOnce runs a single poller tick.
func (m *Manager) pollOnce(ctx context.Context) {
	m.mu.Lock()
	if len(m.sessions) == 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	statuses, ok := m.statusFetcher(ctx)
	if !ok {
		m.mu.Lock()
		m.consecutiveHealthFailures++
		failures := m.consecutiveHealthFailures
		m.mu.Unlock()

		if failures >= maxConsecutiveHealthFailures {
			logging.Log("sessionmanager: host unreachable", map[string]any{"consecutiveFailures": failures})
			go m.Shutdown("server-unreachable")
		}
		return // transient until the failure threshold trips a full shutdown
	}

	m.mu.Lock()
	m.consecutiveHealthFailures = 0
	m.mu.Unlock()

	now := nowFunc()
	type closeEntry struct {
		id     string
		reason CloseReason
	}
	var toClose []closeEntry

	m.mu.Lock()
	for id, tracked := range m.sessions {
		statusType, hasStatus := statuses[id]
		if hasStatus {
			tracked.LastSeenAt = now
			tracked.MissingSince = nil
			tracked.LastState = statusType
		} else if tracked.MissingSince == nil {
			t := now
			tracked.MissingSince = &t
			tracked.LastState = "missing"
		}

		missingTooLong := tracked.MissingSince != nil &&
			now.Sub(*tracked.MissingSince) >= time.Duration(sessionMissingGraceMs)*time.Millisecond
		timedOut := now.Sub(tracked.CreatedAt) >= sessionTimeout

		switch {
		case hasStatus && statusType == "idle":
			// idle wins over missing_too_long when both would apply.
			toClose = append(toClose, closeEntry{id, ReasonIdle})
		case missingTooLong:
			toClose = append(toClose, closeEntry{id, ReasonMissingTooLong})
		case timedOut:
			toClose = append(toClose, closeEntry{id, ReasonTimeout})
		}
	}
	m.mu.Unlock()

	for _, e := range toClose {
		m.CloseSession(e.id)
	}
}

func (m *Manager) fetchStatuses(ctx context.Context) (map[string]string, bool) {
	statusURL := strings.TrimRight(m.serverURL, "/") + "/session/status"
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false
	}

	var payload struct {
		Data map[string]struct {
			Type string `json:"type"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false
	}

	statuses := make(map[string]string, len(payload.Data))
	for id, s := range payload.Data {
		statuses[id] = s.Type
	}
	return statuses, true
}

// CloseSession removes sessionID from tracking and closes its pane. A
// no-op if sessionID isn't tracked.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	tracked, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.metrics.SetTrackedSessions(uint64(len(m.sessions)))
	stillTracking := len(m.sessions) > 0
	m.mu.Unlock()

	if !m.closePane(tracked.PaneID, m.cfg) {
		logging.Log("sessionmanager: close pane failed", map[string]any{"sessionId": sessionID, "paneId": tracked.PaneID})
	}

	if !stillTracking {
		m.mu.Lock()
		if m.ticker != nil {
			m.ticker.Stop()
			m.ticker = nil
			close(m.pollerDone)
			m.pollerDone = nil
		}
		m.mu.Unlock()
	}
}

// scheduleLayout (re)arms a one-shot debounce timer; it never applies the
// layout directly, collapsing layout churn during bursts.
func (m *Manager) scheduleLayout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.layoutTimer != nil {
		m.layoutTimer.Stop()
	}
	debounce := m.cfg.LayoutDebounceMs
	if debounce <= 0 {
		debounce = 150
	}
	m.layoutTimer = time.AfterFunc(time.Duration(debounce)*time.Millisecond, func() {
		tmuxadapter.ApplyLayout(m.cfg)
	})
}

// TrackedSessionIDs returns the session ids currently tracked, for the
// reaper's manual-reap whitelist.
func (m *Manager) TrackedSessionIDs() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]bool, len(m.sessions))
	for id := range m.sessions {
		ids[id] = true
	}
	return ids
}

// Shutdown stops the poller, stops the debounce timer, shuts the queue
// down (resolving outstanding waiters), shuts the reaper down (final scan
// then stop), then closes every remaining tracked session. Idempotent.
func (m *Manager) Shutdown(reason string) {
	m.shutdownOnce.Do(func() {
		logging.Log("sessionmanager: shutdown", map[string]any{"reason": reason})

		m.mu.Lock()
		if m.ticker != nil {
			m.ticker.Stop()
			m.ticker = nil
			close(m.pollerDone)
			m.pollerDone = nil
		}
		if m.layoutTimer != nil {
			m.layoutTimer.Stop()
		}
		m.mu.Unlock()

		m.queue.Shutdown()
		m.reaper.Stop()

		m.mu.Lock()
		ids := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		for _, id := range ids {
			m.CloseSession(id)
		}
	})
}

// Snapshot returns the current metrics snapshot.
func (m *Manager) Snapshot() metrics.Snapshot {
	return m.metrics.Snapshot()
}

// Sessions returns a point-in-time view of every tracked session, sorted by
// session id for stable output, for opentmuxctl's per-session stats display.
func (m *Manager) Sessions() []SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]SessionSnapshot, 0, len(m.sessions))
	for _, tracked := range m.sessions {
		state := tracked.LastState
		if tracked.MissingSince != nil {
			state = "missing"
		} else if state == "" {
			state = "active"
		}
		rows = append(rows, SessionSnapshot{
			SessionID: tracked.SessionID,
			ParentID:  tracked.ParentID,
			Title:     tracked.Title,
			PaneID:    tracked.PaneID,
			State:     state,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SessionID < rows[j].SessionID })
	return rows
}
