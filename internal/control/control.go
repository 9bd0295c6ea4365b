// Package control implements the daemon's local control transport: a
// newline-delimited JSON protocol over a Unix domain socket, one socket
// and pidfile per daemon instance. Uses a Message envelope over
// bufio.Scanner line reads, and claims its pidfile with a
// stale-reclaim-via-signal-0-liveness-probe so a dead daemon's pidfile
// doesn't block the next one from starting.
//
// The session manager itself is not constructed until a client sends Init:
// every other message is valid before Init (Stats reports all zero,
// OnSessionCreated rejects, Shutdown has no manager to tear down) and
// exactly one Init is honored. Shutdown also closes the socket, so no Init
// is received after it.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/opentmux/opentmuxd/internal/config"
	"github.com/opentmux/opentmuxd/internal/logging"
	"github.com/opentmux/opentmuxd/internal/metrics"
	"github.com/opentmux/opentmuxd/internal/reaper"
	"github.com/opentmux/opentmuxd/internal/sessionmanager"
	"github.com/opentmux/opentmuxd/internal/xdg"
)

// MessageType enumerates every request and response variant the socket
// carries.
type MessageType string

const (
	MsgInit             MessageType = "init"
	MsgInitOK           MessageType = "init_ok"
	MsgSessionCreated   MessageType = "session_created"
	MsgSessionCreatedOK MessageType = "session_created_ok"
	MsgShutdown         MessageType = "shutdown"
	MsgShutdownOK       MessageType = "shutdown_ok"
	MsgStats            MessageType = "stats"
	MsgStatsOK          MessageType = "stats_ok"
	MsgReap             MessageType = "reap"
	MsgReapOK           MessageType = "reap_ok"
	MsgError            MessageType = "error"
)

// Message is the wire envelope for every line exchanged over the socket.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload is the body of an init request: the directory to load
// opentmux.json from, the host's server URL, and an optional set of config
// overrides layered on top of whatever that directory (plus any configured
// YAML overrides file) resolves to.
type InitPayload struct {
	Directory string         `json:"directory"`
	ServerURL string         `json:"serverUrl"`
	Overrides *config.Config `json:"overrides,omitempty"`
}

// InitResponsePayload is the body of an init_ok response.
type InitResponsePayload struct {
	Enabled bool   `json:"enabled"`
	Message string `json:"message"`
}

// SessionCreatedPayload is the body of a session_created request.
type SessionCreatedPayload struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	Title    string `json:"title,omitempty"`
}

// ShutdownPayload is the body of a shutdown request. An empty or missing
// reason defaults to "control_shutdown".
type ShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ShutdownResponsePayload is the body of a shutdown_ok response.
type ShutdownResponsePayload struct {
	Ok bool `json:"ok"`
}

// SessionStatusPayload is one tracked session as exposed over Stats, enough
// for opentmuxctl to render a session-state badge per row.
type SessionStatusPayload struct {
	SessionID string `json:"sessionId"`
	ParentID  string `json:"parentId"`
	Title     string `json:"title"`
	PaneID    string `json:"paneId"`
	State     string `json:"state"`
}

// StatsPayload is the body of a stats_ok response.
type StatsPayload struct {
	TrackedSessions uint64                 `json:"trackedSessions"`
	PendingSessions uint64                 `json:"pendingSessions"`
	QueueDepth      uint64                 `json:"queueDepth"`
	Sessions        []SessionStatusPayload `json:"sessions"`
}

// ErrorPayload is the body of an error response.
type ErrorPayload struct {
	Message string `json:"message"`
}

// SocketPath returns the per-instance control socket path.
func SocketPath(pid int) string {
	return xdg.SocketPath(pid)
}

// PidPath returns the pidfile path claimed by Start.
func PidPath(pid int) string {
	return fmt.Sprintf("%s/opentmuxd-%d.pid", os.TempDir(), pid)
}

// Server listens on a Unix socket and dispatches control messages. It owns
// no session manager until Init constructs one; metrics, by contrast, live
// for the lifetime of the Server so Stats reports real (zero) counters
// before Init.
type Server struct {
	socketPath        string
	pidPath           string
	yamlOverridesPath string
	listener          net.Listener
	done              chan struct{}
	doneOnce          sync.Once

	mgrMu   sync.Mutex
	manager *sessionmanager.Manager

	metrics *metrics.Metrics
	onStop  func(reason string)

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewServer constructs a control Server with no session manager; Init
// builds one from its request payload. yamlOverridesPath, if non-empty, is
// merged onto every Init's loaded config before that Init's own overrides.
// onStop, if non-nil, is invoked asynchronously on every Shutdown request
// (even repeated ones) once the manager and listener have been torn down.
func NewServer(m *metrics.Metrics, yamlOverridesPath string, onStop func(reason string)) *Server {
	pid := os.Getpid()
	return newServerAtPaths(SocketPath(pid), PidPath(pid), yamlOverridesPath, m, onStop)
}

// newServerAtPaths builds a Server bound to explicit socket/pidfile paths,
// letting tests run multiple instances within one test process without
// colliding on os.Getpid().
func newServerAtPaths(socketPath, pidPath, yamlOverridesPath string, m *metrics.Metrics, onStop func(reason string)) *Server {
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		socketPath:        socketPath,
		pidPath:           pidPath,
		yamlOverridesPath: yamlOverridesPath,
		done:              make(chan struct{}),
		metrics:           m,
		onStop:            onStop,
		conns:             make(map[net.Conn]struct{}),
	}
}

// Start claims the pidfile (reclaiming a stale one if its owner is dead),
// removes any leftover socket, and begins accepting connections.
func (s *Server) Start() error {
	if err := s.claimPidfile(); err != nil {
		return err
	}
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		os.Remove(s.pidPath)
		return fmt.Errorf("control: listen on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		os.Remove(s.pidPath)
		return fmt.Errorf("control: chmod socket: %w", err)
	}
	s.listener = listener

	go s.acceptLoop()
	return nil
}

// claimPidfile reclaims a pidfile left by a dead instance (probed with a
// null signal) and refuses to start if a live instance still owns it.
func (s *Server) claimPidfile() error {
	if data, err := os.ReadFile(s.pidPath); err == nil {
		pidStr := strings.TrimSpace(string(data))
		if pid, err := strconv.Atoi(pidStr); err == nil && pid > 0 {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("control: daemon already running with pid %d", pid)
				}
			}
		}
		os.Remove(s.pidPath)
	}
	return os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// currentManager returns the initialized session manager, or nil before
// Init (or after a Shutdown that hasn't been followed by a new Init).
func (s *Server) currentManager() *sessionmanager.Manager {
	s.mgrMu.Lock()
	defer s.mgrMu.Unlock()
	return s.manager
}

// Shutdown tears down any initialized session manager and resets the
// server to its pre-Init state, then stops the listener, socket, and
// pidfile. Safe to call whether or not Init has ever run. Idempotent.
func (s *Server) Shutdown(reason string) {
	s.mgrMu.Lock()
	manager := s.manager
	s.manager = nil
	s.mgrMu.Unlock()

	if manager != nil {
		manager.Shutdown(reason)
	}
	s.Stop()
}

// Stop closes all connections and the listener and removes the socket and
// pidfile, without touching any session manager. Idempotent.
func (s *Server) Stop() {
	s.doneOnce.Do(func() { close(s.done) })
	if s.listener != nil {
		s.listener.Close()
	}
	s.connsMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()
	os.Remove(s.socketPath)
	os.Remove(s.pidPath)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer logging.RecoverAndLog("control.handleConn")
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 256*1024)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			writeMessage(conn, errorMessage("", "malformed request"))
			continue
		}
		s.dispatch(conn, msg)
	}
}

func (s *Server) dispatch(conn net.Conn, msg Message) {
	switch msg.Type {
	case MsgInit:
		s.handleInit(conn, msg)

	case MsgSessionCreated:
		manager := s.currentManager()
		if manager == nil {
			payload, _ := json.Marshal(map[string]bool{"accepted": false})
			writeMessage(conn, Message{Type: MsgSessionCreatedOK, ID: msg.ID, Payload: payload})
			return
		}
		var p SessionCreatedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			writeMessage(conn, errorMessage(msg.ID, "invalid session_created payload"))
			return
		}
		ok := manager.OnSessionCreated(context.Background(), sessionmanager.SessionEvent{
			Type: "session.created", ID: p.ID, ParentID: p.ParentID, Title: p.Title,
		})
		payload, _ := json.Marshal(map[string]bool{"accepted": ok})
		writeMessage(conn, Message{Type: MsgSessionCreatedOK, ID: msg.ID, Payload: payload})

	case MsgStats:
		snap := s.metrics.Snapshot()
		var sessions []SessionStatusPayload
		if manager := s.currentManager(); manager != nil {
			for _, row := range manager.Sessions() {
				sessions = append(sessions, SessionStatusPayload{
					SessionID: row.SessionID,
					ParentID:  row.ParentID,
					Title:     row.Title,
					PaneID:    row.PaneID,
					State:     row.State,
				})
			}
		}
		payload, _ := json.Marshal(StatsPayload{
			TrackedSessions: snap.TrackedSessions,
			PendingSessions: snap.PendingSessions,
			QueueDepth:      snap.QueueDepth,
			Sessions:        sessions,
		})
		writeMessage(conn, Message{Type: MsgStatsOK, ID: msg.ID, Payload: payload})

	case MsgReap:
		tracked := map[string]bool{}
		if manager := s.currentManager(); manager != nil {
			tracked = manager.TrackedSessionIDs()
		}
		go reaper.ReapAll(context.Background(), tracked)
		writeMessage(conn, Message{Type: MsgReapOK, ID: msg.ID})

	case MsgShutdown:
		var p ShutdownPayload
		_ = json.Unmarshal(msg.Payload, &p)
		reason := p.Reason
		if reason == "" {
			reason = "control_shutdown"
		}
		payload, _ := json.Marshal(ShutdownResponsePayload{Ok: true})
		writeMessage(conn, Message{Type: MsgShutdownOK, ID: msg.ID, Payload: payload})
		go func() {
			s.Shutdown(reason)
			if s.onStop != nil {
				s.onStop(reason)
			}
		}()

	default:
		writeMessage(conn, errorMessage(msg.ID, "unknown message type"))
	}
}

// handleInit constructs the session manager from the request payload,
// refusing a second Init while one is already active.
func (s *Server) handleInit(conn net.Conn, msg Message) {
	s.mgrMu.Lock()
	if s.manager != nil {
		s.mgrMu.Unlock()
		writeMessage(conn, errorMessage(msg.ID, "already initialized"))
		return
	}

	var p InitPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		s.mgrMu.Unlock()
		writeMessage(conn, errorMessage(msg.ID, "invalid init payload"))
		return
	}

	cfg := config.LoadFromDirectory(p.Directory)
	cfg, err := config.ApplyYAMLOverridesFile(cfg, s.yamlOverridesPath)
	if err != nil {
		s.mgrMu.Unlock()
		writeMessage(conn, errorMessage(msg.ID, "config overrides file: "+err.Error()))
		return
	}
	if p.Overrides != nil {
		cfg = config.Merge(cfg, *p.Overrides)
	}
	cfg.Normalize()

	s.manager = sessionmanager.New(cfg, p.ServerURL, s.metrics)
	s.mgrMu.Unlock()

	logging.Log("control: initialized", map[string]any{"directory": p.Directory, "serverUrl": p.ServerURL})

	payload, _ := json.Marshal(InitResponsePayload{Enabled: cfg.Enabled, Message: "initialized"})
	writeMessage(conn, Message{Type: MsgInitOK, ID: msg.ID, Payload: payload})
}

func writeMessage(conn net.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func errorMessage(id, message string) Message {
	payload, _ := json.Marshal(ErrorPayload{Message: message})
	return Message{Type: MsgError, ID: id, Payload: payload}
}
