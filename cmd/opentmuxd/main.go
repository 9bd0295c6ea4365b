// Command opentmuxd is the coordination daemon: it attaches a tmux pane
// to every child agent session spawned by the host, polls their status,
// reaps orphaned attach processes, and tears panes down on session end.
// Entrypoint shape: early crash-log init, then signal-driven graceful
// shutdown. The session manager itself is not constructed here: a client
// brings it up via the control socket's Init request, carrying its own
// directory/serverUrl/overrides.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opentmux/opentmuxd/internal/control"
	"github.com/opentmux/opentmuxd/internal/logging"
	"github.com/opentmux/opentmuxd/internal/metrics"
	"github.com/opentmux/opentmuxd/internal/xdg"
)

var overridesFile = flag.String("config-overrides-file", "", "optional YAML file merged onto every Init's loaded config")

func main() {
	flag.Parse()

	pid := os.Getpid()
	logging.SetPath(xdg.LogPath(pid))
	defer logging.RecoverAndLog("main")

	stopCh := make(chan string, 1)
	onStop := func(reason string) {
		select {
		case stopCh <- reason:
		default:
		}
	}

	m := metrics.New()
	server := control.NewServer(m, *overridesFile, onStop)

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "opentmuxd: %v\n", err)
		os.Exit(1)
	}
	logging.Log("opentmuxd: started", map[string]any{"pid": pid})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case <-sigCh:
		logging.Log("opentmuxd: shutting down", map[string]any{"pid": pid, "reason": "signal"})
		server.Shutdown("signal")
	case reason := <-stopCh:
		logging.Log("opentmuxd: shut down by control socket", map[string]any{"pid": pid, "reason": reason})
	}
}
