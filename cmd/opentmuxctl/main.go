// Command opentmuxctl is the control-socket client for opentmuxd: init,
// session-created, shutdown, stats, and reap subcommands. Subcommand
// dispatch follows a plain os.Args subcommand switch.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/opentmux/opentmuxd/internal/control"
	"github.com/opentmux/opentmuxd/internal/display"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitUsageErr = 2
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(exitUsageErr)
	}

	pid, err := strconv.Atoi(os.Args[1])
	if err != nil || pid <= 0 {
		fmt.Fprintf(os.Stderr, "opentmuxctl: invalid daemon pid %q\n", os.Args[1])
		os.Exit(exitUsageErr)
	}
	client := control.NewClient(pid)

	switch os.Args[2] {
	case "init":
		runInit(client, os.Args[3:])
	case "session-created":
		runSessionCreated(client, os.Args[3:])
	case "shutdown":
		runShutdown(client, os.Args[3:])
	case "stats":
		runStats(client, os.Args[3:])
	case "reap":
		runSimple(client, control.MsgReap)
	default:
		usage()
		os.Exit(exitUsageErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: opentmuxctl <daemon-pid> [init|session-created|shutdown|stats|reap] [args]")
	fmt.Fprintln(os.Stderr, "  init <directory> <serverUrl>")
	fmt.Fprintln(os.Stderr, "  shutdown [reason]")
}

func runInit(client *control.Client, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: opentmuxctl <pid> init <directory> <serverUrl>")
		os.Exit(exitUsageErr)
	}
	payload := control.InitPayload{Directory: args[0], ServerURL: args[1]}
	body, _ := json.Marshal(payload)

	resp, err := client.Send(control.Message{Type: control.MsgInit, ID: "1", Payload: body})
	if err != nil {
		fmt.Fprintf(os.Stderr, "opentmuxctl: init failed: %v\n", err)
		os.Exit(exitFailure)
	}

	var result control.InitResponsePayload
	_ = json.Unmarshal(resp.Payload, &result)
	fmt.Printf("enabled=%v message=%s\n", result.Enabled, result.Message)
}

func runShutdown(client *control.Client, args []string) {
	var payload control.ShutdownPayload
	if len(args) > 0 {
		payload.Reason = args[0]
	}
	body, _ := json.Marshal(payload)

	resp, err := client.Send(control.Message{Type: control.MsgShutdown, ID: "1", Payload: body})
	if err != nil {
		fmt.Fprintf(os.Stderr, "opentmuxctl: %v\n", err)
		os.Exit(exitFailure)
	}
	fmt.Println(resp.Type)
}

func runSimple(client *control.Client, msgType control.MessageType) {
	resp, err := client.Send(control.Message{Type: msgType, ID: "1"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "opentmuxctl: %v\n", err)
		os.Exit(exitFailure)
	}
	fmt.Println(resp.Type)
}

func runSessionCreated(client *control.Client, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: opentmuxctl <pid> session-created <id> <parentId> [title]")
		os.Exit(exitUsageErr)
	}
	payload := control.SessionCreatedPayload{ID: args[0], ParentID: args[1]}
	if len(args) > 2 {
		payload.Title = args[2]
	}
	body, _ := json.Marshal(payload)

	resp, err := client.Send(control.Message{Type: control.MsgSessionCreated, ID: "1", Payload: body})
	if err != nil {
		fmt.Fprintf(os.Stderr, "opentmuxctl: %v\n", err)
		os.Exit(exitFailure)
	}

	var result map[string]bool
	_ = json.Unmarshal(resp.Payload, &result)
	if !result["accepted"] {
		fmt.Fprintln(os.Stderr, "opentmuxctl: session-created was rejected")
		os.Exit(exitFailure)
	}
	fmt.Println("accepted")
}

func runStats(client *control.Client, args []string) {
	watch := len(args) > 0 && args[0] == "--watch"

	fetch := func() ([]display.SessionRow, uint64, uint64, uint64, bool) {
		resp, err := client.Send(control.Message{Type: control.MsgStats, ID: "1"})
		if err != nil {
			return nil, 0, 0, 0, false
		}
		var stats control.StatsPayload
		if err := json.Unmarshal(resp.Payload, &stats); err != nil {
			return nil, 0, 0, 0, false
		}
		rows := make([]display.SessionRow, 0, len(stats.Sessions))
		for _, s := range stats.Sessions {
			rows = append(rows, display.SessionRow{
				SessionID: s.SessionID,
				ParentID:  s.ParentID,
				Title:     s.Title,
				PaneID:    s.PaneID,
				State:     s.State,
			})
		}
		return rows, stats.TrackedSessions, stats.PendingSessions, stats.QueueDepth, true
	}

	if watch {
		if err := display.Watch(fetch); err != nil {
			fmt.Fprintf(os.Stderr, "opentmuxctl: %v\n", err)
			os.Exit(exitFailure)
		}
		return
	}

	rows, tracked, pending, queue, ok := fetch()
	if !ok {
		fmt.Fprintln(os.Stderr, "opentmuxctl: daemon unreachable")
		os.Exit(exitFailure)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		lipglossProfileHint()
	}
	display.RenderStatsTable(os.Stdout, rows, tracked, pending, queue)
}

// lipglossProfileHint is a no-op beyond documenting intent: termenv's own
// color-profile autodetection (driven by os.Stdout) already degrades to
// plain text when not attached to a terminal or when NO_COLOR is set; this
// exists so the decision point is visible rather than implicit.
func lipglossProfileHint() {
	_ = termenv.ColorProfile()
}
