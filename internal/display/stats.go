package display

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	stateColors = map[string]string{
		"active":  "#27ae60",
		"idle":    "#f39c12",
		"missing": "#c0392b",
	}
	defaultStateColor = "#666666"

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#888888"))
	groupStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#55aaff"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

// colorProfileFor probes the termenv output profile to decide whether to
// emit ANSI color at all for a given writer.
func colorProfileFor(w io.Writer) termenv.Profile {
	return termenv.NewOutput(w).ColorProfile()
}

// badgeStyle returns the style for a session's state badge, shaded by its
// position within its parent group and nudged to stay readable against
// the detected terminal background.
func badgeStyle(state string, indexInGroup int) lipgloss.Style {
	base, ok := stateColors[state]
	if !ok {
		base = defaultStateColor
	}
	shaded := ShadeBadgeColor(base, state, indexInGroup)
	readable := ensureReadable(shaded, terminalBackgroundHex(), 2.5)
	return lipgloss.NewStyle().Foreground(lipgloss.Color(readable))
}

// terminalBackgroundHex reports the detected terminal background, falling
// back to a typical dark-terminal assumption when detection fails (most
// tmux sessions run inside a dark-themed terminal).
func terminalBackgroundHex() string {
	out := termenv.NewOutput(os.Stdout)
	bg := out.BackgroundColor()
	if _, isNone := bg.(termenv.NoColor); isNone || bg == nil {
		return "#1e1e1e"
	}
	return termenv.ConvertToRGB(bg).Hex()
}

// RenderStatsTable writes a grouped, colorized view of tracked sessions
// plus queue/pending counters to w. When w's color profile is termenv's
// Ascii (no color support, e.g. piped output), styles degrade to plain
// text automatically via lipgloss's profile detection.
func RenderStatsTable(w io.Writer, rows []SessionRow, trackedCount, pendingCount, queueDepth uint64) {
	if colorProfileFor(w) == termenv.Ascii {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf(
		"tracked=%d pending=%d queue=%d", trackedCount, pendingCount, queueDepth)))

	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no tracked sessions"))
		return
	}

	for _, group := range GroupByParent(rows) {
		fmt.Fprintln(w, groupStyle.Render("parent "+group.ParentID))
		for i, row := range group.Rows {
			badge := badgeStyle(row.State, i).Render("[" + strings.ToUpper(row.State) + "]")
			fmt.Fprintf(w, "  %s %-20s %-10s %s\n", badge, row.Title, row.PaneID, row.SessionID)
		}
	}
}
