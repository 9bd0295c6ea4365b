package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// StatsFetcher polls the daemon for a fresh snapshot; returns ok=false on
// any transient failure (socket gone, timeout) so the dashboard can show a
// "daemon unreachable" banner instead of crashing.
type StatsFetcher func() (rows []SessionRow, tracked, pending, queue uint64, ok bool)

const watchInterval = 1 * time.Second

type tickMsg time.Time

type watchModel struct {
	fetch         StatsFetcher
	rows          []SessionRow
	tracked       uint64
	pending       uint64
	queue         uint64
	connected     bool
	quitRequested bool

	body  viewport.Model
	ready bool
}

func tickCmd() tea.Cmd {
	return tea.Tick(watchInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.fetch), tickCmd())
}

type fetchResultMsg struct {
	rows      []SessionRow
	tracked   uint64
	pending   uint64
	queue     uint64
	connected bool
}

func fetchCmd(fetch StatsFetcher) tea.Cmd {
	return func() tea.Msg {
		rows, tracked, pending, queue, ok := fetch()
		return fetchResultMsg{rows: rows, tracked: tracked, pending: pending, queue: queue, connected: ok}
	}
}

// headerHeight and footerHeight reserve lines for the counters banner and
// the "q to quit" hint so the viewport's scroll region never overlaps them.
const headerHeight = 1
const footerHeight = 2

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.body = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.body.Width = msg.Width
			m.body.Height = msg.Height - headerHeight - footerHeight
		}
		m.body.SetContent(m.renderBody())
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitRequested = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.body, cmd = m.body.Update(msg)
		return m, cmd
	case tickMsg:
		return m, tea.Batch(fetchCmd(m.fetch), tickCmd())
	case fetchResultMsg:
		m.rows = msg.rows
		m.tracked = msg.tracked
		m.pending = msg.pending
		m.queue = msg.queue
		m.connected = msg.connected
		if m.ready {
			m.body.SetContent(m.renderBody())
		}
	}
	return m, nil
}

// renderBody produces the grouped session list that scrolls inside the
// viewport, independent of the fixed header/footer chrome.
func (m watchModel) renderBody() string {
	var b strings.Builder
	if !m.connected {
		fmt.Fprintln(&b, lipgloss.NewStyle().Foreground(lipgloss.Color("#c0392b")).Bold(true).Render("daemon unreachable"))
		return b.String()
	}
	if len(m.rows) == 0 {
		fmt.Fprintln(&b, dimStyle.Render("no tracked sessions"))
		return b.String()
	}
	for _, group := range GroupByParent(m.rows) {
		fmt.Fprintln(&b, groupStyle.Render("parent "+group.ParentID))
		for i, row := range group.Rows {
			badge := badgeStyle(row.State, i).Render("[" + strings.ToUpper(row.State) + "]")
			fmt.Fprintf(&b, "  %s %-20s %s\n", badge, row.Title, row.SessionID)
		}
	}
	return b.String()
}

func (m watchModel) View() string {
	header := headerStyle.Render(fmt.Sprintf("tracked=%d pending=%d queue=%d", m.tracked, m.pending, m.queue))
	if !m.ready {
		return header + "\n" + m.renderBody()
	}
	return header + "\n" + m.body.View() + "\n" + dimStyle.Render("q to quit")
}

// Watch runs the live dashboard until the user quits.
func Watch(fetch StatsFetcher) error {
	p := tea.NewProgram(watchModel{fetch: fetch})
	_, err := p.Run()
	return err
}
