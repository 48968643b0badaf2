package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"javelin/pkg/eventlog"
	"javelin/pkg/router"
)

// tickMsg triggers the periodic refresh.
type tickMsg time.Time

// statsMsg carries a stats snapshot from the router. A nil pointer means the
// router is unreachable.
type statsMsg *router.AdminResponse

// eventsMsg carries recent lifecycle events from the event log.
type eventsMsg []eventlog.Event

const refreshInterval = 2 * time.Second

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatsCmd(adminSocket string) tea.Cmd {
	return func() tea.Msg {
		stats, err := fetchStats(adminSocket)
		if err != nil {
			return statsMsg(nil)
		}
		return statsMsg(&stats)
	}
}

func fetchEventsCmd(eventDB string) tea.Cmd {
	if eventDB == "" {
		return nil
	}
	return func() tea.Msg {
		reader, err := eventlog.NewReader(eventDB)
		if err != nil {
			return eventsMsg(nil)
		}
		defer reader.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		events, err := reader.Query(ctx, eventlog.QueryOpts{Limit: 15})
		if err != nil {
			return eventsMsg(nil)
		}
		return eventsMsg(events)
	}
}

// Model is the Bubble Tea model for the javelin dashboard.
type Model struct {
	adminSocket string
	eventDB     string

	online bool
	stats  router.AdminResponse
	events []eventlog.Event

	width  int
	height int
}

func newModel(adminSocket, eventDB string) Model {
	return Model{adminSocket: adminSocket, eventDB: eventDB}
}

// Init starts the refresh loop and the event-log watcher.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		fetchStatsCmd(m.adminSocket),
		tickCmd(),
	}
	if cmd := fetchEventsCmd(m.eventDB); cmd != nil {
		cmds = append(cmds, cmd)
	}
	if cmd := watchEventLog(m.eventDB); cmd != nil {
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(fetchStatsCmd(m.adminSocket), fetchEventsCmd(m.eventDB))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(fetchStatsCmd(m.adminSocket), fetchEventsCmd(m.eventDB), tickCmd())

	case statsMsg:
		if msg == nil {
			m.online = false
		} else {
			m.online = true
			m.stats = *msg
		}

	case eventsMsg:
		m.events = msg

	case fsChangeMsg:
		// Event log changed on disk; refresh and re-arm the watcher.
		return m, tea.Batch(fetchEventsCmd(m.eventDB), watchEventLog(m.eventDB))
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	downStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// View renders the dashboard.
func (m Model) View() string {
	var sb strings.Builder

	status := okStyle.Render("online")
	if !m.online {
		status = downStyle.Render("unreachable")
	}
	sb.WriteString(titleStyle.Render("javelin router"))
	sb.WriteString("  " + status)
	if m.online {
		sb.WriteString(mutedStyle.Render(fmt.Sprintf("  revision %d", m.stats.Revision)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(m.renderShards())
	if m.eventDB != "" {
		sb.WriteString("\n")
		sb.WriteString(m.renderEvents())
	}
	sb.WriteString("\n" + mutedStyle.Render("q quit  r refresh"))
	return sb.String()
}

func (m Model) renderShards() string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%-6s %-30s %-10s %-7s %-10s %-8s", "SHARD", "ROOT", "WORKER", "PROTO", "REVISION", "SYMBOLS")))
	sb.WriteString("\n")
	if len(m.stats.Shards) == 0 {
		sb.WriteString(mutedStyle.Render("no shards"))
		sb.WriteString("\n")
		return sb.String()
	}
	for _, s := range m.stats.Shards {
		workerCol := downStyle.Render("down")
		protoCol := "-"
		if s.Connected {
			workerCol = okStyle.Render(fmt.Sprintf("#%d", s.WorkerID))
			protoCol = fmt.Sprintf("v%d", s.ProtocolVersion)
		}
		root := s.Root
		if len(root) > 30 {
			root = "…" + root[len(root)-29:]
		}
		sb.WriteString(fmt.Sprintf("%-6d %-30s %-10s %-7s %-10d %-8d\n",
			s.ShardID, root, workerCol, protoCol, s.Revision, s.SymbolCount))
	}
	return sb.String()
}

func (m Model) renderEvents() string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("RECENT EVENTS"))
	sb.WriteString("\n")
	if len(m.events) == 0 {
		sb.WriteString(mutedStyle.Render("none"))
		sb.WriteString("\n")
		return sb.String()
	}
	for _, e := range m.events {
		shard := fmt.Sprintf("shard %d", e.ShardID)
		if e.ShardID < 0 {
			shard = "router"
		}
		line := fmt.Sprintf("%s  %-20s %-8s %s",
			e.CreatedAt.Format("15:04:05"), e.Type, shard, e.Detail)
		if e.Type == "violation" {
			line = downStyle.Render(line)
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}
