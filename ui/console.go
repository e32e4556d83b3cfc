package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/ui/common"
	"github.com/deemkeen/fedcore/ui/deadletters"
	"github.com/deemkeen/fedcore/ui/header"
)

var modelStyle = lipgloss.NewStyle().
	Align(lipgloss.Top, lipgloss.Top).
	BorderStyle(lipgloss.NormalBorder()).
	BorderForeground(lipgloss.Color(common.COLOR_LIGHTBLUE)).
	MarginLeft(1)

type statsLoadedMsg struct {
	stats map[domain.JobStatus]int64
	err   error
}

// MainModel is the operator console: a header with queue counters and
// either the dead letter table or a per-status breakdown.
type MainModel struct {
	width       int
	height      int
	state       common.SessionState
	queue       deadletters.Queue
	headerModel header.Model
	deadModel   deadletters.Model
	statsError  string
}

func NewModel(queue deadletters.Queue, operator, domainName string, width, height int) MainModel {
	width = common.DefaultWindowWidth(width)
	height = common.DefaultWindowHeight(height)

	return MainModel{
		width:       width,
		height:      height,
		state:       common.DeadLettersView,
		queue:       queue,
		headerModel: header.Model{Width: width, Operator: operator, Domain: domainName},
		deadModel:   deadletters.InitialModel(queue, width, height),
	}
}

func loadStats(queue deadletters.Queue) tea.Cmd {
	return func() tea.Msg {
		stats, err := queue.Stats(context.Background())
		return statsLoadedMsg{stats: stats, err: err}
	}
}

func (m MainModel) Init() tea.Cmd {
	return tea.Batch(m.deadModel.Init(), loadStats(m.queue))
}

func (m MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = common.DefaultWindowWidth(msg.Width)
		m.height = common.DefaultWindowHeight(msg.Height)
		m.headerModel.Width = m.width
		msg.Width, msg.Height = m.width, m.height
		var cmd tea.Cmd
		m.deadModel, cmd = m.deadModel.Update(msg)
		return m, cmd

	case statsLoadedMsg:
		if msg.err != nil {
			m.statsError = msg.err.Error()
			return m, nil
		}
		m.statsError = ""
		m.headerModel.Stats = msg.stats
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			if m.state == common.DeadLettersView {
				m.state = common.StatsView
			} else {
				m.state = common.DeadLettersView
			}
			return m, loadStats(m.queue)
		}
	}

	// counters change whenever the dead letter list is reloaded
	if m.state == common.DeadLettersView {
		var cmd tea.Cmd
		m.deadModel, cmd = m.deadModel.Update(msg)
		cmds = append(cmds, cmd)
		if key, ok := msg.(tea.KeyMsg); ok && (key.String() == "r" || key.String() == "R") {
			cmds = append(cmds, loadStats(m.queue))
		}
	}
	return m, tea.Batch(cmds...)
}

func (m MainModel) View() string {
	var body string
	switch m.state {
	case common.StatsView:
		body = m.statsView()
	default:
		body = m.deadModel.View()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerModel.View(),
		modelStyle.Width(m.width).Render(body),
		common.HelpStyle.Render("tab: switch view  q: quit"),
	)
}

func (m MainModel) statsView() string {
	var s strings.Builder
	s.WriteString(common.CaptionStyle.Render("delivery jobs"))
	s.WriteString("\n")

	if m.statsError != "" {
		s.WriteString(common.ErrorStyle.Render("Error: " + m.statsError))
		return s.String()
	}

	statuses := make([]string, 0, len(m.headerModel.Stats))
	for status := range m.headerModel.Stats {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(common.COLOR_GREY))).
		Headers("STATUS", "JOBS")
	for _, status := range statuses {
		t.Row(status, fmt.Sprintf("%d", m.headerModel.Stats[domain.JobStatus(status)]))
	}
	s.WriteString(t.String())
	return s.String()
}
