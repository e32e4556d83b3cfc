package header

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/ui/common"
	"github.com/deemkeen/fedcore/util"
)

type Model struct {
	Width    int
	Operator string
	Domain   string
	Stats    map[domain.JobStatus]int64
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(tea.Msg) (Model, tea.Cmd) {
	return m, nil
}

func (m Model) View() string {
	return GetHeaderStyle(m.Operator, m.Domain, m.Stats, m.Width)
}

func box(text string, width int, bg lipgloss.TerminalColor) string {
	return lipgloss.
		NewStyle().
		SetString(text).
		Align(lipgloss.Left).
		Background(bg).
		Padding(1).
		Height(2).
		Width(width).
		Border(lipgloss.NormalBorder(), true, false, true, false).
		BorderForeground(lipgloss.Color(common.COLOR_MAGENTA)).
		String()
}

// GetHeaderStyle renders the operator, the version and the queue counters
// side by side.
func GetHeaderStyle(operator, domainName string, stats map[domain.JobStatus]int64, width int) string {
	// each box adds padding(2) to the content width
	availableWidth := max(width-6, 40)

	operatorWidth := availableWidth / 4
	versionWidth := availableWidth / 4
	statsWidth := availableWidth - operatorWidth - versionWidth

	counters := fmt.Sprintf("pending %d  in flight %d  delivered %d  dead %d",
		stats[domain.JobPending], stats[domain.JobInFlight], stats[domain.JobDelivered], stats[domain.JobDead])

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		box(fmt.Sprintf("%s@%s", operator, domainName), operatorWidth, lipgloss.Color(common.COLOR_PURPLE)),
		box(util.GetNameAndVersion(), versionWidth, lipgloss.Color(common.COLOR_GREY)),
		box(counters, statsWidth, lipgloss.Color(common.COLOR_MAGENTA)),
	)
}
