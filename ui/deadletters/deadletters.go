package deadletters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/ui/common"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
)

const (
	pageSize    = 200
	loadTimeout = 5 * time.Second
)

// Queue is the part of the delivery queue the console operates on.
type Queue interface {
	DeadLetters(ctx context.Context, limit int) ([]domain.DeliveryJob, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (map[domain.JobStatus]int64, error)
}

var detailStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color(common.COLOR_GREY)).
	PaddingLeft(2)

type Model struct {
	queue  Queue
	Jobs   []domain.DeliveryJob
	table  table.Model
	Width  int
	Height int
	Status string
	Error  string
}

type jobsLoadedMsg struct {
	jobs []domain.DeliveryJob
	err  error
}

type requeuedMsg struct {
	id  uuid.UUID
	err error
}

func InitialModel(queue Queue, width, height int) Model {
	t := table.New(
		table.WithColumns(columns(width)),
		table.WithFocused(true),
		table.WithHeight(tableHeight(height)),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(common.COLOR_GREY)).
		BorderBottom(true).
		Bold(false)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color(common.COLOR_GREEN)).
		Bold(true)
	t.SetStyles(styles)

	return Model{queue: queue, table: t, Width: width, Height: height}
}

func columns(width int) []table.Column {
	inbox := max(width-70, 20)
	return []table.Column{
		{Title: "Job", Width: 8},
		{Title: "Target inbox", Width: inbox},
		{Title: "Tries", Width: 5},
		{Title: "Failed at", Width: 19},
		{Title: "Last error", Width: 30},
	}
}

func tableHeight(height int) int {
	return max(height-12, 5)
}

func (m Model) Init() tea.Cmd {
	return loadJobs(m.queue)
}

func loadJobs(queue Queue) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		jobs, err := queue.DeadLetters(ctx, pageSize)
		return jobsLoadedMsg{jobs: jobs, err: err}
	}
}

func requeue(queue Queue, id uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		return requeuedMsg{id: id, err: queue.Requeue(ctx, id)}
	}
}

// Selected returns the job under the cursor.
func (m Model) Selected() (domain.DeliveryJob, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.Jobs) {
		return domain.DeliveryJob{}, false
	}
	return m.Jobs[i], true
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case jobsLoadedMsg:
		if msg.err != nil {
			m.Error = fmt.Sprintf("could not load dead letters: %v", msg.err)
			return m, nil
		}
		m.Jobs = msg.jobs
		m.table.SetRows(rows(m.Jobs))
		if m.table.Cursor() >= len(m.Jobs) {
			m.table.SetCursor(max(0, len(m.Jobs)-1))
		}
		return m, nil

	case requeuedMsg:
		if msg.err != nil {
			m.Error = fmt.Sprintf("could not requeue %s: %v", shortID(msg.id), msg.err)
			return m, loadJobs(m.queue)
		}
		m.Status = fmt.Sprintf("Requeued %s", shortID(msg.id))
		return m, loadJobs(m.queue)

	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
		m.table.SetColumns(columns(m.Width))
		m.table.SetHeight(tableHeight(m.Height))
		return m, nil

	case tea.KeyMsg:
		m.Status = ""
		m.Error = ""

		switch msg.String() {
		case "r":
			if job, ok := m.Selected(); ok {
				return m, requeue(m.queue, job.Id)
			}
			return m, nil
		case "R":
			return m, loadJobs(m.queue)
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func rows(jobs []domain.DeliveryJob) []table.Row {
	out := make([]table.Row, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, table.Row{
			shortID(job.Id),
			job.TargetInbox,
			fmt.Sprintf("%d", job.AttemptCount),
			job.UpdatedAt.Local().Format(util.DateTimeFormat()),
			firstLine(job.LastError),
		})
	}
	return out
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(common.CaptionStyle.Render(fmt.Sprintf("dead letters (%d)", len(m.Jobs))))
	s.WriteString("\n")

	if len(m.Jobs) == 0 {
		s.WriteString(common.EmptyStyle.Render("No dead deliveries."))
		s.WriteString("\n")
	} else {
		s.WriteString(m.table.View())
		s.WriteString("\n")
		if job, ok := m.Selected(); ok {
			s.WriteString(detailStyle.Render(fmt.Sprintf("%s\nactivity %s\nsigned by %s", job.LastError, job.ActivityID, job.SigningActor)))
			s.WriteString("\n")
		}
	}

	if m.Status != "" {
		s.WriteString(common.StatusStyle.Render(m.Status))
		s.WriteString("\n")
	}
	if m.Error != "" {
		s.WriteString(common.ErrorStyle.Render("Error: " + m.Error))
		s.WriteString("\n")
	}

	s.WriteString(common.HelpStyle.Render("r: requeue  R: reload  ↑/↓: navigate"))
	return s.String()
}
