package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/docker/go-units"
)

// TUIModel implements the tea.Model interface
type TUIModel struct {
	status   Status
	stop     func()
	stopping bool
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically to update the UI state
type TUIUpdateMsg struct {
	Status Status
}

// NewTUIModel creates the model. stop is called once when the user asks to
// quit so the pipeline can finish the range in flight.
func NewTUIModel(initial Status, stop func()) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		status:       initial,
		stop:         stop,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.status.Done {
				return m, tea.Quit
			}
			if !m.stopping && m.stop != nil {
				m.stop()
			}
			m.stopping = true
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 6
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, max(msg.Height-headerHeight-footerHeight, 1))

	case TUIUpdateMsg:
		m.status = msg.Status
		if m.status.Done && m.stopping {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	st := m.status

	// Header
	header := fmt.Sprintf("%s panshift %s", m.spinner.View(), m.titleStyle.Render(string(st.Phase)))
	sb.WriteString(header + "\n")

	opsInfo := fmt.Sprintf("Done: %d | Requeued: %d | Skipped: %d | Pending: %d | Uploaded: %s | %s",
		st.CompletedFiles, st.RequeuedFiles, st.SkippedFiles, st.PendingFiles,
		units.BytesSize(float64(st.UploadedBytes)), formatSpeed(st.ThroughputBPms*1000))
	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")

	// Current file
	var percent float64
	var current strings.Builder
	if st.Current == nil {
		current.WriteString(m.infoStyle.Render("No active transfer..."))
	} else {
		c := st.Current
		percent = c.Progress
		truncatePath := c.FilePath
		if len(truncatePath) > 60 {
			truncatePath = "..." + truncatePath[len(truncatePath)-57:]
		}
		current.WriteString(fmt.Sprintf("%s\n%s / %s | ETA: %s",
			m.streamStyle.Render(truncatePath),
			units.BytesSize(float64(c.Offset)), units.BytesSize(float64(c.Size)),
			formatETA(c.Progress, st.ThroughputBPms, c.Size, c.Offset)))
	}
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	m.viewport.SetContent(current.String())
	sb.WriteString(m.viewport.View())

	if st.LastError != "" {
		label := "Last error: "
		if st.Paused {
			label = "Paused after error: "
		}
		sb.WriteString("\n" + m.errorStyle.Render(label+st.LastError))
	}

	// Footer
	help := m.helpStyle.Render("q/ctrl+c: stop after the current range")
	switch {
	case st.Done:
		help = m.successStyle.Render("Run finished.") + " Press 'q' to exit."
	case m.stopping:
		help = m.helpStyle.Render("Stopping after the current range...")
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 1 {
		return "0B/s"
	}
	return units.BytesSize(bytesPerSec) + "/s"
}

func formatETA(progress float64, bytesPerMs float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerMs <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	remainingMs := float64(remainingBytes) / bytesPerMs
	if remainingMs > float64((24 * time.Hour).Milliseconds()) {
		return "> 1d"
	}

	d := time.Duration(remainingMs) * time.Millisecond
	return d.Round(time.Second).String()
}
