package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	abortedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the dashboard
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if m.loadErr != nil {
		b.WriteString(failedStyle.Width(m.width).Render(" " + m.loadErr.Error() + " "))
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderSpecs()))
	b.WriteString("\n")

	if len(m.specs) > 0 {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderDetail(m.specs[m.selected])))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderHeader() string {
	running, merged := 0, 0
	for _, v := range m.specs {
		run := v.LatestRun()
		if run == nil {
			continue
		}
		if run.Status == domain.RunRunning {
			running++
		}
		for _, br := range run.Batches {
			if br.Merged {
				merged++
			}
		}
	}

	header := fmt.Sprintf(" Batch Orchestrator │ Specs: %d │ Running: %d │ Merged: %d ",
		len(m.specs), running, merged)
	return headerStyle.Width(m.width).Render(header)
}

func (m Model) renderSpecs() string {
	var b strings.Builder
	b.WriteString("Plans\n")

	if len(m.specs) == 0 {
		b.WriteString(dimmedStyle.Render("  no plan documents found"))
		return b.String()
	}

	for i, v := range m.specs {
		cursor := "  "
		line := fmt.Sprintf("%-20s %-10s %2d batches  %s",
			truncate(v.Spec, 20), string(v.Plan.Strategy), len(v.Plan.Batches), m.runSummary(v.LatestRun()))
		if i == m.selected {
			cursor = "> "
			line = selectedStyle.Render(line)
		}
		b.WriteString(cursor + line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) runSummary(run *domain.Run) string {
	if run == nil {
		return dimmedStyle.Render("never run")
	}

	var status string
	switch run.Status {
	case domain.RunRunning:
		status = m.spin.View() + " " + runningStyle.Render("running")
	case domain.RunCompleted:
		status = completedStyle.Render("completed")
	case domain.RunFailed:
		status = failedStyle.Render("failed")
	case domain.RunAborted:
		status = abortedStyle.Render("aborted")
	default:
		status = string(run.Status)
	}

	return fmt.Sprintf("%s %d/%d %s", status,
		run.Summary.Completed, run.Summary.Total, dimmedStyle.Render(humanize.Time(run.StartedAt)))
}

func (m Model) renderDetail(v SpecView) string {
	var b strings.Builder

	run := v.LatestRun()
	if run == nil {
		b.WriteString(fmt.Sprintf("%s\n", v.Spec))
		b.WriteString(dimmedStyle.Render("  no runs recorded"))
		return b.String()
	}

	title := fmt.Sprintf("%s │ run %s", v.Spec, shortID(run.ID))
	if run.DryRun {
		title += " │ dry-run"
	}
	if run.Mode != "" {
		title += fmt.Sprintf(" │ mode %s", run.Mode)
	}
	if run.ResumedFrom != "" {
		title += fmt.Sprintf(" │ resumed from %s", shortID(run.ResumedFrom))
	}
	b.WriteString(title + "\n")

	for _, br := range run.Batches {
		b.WriteString(m.renderBatchRow(br) + "\n")
	}

	if run.Error != "" {
		b.WriteString(failedStyle.Render("  "+truncate(run.Error, m.width-8)) + "\n")
	}

	if len(v.Runs) > 1 {
		b.WriteString(dimmedStyle.Render("  history: " + m.renderHistory(v.Runs)))
	}

	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderBatchRow(br *domain.BatchResult) string {
	glyph := m.statusGlyph(br.Status)

	dur := ""
	switch {
	case br.StartedAt != nil && br.FinishedAt != nil:
		dur = br.FinishedAt.Sub(*br.StartedAt).Round(time.Second).String()
	case br.StartedAt != nil:
		dur = time.Since(*br.StartedAt).Round(time.Second).String()
	}

	tail := ""
	switch {
	case br.Error != "":
		tail = failedStyle.Render(truncate(br.Error, 48))
	case br.Merged:
		tail = dimmedStyle.Render("merged " + br.Branch)
	case br.Branch != "":
		tail = dimmedStyle.Render(br.Branch)
	}

	return fmt.Sprintf("  %s %-16s %-24s %8s  %s",
		glyph, truncate(br.BatchID, 16), truncate(br.Name, 24), dur, tail)
}

func (m Model) statusGlyph(status domain.BatchStatus) string {
	switch status {
	case domain.BatchCompleted:
		return completedStyle.Render("✓")
	case domain.BatchFailed:
		return failedStyle.Render("✗")
	case domain.BatchRunning:
		return m.spin.View()
	default:
		return queuedStyle.Render("○")
	}
}

func (m Model) renderHistory(runs []*domain.Run) string {
	glyphs := make([]string, 0, 5)
	for _, run := range runs {
		if len(glyphs) == 5 {
			break
		}
		switch run.Status {
		case domain.RunCompleted:
			glyphs = append(glyphs, completedStyle.Render("✓"))
		case domain.RunFailed:
			glyphs = append(glyphs, failedStyle.Render("✗"))
		case domain.RunAborted:
			glyphs = append(glyphs, abortedStyle.Render("⊘"))
		default:
			glyphs = append(glyphs, runningStyle.Render("●"))
		}
	}
	return strings.Join(glyphs, " ")
}

func (m Model) renderStatusBar() string {
	updated := "never"
	if !m.taken.IsZero() {
		updated = humanize.Time(m.taken)
	}
	bar := fmt.Sprintf(" [j/k]select [r]efresh [q]uit │ updated %s ", updated)
	return statusBarStyle.Width(m.width).Render(bar)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if n <= 3 {
		return s
	}
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
