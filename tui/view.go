package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/order-history/internal/domain"
	"github.com/hochfrequenz/order-history/internal/livestream"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))
)

var tabNames = []string{"Runs", "Steps", "Failures", "Live"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	o := m.data.Overview
	header := fmt.Sprintf(" ORDER history │ Runs: %d │ Steps: %d │ Pass rate: %.0f%% │ PRs merged: %d │ Live events: %d ",
		o.TotalRuns, o.TotalSteps, o.PassRate*100, o.TotalPRsMerged, len(m.live))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case tabRuns:
		section = m.renderRuns()
	case tabSteps:
		section = m.renderSteps()
	case tabFailures:
		section = m.renderFailures()
	case tabLive:
		section = m.renderLive()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	if m.loadErr != nil {
		b.WriteString(warningStyle.Width(m.width).Render(" Load failed: " + m.loadErr.Error()))
		b.WriteString("\n")
	}

	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = humanize.Time(m.lastRefresh)
	}
	statusBar := fmt.Sprintf(" [tab]switch [1-4]jump [j/k]scroll [g]top [r]efresh [q]uit │ refreshed %s ", refreshed)
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	var parts []string
	for i, tab := range tabNames {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}
	return strings.Join(parts, "│")
}

// window returns the [start, end) slice of n rows that fits on screen
func (m Model) window(n int) (int, int) {
	start := min(m.scroll, n)
	return start, min(start+m.visibleRows(), n)
}

func (m Model) renderRow(i int, style lipgloss.Style, line string) string {
	if i == m.selectedRow {
		return selectedStyle.Inherit(style).Render(line)
	}
	return style.Render(line)
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	b.WriteString("\n")

	if len(m.data.Runs) == 0 {
		b.WriteString(dimmedStyle.Render("  No runs ingested. Run 'order-history ingest' first."))
		return b.String()
	}

	start, end := m.window(len(m.data.Runs))
	for i := start; i < end; i++ {
		r := m.data.Runs[i]
		line := fmt.Sprintf("  #%-4d %-16s %8s  %-10s %3d steps  %3d ok  %3d failed",
			r.ID, relTime(r.StartedAt), formatSpan(r.StartedAt, r.EndedAt), orDash(string(r.Status)),
			r.StepsAttempted, r.StepsCompleted, r.StepsFailed)
		b.WriteString(m.renderRow(i, runStyle(r.Status), line))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderSteps() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("STEPS"))
	b.WriteString("\n")

	if len(m.data.Steps) == 0 {
		b.WriteString(dimmedStyle.Render("  No steps ingested."))
		return b.String()
	}

	titleWidth := max(m.width-70, 20)
	start, end := m.window(len(m.data.Steps))
	for i := start; i < end; i++ {
		st := m.data.Steps[i]
		icon := "✓"
		if st.Status.IsFailure() {
			icon = "✗"
		}
		line := fmt.Sprintf("  %s %4d  %-*s %-10s %8s  %-18s %d/%d",
			icon, st.StepNumber, titleWidth, truncate(st.Title, titleWidth), st.Status,
			formatSpan(st.StartedAt, st.EndedAt), orDash(st.FinalState), st.TasksCompleted, st.TasksTotal)
		b.WriteString(m.renderRow(i, stepStyle(st.Status), line))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderFailures() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RECENT FAILURES"))
	b.WriteString("\n")

	if len(m.data.Failures) == 0 {
		b.WriteString(completedStyle.Render("  No failed steps"))
		return b.String()
	}

	start, end := m.window(len(m.data.Failures))
	for i := start; i < end; i++ {
		f := m.data.Failures[i]
		line := fmt.Sprintf("  %4d  %-30s %-18s %-12s arbiter×%d  %s",
			f.Step, truncate(f.Title, 30), orDash(f.State), orDash(f.Verdict), f.ArbiterAttempts, relTime(f.Timestamp))
		b.WriteString(m.renderRow(i, failedStyle, line))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderLive() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("LIVE"))
	b.WriteString("\n")

	if len(m.live) == 0 {
		msg := "  Waiting for events..."
		if m.events == nil || m.liveClosed {
			msg = "  Live feed not connected"
		}
		b.WriteString(dimmedStyle.Render(msg))
		return b.String()
	}

	start, end := m.window(len(m.live))
	for i := start; i < end; i++ {
		ev := m.live[i]
		line := fmt.Sprintf("  %6d  %-20s %s", ev.Seq, ev.Type, truncate(summarize(ev), max(m.width-36, 20)))
		b.WriteString(m.renderRow(i, lipgloss.NewStyle(), line))
		b.WriteString("\n")
	}
	if m.liveClosed {
		b.WriteString(warningStyle.Render("  Live feed closed"))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// summarize renders an event's payload without its seq and type
func summarize(ev livestream.Event) string {
	var fields map[string]any
	if err := json.Unmarshal(ev.Raw, &fields); err != nil {
		return string(ev.Raw)
	}
	delete(fields, "seq")
	delete(fields, "type")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

func runStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunCompleted:
		return completedStyle
	case domain.RunHalted:
		return warningStyle
	case "":
		return dimmedStyle
	}
	return failedStyle
}

func stepStyle(s domain.StepStatus) lipgloss.Style {
	switch {
	case s == domain.StepCompleted:
		return completedStyle
	case s == domain.StepHalted:
		return warningStyle
	case s.IsFailure():
		return failedStyle
	}
	return dimmedStyle
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func formatSpan(start, end *time.Time) string {
	if start == nil || end == nil {
		return "-"
	}
	d := end.Sub(*start)
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func relTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
