package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	variationStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("69"))
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(domain.RunRunning):
		return runningStyle
	case string(domain.RunCompleted), string(domain.JobSucceeded):
		return runningStyle.Bold(true)
	case string(domain.RunFailed):
		return errorStyle
	case string(domain.RunCancelled):
		return warningStyle
	default:
		return queuedStyle
	}
}

func formatDuration(start, end *time.Time) string {
	if start == nil {
		return "-"
	}
	to := time.Now()
	if end != nil {
		to = *end
	}
	return to.Sub(*start).Round(time.Second).String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// renderRunList renders one line per run, newest first
func renderRunList(runs []*domain.Run) string {
	if len(runs) == 0 {
		return queuedStyle.Render("No runs recorded") + "\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", headerStyle.Render(fmt.Sprintf("%-36s  %-10s  %-5s  %-9s  %s", "RUN", "STATUS", "VARS", "DURATION", "PROMPT")))
	for _, r := range runs {
		status := statusStyle(string(r.Status)).Render(fmt.Sprintf("%-10s", r.Status))
		fmt.Fprintf(&b, "%-36s  %s  %-5d  %-9s  %s\n",
			r.ID, status, r.VariationCount, formatDuration(r.StartedAt, r.CompletedAt), truncate(r.Prompt, 48))
	}
	return b.String()
}

// renderRun renders a run with its variations
func renderRun(r *domain.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Run"), r.ID)
	fmt.Fprintf(&b, "  status:   %s\n", statusStyle(string(r.Status)).Render(string(r.Status)))
	fmt.Fprintf(&b, "  provider: %s\n", r.Provider)
	if r.SourceRef != "" {
		fmt.Fprintf(&b, "  ref:      %s\n", r.SourceRef)
	}
	fmt.Fprintf(&b, "  duration: %s\n", formatDuration(r.StartedAt, r.CompletedAt))
	fmt.Fprintf(&b, "  prompt:   %s\n", truncate(r.Prompt, 72))
	if r.Error != "" {
		fmt.Fprintf(&b, "  error:    %s\n", errorStyle.Render(r.Error))
	}

	fmt.Fprintf(&b, "\n%s\n", headerStyle.Render(fmt.Sprintf("Variations (%d/%d created)", len(r.Jobs), r.VariationCount)))
	for _, j := range r.Jobs {
		fmt.Fprintf(&b, "  %-3d %-44s %s\n", j.VariationIndex, j.ID, statusStyle(string(j.Phase)).Render(string(j.Phase)))
	}
	return b.String()
}

// renderChunk prefixes a chunk with its variation so interleaved output stays readable
func renderChunk(c domain.OutputChunk) string {
	prefix := variationStyle.Render("[" + c.VariationID + "]")
	content := strings.TrimRight(c.Content, "\n")
	switch c.ContentType {
	case domain.ContentError:
		content = errorStyle.Render(content)
	case domain.ContentLogging, domain.ContentMetrics:
		content = queuedStyle.Render(content)
	case domain.ContentSummary:
		content = headerStyle.Render(content)
	}
	return prefix + " " + content
}
