package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(14)
	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

type row struct {
	label string
	value string
}

func renderRows(rows []row) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(r.label), r.value))
	}
	return strings.Join(lines, "\n")
}

// renderBanner is printed once the run is about to start.
func renderBanner(version string, rows []row) string {
	head := titleStyle.Render("specrun " + version)
	warn := warnStyle.Render("do not close this window until the run has finished")
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, head, "", renderRows(rows), "", warn))
}

// renderSummary is printed after the last worker has been reaped.
func renderSummary(s Summary) string {
	title := "Simulations completed"
	switch {
	case s.Reason != "":
		title = "Nothing to do"
	case s.Interrupted:
		title = "Simulations interrupted"
	}
	rows := []row{
		{"run", s.RunID},
	}
	if s.Reason != "" {
		rows = append(rows, row{"reason", s.Reason})
	}
	rows = append(rows,
		row{"jobs", fmt.Sprintf("%d of %d discovered", s.Total, s.Discovered)},
		row{"completed", fmt.Sprint(s.State.Completed)},
		row{"succeeded", fmt.Sprint(s.State.Succeeded())},
		row{"failed", fmt.Sprint(s.State.Failed)},
		row{"warnings", fmt.Sprint(s.State.Warnings)},
		row{"took", s.Took.Round(time.Second).String()},
		row{"log", s.LogPath},
	)
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), "", renderRows(rows)))
}
