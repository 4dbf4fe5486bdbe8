package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Veraticus/threadline/internal/classification"
	"github.com/Veraticus/threadline/internal/model"
)

const maxTitleWidth = 60

// RenderTable lays rows out in padded columns under a bold header.
func RenderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	render := func(style lipgloss.Style, cells []string) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			// Width includes the style's padding.
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	lines := []string{render(TableHeaderStyle, headers)}
	for _, row := range rows {
		lines = append(lines, render(TableCellStyle, row))
	}
	return strings.Join(lines, "\n")
}

// RenderGroups renders groups as a table, highest priority first.
func RenderGroups(groups []model.Group) string {
	if len(groups) == 0 {
		return FormatInfo("No groups")
	}

	sorted := append([]model.Group(nil), groups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority.Higher(sorted[j].Priority)
		}
		return len(sorted[i].UnitIDs) > len(sorted[j].UnitIDs)
	})

	rows := make([][]string, 0, len(sorted))
	for _, g := range sorted {
		feature := g.FeatureBucket
		if g.CrossCutting {
			feature = strings.Join(g.AffectedFeatures, ", ")
		}
		rows = append(rows, []string{
			string(g.Priority),
			fmt.Sprintf("%d", len(g.UnitIDs)),
			truncate(g.Title, maxTitleWidth),
			feature,
			string(g.ExportStatus),
		})
	}
	return RenderTable([]string{"PRIORITY", "UNITS", "TITLE", "FEATURE", "EXPORT"}, rows)
}

// RenderStats renders classification and export counts.
func RenderStats(stats classification.Stats, exports map[model.ExportStatus]int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Units:       %d\n", stats.Total)
	fmt.Fprintf(&b, "  completed: %s\n", SuccessStyle.Render(fmt.Sprint(stats.Completed)))
	fmt.Fprintf(&b, "  pending:   %d\n", stats.Pending)
	if stats.Classifying > 0 {
		fmt.Fprintf(&b, "  in flight: %s\n", WarningStyle.Render(fmt.Sprint(stats.Classifying)))
	}
	if stats.Failed > 0 {
		fmt.Fprintf(&b, "  failed:    %s\n", ErrorStyle.Render(fmt.Sprint(stats.Failed)))
	}
	if stats.Superseded > 0 {
		fmt.Fprintf(&b, "  migrated:  %s\n", SubtleStyle.Render(fmt.Sprint(stats.Superseded)))
	}
	fmt.Fprintf(&b, "Groups:      %d\n", exports[model.ExportPending]+exports[model.ExportExported])
	fmt.Fprintf(&b, "  pending:   %d\n", exports[model.ExportPending])
	fmt.Fprintf(&b, "  exported:  %d", exports[model.ExportExported])
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
