package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle  = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
	titleStyle   = lipgloss.NewStyle().Bold(true).Padding(1, 0, 0, 1)
)

// newTable returns a bordered table with a reversed header. Columns take the given alignments;
// the last one repeats for any further columns.
func newTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			s := oddRowStyle
			if row%2 == 1 {
				s = evenRowStyle
			}
			align := lipgloss.Left
			if col < len(alignments) {
				align = alignments[col]
			} else if len(alignments) > 0 {
				align = alignments[len(alignments)-1]
			}
			return s.Align(align)
		})
}
