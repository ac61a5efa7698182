package component

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/swapflow/internal/ui/style"
)

// TableColumn represents a column configuration
type TableColumn struct {
	Header string
	Width  int
	Align  lipgloss.Position
	// Style, if set, styles individual cells by their value.
	Style func(value string) lipgloss.Style
}

// Table represents a data table component
type Table struct {
	columns     []TableColumn
	rows        [][]string
	selectedRow int

	headerStyle      lipgloss.Style
	rowStyle         lipgloss.Style
	selectedRowStyle lipgloss.Style
	borderStyle      lipgloss.Style
}

// NewTable creates a new table component
func NewTable(columns ...TableColumn) *Table {
	palette := style.DefaultPalette()

	return &Table{
		columns: columns,

		headerStyle: lipgloss.NewStyle().
			Foreground(palette.Secondary).
			Bold(true).
			Padding(0, 1),

		rowStyle: lipgloss.NewStyle().
			Foreground(palette.Text).
			Padding(0, 1),

		selectedRowStyle: lipgloss.NewStyle().
			Background(palette.BackgroundAlt).
			Padding(0, 1),

		borderStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(palette.TextMuted),
	}
}

// SetRows replaces all rows and keeps the selection in range.
func (t *Table) SetRows(rows [][]string) *Table {
	t.rows = rows
	if t.selectedRow >= len(rows) {
		t.selectedRow = max(len(rows)-1, 0)
	}
	return t
}

// MoveUp moves selection up
func (t *Table) MoveUp() *Table {
	if t.selectedRow > 0 {
		t.selectedRow--
	}
	return t
}

// MoveDown moves selection down
func (t *Table) MoveDown() *Table {
	if t.selectedRow < len(t.rows)-1 {
		t.selectedRow++
	}
	return t
}

// SelectedRow returns the selected row index.
func (t *Table) SelectedRow() int {
	return t.selectedRow
}

// RowCount returns the number of rows
func (t *Table) RowCount() int {
	return len(t.rows)
}

// View renders the table
func (t *Table) View() string {
	if len(t.columns) == 0 {
		return "No columns defined"
	}

	var content strings.Builder

	for i, col := range t.columns {
		content.WriteString(renderCell(col.Header, col.Width, col.Align, t.headerStyle))
		if i < len(t.columns)-1 {
			content.WriteString("│")
		}
	}
	content.WriteString("\n")
	for i, col := range t.columns {
		content.WriteString(strings.Repeat("─", col.Width))
		if i < len(t.columns)-1 {
			content.WriteString("┼")
		}
	}

	for rowIndex, row := range t.rows {
		content.WriteString("\n")
		base := t.rowStyle
		if rowIndex == t.selectedRow {
			base = t.selectedRowStyle
		}

		for i, col := range t.columns {
			value := ""
			if i < len(row) {
				value = row[i]
			}
			cellStyle := base
			if col.Style != nil {
				cellStyle = col.Style(value).Inherit(base)
			}
			content.WriteString(renderCell(value, col.Width, col.Align, cellStyle))
			if i < len(t.columns)-1 {
				content.WriteString("│")
			}
		}
	}

	return t.borderStyle.Render(content.String())
}

// renderCell truncates content to width and aligns it.
func renderCell(content string, width int, align lipgloss.Position, s lipgloss.Style) string {
	if len(content) > width {
		if width > 3 {
			content = content[:width-3] + "..."
		} else {
			content = content[:width]
		}
	}
	return s.Width(width).Align(align).Render(content)
}
