package style

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

var palette = DefaultPalette()

// Header styles
var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(palette.Primary).
			Bold(true).
			Padding(0, 1).
			Margin(0, 0, 1, 0)
)

// Text styles
var (
	MutedStyle = lipgloss.NewStyle().
			Foreground(palette.TextMuted)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(palette.Error).
			Bold(true)

	FooterStyle = lipgloss.NewStyle().
			Margin(1, 0, 0, 0)
)

// StatusStyle colors a status cell.
func StatusStyle(status string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(palette.StatusColor(domain.TransactionState(status))).Bold(true)
}
