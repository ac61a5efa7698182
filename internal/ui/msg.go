package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rovshanmuradov/swapflow/internal/eventlistener"
)

// EventMsg wraps a server message for the UI
type EventMsg struct {
	Event eventlistener.Event
}

// DisconnectedMsg is sent once the server connection ends.
type DisconnectedMsg struct {
	Error error
}

// ListenUpdates waits for the next message on ch.
func ListenUpdates(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}
