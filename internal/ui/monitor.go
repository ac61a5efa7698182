package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/swapflow/internal/domain"
	"github.com/rovshanmuradov/swapflow/internal/eventlistener"
	"github.com/rovshanmuradov/swapflow/internal/ui/component"
	"github.com/rovshanmuradov/swapflow/internal/ui/style"
)

// TxRow is the monitor's view of one transaction.
type TxRow struct {
	ID      string
	Status  domain.TransactionState
	Venue   string
	Retries int
	Detail  string
}

// Summary counts rows by outcome.
type Summary struct {
	Active    int
	Confirmed int
	Failed    int
}

// Monitor shows live status for every transaction seen on a socket.
type Monitor struct {
	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	table   *component.Table
	updates <-chan tea.Msg

	order []string
	rows  map[string]*TxRow

	session   string
	lastError string
	rejected  int
	closed    bool
	closeErr  error

	// exitAfter quits once this many submissions finished or were rejected.
	exitAfter int
}

// NewMonitor creates a monitor reading from updates. With exitAfter > 0
// the program quits once that many transactions finished.
func NewMonitor(updates <-chan tea.Msg, exitAfter int) *Monitor {
	return &Monitor{
		keys:    DefaultKeyMap(),
		help:    help.New(),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		table: component.NewTable(
			component.TableColumn{Header: "ID", Width: 12},
			component.TableColumn{Header: "Status", Width: 12, Style: style.StatusStyle},
			component.TableColumn{Header: "Venue", Width: 10},
			component.TableColumn{Header: "Retries", Width: 9, Align: lipgloss.Right},
			component.TableColumn{Header: "Detail", Width: 44},
		),
		updates:   updates,
		rows:      make(map[string]*TxRow),
		exitAfter: exitAfter,
	}
}

func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, ListenUpdates(m.updates))
}

func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			m.table.MoveUp()
		case key.Matches(msg, m.keys.Down):
			m.table.MoveDown()
		case key.Matches(msg, m.keys.Clear):
			m.clearFinished()
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.apply(msg.Event)
		if m.exitAfter > 0 && m.finished() >= m.exitAfter {
			return m, tea.Quit
		}
		return m, ListenUpdates(m.updates)

	case DisconnectedMsg:
		m.closed = true
		m.closeErr = msg.Error
		if m.exitAfter > 0 {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *Monitor) apply(e eventlistener.Event) {
	switch e.Type {
	case eventlistener.MsgSessionEstablished:
		m.session = e.Message
	case eventlistener.MsgTransactionRegistered:
		r := m.row(e.TransactionID)
		r.Status = domain.TransactionState(e.Status)
		r.Detail = e.Message
	case eventlistener.MsgSnapshot:
		if tx := e.Transaction; tx != nil {
			r := m.row(tx.ID)
			r.Status = tx.Status
			r.Venue = tx.SelectedDex
			r.Retries = tx.RetryCount
			r.Detail = fmt.Sprintf("%g %s -> %s", tx.Amount, tx.TokenIn, tx.TokenOut)
		}
	case eventlistener.MsgValidationFailed:
		m.lastError = e.Error
		m.rejected++
	case "":
		if !e.IsStatus() {
			return
		}
		r := m.row(e.TransactionID)
		r.Status = domain.TransactionState(e.Status)
		if d := e.Data; d != nil {
			if d.SelectedDex != "" {
				r.Venue = d.SelectedDex
			}
			if d.RetryCount != nil {
				r.Retries = *d.RetryCount
			}
			r.Detail = detail(d)
		}
	}
}

func detail(d *domain.EventData) string {
	switch {
	case d.ErrorMessage != "" && d.Message != "":
		return d.Message + " " + d.ErrorMessage
	case d.ErrorMessage != "":
		return d.ErrorMessage
	case d.TxHash != "" && d.ExecutedPrice != nil:
		return fmt.Sprintf("%.6f tx %s", *d.ExecutedPrice, d.TxHash)
	case d.Justification != "":
		return d.Justification
	}
	return d.Message
}

func (m *Monitor) row(id string) *TxRow {
	r, ok := m.rows[id]
	if !ok {
		r = &TxRow{ID: id, Status: domain.StatePending}
		m.rows[id] = r
		m.order = append(m.order, id)
	}
	return r
}

func (m *Monitor) clearFinished() {
	kept := m.order[:0]
	for _, id := range m.order {
		if m.rows[id].Status.IsTerminal() {
			delete(m.rows, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *Monitor) finished() int {
	s := m.Summary()
	return s.Confirmed + s.Failed + m.rejected
}

// Rows returns the rows in arrival order.
func (m *Monitor) Rows() []TxRow {
	out := make([]TxRow, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.rows[id])
	}
	return out
}

// Summary counts rows by outcome.
func (m *Monitor) Summary() Summary {
	var s Summary
	for _, r := range m.rows {
		switch r.Status {
		case domain.StateConfirmed:
			s.Confirmed++
		case domain.StateFailed:
			s.Failed++
		default:
			s.Active++
		}
	}
	return s
}

// LastError returns the most recent rejection reported by the server.
func (m *Monitor) LastError() string {
	return m.lastError
}

func (m *Monitor) View() string {
	var b strings.Builder

	s := m.Summary()
	header := fmt.Sprintf("swapflow monitor  active %d  confirmed %d  failed %d", s.Active, s.Confirmed, s.Failed)
	if s.Active > 0 && !m.closed {
		header = m.spinner.View() + " " + header
	}
	b.WriteString(style.HeaderStyle.Render(header))
	b.WriteString("\n")
	if m.session != "" {
		b.WriteString(style.MutedStyle.Render(m.session))
		b.WriteString("\n")
	}

	rows := make([][]string, 0, len(m.order))
	for _, r := range m.Rows() {
		rows = append(rows, []string{shortID(r.ID), string(r.Status), r.Venue, strconv.Itoa(r.Retries), r.Detail})
	}
	b.WriteString(m.table.SetRows(rows).View())
	b.WriteString("\n")

	if m.lastError != "" {
		b.WriteString(style.ErrorStyle.Render("error: " + m.lastError))
		b.WriteString("\n")
	}
	if m.closed {
		msg := "connection closed"
		if m.closeErr != nil {
			msg += ": " + m.closeErr.Error()
		}
		b.WriteString(style.MutedStyle.Render(msg))
		b.WriteString("\n")
	}

	b.WriteString(style.FooterStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
