// Package ui renders the session as a small terminal dashboard and turns
// typed commands into the core command set. It holds no protocol logic.
package ui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/philipp3923/rdrop/internal/appevents"
	"github.com/philipp3923/rdrop/pkg/transfer"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	hashStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

const nameWidth = 28

// row is the rendered view of one transfer record.
type row struct {
	update appevents.FileUpdate
	bar    progress.Model
}

// Model is the bubbletea model for a session.
type Model struct {
	session *transfer.Session

	input      textinput.Model
	status     string
	statusErr  bool
	port       int
	publicAddr string
	connected  bool
	transport  string
	peerKey    string
	rows       map[string]*row
	order      []string
	lastErr    string
	quitting   bool
}

// eventMsg wraps a core event for the bubbletea loop.
type eventMsg struct{ ev appevents.Event }

// NewModel builds the dashboard for a started session. publicAddr may be
// empty when the STUN lookup failed.
func NewModel(session *transfer.Session, publicAddr string) Model {
	input := textinput.New()
	input.Placeholder = "connect <ip> <port> | offer <path> | accept <hash> [path] | deny <hash> | stop <hash> | open <path> | quit"
	input.Focus()
	return Model{
		session:    session,
		input:      input,
		status:     "starting",
		publicAddr: publicAddr,
		rows:       make(map[string]*row),
	}
}

// Init subscribes to the core event stream.
func (m Model) Init() tea.Cmd {
	return m.waitEvent()
}

func (m Model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.session.Events()
		if !ok {
			return nil
		}
		return eventMsg{ev: ev}
	}
}

// Update handles key input and core events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.KeyMsg:
		switch v.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			m.session.Disconnect()
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "quit" || line == "exit" {
				m.quitting = true
				m.session.Disconnect()
				return m, tea.Quit
			}
			if cmd, err := parseCommand(line); err != nil {
				m.lastErr = err.Error()
			} else if cmd != nil {
				m.lastErr = ""
				if err := m.session.Do(cmd); err != nil {
					m.lastErr = err.Error()
				}
			}
			return m, nil
		}
	case eventMsg:
		m.apply(v.ev)
		return m, m.waitEvent()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) apply(ev appevents.Event) {
	switch e := ev.(type) {
	case appevents.UpdateStatus:
		m.status = e.Status
		if e.Description != "" {
			m.status += ": " + e.Description
		}
		m.statusErr = e.Error
	case appevents.UpdatePort:
		m.port = e.Port
	case appevents.SocketFailed:
		m.status = e.Status + ": " + e.Description
		m.statusErr = true
	case appevents.Connected:
		m.connected = true
		m.transport = e.Transport
		m.peerKey = e.PeerFingerprint
	case appevents.Disconnected:
		m.connected = false
		m.transport = ""
	case appevents.FileUpdate:
		r, ok := m.rows[e.Hash]
		if !ok {
			r = &row{bar: progress.New(progress.WithDefaultGradient())}
			m.rows[e.Hash] = r
			m.order = append(m.order, e.Hash)
			sort.Strings(m.order)
		}
		r.update = e
	}
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "bye\n"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("rdrop"))
	b.WriteString("\n")

	addr := m.publicAddr
	if addr == "" {
		addr = "unknown"
	}
	b.WriteString(statusStyle.Render(fmt.Sprintf("public %s  port %d", addr, m.port)))
	b.WriteString("\n")

	style := statusStyle
	if m.statusErr {
		style = errorStyle
	}
	status := m.status
	if m.connected {
		status = fmt.Sprintf("connected via %s, peer key %s (compare out-of-band)", m.transport, m.peerKey)
	}
	b.WriteString(style.Render(status))
	b.WriteString("\n\n")

	for _, hash := range m.order {
		r := m.rows[hash]
		u := r.update
		dir := "recv"
		if u.IsSender {
			dir = "send"
		}
		name := runewidth.Truncate(u.Name, nameWidth, "…")
		name = runewidth.FillRight(name, nameWidth)
		b.WriteString(fmt.Sprintf("%s %s %-13s %s %s\n",
			dir, name, u.State,
			r.bar.ViewAs(u.Percent/100),
			hashStyle.Render(shortHash(u.Hash)),
		))
	}
	if len(m.order) == 0 {
		b.WriteString(statusStyle.Render("no transfers"))
		b.WriteString("\n")
	}

	if m.lastErr != "" {
		b.WriteString(errorStyle.Render(m.lastErr))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString(helpStyle.Render("\nesc to quit"))
	b.WriteString("\n")
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// parseCommand maps a typed line onto the core command set.
func parseCommand(line string) (appevents.Command, error) {
	if line == "" {
		return nil, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "connect":
		if len(fields) != 3 {
			return nil, fmt.Errorf("usage: connect <ip> <port>")
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("bad port %q", fields[2])
		}
		return appevents.Connect{IP: fields[1], Port: port}, nil
	case "disconnect":
		return appevents.Disconnect{}, nil
	case "offer":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: offer <path>")
		}
		return appevents.OfferFile{Path: fields[1]}, nil
	case "accept":
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("usage: accept <hash> [path]")
		}
		cmd := appevents.AcceptFile{Hash: fields[1]}
		if len(fields) == 3 {
			cmd.Path = fields[2]
		}
		return cmd, nil
	case "deny":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: deny <hash>")
		}
		return appevents.DenyFile{Hash: fields[1]}, nil
	case "stop":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: stop <hash>")
		}
		return appevents.StopFile{Hash: fields[1]}, nil
	case "open":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: open <path>")
		}
		return appevents.ShowInFolder{Path: fields[1]}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", fields[0])
	}
}
