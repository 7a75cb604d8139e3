// Package tui is the terminal UI's external-collaborator contract: it holds
// a shared handle to a Session, toggles pause, triggers cancellation, and
// triggers a JSON export. Rendering and key-handling policy beyond that
// contract are out of scope for the core; this is a thin, genuinely wired
// driver rather than the full table/sparkline/help subsystem the teacher's
// internal/tui implements.
//
// Grounded on internal/tui/tui.go's Model/Init/Update/View shape and its
// key-matching idiom (github.com/charmbracelet/bubbles/key), reduced to the
// UI contract in spec §6.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basn/ttl/internal/export"
	"github.com/basn/ttl/internal/session"
)

// refreshInterval is how often the view redraws to pick up changes the
// engine and enrichment workers made to the session.
const refreshInterval = 250 * time.Millisecond

type keyMap struct {
	Pause  key.Binding
	Export key.Binding
	Quit   key.Binding
}

var defaultKeyMap = keyMap{
	Pause:  key.NewBinding(key.WithKeys(" ", "p"), key.WithHelp("space/p", "pause")),
	Export: key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "export")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type tickMsg struct{}

// Model is the minimal bubbletea model driving one session.
type Model struct {
	sess   *session.Session
	cancel context.CancelFunc

	lastExport string
	lastErr    error
}

// New creates a Model over sess. cancel is invoked when the user quits,
// firing the shared cancellation token the rest of the core selects on.
func New(sess *session.Session, cancel context.CancelFunc) *Model {
	return &Model{sess: sess, cancel: cancel}
}

// Init starts the periodic refresh.
func (m *Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// Update handles key presses and the refresh tick.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, defaultKeyMap.Pause):
			m.togglePause()
		case key.Matches(msg, defaultKeyMap.Export):
			m.export()
		case key.Matches(msg, defaultKeyMap.Quit):
			m.cancel()
			return m, tea.Quit
		}
	case tickMsg:
		return m, tick()
	}
	return m, nil
}

func (m *Model) togglePause() {
	m.sess.Lock()
	defer m.sess.Unlock()
	m.sess.Paused = !m.sess.Paused
}

func (m *Model) export() {
	name, err := export.ToFile(m.sess, time.Now())
	m.lastExport, m.lastErr = name, err
}

// View renders a minimal status line. Full table/sparkline rendering is an
// out-of-scope external collaborator.
func (m *Model) View() string {
	m.sess.RLock()
	defer m.sess.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", m.sess.Target.Original, m.sess.Target.Resolved)
	if m.sess.Paused {
		b.WriteString(" [paused]")
	}
	if m.sess.Complete {
		b.WriteString(" [complete]")
	}
	fmt.Fprintf(&b, "\n%d hops, %d probes sent\n", len(m.sess.Hops), m.sess.TotalSent)
	for _, h := range m.sess.Hops {
		if h.Sent == 0 {
			continue
		}
		name := "*"
		if h.Primary != nil {
			if rs := h.Responders[*h.Primary]; rs != nil {
				name = rs.IP.String()
				if rs.Hostname != "" {
					name = rs.Hostname
				}
			}
		}
		fmt.Fprintf(&b, "%3d  %-32s  loss=%.0f%%  rtt=%s\n", h.TTL, name, h.LossPct(), primaryRTT(h))
	}

	if m.lastErr != nil {
		fmt.Fprintf(&b, "\nexport failed: %v\n", m.lastErr)
	} else if m.lastExport != "" {
		fmt.Fprintf(&b, "\nexported to %s\n", m.lastExport)
	}

	b.WriteString("\n" + helpLine())
	return lipgloss.NewStyle().Render(b.String())
}

func primaryRTT(h *session.Hop) string {
	if h.Primary == nil {
		return "-"
	}
	rs := h.Responders[*h.Primary]
	if rs == nil || rs.Received == 0 {
		return "-"
	}
	return rs.MeanRTT().String()
}

func helpLine() string {
	return "space/p pause  e export  q quit"
}
