// Package chatui is the terminal surface for a tideflow conversation.
package chatui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	tideflow "github.com/jeanjacintho/tide-flow-sub000"
)

// Thread is the part of *tideflow.Conversation the surface drives.
type Thread interface {
	View() tideflow.ConversationView
	Subscribe(fn func(tideflow.ConversationView)) func()
	Send(ctx context.Context, text string) (tideflow.Message, error)
	Restore(ctx context.Context) error
	Reset(ctx context.Context)
}

const (
	headerHeight = 1
	footerHeight = 3
	sendTimeout  = 2 * time.Minute
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33")).Render("you")
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("151"))
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("36")).Render("tide")
	pendingStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle      = lipgloss.NewStyle().Faint(true)
)

type viewChangedMsg struct{ view tideflow.ConversationView }

type sendDoneMsg struct{ err error }

type restoredMsg struct{ err error }

// Model implements tea.Model over a Thread.
type Model struct {
	thread  Thread
	events  chan tideflow.ConversationView
	cancel  func()
	input   textinput.Model
	history viewport.Model

	view  tideflow.ConversationView
	err   error
	ready bool
	width int
}

// NewModel subscribes to thread. Call Stop when the program exits.
func NewModel(thread Thread) Model {
	in := textinput.New()
	in.Placeholder = "Type a message"
	in.CharLimit = 4000
	in.Prompt = "> "
	in.Focus()

	events := make(chan tideflow.ConversationView, 16)
	cancel := thread.Subscribe(func(v tideflow.ConversationView) {
		select {
		case events <- v:
		default:
			// the model re-reads View on every delivered event
		}
	})

	return Model{
		thread: thread,
		events: events,
		cancel: cancel,
		input:  in,
		view:   thread.View(),
	}
}

// Stop detaches the model from the thread.
func (m Model) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.restore(), listen(m.events))
}

func listen(events <-chan tideflow.ConversationView) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-events
		if !ok {
			return nil
		}
		return viewChangedMsg{view: v}
	}
}

func (m Model) restore() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		return restoredMsg{err: m.thread.Restore(ctx)}
	}
}

func (m Model) send(text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_, err := m.thread.Send(ctx, text)
		return sendDoneMsg{err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := msg.Height - headerHeight - footerHeight
		if height < 1 {
			height = 1
		}
		if !m.ready {
			m.history = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.history.Width = msg.Width
			m.history.Height = height
		}
		m.input.Width = msg.Width - len(m.input.Prompt) - 1
		m.refresh()
		return m, nil

	case viewChangedMsg:
		m.view = m.thread.View()
		m.syncInput()
		m.refresh()
		return m, listen(m.events)

	case sendDoneMsg:
		m.err = msg.err
		m.view = m.thread.View()
		m.syncInput()
		m.refresh()
		return m, nil

	case restoredMsg:
		m.err = msg.err
		m.view = m.thread.View()
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlR:
			if m.view.Sending {
				return m, nil
			}
			m.thread.Reset(context.Background())
			m.err = nil
			m.view = m.thread.View()
			m.refresh()
			return m, nil
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.view.Sending {
				return m, nil
			}
			m.input.SetValue("")
			m.err = nil
			m.view.Sending = true
			m.syncInput()
			return m, m.send(text)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.history, cmd = m.history.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// syncInput disables typing while a reply is pending.
func (m *Model) syncInput() {
	if m.view.Sending {
		m.input.Blur()
		m.input.Placeholder = "Waiting for reply..."
		return
	}
	m.input.Placeholder = "Type a message"
	m.input.Focus()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.history.SetContent(renderMessages(m.view.Messages, m.width))
	m.history.GotoBottom()
}

func renderMessages(msgs []tideflow.Message, width int) string {
	if len(msgs) == 0 {
		return helpStyle.Render("No messages yet. Say hello.")
	}
	wrap := lipgloss.NewStyle().Width(width)
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		label, style := userLabel, userStyle
		if msg.Role == tideflow.RoleAssistant {
			label, style = assistantLabel, assistantStyle
		}
		if msg.Temporary() {
			style = pendingStyle
		}
		b.WriteString(label)
		b.WriteByte('\n')
		b.WriteString(wrap.Render(style.Render(msg.Content)))
	}
	return b.String()
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	title := "Tide Flow | new conversation"
	if m.view.ID != "" {
		title = "Tide Flow | conversation " + m.view.ID
	}

	status := helpStyle.Render("enter send | ctrl+r new conversation | esc quit")
	switch {
	case m.err != nil:
		status = errorStyle.Render(tideflow.UserMessage(m.err))
	case m.view.Sending:
		status = helpStyle.Render("sending...")
	}

	return strings.Join([]string{
		headerStyle.Render(title),
		m.history.View(),
		status,
		m.input.View(),
	}, "\n")
}
