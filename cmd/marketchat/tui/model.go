// Package tui is the terminal chat interface of marketchat.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/go-go-golems/marketchat/pkg/call"
	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/escrow"
	"github.com/go-go-golems/marketchat/pkg/notify"
	"github.com/go-go-golems/marketchat/pkg/signaling"
)

const requestTimeout = 15 * time.Second

type pane int

const (
	chatPane pane = iota
	inboxPane
	escrowPane
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
	ownStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5"))
	peerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#87D7FF"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	alertStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFAF00"))
	timestampFmt  = "15:04"
	helpLine      = "/call  /accept  /end  /mute  /camera  /retry  /copy  /history  /inbox  /escrow  /chat  /quit"
	severityStyle = map[string]lipgloss.Style{
		"error":   failedStyle,
		"warning": alertStyle,
	}
)

// Options configure a Model.
type Options struct {
	ConversationID string
	Participants   []string
	// Dashboard is optional; /escrow is unavailable without it.
	Dashboard *escrow.Dashboard
	Inbox     *notify.Inbox
	// Copy writes to the system clipboard. Defaults to clipboard.WriteAll.
	Copy func(string) error
}

type Model struct {
	backend Backend
	opts    Options
	me      string

	input    textinput.Model
	viewport viewport.Model
	ready    bool
	width    int
	height   int
	pane     pane

	messages   []chat.Message
	remote     map[string]bool
	callState  call.State
	incoming   bool
	connection signaling.State
	connErr    error
	unread     int
	escrow     *escrowMsg
	status     string
	lastInput  string
}

func New(backend Backend, opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Write a message, or /help"
	ti.CharLimit = 2000
	ti.Focus()
	if opts.Copy == nil {
		opts.Copy = clipboard.WriteAll
	}
	return Model{
		backend: backend,
		opts:    opts,
		me:      backend.UserID(),
		input:   ti,
		remote:  map[string]bool{},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.openConversation())
}

func (m Model) conv() string { return m.opts.ConversationID }

// do runs fn off the UI goroutine with a timeout; errors come back as errMsg.
func (m Model) do(fn func(ctx context.Context) (tea.Msg, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		msg, err := fn(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return msg
	}
}

func (m Model) openConversation() tea.Cmd {
	return m.do(func(ctx context.Context) (tea.Msg, error) {
		msgs, err := m.backend.Open(ctx, m.conv())
		if err != nil {
			return nil, err
		}
		n, err := m.backend.LoadHistory(ctx, m.conv())
		if err != nil {
			// the cached log is still usable
			return messagesMsg{conversationID: m.conv(), messages: msgs}, nil
		}
		return statusMsg(fmt.Sprintf("history loaded, %d new", n)), nil
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			m.lastInput = ""
			if line != "" {
				var cmd tea.Cmd
				m, cmd = m.submit(line)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vh := lo.Max([]int{msg.Height - 5, 3})
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vh)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, vh
		}
		m.input.Width = lo.Max([]int{msg.Width - 4, 10})

	case messagesMsg:
		if msg.conversationID == m.conv() {
			m.messages = msg.messages
		}
	case typingMsg:
		if msg.conversationID == m.conv() && msg.userID != m.me {
			if msg.typing {
				m.remote[msg.userID] = true
			} else {
				delete(m.remote, msg.userID)
			}
		}
	case callStateMsg:
		if msg.ConversationID == m.conv() {
			m.callState = call.State(msg)
			if m.callState.Status != call.Idle {
				m.incoming = false
			}
			if m.callState.Err != nil {
				m.status = "call: " + m.callState.Err.Error()
			}
		}
	case incomingCallMsg:
		if string(msg) == m.conv() {
			m.incoming = true
			m.status = "incoming call, /accept or /end"
		}
	case connectionMsg:
		m.connection, m.connErr = msg.state, msg.err
		if msg.state != signaling.StateOpen {
			m.remote = map[string]bool{}
		}
	case notificationMsg:
		m.unread++
		m.status = fmt.Sprintf("[%s] %s", msg.Category, msg.Message)
	case escrowMsg:
		m.escrow = &msg
	case statusMsg:
		m.status = string(msg)
	case errMsg:
		m.status = "error: " + describe(msg.err)
	}

	if km, ok := msg.(tea.KeyMsg); !ok || km.Type != tea.KeyEnter {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		if v := m.input.Value(); v != m.lastInput {
			m.lastInput = v
			if v != "" && !strings.HasPrefix(v, "/") {
				cmds = append(cmds, m.do(func(ctx context.Context) (tea.Msg, error) {
					return nil, m.backend.NotifyTyping(ctx, m.conv())
				}))
			}
		}
	}

	if m.ready {
		m.viewport.SetContent(m.renderPane())
		if m.pane == chatPane {
			m.viewport.GotoBottom()
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// submit handles one entered line: a slash command or a message.
func (m Model) submit(line string) (Model, tea.Cmd) {
	if !strings.HasPrefix(line, "/") {
		content := line
		return m, m.do(func(ctx context.Context) (tea.Msg, error) {
			_, err := m.backend.SendMessage(ctx, m.conv(), content)
			return nil, err
		})
	}

	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/q":
		return m, tea.Quit
	case "/help":
		m.status = helpLine
		return m, nil
	case "/chat":
		m.pane = chatPane
		return m, nil
	case "/inbox":
		m.pane = inboxPane
		m.unread = 0
		if m.opts.Inbox != nil {
			m.opts.Inbox.MarkAllRead()
		}
		return m, nil
	case "/escrow":
		if m.opts.Dashboard == nil {
			m.status = "escrow dashboard needs server.api_base_url"
			return m, nil
		}
		m.pane = escrowPane
		d := m.opts.Dashboard
		return m, m.do(func(ctx context.Context) (tea.Msg, error) {
			s, err := d.Refresh(ctx)
			return escrowMsg{snapshot: s, err: err}, nil
		})
	case "/history":
		return m, m.do(func(ctx context.Context) (tea.Msg, error) {
			n, err := m.backend.LoadHistory(ctx, m.conv())
			return statusMsg(fmt.Sprintf("history loaded, %d new", n)), err
		})
	case "/retry":
		failed, _, ok := lo.FindLastIndexOf(m.messages, func(msg chat.Message) bool { return msg.Status == chat.StatusFailed })
		if !ok {
			m.status = "nothing to retry"
			return m, nil
		}
		return m, m.do(func(ctx context.Context) (tea.Msg, error) {
			_, err := m.backend.RetrySend(ctx, m.conv(), failed.TempID)
			return statusMsg("retrying"), err
		})
	case "/copy":
		last, _, ok := lo.FindLastIndexOf(m.messages, func(msg chat.Message) bool { return msg.SenderID != m.me })
		if !ok {
			m.status = "nothing to copy"
			return m, nil
		}
		copyFn := m.opts.Copy
		return m, m.do(func(context.Context) (tea.Msg, error) {
			return statusMsg("copied message from " + last.SenderID), errors.Wrap(copyFn(last.Content), "copy to clipboard")
		})
	case "/call":
		participants := append([]string{m.me}, m.opts.Participants...)
		return m, m.do(func(ctx context.Context) (tea.Msg, error) {
			return statusMsg("calling"), m.backend.StartCall(ctx, m.conv(), participants...)
		})
	case "/accept":
		return m, m.do(func(ctx context.Context) (tea.Msg, error) {
			return statusMsg("call accepted"), m.backend.AcceptCall(ctx, m.conv())
		})
	case "/end":
		return m, m.do(func(ctx context.Context) (tea.Msg, error) {
			return statusMsg("call ended"), m.backend.EndCall(ctx, m.conv())
		})
	case "/mute":
		return m, m.do(func(ctx context.Context) (tea.Msg, error) {
			muted, err := m.backend.ToggleMute(ctx, m.conv())
			return statusMsg(lo.Ternary(muted, "muted", "unmuted")), err
		})
	case "/camera":
		return m, m.do(func(ctx context.Context) (tea.Msg, error) {
			on, err := m.backend.ToggleCamera(ctx, m.conv())
			return statusMsg(lo.Ternary(on, "camera on", "camera off")), err
		})
	}
	m.status = "unknown command " + fields[0] + ", try /help"
	return m, nil
}

func describe(err error) string {
	var timeout *chat.SendTimeoutError
	var media *call.MediaAccessError
	switch {
	case errors.As(err, &timeout):
		return "message not acknowledged, /retry to send again"
	case errors.As(err, &media) && media.PermissionDenied():
		return "microphone or camera permission denied"
	case errors.As(err, &media):
		return "no microphone or camera available"
	case errors.Is(err, chat.ErrCallsDisabled):
		return "calls are not available in this client"
	}
	return err.Error()
}

func (m Model) View() string {
	if !m.ready {
		return "connecting…"
	}
	header := headerStyle.Render(fmt.Sprintf("%s · %s", m.conv(), m.me))
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.statusLine(),
		m.input.View(),
	)
}

func (m Model) statusLine() string {
	parts := []string{m.connection.String()}
	if m.connErr != nil && m.connection != signaling.StateOpen {
		parts = append(parts, m.connErr.Error())
	}
	if st := m.callState.Status; st != call.Idle {
		c := "call " + st.String()
		if m.callState.Muted {
			c += " (muted)"
		}
		parts = append(parts, c)
	}
	if m.unread > 0 {
		parts = append(parts, fmt.Sprintf("%d new notifications", m.unread))
	}
	if typers := lo.Keys(m.remote); len(typers) > 0 {
		parts = append(parts, strings.Join(typers, ", ")+" typing…")
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	line := statusStyle.Render(strings.Join(parts, " · "))
	if m.incoming {
		line = alertStyle.Render("☎ ") + line
	}
	return line
}

func (m Model) renderPane() string {
	switch m.pane {
	case inboxPane:
		return m.renderInbox()
	case escrowPane:
		return m.renderEscrow()
	}
	return m.renderMessages()
}

func (m Model) renderMessages() string {
	if len(m.messages) == 0 {
		return pendingStyle.Render("No messages yet.")
	}
	var b strings.Builder
	for _, msg := range m.messages {
		who, style := msg.SenderID, peerStyle
		if msg.SenderID == m.me {
			who, style = "you", ownStyle
		}
		line := fmt.Sprintf("%s %s: %s", msg.SentAt.Local().Format(timestampFmt), who, msg.Content)
		switch msg.Status {
		case chat.StatusPending:
			line = pendingStyle.Render(line + " …")
		case chat.StatusFailed:
			line = failedStyle.Render(line + " ✗ failed")
		default:
			line = style.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderInbox() string {
	if m.opts.Inbox == nil {
		return pendingStyle.Render("No inbox.")
	}
	entries := m.opts.Inbox.Entries()
	if len(entries) == 0 {
		return pendingStyle.Render("No notifications.")
	}
	var b strings.Builder
	for _, e := range entries {
		style, ok := severityStyle[e.Severity]
		if !ok {
			style = statusStyle
		}
		b.WriteString(style.Render(fmt.Sprintf("%s [%s] %s", e.ReceivedAt.Local().Format(timestampFmt), e.Category, e.Message)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderEscrow() string {
	if m.escrow == nil {
		return pendingStyle.Render("Loading escrow transactions…")
	}
	if m.escrow.err != nil && len(m.escrow.snapshot.Transactions) == 0 {
		return failedStyle.Render("escrow: " + m.escrow.err.Error())
	}
	out, err := escrow.Render(escrow.Markdown(m.escrow.snapshot), m.width-2)
	if err != nil {
		return escrow.Markdown(m.escrow.snapshot)
	}
	return out
}
