// Package browser is a two-pane TUI over the local message store: stored
// conversations on the left, the selected transcript on the right and a
// detail modal with entry ids and delivery status.
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/persistence/chatstore"
)

const (
	listWidth = 48

	// MessageLimit caps how many entries of a conversation are loaded.
	MessageLimit = 500
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2).Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	infoTitleStyle  = lipgloss.NewStyle().Bold(true).Underline(true).MarginBottom(1).Foreground(lipgloss.Color("#FFFDF5"))
	infoKeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	infoValueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5"))
	ownStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	peerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	failedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	pane = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2)

	noSelectionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Align(lipgloss.Center).
				PaddingTop(2)

	modalStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(1, 3)

	modalTitleStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1).
			Bold(true)

	modalHelpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Padding(1, 0)
)

const (
	normalMode = iota
	modalMode
)

type conversationItem struct {
	rec chatstore.ConversationRecord
}

func (c conversationItem) Title() string { return c.rec.ConvID }

func (c conversationItem) Description() string {
	return fmt.Sprintf("%d messages, last %s", c.rec.MessageCount,
		time.UnixMilli(c.rec.LastActivityMs).Format("2006-01-02 15:04"))
}

func (c conversationItem) FilterValue() string { return c.rec.ConvID }

// Reader is the part of the message store the browser needs.
type Reader interface {
	List(ctx context.Context, convID string, limit int) ([]chatstore.MessageRecord, error)
}

type loadedMsg struct {
	convID  string
	records []chatstore.MessageRecord
	err     error
}

type Model struct {
	list     list.Model
	viewport viewport.Model
	modal    viewport.Model
	store    Reader
	userID   string

	selected string
	records  []chatstore.MessageRecord
	err      error

	mode          int
	ready         bool
	width, height int
}

func New(conversations []chatstore.ConversationRecord, store Reader, userID string) Model {
	items := make([]list.Item, 0, len(conversations))
	for _, c := range conversations {
		items = append(items, conversationItem{rec: c})
	}
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Conversations"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)

	m := Model{list: l, store: store, userID: userID}
	if it, ok := l.SelectedItem().(conversationItem); ok {
		m.selected = it.rec.ConvID
	}
	return m
}

// Selected is the conversation highlighted when the browser exited.
func (m Model) Selected() string { return m.selected }

func (m Model) Init() tea.Cmd {
	if m.selected == "" {
		return nil
	}
	return m.load(m.selected)
}

func (m Model) load(convID string) tea.Cmd {
	store := m.store
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		recs, err := store.List(ctx, convID, MessageLimit)
		return loadedMsg{convID: convID, records: recs, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.mode == modalMode {
			switch msg.String() {
			case "esc", "enter", "backspace":
				m.mode = normalMode
				return m, nil
			}
			var cmd tea.Cmd
			m.modal, cmd = m.modal.Update(msg)
			return m, cmd
		}
		if msg.String() == "enter" && m.selected != "" {
			m.mode = modalMode
			m.modal.SetContent(formatDetailed(m.selected, m.records))
			m.modal.GotoTop()
			return m, nil
		}

		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		cmds = append(cmds, cmd)
		if it, ok := m.list.SelectedItem().(conversationItem); ok && it.rec.ConvID != m.selected {
			m.selected = it.rec.ConvID
			m.records = nil
			m.viewport.SetContent("loading...")
			cmds = append(cmds, m.load(m.selected))
		}

	case loadedMsg:
		if msg.convID != m.selected {
			return m, nil
		}
		m.err = msg.err
		m.records = msg.records
		m.viewport.SetContent(formatTranscript(m.records, m.userID))
		m.viewport.GotoBottom()
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.list.SetSize(listWidth, m.height-4)
		if !m.ready {
			m.viewport = viewport.New(m.infoWidth(), m.height-6)
			m.modal = viewport.New(m.width-28, m.height-16)
			m.viewport.SetContent(formatTranscript(m.records, m.userID))
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = m.infoWidth(), m.height-6
			m.modal.Width, m.modal.Height = m.width-28, m.height-16
		}
	}

	if m.mode == normalMode {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) infoWidth() int {
	return max(m.width-listWidth-10, 10)
}

func (m Model) baseView() string {
	left := pane.Width(listWidth).Render(m.list.View())
	var right string
	switch {
	case m.err != nil:
		right = failedStyle.Render("Error: " + m.err.Error())
	case m.selected == "":
		right = noSelectionStyle.Render("No stored conversations")
	default:
		right = m.viewport.View()
	}
	right = pane.Width(m.infoWidth()).Height(m.height - 4).Render(right)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	if m.mode != modalMode {
		return m.baseView()
	}
	box := modalStyle.Width(m.width - 20).Render(lipgloss.JoinVertical(
		lipgloss.Left,
		modalTitleStyle.Render(" Entry Details "),
		m.modal.View(),
		modalHelpStyle.Render("Press ESC or Enter to close"),
	))
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func formatTranscript(records []chatstore.MessageRecord, userID string) string {
	if len(records) == 0 {
		return noSelectionStyle.Render("No messages")
	}
	var sb strings.Builder
	for _, r := range records {
		who := peerStyle.Render(r.SenderID)
		if r.SenderID == userID {
			who = ownStyle.Render("me")
		}
		fmt.Fprintf(&sb, "%s %s: %s", time.UnixMilli(r.SentAtMs).Format("15:04"), who, r.Content)
		if s := chat.Status(r.Status); s == chat.StatusFailed || s == chat.StatusPending {
			sb.WriteString(" " + failedStyle.Render("["+r.Status+"]"))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatDetailed(convID string, records []chatstore.MessageRecord) string {
	var sb strings.Builder
	sb.WriteString(infoTitleStyle.Render(convID))
	sb.WriteString("\n\n")
	for _, r := range records {
		kv := func(k, v string) {
			if v == "" {
				return
			}
			sb.WriteString(infoKeyStyle.Render(k + ": "))
			sb.WriteString(infoValueStyle.Render(v))
			sb.WriteString("\n")
		}
		kv("position", fmt.Sprint(r.Position))
		kv("id", r.ID)
		kv("temp id", r.TempID)
		kv("sender", r.SenderID)
		kv("sent", time.UnixMilli(r.SentAtMs).Format(time.RFC1123))
		kv("status", r.Status)
		kv("content", r.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
