package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gen2brain/beeep"

	"lanchat/internal/config"
	"lanchat/internal/networking"
)

const (
	stateNormal = iota
	stateWriting
	stateAdding
)

// --- Messages ---
type tickMsg time.Time
type dialResultMsg struct {
	addr string
	conn *networking.Connection
	err  error
}

// item implements list.Item for one registry entry
type item struct {
	title, desc string
	alive       bool
}

func (i item) Title() string {
	if !i.alive {
		return i.title + " (disconnected)"
	}
	return i.title
}
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.title }

type styles struct {
	frame      lipgloss.Style
	selected   lipgloss.Style
	unselected lipgloss.Style
	localName  lipgloss.Style
	remoteName lipgloss.Style
	time       lipgloss.Style
	text       lipgloss.Style
	err        lipgloss.Style
}

func newStyles(c config.UISection) styles {
	return styles{
		frame:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
		selected:   lipgloss.NewStyle().Foreground(lipgloss.Color(c.SelectedColor)),
		unselected: lipgloss.NewStyle().Foreground(lipgloss.Color(c.UnselectedColor)),
		localName:  lipgloss.NewStyle().Foreground(lipgloss.Color(c.LocalNameColor)).Bold(true),
		remoteName: lipgloss.NewStyle().Foreground(lipgloss.Color(c.RemoteNameColor)).Bold(true),
		time:       lipgloss.NewStyle().Foreground(lipgloss.Color(c.TimeColor)).Italic(true),
		text:       lipgloss.NewStyle().Foreground(lipgloss.Color(c.TextColor)),
		err:        lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// --- Model ---
type model struct {
	state      int
	list       list.Model
	textInput  textinput.Model
	addInput   textinput.Model
	viewport   viewport.Model
	listener   *networking.Listener
	registry   *networking.Registry
	cfg        config.Config
	styles     styles
	lastStatus string
	width      int
	height     int
}

func initialModel(cfg config.Config, listener *networking.Listener, registry *networking.Registry) model {
	st := newStyles(cfg.UI)

	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.Foreground(st.selected.GetForeground()).BorderForeground(st.selected.GetForeground())
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.Foreground(st.selected.GetForeground()).BorderForeground(st.selected.GetForeground())
	delegate.Styles.NormalTitle = delegate.Styles.NormalTitle.Foreground(st.unselected.GetForeground())

	l := list.New([]list.Item{}, delegate, 0, 0)
	// 'q' and '/' belong to us, not the list
	l.KeyMap.Quit.SetKeys()
	l.SetFilteringEnabled(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetShowTitle(false)

	ti := textinput.New()
	ti.Placeholder = "Message"

	ai := textinput.New()
	ai.Placeholder = "host:port"
	ai.SetValue(listener.Addr())

	return model{
		state:     stateNormal,
		list:      l,
		textInput: ti,
		addInput:  ai,
		viewport:  viewport.New(0, 0),
		listener:  listener,
		registry:  registry,
		cfg:       cfg,
		styles:    st,
	}
}

func (m model) Init() tea.Cmd {
	return m.tick()
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.cfg.UI.PollInterval.Duration, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// --- Update ---
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m.quit()
		}
		switch m.state {
		case stateWriting:
			return m.updateWriting(msg)
		case stateAdding:
			return m.updateAdding(msg)
		default:
			return m.updateNormal(msg)
		}

	case tickMsg:
		if n := m.registry.Accept(m.listener); n > 0 {
			debugLog.Printf("Accepted %d pending connection(s)", n)
		}
		m.refresh()
		return m, m.tick()

	case dialResultMsg:
		if msg.err != nil {
			m.lastStatus = "Connect failed: " + msg.err.Error()
			return m, nil
		}
		m.lastStatus = "Connected to " + msg.addr
		m.state = stateNormal
		m.addInput.Blur()
		m.refresh()
		m.list.Select(m.registry.Len() - 1)
		m.refresh()
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeComponents()
		m.refresh()
		return m, nil
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) updateNormal(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg.String() {
	case "esc", "q":
		return m.quit()
	case "a":
		m.state = stateAdding
		cmd = m.addInput.Focus()
		return m, cmd
	case "c":
		m.textInput.Reset()
		return m, nil
	case "d":
		if c := m.selected(); c != nil {
			c.Disconnect()
			m.lastStatus = "Disconnected " + c.Name()
			m.refresh()
		}
		return m, nil
	case "i", "tab", "enter":
		if m.selected() == nil {
			return m, nil
		}
		m.state = stateWriting
		m.resizeComponents()
		cmd = m.textInput.Focus()
		return m, cmd
	}

	m.list, cmd = m.list.Update(msg)
	m.refresh()
	return m, cmd
}

func (m model) updateWriting(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg.String() {
	case "esc":
		m.state = stateNormal
		m.textInput.Blur()
		m.resizeComponents()
		return m, nil
	case "enter":
		text := m.textInput.Value()
		c := m.selected()
		if text == "" || c == nil {
			return m, nil
		}
		// Sends block the UI until the write returns.
		if err := c.Send(text, networking.KindText); err != nil {
			debugLog.Printf("Send failed: %v", err)
		}
		m.textInput.Reset()
		m.refresh()
		return m, nil
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m model) updateAdding(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg.String() {
	case "esc":
		m.state = stateNormal
		m.addInput.Blur()
		return m, nil
	case "enter":
		addr := strings.TrimSpace(m.addInput.Value())
		if addr == "" {
			return m, nil
		}
		m.lastStatus = "Connecting to " + addr + "..."
		return m, m.dialCmd(addr)
	}

	m.addInput, cmd = m.addInput.Update(msg)
	return m, cmd
}

func (m model) dialCmd(addr string) tea.Cmd {
	registry := m.registry
	timeout := m.cfg.Network.DialTimeout.Duration
	return func() tea.Msg {
		conn, err := registry.Dial(context.Background(), addr, timeout)
		return dialResultMsg{addr: addr, conn: conn, err: err}
	}
}

func (m model) quit() (tea.Model, tea.Cmd) {
	m.registry.CloseAll()
	return m, tea.Quit
}

func (m model) selected() *networking.Connection {
	if m.registry.Len() == 0 {
		return nil
	}
	return m.registry.At(m.list.Index())
}

// refresh rebuilds the connection list and the history of the selected peer.
func (m *model) refresh() {
	conns := m.registry.Snapshot()
	items := make([]list.Item, len(conns))
	for i, c := range conns {
		items[i] = item{title: c.Name(), desc: c.RemoteAddr(), alive: c.Alive()}
	}
	m.list.SetItems(items)

	c := m.selected()
	if c == nil {
		m.viewport.SetContent("")
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderHistory(c.Messages()))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m model) renderHistory(msgs []networking.Message) string {
	lines := make([]string, len(msgs))
	for i, msg := range msgs {
		lines[i] = m.renderMessage(msg)
	}
	return strings.Join(lines, "\n")
}

func (m model) renderMessage(msg networking.Message) string {
	nameStyle := m.styles.remoteName
	if msg.IsLocal() {
		nameStyle = m.styles.localName
	}
	textStyle := m.styles.text
	content := msg.Content
	switch msg.Kind {
	case networking.KindError:
		textStyle = m.styles.err
	case networking.KindNameChange:
		textStyle = m.styles.time
		content = "announced name " + content
	case networking.KindEncryption:
		textStyle = m.styles.time
		content = "sent encryption frame"
	}
	return fmt.Sprintf("%s %s %s",
		m.styles.time.Render("["+msg.Time.Format("15:04:05")+"]"),
		nameStyle.Render(msg.SenderName+":"),
		textStyle.Render(content))
}

func (m *model) resizeComponents() {
	if m.width == 0 || m.height == 0 {
		return
	}

	listWidth := m.width * 30 / 100
	if m.state == stateWriting {
		listWidth = m.width * 15 / 100
	}
	rightWidth := m.width - listWidth

	// Title takes 3 lines (1 text + 2 border), every box adds 2 border rows
	// and 4 columns of border + padding.
	m.list.SetSize(max(listWidth-4, 0), max(m.height-5, 0))

	m.viewport.Width = max(rightWidth-4, 0)
	m.viewport.Height = max(m.height-3-2-3, 0)
	m.viewport.GotoBottom()

	m.textInput.Width = max(rightWidth-6, 0)
	m.addInput.Width = max(m.width*60/100-6, 0)
}

// --- View ---
func (m model) View() string {
	if m.width == 0 {
		return "Starting..."
	}

	titleText := fmt.Sprintf("Listening on %s | (a) Add (i) Write (d) Disconnect (q) Quit", m.listener.Addr())
	if m.lastStatus != "" {
		titleText += " | " + m.lastStatus
	}
	title := m.styles.frame.Width(m.width - 2).Render(titleText)

	listWidth := m.width * 30 / 100
	if m.state == stateWriting {
		listWidth = m.width * 15 / 100
	}
	rightWidth := m.width - listWidth

	listStyle := m.styles.frame.BorderForeground(m.styles.unselected.GetForeground())
	if m.state == stateNormal {
		listStyle = listStyle.BorderForeground(m.styles.selected.GetForeground())
	}
	left := listStyle.Width(listWidth - 2).Render(m.list.View())

	inputStyle := m.styles.frame.BorderForeground(m.styles.unselected.GetForeground())
	if m.state == stateWriting {
		inputStyle = inputStyle.BorderForeground(m.styles.selected.GetForeground())
	}
	history := m.styles.frame.Width(rightWidth - 2).Render(m.viewport.View())
	input := inputStyle.Width(rightWidth - 2).Render(m.textInput.View())
	right := lipgloss.JoinVertical(lipgloss.Left, history, input)

	screen := lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinHorizontal(lipgloss.Top, left, right))
	if m.state != stateAdding {
		return screen
	}

	popup := m.styles.frame.
		BorderForeground(m.styles.selected.GetForeground()).
		Width(m.width * 60 / 100).
		Render("Connect to (enter to dial, esc to cancel)\n" + m.addInput.View())
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, popup)
}

var notify = beeep.Notify

// notifyIncoming raises a desktop notification for a remote text message.
// It runs on the connection's read loop, so the notification itself is sent
// from its own goroutine.
func notifyIncoming(c *networking.Connection, msg networking.Message) {
	if msg.Kind != networking.KindText {
		return
	}
	go func() {
		if err := notify("lanchat: "+msg.SenderName, msg.Content, ""); err != nil {
			debugLog.Printf("Notification failed: %v", err)
		}
	}()
}
