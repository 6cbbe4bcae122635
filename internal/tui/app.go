package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/levelup-chat/levelup/internal/client"
	"github.com/levelup-chat/levelup/internal/models"
)

// FocusArea represents which area of the UI has focus
type FocusArea int

const (
	FocusInput FocusArea = iota
	FocusChat
)

// App is the terminal shell around the sync layer. It exists to
// exercise the full client surface interactively: rooms, history
// paging, live messages, presence, and AI sessions.
type App struct {
	width  int
	height int
	focus  FocusArea

	manager  *client.Manager
	gate     *client.Gatekeeper
	sync     *client.Synchronizer
	ai       *client.AIChat
	presence *client.Presence
	logger   *slog.Logger

	room          models.RoomRef
	roomFeed      <-chan client.RoomSubscription
	historyLoaded bool
	lifecycle     <-chan client.LifecycleEvent
	lifeCancel    func()
	typingFeed    chan typingMsg

	aiSession *client.ChatSession

	input        textinput.Model
	chatViewport viewport.Model
	ready        bool

	statusMessage string
	statusError   bool
	typingUsers   map[string]time.Time
}

type (
	lifecycleMsg  client.LifecycleEvent
	roomMsg       client.RoomSubscription
	syncMsg       struct{}
	aiMsg         struct{}
	typingMsg     client.TypingEvent
	typingTickMsg struct{}
)

var (
	styleStatus = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleAuthor = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	styleAI     = lipgloss.NewStyle().Foreground(lipgloss.Color("135"))
	styleSystem = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	styleTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
)

// Deps are the wired client services the App renders.
type Deps struct {
	Manager  *client.Manager
	Gate     *client.Gatekeeper
	Sync     *client.Synchronizer
	AI       *client.AIChat
	Presence *client.Presence
	Logger   *slog.Logger
}

// NewApp creates the application model.
func NewApp(deps Deps) *App {
	input := textinput.New()
	input.Placeholder = "Type a message, or /help"
	input.CharLimit = 2000
	input.Width = 50
	input.Focus()

	a := &App{
		manager:     deps.Manager,
		gate:        deps.Gate,
		sync:        deps.Sync,
		ai:          deps.AI,
		presence:    deps.Presence,
		logger:      deps.Logger,
		input:       input,
		typingFeed:  make(chan typingMsg, 16),
		typingUsers: make(map[string]time.Time),
	}

	a.lifecycle, a.lifeCancel = deps.Manager.Subscribe()
	deps.Presence.OnTyping(func(ev client.TypingEvent) {
		select {
		case a.typingFeed <- typingMsg(ev):
		default:
		}
	})

	return a
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.waitLifecycle(),
		a.waitSync(),
		a.waitTyping(),
		typingTick(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case lifecycleMsg:
		a.applyLifecycle(client.LifecycleEvent(msg))
		return a, a.waitLifecycle()

	case roomMsg:
		a.applyRoomUpdate(client.RoomSubscription(msg))
		return a, a.waitRoom()

	case syncMsg:
		a.refreshChat()
		return a, a.waitSync()

	case aiMsg:
		a.refreshChat()
		cmd := a.waitAI()
		if a.aiSession != nil && a.aiSession.State() == client.SessionErrored {
			a.setError(a.aiSession.Err().Error())
		}
		return a, cmd

	case typingMsg:
		if msg.IsTyping && msg.UserName != "" {
			a.typingUsers[msg.UserName] = time.Now()
		} else {
			delete(a.typingUsers, msg.UserName)
		}
		return a, a.waitTyping()

	case typingTickMsg:
		for name, seen := range a.typingUsers {
			if time.Since(seen) > 4*time.Second {
				delete(a.typingUsers, name)
			}
		}
		return a, typingTick()
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		a.shutdown()
		return a, tea.Quit
	case "tab":
		if a.focus == FocusInput {
			a.focus = FocusChat
			a.input.Blur()
		} else {
			a.focus = FocusInput
			a.input.Focus()
		}
		return a, nil
	case "enter":
		if a.focus == FocusInput {
			text := strings.TrimSpace(a.input.Value())
			a.input.SetValue("")
			return a, a.submit(text)
		}
	case "pgup":
		if !a.sync.Room().IsZero() && a.sync.HasMore() {
			go func() {
				if err := a.sync.LoadMore(context.Background()); err != nil {
					a.logger.Warn("load more failed", "error", err)
				}
			}()
		}
	}

	var cmd tea.Cmd
	if a.focus == FocusInput {
		a.input, cmd = a.input.Update(msg)
		if a.input.Value() != "" && !a.sync.Room().IsZero() {
			a.presence.SendTyping(a.sync.Room().ID, true)
		}
	} else {
		a.chatViewport, cmd = a.chatViewport.Update(msg)
	}
	return a, cmd
}

// submit interprets one line of input: commands start with a slash,
// everything else is a chat message for the active room.
func (a *App) submit(text string) tea.Cmd {
	if text == "" {
		return nil
	}
	if !strings.HasPrefix(text, "/") {
		if err := a.sync.SendMessage(text); err != nil {
			a.setError(err.Error())
		}
		return nil
	}

	fields := strings.Fields(text)
	switch fields[0] {
	case "/help":
		a.setStatus("commands: /join community|clan <id>, /leave, /more, /ai <prompt>, /cancel, /quit")
	case "/join":
		if len(fields) != 3 {
			a.setError("usage: /join community|clan <room-id>")
			return nil
		}
		kind := models.RoomKind(fields[1])
		if !kind.Valid() {
			a.setError(fmt.Sprintf("unknown room kind %q", fields[1]))
			return nil
		}
		return a.joinRoom(models.RoomRef{Kind: kind, ID: fields[2]})
	case "/leave":
		if !a.room.IsZero() {
			a.gate.ReleaseRoom(a.room)
			a.room = models.RoomRef{}
			a.roomFeed = nil
			a.historyLoaded = false
			a.sync.EnterRoom(models.RoomRef{})
			a.setStatus("left room")
		}
	case "/more":
		go func() {
			if err := a.sync.LoadMore(context.Background()); err != nil {
				a.logger.Warn("load more failed", "error", err)
			}
		}()
	case "/ai":
		prompt := strings.TrimSpace(strings.TrimPrefix(text, "/ai"))
		return a.startAI(prompt)
	case "/cancel":
		if a.aiSession != nil {
			if err := a.aiSession.Cancel(); err != nil {
				a.setError(err.Error())
			}
		}
	case "/quit":
		a.shutdown()
		return tea.Quit
	default:
		a.setError(fmt.Sprintf("unknown command %s", fields[0]))
	}
	return nil
}

// joinRoom requests access and makes the room active. The history
// fetch waits for the Granted decision in applyRoomUpdate; a denied
// room never touches the history service.
func (a *App) joinRoom(room models.RoomRef) tea.Cmd {
	if !a.room.IsZero() {
		a.gate.ReleaseRoom(a.room)
	}
	a.room = room
	a.roomFeed = a.gate.RequestRoom(room)
	a.historyLoaded = false
	a.sync.EnterRoom(room)
	a.setStatus(fmt.Sprintf("requesting %s", room.String()))
	return a.waitRoom()
}

func (a *App) startAI(prompt string) tea.Cmd {
	if prompt == "" {
		a.setError("usage: /ai <prompt>")
		return nil
	}

	var history []models.ChatTurn
	if a.aiSession != nil {
		history = a.aiSession.History()
		a.ai.ReleaseSession(a.aiSession)
	}
	a.aiSession = a.ai.NewSession()
	if err := a.aiSession.Start(prompt, history); err != nil {
		a.setError(err.Error())
		return nil
	}
	a.setStatus("assistant thinking")
	return a.waitAI()
}

func (a *App) applyLifecycle(ev client.LifecycleEvent) {
	switch ev.Kind {
	case client.LifecycleConnected:
		a.setStatus("connected")
	case client.LifecycleDisconnected:
		if ev.Err != nil {
			a.setError("connection lost, reconnecting")
		} else {
			a.setStatus("disconnected")
		}
	case client.LifecycleReconnected:
		a.setStatus("reconnected")
	case client.LifecycleReconnectFailed:
		a.setError("reconnection failed, use /quit and restart")
	}
}

func (a *App) applyRoomUpdate(sub client.RoomSubscription) {
	switch sub.Access {
	case client.AccessChecking:
		a.setStatus(fmt.Sprintf("checking access to %s", sub.Room.String()))
	case client.AccessGranted:
		if sub.Joined {
			a.setStatus(fmt.Sprintf("joined %s", sub.Room.String()))
		}
		if sub.Room == a.room && !a.historyLoaded {
			a.historyLoaded = true
			go func(room models.RoomRef) {
				if err := a.sync.LoadFirstPage(context.Background()); err != nil {
					a.logger.Warn("history load failed", "room", room.String(), "error", err)
				}
			}(sub.Room)
		}
	case client.AccessDenied:
		a.setError(fmt.Sprintf("access to %s denied: %s", sub.Room.String(), sub.Reason))
	}
}

func (a *App) refreshChat() {
	if !a.ready {
		return
	}
	a.chatViewport.SetContent(a.renderMessages())
	a.chatViewport.GotoBottom()
}

func (a *App) renderMessages() string {
	var b strings.Builder
	for _, msg := range a.sync.Snapshot() {
		b.WriteString(styleAuthor.Render(msg.AuthorName))
		b.WriteString(styleSystem.Render(" " + msg.CreatedAt.Local().Format("15:04")))
		b.WriteString("\n")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	if a.aiSession != nil {
		transcript := a.aiSession.Transcript()
		switch a.aiSession.State() {
		case client.SessionAwaitingTokenCheck:
			b.WriteString(styleAI.Render("assistant: ..."))
		case client.SessionStreaming, client.SessionCompleted:
			if transcript != "" {
				b.WriteString(styleAI.Render("assistant: " + transcript))
			}
		case client.SessionCancelled:
			b.WriteString(styleSystem.Render("assistant response cancelled"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// View implements tea.Model
func (a *App) View() string {
	if !a.ready {
		return "loading..."
	}

	title := styleTitle.Render("LevelUp Chat")
	if !a.room.IsZero() {
		title += styleSystem.Render("  " + a.room.String())
	}
	if balance, known := a.ai.Balance(); known {
		title += styleSystem.Render(fmt.Sprintf("  tokens: %d", balance.CurrentTokens))
	}

	status := a.statusMessage
	style := styleStatus
	if a.statusError {
		style = styleError
	}
	if names := a.typingNames(); names != "" {
		status = names + " typing... " + status
	}
	statusLine := style.Render(status)

	return fmt.Sprintf("%s\n%s\n%s\n%s", title, a.chatViewport.View(), a.input.View(), statusLine)
}

func (a *App) typingNames() string {
	if len(a.typingUsers) == 0 {
		return ""
	}
	names := make([]string, 0, len(a.typingUsers))
	for name := range a.typingUsers {
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

func (a *App) resize() {
	height := a.height - 4
	if height < 3 {
		height = 3
	}
	if !a.ready {
		a.chatViewport = viewport.New(a.width, height)
		a.ready = true
	} else {
		a.chatViewport.Width = a.width
		a.chatViewport.Height = height
	}
	a.input.Width = a.width - 4
	a.refreshChat()
}

func (a *App) setStatus(text string) {
	a.statusMessage = text
	a.statusError = false
}

func (a *App) setError(text string) {
	a.statusMessage = text
	a.statusError = true
}

func (a *App) shutdown() {
	if !a.room.IsZero() {
		a.gate.ReleaseRoom(a.room)
	}
	a.lifeCancel()
	a.manager.Disconnect()
}

func (a *App) waitLifecycle() tea.Cmd {
	ch := a.lifecycle
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return lifecycleMsg(ev)
	}
}

func (a *App) waitRoom() tea.Cmd {
	ch := a.roomFeed
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		sub, ok := <-ch
		if !ok {
			return nil
		}
		return roomMsg(sub)
	}
}

func (a *App) waitSync() tea.Cmd {
	ch := a.sync.Updates()
	return func() tea.Msg {
		<-ch
		return syncMsg{}
	}
}

func (a *App) waitAI() tea.Cmd {
	if a.aiSession == nil {
		return nil
	}
	ch := a.aiSession.Updates()
	return func() tea.Msg {
		<-ch
		return aiMsg{}
	}
}

func (a *App) waitTyping() tea.Cmd {
	ch := a.typingFeed
	return func() tea.Msg {
		return <-ch
	}
}

func typingTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return typingTickMsg{}
	})
}
