package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/levelup-chat/levelup/internal/clock"
	"github.com/levelup-chat/levelup/internal/identity"
	"github.com/levelup-chat/levelup/internal/protocol"
)

// State represents the state of the push channel
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// LifecycleKind identifies a connection lifecycle transition.
type LifecycleKind int

const (
	LifecycleConnected LifecycleKind = iota
	LifecycleDisconnected
	LifecycleReconnected
	LifecycleReconnectFailed
)

// LifecycleEvent is fanned out to subscribers on every transition.
// Err is set for transitions caused by a transport failure.
type LifecycleEvent struct {
	Kind LifecycleKind
	Err  error
}

// EventHandler receives the raw payload of one inbound event. Handlers
// run sequentially on the dispatch goroutine; they must not block.
type EventHandler func(data json.RawMessage)

var (
	// ErrNotConnected is returned for outbound sends while the channel
	// is down. Sends are rejected, never silently dropped or queued.
	ErrNotConnected = errors.New("push channel not connected")

	// ErrSendBufferFull is returned when the outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrIdentityBound is returned by Connect when the channel is
	// already up under a different identity. Disconnect first.
	ErrIdentityBound = errors.New("already connected with a different identity")

	// ErrConnectAborted is returned when Disconnect races a dial.
	ErrConnectAborted = errors.New("connect aborted")
)

// ManagerConfig configures a Manager. Zero-valued optional fields get
// defaults.
type ManagerConfig struct {
	// GatewayURL is the push channel endpoint. Required.
	GatewayURL string
	// Transport dials the channel. Nil means websocket.
	Transport Transport
	// Strategy bounds automatic reconnection. Nil means the default
	// five-attempt capped backoff.
	Strategy *ReconnectStrategy
	// Clock drives backoff delays. Nil means real time.
	Clock clock.Clock
	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger
	// SendBuffer is the outbound queue size. Zero means 256.
	SendBuffer int
}

// Manager owns the single logical push channel: connect/disconnect,
// identity binding, bounded reconnection, lifecycle fan-out, and
// sequential dispatch of inbound events to registered handlers.
//
// The Manager deliberately does not restore room subscriptions or AI
// sessions after a reconnect. Consumers observe the Reconnected
// lifecycle event and re-issue their own joins.
type Manager struct {
	url        string
	transport  Transport
	strategy   *ReconnectStrategy
	clk        clock.Clock
	logger     *slog.Logger
	sendBuffer int

	mu            sync.RWMutex
	state         State
	id            identity.Identity
	link          *link
	epoch         int
	wantConnected bool
	handlers      map[string][]handlerEntry
	subs          map[int]chan LifecycleEvent
	nextID        int
}

// link is one connection epoch: the conn plus its outbound queue.
// A fresh link is created per successful dial so a stale write loop
// can never drain the new connection's queue.
type link struct {
	conn Conn
	send chan *protocol.Event
	done chan struct{}
}

type handlerEntry struct {
	id int
	fn EventHandler
}

// NewManager creates a Manager. It does not connect.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.GatewayURL == "" {
		return nil, fmt.Errorf("client: GatewayURL is required")
	}

	transport := config.Transport
	if transport == nil {
		transport = &WebsocketTransport{}
	}
	strategy := config.Strategy
	if strategy == nil {
		strategy = DefaultReconnectStrategy()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sendBuffer := config.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	return &Manager{
		url:        config.GatewayURL,
		transport:  transport,
		strategy:   strategy,
		clk:        clk,
		logger:     logger,
		sendBuffer: sendBuffer,
		handlers:   make(map[string][]handlerEntry),
		subs:       make(map[int]chan LifecycleEvent),
	}, nil
}

// Connect establishes the channel with the given identity. A repeated
// call with the same identity while Connected, Connecting, or
// Reconnecting is an idempotent no-op; a different identity is
// rejected until Disconnect.
func (m *Manager) Connect(ctx context.Context, id identity.Identity) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		same := m.id.Token == id.Token
		m.mu.Unlock()
		if same {
			return nil
		}
		return ErrIdentityBound
	}
	m.state = StateConnecting
	m.id = id
	m.wantConnected = true
	m.mu.Unlock()

	conn, err := m.transport.Dial(ctx, m.url, id)

	m.mu.Lock()
	if !m.wantConnected {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrConnectAborted
	}
	if err != nil {
		m.state = StateDisconnected
		m.wantConnected = false
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	m.startLinkLocked(conn)
	m.state = StateConnected
	m.mu.Unlock()

	m.emit(LifecycleEvent{Kind: LifecycleConnected})
	return nil
}

// Disconnect tears the channel down deliberately, stopping any
// reconnection in progress. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasDown := m.state == StateDisconnected
	m.wantConnected = false
	m.stopLinkLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	if !wasDown {
		m.emit(LifecycleEvent{Kind: LifecycleDisconnected})
	}
}

// State returns the current channel state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Identity returns the identity bound by the last Connect.
func (m *Manager) Identity() identity.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// Send marshals the payload and queues it on the channel. It fails
// with ErrNotConnected while the channel is down and with
// ErrSendBufferFull when the outbound queue is saturated. The enqueue
// happens under the lock so a send racing a connection loss errors
// instead of landing on a link whose write loop already exited.
func (m *Manager) Send(event string, payload any) error {
	ev, err := protocol.NewEvent(event, payload)
	if err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateConnected || m.link == nil {
		return fmt.Errorf("send %s: %w", event, ErrNotConnected)
	}

	select {
	case m.link.send <- ev:
		return nil
	default:
		return fmt.Errorf("send %s: %w", event, ErrSendBufferFull)
	}
}

// Handle registers a handler for an inbound event name and returns its
// unregister function. Handlers registered for the same event run in
// registration order, sequentially with all other dispatches.
func (m *Manager) Handle(event string, fn EventHandler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		entries := m.handlers[event]
		for i, e := range entries {
			if e.id == id {
				m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
}

// Subscribe returns a channel of lifecycle events and its cancel
// function. Slow subscribers drop events rather than stall dispatch.
func (m *Manager) Subscribe() (<-chan LifecycleEvent, func()) {
	ch := make(chan LifecycleEvent, 8)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// startLinkLocked installs a new connection and starts its pumps.
// Caller holds m.mu.
func (m *Manager) startLinkLocked(conn Conn) {
	m.epoch++
	l := &link{
		conn: conn,
		send: make(chan *protocol.Event, m.sendBuffer),
		done: make(chan struct{}),
	}
	m.link = l
	go m.readLoop(l, m.epoch)
	go m.writeLoop(l)
}

// stopLinkLocked tears the current connection down. Caller holds m.mu.
func (m *Manager) stopLinkLocked() {
	if m.link == nil {
		return
	}
	close(m.link.done)
	m.link.conn.Close()
	m.link = nil
}

func (m *Manager) readLoop(l *link, epoch int) {
	for {
		ev, err := l.conn.Read()
		if err != nil {
			m.handleLoss(epoch, err)
			return
		}
		m.dispatch(ev)
	}
}

func (m *Manager) writeLoop(l *link) {
	for {
		select {
		case ev := <-l.send:
			if err := l.conn.Write(ev); err != nil {
				m.logger.Warn("push channel write failed", "event", ev.Name, "error", err)
				return
			}
		case <-l.done:
			return
		}
	}
}

// dispatch runs every handler registered for the event, sequentially.
// It is only ever called from the single read loop, so handlers never
// race each other.
func (m *Manager) dispatch(ev *protocol.Event) {
	m.mu.RLock()
	entries := make([]handlerEntry, len(m.handlers[ev.Name]))
	copy(entries, m.handlers[ev.Name])
	m.mu.RUnlock()

	if len(entries) == 0 {
		m.logger.Debug("unhandled push event", "event", ev.Name)
		return
	}
	for _, e := range entries {
		e.fn(ev.Data)
	}
}

// handleLoss reacts to a transport failure by starting the bounded
// reconnection loop, unless the loss belongs to a stale epoch or the
// disconnect was deliberate.
func (m *Manager) handleLoss(epoch int, cause error) {
	m.mu.Lock()
	if m.epoch != epoch || !m.wantConnected {
		m.mu.Unlock()
		return
	}
	m.stopLinkLocked()
	m.state = StateReconnecting
	m.mu.Unlock()

	m.logger.Warn("push channel lost", "error", cause)
	m.emit(LifecycleEvent{Kind: LifecycleDisconnected, Err: cause})

	go m.reconnectLoop(cause)
}

func (m *Manager) reconnectLoop(cause error) {
	for attempt := 0; m.strategy.ShouldRetry(attempt); attempt++ {
		<-m.clk.After(m.strategy.NextDelay(attempt))

		m.mu.RLock()
		want := m.wantConnected
		id := m.id
		m.mu.RUnlock()
		if !want {
			return
		}

		conn, err := m.transport.Dial(context.Background(), m.url, id)
		if err != nil {
			m.logger.Warn("reconnect attempt failed",
				"attempt", attempt+1, "max", m.strategy.MaxRetries, "error", err)
			continue
		}

		m.mu.Lock()
		if !m.wantConnected {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.startLinkLocked(conn)
		m.state = StateConnected
		m.mu.Unlock()

		m.logger.Info("push channel reestablished", "attempts", attempt+1)
		m.emit(LifecycleEvent{Kind: LifecycleReconnected})
		return
	}

	m.mu.Lock()
	if !m.wantConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.wantConnected = false
	m.mu.Unlock()

	m.logger.Error("reconnection exhausted", "attempts", m.strategy.MaxRetries, "error", cause)
	m.emit(LifecycleEvent{Kind: LifecycleReconnectFailed, Err: cause})
}

func (m *Manager) emit(ev LifecycleEvent) {
	m.mu.RLock()
	targets := make([]chan LifecycleEvent, 0, len(m.subs))
	for _, ch := range m.subs {
		targets = append(targets, ch)
	}
	m.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("lifecycle subscriber lagging, event dropped", "kind", ev.Kind)
		}
	}
}
