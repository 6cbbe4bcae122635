package client

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/levelup-chat/levelup/internal/protocol"
)

// TypingEvent is an inbound typing broadcast.
type TypingEvent struct {
	RoomID   string
	IsTyping bool
	UserID   string
	UserName string
}

// PresenceEvent is an inbound join or leave notice.
type PresenceEvent struct {
	UserID   string
	UserName string
}

// Presence is the fire-and-forget pub/sub for ephemeral events.
// Delivery is best-effort in both directions: sends while disconnected
// are silently dropped, and observers carry no state machine.
type Presence struct {
	manager *Manager
	logger  *slog.Logger

	mu           sync.RWMutex
	onTyping     []func(TypingEvent)
	onUserJoined []func(PresenceEvent)
	onUserLeft   []func(PresenceEvent)

	unsubs []func()
}

// NewPresence creates the presence channel on top of the manager.
func NewPresence(manager *Manager, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Presence{manager: manager, logger: logger}
	p.unsubs = []func(){
		manager.Handle(protocol.EventTyping, p.handleTyping),
		manager.Handle(protocol.EventUserJoined, p.handleUserJoined),
		manager.Handle(protocol.EventUserLeft, p.handleUserLeft),
	}
	return p
}

// Close detaches the presence channel from the manager.
func (p *Presence) Close() {
	for _, unsub := range p.unsubs {
		unsub()
	}
}

// SendTyping emits a typing indicator. Lack of delivery is not an
// error: a disconnected channel just swallows the signal.
func (p *Presence) SendTyping(roomID string, isTyping bool) {
	err := p.manager.Send(protocol.EventTyping, protocol.TypingPayload{
		RoomID:   roomID,
		IsTyping: isTyping,
	})
	if err != nil {
		p.logger.Debug("typing signal dropped", "room", roomID, "error", err)
	}
}

// OnTyping registers a typing observer.
func (p *Presence) OnTyping(fn func(TypingEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTyping = append(p.onTyping, fn)
}

// OnUserJoined registers a join observer.
func (p *Presence) OnUserJoined(fn func(PresenceEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUserJoined = append(p.onUserJoined, fn)
}

// OnUserLeft registers a leave observer.
func (p *Presence) OnUserLeft(fn func(PresenceEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUserLeft = append(p.onUserLeft, fn)
}

func (p *Presence) handleTyping(data json.RawMessage) {
	var payload protocol.TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	ev := TypingEvent{
		RoomID:   payload.RoomID,
		IsTyping: payload.IsTyping,
		UserID:   payload.UserID,
		UserName: payload.UserName,
	}
	p.mu.RLock()
	observers := append([]func(TypingEvent){}, p.onTyping...)
	p.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

func (p *Presence) handleUserJoined(data json.RawMessage) {
	p.handlePresence(data, true)
}

func (p *Presence) handleUserLeft(data json.RawMessage) {
	p.handlePresence(data, false)
}

func (p *Presence) handlePresence(data json.RawMessage, joined bool) {
	var payload protocol.UserPresencePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	ev := PresenceEvent{UserID: payload.UserID, UserName: payload.UserName}
	p.mu.RLock()
	var observers []func(PresenceEvent)
	if joined {
		observers = append(observers, p.onUserJoined...)
	} else {
		observers = append(observers, p.onUserLeft...)
	}
	p.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}
