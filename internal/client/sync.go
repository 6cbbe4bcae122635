package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/levelup-chat/levelup/internal/models"
	"github.com/levelup-chat/levelup/internal/protocol"
)

var (
	// ErrEmptyMessage is returned by SendMessage for blank content.
	// Validation is local; the channel is never touched.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrRoomNotJoined is returned by SendMessage when the active room
	// is not granted and joined.
	ErrRoomNotJoined = errors.New("room not joined")

	// ErrNoActiveRoom is returned when no room has been entered.
	ErrNoActiveRoom = errors.New("no active room")

	// ErrRoomNotGranted is returned by the load operations while the
	// active room's access is anything but Granted. A denied or still
	// pending room never triggers a history fetch.
	ErrRoomNotGranted = errors.New("room access not granted")

	// ErrLoadInFlight is returned by LoadFirstPage while another load
	// for the same room is still running. LoadMore treats this case as
	// a silent no-op instead.
	ErrLoadInFlight = errors.New("history load already in flight")
)

// HistoryFetcher fetches one page of room history. The production
// implementation is HistoryClient.
type HistoryFetcher interface {
	FetchPage(ctx context.Context, room models.RoomRef, page, pageSize int) (*models.HistoryPage, error)
}

// RoomGate is the access view the Synchronizer needs for send gating.
// *Gatekeeper implements it.
type RoomGate interface {
	Subscription(room models.RoomRef) (RoomSubscription, bool)
}

// Synchronizer merges paged REST history with live push events into
// one ordered, deduplicated window for the active room. History
// defines the past, push defines the present: pages are prepended,
// pushes appended, and an id never appears twice.
//
// The generation counter makes room switches safe: a fetch started for
// a previous room can never populate the new room's window, and a push
// for another room is never attributed to the active one.
type Synchronizer struct {
	manager  *Manager
	history  HistoryFetcher
	gate     RoomGate
	logger   *slog.Logger
	pageSize int

	mu       sync.Mutex
	room     models.RoomRef
	gen      int
	window   *MessageWindow
	loading  bool
	hasMore  bool
	nextPage int

	notify chan struct{}
	unsub  func()
}

// SynchronizerConfig configures a Synchronizer.
type SynchronizerConfig struct {
	// Manager is the push channel. Required.
	Manager *Manager
	// History fetches message pages. Required.
	History HistoryFetcher
	// Gate supplies access state for send gating. Required.
	Gate RoomGate
	// PageSize is the history page size. Zero means 20.
	PageSize int
	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger
}

// NewSynchronizer creates a Synchronizer and hooks it into the
// manager's new-message events.
func NewSynchronizer(config SynchronizerConfig) (*Synchronizer, error) {
	if config.Manager == nil || config.History == nil || config.Gate == nil {
		return nil, fmt.Errorf("client: Manager, History and Gate are required")
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Synchronizer{
		manager:  config.Manager,
		history:  config.History,
		gate:     config.Gate,
		logger:   logger,
		pageSize: pageSize,
		window:   NewMessageWindow(),
		notify:   make(chan struct{}, 1),
	}
	s.unsub = config.Manager.Handle(protocol.EventNewMessage, s.handlePush)
	return s, nil
}

// Close detaches the Synchronizer from the push channel.
func (s *Synchronizer) Close() {
	s.unsub()
}

// EnterRoom makes a room the active one: the window is reset and any
// in-flight fetch for the previous room is invalidated.
func (s *Synchronizer) EnterRoom(room models.RoomRef) {
	s.mu.Lock()
	s.gen++
	s.room = room
	s.window = NewMessageWindow()
	s.loading = false
	s.hasMore = false
	s.nextPage = 0
	s.notifyLocked()
	s.mu.Unlock()
}

// LoadFirstPage fetches page one of the active room's history and
// installs it as the window's past. Pushes that arrived while the
// fetch was running stay appended after it. A failed fetch leaves the
// window untouched. The fetch is gated on the room's access decision:
// a room that is not Granted is never fetched.
func (s *Synchronizer) LoadFirstPage(ctx context.Context) error {
	s.mu.Lock()
	if s.room.IsZero() {
		s.mu.Unlock()
		return ErrNoActiveRoom
	}
	if err := s.grantedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.loading {
		s.mu.Unlock()
		return ErrLoadInFlight
	}
	s.loading = true
	gen := s.gen
	room := s.room
	s.mu.Unlock()

	page, err := s.history.FetchPage(ctx, room, 1, s.pageSize)
	return s.commitPage(gen, page, err)
}

// LoadMore fetches the next older page and prepends it. It is a no-op
// when there is nothing more to load or a load is already in flight,
// and fails like LoadFirstPage for a room that is not Granted.
func (s *Synchronizer) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.room.IsZero() || !s.hasMore || s.loading {
		s.mu.Unlock()
		return nil
	}
	if err := s.grantedLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.loading = true
	gen := s.gen
	room := s.room
	page := s.nextPage
	s.mu.Unlock()

	result, err := s.history.FetchPage(ctx, room, page, s.pageSize)
	return s.commitPage(gen, result, err)
}

// grantedLocked checks the gate's decision for the active room. The
// Gatekeeper never calls back into the Synchronizer, so consulting it
// under s.mu cannot deadlock.
func (s *Synchronizer) grantedLocked() error {
	sub, ok := s.gate.Subscription(s.room)
	if !ok || sub.Access != AccessGranted {
		return fmt.Errorf("%w: %s", ErrRoomNotGranted, s.room.String())
	}
	return nil
}

// commitPage applies a fetch result atomically, unless the active room
// changed while the fetch was in flight — then the result is dropped.
func (s *Synchronizer) commitPage(gen int, page *models.HistoryPage, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		// Stale fetch for a room we already left. EnterRoom cleared
		// the loading flag; nothing to undo.
		return nil
	}
	s.loading = false
	if err != nil {
		return fmt.Errorf("history fetch: %w", err)
	}

	// The API returns newest first; the window wants chronological.
	batch := make([]models.Message, 0, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		batch = append(batch, page.Messages[i].Normalize())
	}
	s.window.PrependPage(batch)
	s.hasMore = page.Pagination.HasMore
	s.nextPage = page.Pagination.Page + 1
	s.notifyLocked()
	return nil
}

// SendMessage emits the message over the push channel. The window is
// not mutated: the message materializes via the subsequent new-message
// push, so it appears exactly once, sourced from the channel.
func (s *Synchronizer) SendMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room.IsZero() {
		return ErrNoActiveRoom
	}

	sub, ok := s.gate.Subscription(room)
	if !ok || sub.Access != AccessGranted || !sub.Joined {
		return fmt.Errorf("%w: %s", ErrRoomNotJoined, room.String())
	}

	return s.manager.Send(protocol.EventSendMessage, protocol.SendMessagePayload{
		RoomID:   room.ID,
		RoomKind: room.Kind,
		Content:  content,
	})
}

// Snapshot returns the window contents, oldest first.
func (s *Synchronizer) Snapshot() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Snapshot()
}

// HasMore reports whether older history pages remain.
func (s *Synchronizer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Room returns the active room.
func (s *Synchronizer) Room() models.RoomRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Updates returns a coalescing signal channel that fires whenever the
// window changes.
func (s *Synchronizer) Updates() <-chan struct{} {
	return s.notify
}

// handlePush ingests one live message: it must belong to the active
// room, is normalized exactly like a history record, and is dropped if
// its id is already present.
func (s *Synchronizer) handlePush(data json.RawMessage) {
	var payload protocol.NewMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn("malformed new-message payload", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.room.IsZero() || payload.RoomID != s.room.ID || payload.RoomKind != s.room.Kind {
		return
	}
	if s.window.Append(payload.Normalize()) {
		s.notifyLocked()
	}
}

func (s *Synchronizer) notifyLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
