package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/levelup-chat/levelup/internal/models"
	"github.com/levelup-chat/levelup/internal/protocol"
)

// SessionState is the AI chat session protocol state
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionAwaitingTokenCheck
	SessionStreaming
	SessionCompleted
	SessionCancelled
	SessionErrored
)

// String returns a human-readable representation of the session state
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "Idle"
	case SessionAwaitingTokenCheck:
		return "AwaitingTokenCheck"
	case SessionStreaming:
		return "Streaming"
	case SessionCompleted:
		return "Completed"
	case SessionCancelled:
		return "Cancelled"
	case SessionErrored:
		return "Errored"
	default:
		return "Invalid"
	}
}

// terminal reports whether no further protocol events apply.
func (s SessionState) terminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionErrored
}

// ErrorCode is a typed AI protocol error code. Server-reported codes
// are surfaced verbatim; the constants below are the ones the client
// itself produces or reacts to specially.
type ErrorCode string

const (
	CodeInsufficientTokens ErrorCode = "INSUFFICIENT_TOKENS"
	CodePromptTooLong      ErrorCode = "PROMPT_TOO_LONG"
	CodeAuthError          ErrorCode = "AUTH_ERROR"
	CodeConnectionLost     ErrorCode = "CONNECTION_LOST"
	CodeUnknown            ErrorCode = "UNKNOWN"
)

// SessionError carries a typed code so callers can drive differentiated
// recovery. The code is never collapsed into the message text.
type SessionError struct {
	Code    ErrorCode
	Message string
}

func (e *SessionError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrEmptyPrompt is returned by Start for blank prompts.
var ErrEmptyPrompt = errors.New("prompt is empty")

// AIChat owns the AI side of the push channel: the shared token cache
// and the registry of sessions. It decodes every ai:* event once and
// routes it to the session it belongs to.
type AIChat struct {
	manager *Manager
	cfg     AIConfig
	cache   *TokenCache
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*ChatSession

	done      chan struct{}
	unsubs    []func()
	unsubLife func()
}

// NewAIChat creates the AI chat service and hooks it into the manager.
func NewAIChat(manager *Manager, cfg AIConfig, logger *slog.Logger) *AIChat {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	a := &AIChat{
		manager:  manager,
		cfg:      cfg,
		cache:    NewTokenCache(cfg.CostPerMessage),
		logger:   logger,
		sessions: make(map[string]*ChatSession),
		done:     make(chan struct{}),
	}

	a.unsubs = []func(){
		manager.Handle(protocol.EventAITokenStatus, a.handleTokenStatus),
		manager.Handle(protocol.EventAIStart, a.handleStart),
		manager.Handle(protocol.EventAIChunk, a.handleChunk),
		manager.Handle(protocol.EventAIComplete, a.handleComplete),
		manager.Handle(protocol.EventAICancelled, a.handleCancelled),
		manager.Handle(protocol.EventAIError, a.handleError),
	}

	lifecycle, cancel := manager.Subscribe()
	a.unsubLife = cancel
	go a.watchLifecycle(lifecycle)

	return a
}

// Close detaches the service from the manager.
func (a *AIChat) Close() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubLife()
	close(a.done)
}

// Balance returns the cached token balance and whether it is known.
func (a *AIChat) Balance() (models.TokenBalance, bool) {
	return a.cache.Get()
}

// NewSession creates an independent conversation instance with a
// client-generated id. Sessions never share accumulation buffers.
func (a *AIChat) NewSession() *ChatSession {
	s := &ChatSession{
		id:     uuid.New().String(),
		parent: a,
		notify: make(chan struct{}, 1),
	}
	a.mu.Lock()
	a.sessions[s.id] = s
	a.mu.Unlock()
	return s
}

// ReleaseSession drops a finished session from the registry.
func (a *AIChat) ReleaseSession(s *ChatSession) {
	a.mu.Lock()
	delete(a.sessions, s.id)
	a.mu.Unlock()
}

// route delivers an event to the session it names, or to every
// non-terminal session when the gateway omits the session id.
func (a *AIChat) route(sessionID string, deliver func(*ChatSession)) {
	a.mu.Lock()
	var targets []*ChatSession
	if sessionID != "" {
		if s, ok := a.sessions[sessionID]; ok {
			targets = append(targets, s)
		}
	} else {
		for _, s := range a.sessions {
			if !s.State().terminal() {
				targets = append(targets, s)
			}
		}
	}
	a.mu.Unlock()

	for _, s := range targets {
		deliver(s)
	}
}

func (a *AIChat) handleTokenStatus(data json.RawMessage) {
	var payload protocol.AITokenStatusPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		a.logger.Warn("malformed ai:token-status payload", "error", err)
		return
	}
	a.cache.SetTokens(payload.CurrentTokens)
	if payload.CostPerMessage != nil {
		a.cache.SetCost(*payload.CostPerMessage)
	}
}

func (a *AIChat) handleStart(data json.RawMessage) {
	var payload protocol.AIStartPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			a.logger.Warn("malformed ai:start payload", "error", err)
			return
		}
	}
	a.route(payload.SessionID, func(s *ChatSession) { s.onStart() })
}

func (a *AIChat) handleChunk(data json.RawMessage) {
	var payload protocol.AIChunkPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		a.logger.Warn("malformed ai:chunk payload", "error", err)
		return
	}
	a.route(payload.SessionID, func(s *ChatSession) { s.onChunk(payload.Chunk) })
}

func (a *AIChat) handleComplete(data json.RawMessage) {
	var payload protocol.AICompletePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		a.logger.Warn("malformed ai:complete payload", "error", err)
		return
	}
	a.cache.SetTokens(payload.RemainingTokens)
	a.route(payload.SessionID, func(s *ChatSession) { s.onComplete(payload) })
}

func (a *AIChat) handleCancelled(data json.RawMessage) {
	var payload protocol.AICancelledPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			a.logger.Warn("malformed ai:cancelled payload", "error", err)
			return
		}
	}
	a.route(payload.SessionID, func(s *ChatSession) { s.onCancelled() })
}

func (a *AIChat) handleError(data json.RawMessage) {
	var payload protocol.AIErrorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		a.logger.Warn("malformed ai:error payload", "error", err)
		return
	}
	if payload.CurrentTokens != nil {
		a.cache.SetTokens(*payload.CurrentTokens)
	}
	a.route(payload.SessionID, func(s *ChatSession) { s.onError(payload) })
}

// watchLifecycle fails in-flight sessions when the channel drops. An
// exchange interrupted mid-stream cannot be resumed, and retrying the
// send automatically could double-charge tokens, so the session fails
// closed with CONNECTION_LOST.
func (a *AIChat) watchLifecycle(events <-chan LifecycleEvent) {
	for {
		select {
		case ev := <-events:
			if ev.Kind != LifecycleDisconnected {
				continue
			}
			a.mu.Lock()
			sessions := make([]*ChatSession, 0, len(a.sessions))
			for _, s := range a.sessions {
				sessions = append(sessions, s)
			}
			a.mu.Unlock()
			for _, s := range sessions {
				s.onDisconnected()
			}
		case <-a.done:
			return
		}
	}
}

// ChatSession is one AI conversation instance: prompt out, token
// check, chunked response stream in, then a terminal completion,
// cancellation, or typed error.
type ChatSession struct {
	id     string
	parent *AIChat

	mu              sync.Mutex
	state           SessionState
	prompt          string
	chunks          []string
	response        string
	turns           []models.ChatTurn
	err             *SessionError
	cancelRequested bool

	notify chan struct{}
}

// ID returns the client-generated session id.
func (s *ChatSession) ID() string { return s.id }

// Start validates the prompt locally and, if everything passes, emits
// ai:send and moves to AwaitingTokenCheck. Local validation failures
// (blank prompt, prompt too long, known-insufficient tokens) never
// touch the channel; the typed ones terminate the session.
func (s *ChatSession) Start(prompt string, history []models.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionIdle {
		return fmt.Errorf("session %s already started", s.id)
	}
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	if utf8.RuneCountInString(prompt) > s.parent.cfg.MaxPromptChars {
		return s.failLocked(CodePromptTooLong,
			fmt.Sprintf("prompt exceeds %d characters", s.parent.cfg.MaxPromptChars))
	}
	if balance, known := s.parent.cache.Get(); known && balance.CostPerMessage > 0 &&
		balance.CurrentTokens < balance.CostPerMessage {
		return s.failLocked(CodeInsufficientTokens,
			fmt.Sprintf("%d tokens cached, %d required", balance.CurrentTokens, balance.CostPerMessage))
	}
	if s.parent.manager.State() != StateConnected {
		return s.failLocked(CodeConnectionLost, "push channel not connected")
	}

	s.turns = append([]models.ChatTurn(nil), history...)
	err := s.parent.manager.Send(protocol.EventAISend, protocol.AISendPayload{
		Prompt:              prompt,
		SessionID:           s.id,
		ConversationHistory: s.turns,
	})
	if err != nil {
		return s.failLocked(CodeConnectionLost, err.Error())
	}

	s.prompt = prompt
	s.state = SessionAwaitingTokenCheck
	s.notifyLocked()
	return nil
}

// Cancel requests cooperative cancellation. Valid only while the
// session is Streaming or AwaitingTokenCheck; the transition to
// Cancelled happens on the server's acknowledgment, but chunks stop
// being accepted immediately.
func (s *ChatSession) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionStreaming && s.state != SessionAwaitingTokenCheck {
		return fmt.Errorf("cannot cancel session in state %s", s.state)
	}
	if err := s.parent.manager.Send(protocol.EventAICancel, protocol.AICancelPayload{SessionID: s.id}); err != nil {
		return err
	}
	s.cancelRequested = true
	return nil
}

// State returns the current protocol state.
func (s *ChatSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the visible response text: the finalized response
// once completed, otherwise the chunks accumulated so far. A cancelled
// session's transcript is empty.
func (s *ChatSession) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionCompleted {
		return s.response
	}
	return strings.Join(s.chunks, "")
}

// History returns the conversation history including, after
// completion, the finished exchange.
func (s *ChatSession) History() []models.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatTurn(nil), s.turns...)
}

// Err returns the typed error of an Errored session, nil otherwise.
func (s *ChatSession) Err() *SessionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Updates returns a coalescing signal channel that fires on every
// session change.
func (s *ChatSession) Updates() <-chan struct{} {
	return s.notify
}

func (s *ChatSession) onStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionAwaitingTokenCheck || s.cancelRequested {
		return
	}
	s.state = SessionStreaming
	s.chunks = nil
	s.notifyLocked()
}

func (s *ChatSession) onChunk(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Arrival order is authoritative; chunks are never re-sorted. A
	// chunk after cancellation is dropped.
	if s.state != SessionStreaming || s.cancelRequested {
		return
	}
	s.chunks = append(s.chunks, chunk)
	s.notifyLocked()
}

func (s *ChatSession) onComplete(payload protocol.AICompletePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() || s.state == SessionIdle {
		return
	}
	s.state = SessionCompleted
	s.response = payload.Response
	s.turns = append(s.turns,
		models.ChatTurn{Role: models.RoleUser, Content: s.prompt},
		models.ChatTurn{Role: models.RoleAssistant, Content: payload.Response},
	)
	s.notifyLocked()
}

func (s *ChatSession) onCancelled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() || s.state == SessionIdle {
		return
	}
	s.state = SessionCancelled
	s.chunks = nil
	s.notifyLocked()
}

func (s *ChatSession) onError(payload protocol.AIErrorPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() || s.state == SessionIdle {
		return
	}
	code := ErrorCode(payload.Code)
	if code == "" {
		code = CodeUnknown
	}
	s.failLocked(code, payload.Message)
}

func (s *ChatSession) onDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionAwaitingTokenCheck && s.state != SessionStreaming {
		return
	}
	s.failLocked(CodeConnectionLost, "push channel lost mid-session")
}

// failLocked moves the session to Errored and returns the typed error.
func (s *ChatSession) failLocked(code ErrorCode, message string) error {
	s.state = SessionErrored
	s.err = &SessionError{Code: code, Message: message}
	s.notifyLocked()
	return s.err
}

func (s *ChatSession) notifyLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
