package protocol

import (
	"encoding/json"

	"github.com/levelup-chat/levelup/internal/models"
)

// Event names carried over the push channel.
const (
	// Client -> Server
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
	EventAISend      = "ai:send"
	EventAICancel    = "ai:cancel"

	// Server -> Client
	EventNewMessage    = "new-message"
	EventAccessDenied  = "access-denied"
	EventUserJoined    = "user-joined"
	EventUserLeft      = "user-left"
	EventAITokenStatus = "ai:token-status"
	EventAIStart       = "ai:start"
	EventAIChunk       = "ai:chunk"
	EventAIComplete    = "ai:complete"
	EventAICancelled   = "ai:cancelled"
	EventAIError       = "ai:error"
)

// Event is the wire envelope for every push-channel message.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an envelope with the payload marshaled in place.
func NewEvent(name string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Event{Name: name, Data: raw}, nil
}

// --- Room events ---

// RoomPayload is shared by join-room and leave-room.
type RoomPayload struct {
	RoomKind models.RoomKind `json:"roomKind"`
	RoomID   string          `json:"roomId"`
}

// SendMessagePayload is the outbound chat message. The message itself
// materializes only via a subsequent new-message push; the server
// never answers a send directly.
type SendMessagePayload struct {
	RoomID   string          `json:"roomId"`
	RoomKind models.RoomKind `json:"roomKind"`
	Content  string          `json:"content"`
}

// NewMessagePayload is an inbound live message. It carries the raw
// record shape so author fields are normalized at the same boundary
// as history records.
type NewMessagePayload struct {
	models.MessageRecord
}

// AccessDeniedPayload is pushed when the server rejects a join for a
// restricted room. RoomID is optional on older gateways; when absent
// the decision applies to the pending clan subscription.
type AccessDeniedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

// --- Presence events ---

// TypingPayload is both the outbound typing signal and the inbound
// typing broadcast.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// UserPresencePayload is shared by user-joined and user-left.
type UserPresencePayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// --- AI chat events ---

// AISendPayload opens a metered AI exchange.
type AISendPayload struct {
	Prompt              string            `json:"prompt"`
	SessionID           string            `json:"sessionId"`
	ConversationHistory []models.ChatTurn `json:"conversationHistory"`
}

// AICancelPayload requests cooperative cancellation of a stream.
type AICancelPayload struct {
	SessionID string `json:"sessionId"`
}

// AITokenStatusPayload updates the cached token balance. The server
// may push it at any time, not necessarily before streaming starts.
// CostPerMessage is nil when the status only reports the balance.
type AITokenStatusPayload struct {
	CurrentTokens  int  `json:"currentTokens"`
	CostPerMessage *int `json:"costPerMessage,omitempty"`
}

// AIStartPayload marks the start of a response stream.
type AIStartPayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

// AIChunkPayload is one streamed response fragment. Arrival order is
// authoritative; Index is informational and never used to re-sort.
type AIChunkPayload struct {
	Chunk     string `json:"chunk"`
	Index     int    `json:"index"`
	SessionID string `json:"sessionId,omitempty"`
}

// AICompletePayload terminates a stream successfully. RemainingTokens
// is authoritative and overwrites the local balance cache.
type AICompletePayload struct {
	SessionID       string `json:"sessionId"`
	Response        string `json:"response"`
	TokensUsed      int    `json:"tokensUsed"`
	RemainingTokens int    `json:"remainingTokens"`
	ResponseTime    int64  `json:"responseTime"`
}

// AICancelledPayload acknowledges a cancellation request.
type AICancelledPayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

// AIErrorPayload terminates a session with a typed code. When the code
// is INSUFFICIENT_TOKENS, CurrentTokens carries the authoritative
// balance.
type AIErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CurrentTokens *int   `json:"currentTokens,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}
