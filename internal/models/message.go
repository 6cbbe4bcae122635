package models

import (
	"time"
)

// UnknownAuthorName is used when neither the record nor its sender
// object carries a display name.
const UnknownAuthorName = "Unknown"

// Message represents a fully normalized chat message. Identity is ID:
// two messages with the same ID are the same message regardless of
// whether they arrived from the history API or the push channel.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	RoomKind   RoomKind  `json:"roomKind"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Sender is the fallback author object some history records and push
// events embed instead of flat author fields.
type Sender struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
}

// MessageRecord is a raw message as the backend serializes it, before
// author normalization. Both the history API and the push channel
// produce this shape; Normalize is the single ingestion boundary.
type MessageRecord struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	RoomKind   RoomKind  `json:"roomKind"`
	AuthorID   string    `json:"authorId,omitempty"`
	AuthorName string    `json:"authorName,omitempty"`
	Sender     *Sender   `json:"sender,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Normalize converts a raw record into a Message, resolving the author
// display name from the flat field, then the embedded sender, then the
// Unknown placeholder. The result never has an empty author name.
func (r MessageRecord) Normalize() Message {
	name := r.AuthorName
	if name == "" && r.Sender != nil {
		name = r.Sender.UserName
	}
	if name == "" {
		name = UnknownAuthorName
	}

	authorID := r.AuthorID
	if authorID == "" && r.Sender != nil {
		authorID = r.Sender.ID
	}

	return Message{
		ID:         r.ID,
		RoomID:     r.RoomID,
		RoomKind:   r.RoomKind,
		AuthorID:   authorID,
		AuthorName: name,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt,
	}
}
