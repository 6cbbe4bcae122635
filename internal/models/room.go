package models

import "fmt"

// RoomKind represents the type of chat room
type RoomKind string

const (
	RoomCommunity RoomKind = "community" // Open room, no membership gate
	RoomClan      RoomKind = "clan"      // Restricted to clan members
)

// Restricted reports whether entering a room of this kind requires a
// membership check before subscribing to its live events.
func (k RoomKind) Restricted() bool {
	return k == RoomClan
}

// Valid reports whether the kind is one the backend knows about.
func (k RoomKind) Valid() bool {
	return k == RoomCommunity || k == RoomClan
}

// RoomRef identifies a single chat room
type RoomRef struct {
	Kind RoomKind `json:"roomKind"`
	ID   string   `json:"roomId"`
}

// IsZero reports whether the ref is unset.
func (r RoomRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

func (r RoomRef) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}
