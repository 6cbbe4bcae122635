package client

import "github.com/levelup-chat/levelup/internal/models"

// MessageWindow is the in-memory ordered, deduplicated message cache
// for one active room. History pages are prepended, live pushes are
// appended; the two never reorder each other. Not safe for concurrent
// use — the Synchronizer serializes access.
type MessageWindow struct {
	msgs  []models.Message
	index map[string]struct{}
}

// NewMessageWindow returns an empty window.
func NewMessageWindow() *MessageWindow {
	return &MessageWindow{index: make(map[string]struct{})}
}

// Len returns the number of messages in the window.
func (w *MessageWindow) Len() int { return len(w.msgs) }

// Contains reports whether a message id is already present.
func (w *MessageWindow) Contains(id string) bool {
	_, ok := w.index[id]
	return ok
}

// Append adds a live-pushed message to the end of the window. It
// returns false without mutating anything if the id is already known.
func (w *MessageWindow) Append(msg models.Message) bool {
	if w.Contains(msg.ID) {
		return false
	}
	w.msgs = append(w.msgs, msg)
	w.index[msg.ID] = struct{}{}
	return true
}

// PrependPage inserts a history batch, given in chronological order,
// before everything already in the window. Records whose id is already
// present are filtered out; the batch's own order is preserved. The
// page is validated as a whole before any mutation is visible.
// Returns the number of messages actually inserted.
func (w *MessageWindow) PrependPage(batch []models.Message) int {
	fresh := make([]models.Message, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, msg := range batch {
		if w.Contains(msg.ID) {
			continue
		}
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return 0
	}

	w.msgs = append(fresh, w.msgs...)
	for _, msg := range fresh {
		w.index[msg.ID] = struct{}{}
	}
	return len(fresh)
}

// Snapshot returns a copy of the window, oldest first. Callers never
// alias internal storage.
func (w *MessageWindow) Snapshot() []models.Message {
	out := make([]models.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}
