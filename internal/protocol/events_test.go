package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levelup-chat/levelup/internal/models"
)

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(EventJoinRoom, RoomPayload{RoomKind: models.RoomClan, RoomID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, EventJoinRoom, ev.Name)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"join-room","data":{"roomKind":"clan","roomId":"c1"}}`, string(data))
}

func TestNewEventNilPayload(t *testing.T) {
	ev, err := NewEvent(EventAIStart, nil)
	require.NoError(t, err)
	assert.Nil(t, ev.Data)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ai:start"}`, string(data))
}

func TestEventDecode(t *testing.T) {
	raw := `{"event":"new-message","data":{"id":"m1","roomId":"r1","roomKind":"community","content":"hey","sender":{"id":"u1","userName":"alice"}}}`

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, EventNewMessage, ev.Name)

	var payload NewMessagePayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	msg := payload.Normalize()
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "alice", msg.AuthorName)
}
