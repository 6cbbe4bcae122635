package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageRecordNormalize(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tcases := []struct {
		name       string
		record     MessageRecord
		wantName   string
		wantAuthor string
	}{
		{
			name: "flat author fields win",
			record: MessageRecord{
				ID:         "m1",
				AuthorID:   "u1",
				AuthorName: "alice",
				Sender:     &Sender{ID: "u2", UserName: "bob"},
			},
			wantName:   "alice",
			wantAuthor: "u1",
		},
		{
			name: "sender fallback",
			record: MessageRecord{
				ID:     "m2",
				Sender: &Sender{ID: "u2", UserName: "bob"},
			},
			wantName:   "bob",
			wantAuthor: "u2",
		},
		{
			name:       "no author information",
			record:     MessageRecord{ID: "m3"},
			wantName:   UnknownAuthorName,
			wantAuthor: "",
		},
		{
			name: "sender present but empty name",
			record: MessageRecord{
				ID:     "m4",
				Sender: &Sender{ID: "u9"},
			},
			wantName:   UnknownAuthorName,
			wantAuthor: "u9",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			tc.record.RoomID = "r1"
			tc.record.RoomKind = RoomCommunity
			tc.record.Content = "hi"
			tc.record.CreatedAt = created

			msg := tc.record.Normalize()
			assert.Equal(t, tc.wantName, msg.AuthorName)
			assert.Equal(t, tc.wantAuthor, msg.AuthorID)
			assert.Equal(t, tc.record.ID, msg.ID)
			assert.Equal(t, "r1", msg.RoomID)
			assert.Equal(t, RoomCommunity, msg.RoomKind)
			assert.Equal(t, "hi", msg.Content)
			assert.Equal(t, created, msg.CreatedAt)
			assert.NotEmpty(t, msg.AuthorName, "normalized messages never have an empty author name")
		})
	}
}

func TestRoomKind(t *testing.T) {
	assert.False(t, RoomCommunity.Restricted())
	assert.True(t, RoomClan.Restricted())
	assert.True(t, RoomCommunity.Valid())
	assert.True(t, RoomClan.Valid())
	assert.False(t, RoomKind("guild").Valid())

	ref := RoomRef{Kind: RoomClan, ID: "c42"}
	assert.Equal(t, "clan/c42", ref.String())
	assert.False(t, ref.IsZero())
	assert.True(t, RoomRef{}.IsZero())
}
