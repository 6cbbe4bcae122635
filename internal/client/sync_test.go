package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levelup-chat/levelup/internal/models"
	"github.com/levelup-chat/levelup/internal/protocol"
)

type fetcherFunc func(ctx context.Context, room models.RoomRef, page, pageSize int) (*models.HistoryPage, error)

func (f fetcherFunc) FetchPage(ctx context.Context, room models.RoomRef, page, pageSize int) (*models.HistoryPage, error) {
	return f(ctx, room, page, pageSize)
}

// stubGate reports every room as granted and joined unless told
// otherwise.
type stubGate struct {
	sub RoomSubscription
	ok  bool
}

func (g stubGate) Subscription(room models.RoomRef) (RoomSubscription, bool) {
	sub := g.sub
	sub.Room = room
	return sub, g.ok
}

func openGate() stubGate {
	return stubGate{sub: RoomSubscription{Access: AccessGranted, Joined: true}, ok: true}
}

// mutableGate lets a test change the access decision mid-flight.
type mutableGate struct {
	mu  sync.Mutex
	sub RoomSubscription
}

func (g *mutableGate) Subscription(room models.RoomRef) (RoomSubscription, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub := g.sub
	sub.Room = room
	return sub, true
}

func (g *mutableGate) set(sub RoomSubscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sub = sub
}

func rec(id string) models.MessageRecord {
	return models.MessageRecord{
		ID:         id,
		RoomID:     "general",
		RoomKind:   models.RoomCommunity,
		AuthorID:   "u2",
		AuthorName: "bob",
		Content:    "hello " + id,
		CreatedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// newestFirst builds a history page from ids given oldest first, the
// way a caller thinks, reversed into API order.
func newestFirst(hasMore bool, page int, oldestFirst ...string) *models.HistoryPage {
	records := make([]models.MessageRecord, 0, len(oldestFirst))
	for i := len(oldestFirst) - 1; i >= 0; i-- {
		records = append(records, rec(oldestFirst[i]))
	}
	return &models.HistoryPage{
		Messages:   records,
		Pagination: models.Pagination{Page: page, Limit: 20, HasMore: hasMore},
	}
}

func newTestSynchronizer(t *testing.T, fetch HistoryFetcher, gate RoomGate) (*Synchronizer, *fakeConn) {
	t.Helper()
	m, _, conn := newTestManager(t)
	s, err := NewSynchronizer(SynchronizerConfig{
		Manager: m,
		History: fetch,
		Gate:    gate,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, conn
}

func pushMessage(t *testing.T, conn *fakeConn, r models.MessageRecord) {
	t.Helper()
	conn.push(t, protocol.EventNewMessage, protocol.NewMessagePayload{MessageRecord: r})
}

func awaitWindowLen(t *testing.T, s *Synchronizer, n int) []models.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Snapshot()) == n
	}, time.Second, 5*time.Millisecond, "window never reached %d messages", n)
	return s.Snapshot()
}

func TestSynchronizerBackfillUnderLiveTraffic(t *testing.T) {
	room := models.RoomRef{Kind: models.RoomCommunity, ID: "general"}

	pages := map[int]*models.HistoryPage{
		1: newestFirst(true, 1,
			"m01", "m02", "m03", "m04", "m05", "m06", "m07", "m08", "m09", "m10",
			"m11", "m12", "m13", "m14", "m15", "m16", "m17", "m18", "m19", "m20"),
		2: newestFirst(false, 2, "m00"),
	}
	s, conn := newTestSynchronizer(t, fetcherFunc(
		func(_ context.Context, r models.RoomRef, page, _ int) (*models.HistoryPage, error) {
			require.Equal(t, room, r)
			p, ok := pages[page]
			require.True(t, ok, "unexpected page %d", page)
			return p, nil
		}), openGate())

	s.EnterRoom(room)

	// live traffic lands before any history is loaded
	pushMessage(t, conn, rec("m21"))
	pushMessage(t, conn, rec("m22"))
	awaitWindowLen(t, s, 2)

	require.NoError(t, s.LoadFirstPage(context.Background()))
	snap := awaitWindowLen(t, s, 22)
	assert.Equal(t, "m01", snap[0].ID)
	assert.Equal(t, "m20", snap[19].ID)
	assert.Equal(t, "m22", snap[21].ID)
	assert.True(t, s.HasMore())

	require.NoError(t, s.LoadMore(context.Background()))
	snap = awaitWindowLen(t, s, 23)
	assert.Equal(t, "m00", snap[0].ID)
	assert.False(t, s.HasMore())

	// nothing left: LoadMore must not hit the fetcher again
	require.NoError(t, s.LoadMore(context.Background()))
	assert.Len(t, s.Snapshot(), 23)
}

func TestSynchronizerDuplicatePushDropped(t *testing.T) {
	room := models.RoomRef{Kind: models.RoomCommunity, ID: "general"}
	s, conn := newTestSynchronizer(t, fetcherFunc(
		func(context.Context, models.RoomRef, int, int) (*models.HistoryPage, error) {
			return newestFirst(false, 1, "m01", "m02"), nil
		}), openGate())

	s.EnterRoom(room)
	require.NoError(t, s.LoadFirstPage(context.Background()))

	// the push duplicates a message already installed from history
	pushMessage(t, conn, rec("m02"))
	pushMessage(t, conn, rec("m03"))

	snap := awaitWindowLen(t, s, 3)
	assert.Equal(t, []string{"m01", "m02", "m03"}, ids(snap))
}

func TestSynchronizerRoomSwitchIsolation(t *testing.T) {
	roomA := models.RoomRef{Kind: models.RoomCommunity, ID: "room-a"}
	roomB := models.RoomRef{Kind: models.RoomCommunity, ID: "room-b"}

	started := make(chan struct{})
	unblock := make(chan struct{})
	s, conn := newTestSynchronizer(t, fetcherFunc(
		func(_ context.Context, r models.RoomRef, _, _ int) (*models.HistoryPage, error) {
			if r == roomA {
				close(started)
				<-unblock
				return newestFirst(false, 1, "a1", "a2"), nil
			}
			return newestFirst(false, 1, "b1"), nil
		}), openGate())

	s.EnterRoom(roomA)
	fetchErr := make(chan error, 1)
	go func() { fetchErr <- s.LoadFirstPage(context.Background()) }()
	<-started

	// switch rooms while roomA's fetch is still in flight
	s.EnterRoom(roomB)
	close(unblock)

	require.NoError(t, <-fetchErr, "a stale fetch is discarded, not an error")

	require.NoError(t, s.LoadFirstPage(context.Background()))
	snap := awaitWindowLen(t, s, 1)
	assert.Equal(t, "b1", snap[0].ID)

	// a straggler push for the old room never lands in the new window
	old := rec("a3")
	old.RoomID = roomA.ID
	pushMessage(t, conn, old)

	fresh := rec("b2")
	fresh.RoomID = roomB.ID
	pushMessage(t, conn, fresh)

	snap = awaitWindowLen(t, s, 2)
	assert.Equal(t, []string{"b1", "b2"}, ids(snap))
}

func TestSynchronizerFailedFetchLeavesWindowUntouched(t *testing.T) {
	room := models.RoomRef{Kind: models.RoomCommunity, ID: "general"}
	fail := atomic.Bool{}
	fail.Store(true)
	s, conn := newTestSynchronizer(t, fetcherFunc(
		func(context.Context, models.RoomRef, int, int) (*models.HistoryPage, error) {
			if fail.Load() {
				return nil, errors.New("history api unavailable")
			}
			return newestFirst(false, 1, "m01"), nil
		}), openGate())

	s.EnterRoom(room)
	pushMessage(t, conn, rec("m02"))
	awaitWindowLen(t, s, 1)

	require.Error(t, s.LoadFirstPage(context.Background()))
	assert.Equal(t, []string{"m02"}, ids(s.Snapshot()))

	// the failed load released its in-flight slot
	fail.Store(false)
	require.NoError(t, s.LoadFirstPage(context.Background()))
	assert.Equal(t, []string{"m01", "m02"}, ids(s.Snapshot()))
}

func TestSynchronizerLoadFirstPageInFlight(t *testing.T) {
	room := models.RoomRef{Kind: models.RoomCommunity, ID: "general"}
	started := make(chan struct{})
	unblock := make(chan struct{})
	s, _ := newTestSynchronizer(t, fetcherFunc(
		func(context.Context, models.RoomRef, int, int) (*models.HistoryPage, error) {
			close(started)
			<-unblock
			return newestFirst(false, 1, "m01"), nil
		}), openGate())

	s.EnterRoom(room)
	done := make(chan error, 1)
	go func() { done <- s.LoadFirstPage(context.Background()) }()
	<-started

	require.ErrorIs(t, s.LoadFirstPage(context.Background()), ErrLoadInFlight)

	close(unblock)
	require.NoError(t, <-done)
}

func TestSynchronizerNeverFetchesUngrantedRoom(t *testing.T) {
	room := models.RoomRef{Kind: models.RoomClan, ID: "clan-9"}

	cases := []struct {
		name string
		gate stubGate
	}{
		{"denied", stubGate{sub: RoomSubscription{Access: AccessDenied, Reason: DeniedNotMember}, ok: true}},
		{"still checking", stubGate{sub: RoomSubscription{Access: AccessChecking}, ok: true}},
		{"unrequested", stubGate{ok: false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var fetches atomic.Int32
			s, _ := newTestSynchronizer(t, fetcherFunc(
				func(context.Context, models.RoomRef, int, int) (*models.HistoryPage, error) {
					fetches.Add(1)
					return newestFirst(false, 1), nil
				}), tc.gate)

			s.EnterRoom(room)
			require.ErrorIs(t, s.LoadFirstPage(context.Background()), ErrRoomNotGranted)
			assert.Equal(t, int32(0), fetches.Load(), "history must not be fetched without a grant")
			assert.Empty(t, s.Snapshot())
		})
	}
}

func TestSynchronizerDeniedRoomStopsPaging(t *testing.T) {
	room := models.RoomRef{Kind: models.RoomClan, ID: "clan-9"}

	// access is granted for the first page, then revoked by the server
	gate := &mutableGate{sub: RoomSubscription{Access: AccessGranted, Joined: true}}
	var fetches atomic.Int32
	s, _ := newTestSynchronizer(t, fetcherFunc(
		func(context.Context, models.RoomRef, int, int) (*models.HistoryPage, error) {
			fetches.Add(1)
			return newestFirst(true, 1, "m01"), nil
		}), gate)

	s.EnterRoom(room)
	require.NoError(t, s.LoadFirstPage(context.Background()))
	require.True(t, s.HasMore())

	gate.set(RoomSubscription{Access: AccessDenied, Reason: DeniedNotMember})
	require.ErrorIs(t, s.LoadMore(context.Background()), ErrRoomNotGranted)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestSynchronizerLoadWithoutRoom(t *testing.T) {
	s, _ := newTestSynchronizer(t, fetcherFunc(
		func(context.Context, models.RoomRef, int, int) (*models.HistoryPage, error) {
			t.Fatal("fetcher must not be called without a room")
			return nil, nil
		}), openGate())

	require.ErrorIs(t, s.LoadFirstPage(context.Background()), ErrNoActiveRoom)
}

func TestSynchronizerSendMessage(t *testing.T) {
	room := models.RoomRef{Kind: models.RoomClan, ID: "clan-9"}
	fetch := fetcherFunc(func(context.Context, models.RoomRef, int, int) (*models.HistoryPage, error) {
		return newestFirst(false, 1), nil
	})

	t.Run("empty content", func(t *testing.T) {
		s, _ := newTestSynchronizer(t, fetch, openGate())
		s.EnterRoom(room)
		require.ErrorIs(t, s.SendMessage("   "), ErrEmptyMessage)
	})

	t.Run("no active room", func(t *testing.T) {
		s, _ := newTestSynchronizer(t, fetch, openGate())
		require.ErrorIs(t, s.SendMessage("hi"), ErrNoActiveRoom)
	})

	t.Run("room not joined", func(t *testing.T) {
		gate := stubGate{sub: RoomSubscription{Access: AccessChecking}, ok: true}
		s, conn := newTestSynchronizer(t, fetch, gate)
		s.EnterRoom(room)
		require.ErrorIs(t, s.SendMessage("hi"), ErrRoomNotJoined)
		conn.assertNoSend(t)
	})

	t.Run("joined room emits event without local echo", func(t *testing.T) {
		s, conn := newTestSynchronizer(t, fetch, openGate())
		s.EnterRoom(room)
		require.NoError(t, s.SendMessage("hi there"))

		ev := conn.awaitSent(t, protocol.EventSendMessage)
		assert.JSONEq(t, `{"roomId":"clan-9","roomKind":"clan","content":"hi there"}`, string(ev.Data))

		// the message only materializes via the new-message push
		assert.Empty(t, s.Snapshot())
	})
}

func TestSynchronizerPushNormalizesAuthor(t *testing.T) {
	room := models.RoomRef{Kind: models.RoomCommunity, ID: "general"}
	s, conn := newTestSynchronizer(t, fetcherFunc(
		func(context.Context, models.RoomRef, int, int) (*models.HistoryPage, error) {
			return newestFirst(false, 1), nil
		}), openGate())
	s.EnterRoom(room)

	record := models.MessageRecord{
		ID:       "m01",
		RoomID:   "general",
		RoomKind: models.RoomCommunity,
		Sender:   &models.Sender{ID: "u9", UserName: "carol"},
		Content:  "sender-shaped record",
	}
	pushMessage(t, conn, record)

	snap := awaitWindowLen(t, s, 1)
	assert.Equal(t, "carol", snap[0].AuthorName)
	assert.Equal(t, "u9", snap[0].AuthorID)

	bare := models.MessageRecord{
		ID:       "m02",
		RoomID:   "general",
		RoomKind: models.RoomCommunity,
		Content:  "no author at all",
	}
	pushMessage(t, conn, bare)

	snap = awaitWindowLen(t, s, 2)
	assert.Equal(t, models.UnknownAuthorName, snap[1].AuthorName)
}

func TestSynchronizerUpdatesSignal(t *testing.T) {
	room := models.RoomRef{Kind: models.RoomCommunity, ID: "general"}
	s, conn := newTestSynchronizer(t, fetcherFunc(
		func(context.Context, models.RoomRef, int, int) (*models.HistoryPage, error) {
			return newestFirst(false, 1), nil
		}), openGate())

	s.EnterRoom(room)
	select {
	case <-s.Updates():
	case <-time.After(time.Second):
		t.Fatal("EnterRoom did not signal")
	}

	pushMessage(t, conn, rec("m01"))
	select {
	case <-s.Updates():
	case <-time.After(time.Second):
		t.Fatal("push did not signal")
	}
	assert.Equal(t, fmt.Sprintf("%s/%s", models.RoomCommunity, "general"), s.Room().String())
}
