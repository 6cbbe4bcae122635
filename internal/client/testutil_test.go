package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/levelup-chat/levelup/internal/identity"
	"github.com/levelup-chat/levelup/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIdentity() identity.Identity {
	return identity.Identity{Token: "session-token", UserID: "u1", UserName: "alice"}
}

// fakeConn is an in-memory Conn driven by the test: events pushed into
// inbound come out of Read, events written by the code under test land
// on outbound.
type fakeConn struct {
	inbound  chan *protocol.Event
	outbound chan *protocol.Event
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan *protocol.Event, 64),
		outbound: make(chan *protocol.Event, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Read() (*protocol.Event, error) {
	select {
	case ev := <-c.inbound:
		return ev, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Write(ev *protocol.Event) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.outbound <- ev:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server event to the code under test.
func (c *fakeConn) push(t *testing.T, name string, payload any) {
	t.Helper()
	ev, err := protocol.NewEvent(name, payload)
	require.NoError(t, err)
	select {
	case c.inbound <- ev:
	case <-time.After(time.Second):
		t.Fatalf("inbound buffer full pushing %s", name)
	}
}

// awaitSent waits for the next outbound event and asserts its name.
func (c *fakeConn) awaitSent(t *testing.T, name string) *protocol.Event {
	t.Helper()
	select {
	case ev := <-c.outbound:
		require.Equal(t, name, ev.Name, "unexpected outbound event")
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for outbound %s", name)
		return nil
	}
}

// assertNoSend asserts that nothing is written for a short grace
// period.
func (c *fakeConn) assertNoSend(t *testing.T) {
	t.Helper()
	select {
	case ev := <-c.outbound:
		t.Fatalf("unexpected outbound event %s", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeTransport hands out fakeConns and can be told to refuse dials.
type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failNext int
	conns    []*fakeConn
}

func (tr *fakeTransport) Dial(ctx context.Context, rawURL string, id identity.Identity) (Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.dials++
	if tr.failNext > 0 {
		tr.failNext--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	tr.conns = append(tr.conns, c)
	return c, nil
}

func (tr *fakeTransport) dialCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dials
}

func (tr *fakeTransport) refuseNext(n int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.failNext = n
}

func (tr *fakeTransport) last() *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.conns) == 0 {
		return nil
	}
	return tr.conns[len(tr.conns)-1]
}

// fastStrategy keeps reconnect tests quick under real time.
func fastStrategy(retries int) *ReconnectStrategy {
	return &ReconnectStrategy{
		MaxRetries:    retries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// newTestManager returns a connected manager backed by a fake
// transport, plus the active fake connection.
func newTestManager(t *testing.T) (*Manager, *fakeTransport, *fakeConn) {
	t.Helper()
	tr := &fakeTransport{}
	m, err := NewManager(ManagerConfig{
		GatewayURL: "ws://gateway.test/ws",
		Transport:  tr,
		Strategy:   fastStrategy(5),
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background(), testIdentity()))
	t.Cleanup(m.Disconnect)
	return m, tr, tr.last()
}

// nextLifecycle waits for the next lifecycle event.
func nextLifecycle(t *testing.T, ch <-chan LifecycleEvent) LifecycleEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return LifecycleEvent{}
	}
}
