package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/levelup-chat/levelup/internal/models"
	"github.com/levelup-chat/levelup/internal/protocol"
)

// AccessState is the per-room access decision state
type AccessState int

const (
	AccessUnknown AccessState = iota
	AccessChecking
	AccessGranted
	AccessDenied
)

// String returns a human-readable representation of the access state
func (s AccessState) String() string {
	switch s {
	case AccessUnknown:
		return "Unknown"
	case AccessChecking:
		return "Checking"
	case AccessGranted:
		return "Granted"
	case AccessDenied:
		return "Denied"
	default:
		return "Invalid"
	}
}

// DeniedReason is the terminal reason code for a denied subscription.
type DeniedReason string

const (
	DeniedNotMember        DeniedReason = "NOT_MEMBER"
	DeniedNotAuthenticated DeniedReason = "NOT_AUTHENTICATED"
	DeniedCheckFailed      DeniedReason = "MEMBERSHIP_CHECK_FAILED"
)

// RoomSubscription is the observable state of one room request.
type RoomSubscription struct {
	Room   models.RoomRef
	Access AccessState
	Reason DeniedReason
	Joined bool
}

// MembershipChecker answers whether a user belongs to a clan. The
// production implementation is MembershipClient.
type MembershipChecker interface {
	CheckMembership(ctx context.Context, userID, roomID string) (bool, error)
}

// Gatekeeper decides, per room, whether the bound identity may
// subscribe to its live events. Community rooms are granted
// immediately; clan rooms go through an out-of-band membership check
// first. A join event is emitted at most once per subscription, and a
// released subscription can never be resurrected by a late check
// result.
type Gatekeeper struct {
	manager    *Manager
	membership MembershipChecker
	logger     *slog.Logger

	mu      sync.Mutex
	rooms   map[models.RoomRef]*roomEntry
	nextGen int

	done      chan struct{}
	unsubLife func()
	unsubDeny func()
}

type roomEntry struct {
	sub     RoomSubscription
	gen     int
	updates chan RoomSubscription
	cancel  context.CancelFunc
}

// NewGatekeeper creates a Gatekeeper wired to the manager's lifecycle
// and access-denied events.
func NewGatekeeper(manager *Manager, membership MembershipChecker, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gatekeeper{
		manager:    manager,
		membership: membership,
		logger:     logger,
		rooms:      make(map[models.RoomRef]*roomEntry),
		done:       make(chan struct{}),
	}

	g.unsubDeny = manager.Handle(protocol.EventAccessDenied, g.handleAccessDenied)

	lifecycle, cancel := manager.Subscribe()
	g.unsubLife = cancel
	go g.watchLifecycle(lifecycle)

	return g
}

// Close detaches the Gatekeeper from the manager and abandons any
// in-flight membership checks. It does not emit leave events.
func (g *Gatekeeper) Close() {
	g.unsubLife()
	g.unsubDeny()
	close(g.done)

	g.mu.Lock()
	defer g.mu.Unlock()
	for room, e := range g.rooms {
		if e.cancel != nil {
			e.cancel()
		}
		close(e.updates)
		delete(g.rooms, room)
	}
}

// RequestRoom asks for access to a room and returns its update stream.
// Re-requesting a room that is already Checking or Granted is a no-op
// returning the existing stream; a Denied or Unknown room is retried.
func (g *Gatekeeper) RequestRoom(room models.RoomRef) <-chan RoomSubscription {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.rooms[room]; ok {
		if e.sub.Access == AccessChecking || e.sub.Access == AccessGranted {
			return e.updates
		}
		// Denied or Unknown: this is a fresh attempt. Invalidate any
		// straggler goroutine from the old entry and replace it.
		if e.cancel != nil {
			e.cancel()
		}
		close(e.updates)
	}

	g.nextGen++
	e := &roomEntry{
		sub:     RoomSubscription{Room: room},
		gen:     g.nextGen,
		updates: make(chan RoomSubscription, 8),
	}
	g.rooms[room] = e

	if !room.Kind.Restricted() {
		g.grantLocked(e)
		return e.updates
	}

	id := g.manager.Identity()
	if !id.Authenticated() {
		g.denyLocked(e, DeniedNotAuthenticated)
		return e.updates
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.sub.Access = AccessChecking
	g.publishLocked(e)
	go g.check(ctx, room, id.UserID, e.gen)

	return e.updates
}

// ReleaseRoom tears a subscription down: a granted, joined room gets a
// leave event; an in-flight check is cancelled so its late result is
// ignored. The update stream is closed.
func (g *Gatekeeper) ReleaseRoom(room models.RoomRef) {
	g.mu.Lock()
	e, ok := g.rooms[room]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, room)
	if e.cancel != nil {
		e.cancel()
	}
	wasJoined := e.sub.Access == AccessGranted && e.sub.Joined
	close(e.updates)
	g.mu.Unlock()

	if wasJoined {
		if err := g.manager.Send(protocol.EventLeaveRoom, protocol.RoomPayload{
			RoomKind: room.Kind,
			RoomID:   room.ID,
		}); err != nil {
			g.logger.Warn("leave event not sent", "room", room.String(), "error", err)
		}
	}
}

// Subscription returns the current state of a room request.
func (g *Gatekeeper) Subscription(room models.RoomRef) (RoomSubscription, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.rooms[room]
	if !ok {
		return RoomSubscription{Room: room}, false
	}
	return e.sub, true
}

// check runs the out-of-band membership lookup. The generation guard
// makes the result a no-op if the subscription was released or
// replaced while the request was in flight.
func (g *Gatekeeper) check(ctx context.Context, room models.RoomRef, userID string, gen int) {
	member, err := g.membership.CheckMembership(ctx, userID, room.ID)

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.rooms[room]
	if !ok || e.gen != gen || ctx.Err() != nil {
		return
	}

	switch {
	case err != nil:
		g.logger.Warn("membership check failed", "room", room.String(), "error", err)
		g.denyLocked(e, DeniedCheckFailed)
	case !member:
		g.denyLocked(e, DeniedNotMember)
	default:
		g.grantLocked(e)
	}
}

func (g *Gatekeeper) grantLocked(e *roomEntry) {
	e.sub.Access = AccessGranted
	e.sub.Reason = ""
	g.joinLocked(e)
	g.publishLocked(e)
}

func (g *Gatekeeper) denyLocked(e *roomEntry, reason DeniedReason) {
	e.sub.Access = AccessDenied
	e.sub.Reason = reason
	e.sub.Joined = false
	g.publishLocked(e)
}

// joinLocked emits the join event if the channel is up. If it is not,
// the join is deferred to the next Connected/Reconnected lifecycle
// event.
func (g *Gatekeeper) joinLocked(e *roomEntry) {
	if g.manager.State() != StateConnected {
		return
	}
	err := g.manager.Send(protocol.EventJoinRoom, protocol.RoomPayload{
		RoomKind: e.sub.Room.Kind,
		RoomID:   e.sub.Room.ID,
	})
	if err != nil {
		g.logger.Warn("join event not sent", "room", e.sub.Room.String(), "error", err)
		return
	}
	e.sub.Joined = true
}

func (g *Gatekeeper) publishLocked(e *roomEntry) {
	select {
	case e.updates <- e.sub:
	default:
		g.logger.Debug("room subscription observer lagging", "room", e.sub.Room.String())
	}
}

func (g *Gatekeeper) watchLifecycle(events <-chan LifecycleEvent) {
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case LifecycleConnected, LifecycleReconnected:
				g.joinGranted()
			case LifecycleDisconnected:
				if ev.Err != nil {
					// Transport loss with reconnection pending: access
					// decisions survive, but nothing is joined anymore.
					g.markUnjoined()
				} else {
					// Deliberate disconnect tears every subscription
					// back to Unknown.
					g.resetAll()
				}
			case LifecycleReconnectFailed:
				g.resetAll()
			}
		case <-g.done:
			return
		}
	}
}

// joinGranted re-issues join events for rooms whose access decision
// survived a reconnect. The manager deliberately leaves this to us.
func (g *Gatekeeper) joinGranted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.rooms {
		if e.sub.Access != AccessGranted {
			continue
		}
		e.sub.Joined = false
		g.joinLocked(e)
		g.publishLocked(e)
	}
}

func (g *Gatekeeper) markUnjoined() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.rooms {
		if e.sub.Joined {
			e.sub.Joined = false
			g.publishLocked(e)
		}
	}
}

func (g *Gatekeeper) resetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.rooms {
		if e.cancel != nil {
			e.cancel()
		}
		e.sub.Access = AccessUnknown
		e.sub.Reason = ""
		e.sub.Joined = false
		g.publishLocked(e)
	}
}

// handleAccessDenied applies a server-side denial. Older gateways omit
// the room id, in which case the decision lands on the pending clan
// subscription.
func (g *Gatekeeper) handleAccessDenied(data json.RawMessage) {
	var payload protocol.AccessDeniedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.logger.Warn("malformed access-denied payload", "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range g.rooms {
		if payload.RoomID != "" && e.sub.Room.ID != payload.RoomID {
			continue
		}
		if payload.RoomID == "" && !e.sub.Room.Kind.Restricted() {
			continue
		}
		if e.sub.Access != AccessChecking && e.sub.Access != AccessGranted {
			continue
		}
		reason := DeniedReason(payload.Code)
		if reason == "" {
			reason = DeniedCheckFailed
		}
		g.denyLocked(e, reason)
	}
}
