package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"auctionhouse/internal/protocol"
)

// Registry is the table of live sessions with derived indexes by user id and
// by room id. Every operation runs under a single mutex; network writes are
// never performed while holding it.
type Registry struct {
	logger      *slog.Logger
	capacity    int
	sendTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*entry
	byUser   map[int64]uint64
	rooms    map[int64]map[uint64]struct{}
}

type entry struct {
	Session
	peer Peer
}

type Option func(*Registry)

func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSendTimeout bounds each broadcast write to a single peer.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:      slog.Default(),
		capacity:    DefaultCapacity,
		sendTimeout: 2 * time.Second,
		now:         time.Now,
		sessions:    make(map[uint64]*entry),
		byUser:      make(map[int64]uint64),
		rooms:       make(map[int64]map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a session for a newly accepted connection.
func (r *Registry) Register(peer Peer) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.capacity {
		return Session{}, ErrRegistryFull
	}
	r.nextID++
	now := r.now()
	e := &entry{
		Session: Session{
			ID:            r.nextID,
			State:         StateDisconnected,
			RoomID:        NoRoom,
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
		peer: peer,
	}
	r.sessions[e.ID] = e
	return e.Session, nil
}

// Unregister removes the session, clearing its room membership and user
// binding before closing the connection. Unknown ids are ignored.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		r.leaveRoomLocked(e)
		r.unbindLocked(e)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok && e.peer != nil {
		_ = e.peer.Close()
	}
}

// Get returns a copy of the session.
func (r *Registry) Get(id uint64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// ByUser returns the live session bound to userID.
func (r *Registry) ByUser(userID int64) (Session, Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if userID == 0 {
		return Session{}, nil, false
	}
	id, ok := r.byUser[userID]
	if !ok {
		return Session{}, nil, false
	}
	e := r.sessions[id]
	return e.Session, e.peer, true
}

// BindUser records a successful login on session id. If another live session
// already holds userID, that session is stripped of its binding and room and
// its peer is returned so the caller can apply the reconnect policy.
func (r *Registry) BindUser(id uint64, userID int64, username, token string) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}

	var superseded Peer
	if oldID, bound := r.byUser[userID]; bound && oldID != id {
		old := r.sessions[oldID]
		r.leaveRoomLocked(old)
		r.unbindLocked(old)
		superseded = old.peer
	}

	r.leaveRoomLocked(e)
	r.unbindLocked(e)

	e.UserID = userID
	e.Username = username
	e.Token = token
	e.State = StateAuthenticated
	r.byUser[userID] = id
	return superseded, nil
}

// EnterLobby moves an authenticated session into the lobby.
func (r *Registry) EnterLobby(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	switch e.State {
	case StateAuthenticated, StateInLobby:
		e.State = StateInLobby
		return nil
	case StateInRoom:
		r.leaveRoomLocked(e)
		return nil
	default:
		return ErrNotAuthenticated
	}
}

// Unbind logs the session out: room and user binding are cleared and the
// session returns to StateDisconnected.
func (r *Registry) Unbind(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	r.leaveRoomLocked(e)
	r.unbindLocked(e)
	return nil
}

// JoinRoom moves the session into roomID, leaving its current room in the
// same critical section.
func (r *Registry) JoinRoom(id uint64, roomID int64) error {
	if roomID <= NoRoom {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if e.UserID == 0 {
		return ErrNotAuthenticated
	}

	r.leaveRoomLocked(e)

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[uint64]struct{})
		r.rooms[roomID] = members
	}
	members[id] = struct{}{}
	e.RoomID = roomID
	e.State = StateInRoom
	return nil
}

// LeaveRoom returns the session to the lobby.
func (r *Registry) LeaveRoom(id uint64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return NoRoom, ErrUnknownSession
	}
	roomID := e.RoomID
	if !r.leaveRoomLocked(e) {
		return NoRoom, ErrNotInRoom
	}
	return roomID, nil
}

func (r *Registry) leaveRoomLocked(e *entry) bool {
	if e.RoomID == NoRoom {
		return false
	}
	if members, ok := r.rooms[e.RoomID]; ok {
		delete(members, e.ID)
		if len(members) == 0 {
			delete(r.rooms, e.RoomID)
		}
	}
	e.RoomID = NoRoom
	if e.UserID != 0 {
		e.State = StateInLobby
	}
	return true
}

func (r *Registry) unbindLocked(e *entry) {
	if e.UserID != 0 && r.byUser[e.UserID] == e.ID {
		delete(r.byUser, e.UserID)
	}
	e.UserID = 0
	e.Username = ""
	e.Token = ""
	e.State = StateDisconnected
}

// Touch records activity on the session.
func (r *Registry) Touch(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok {
		e.LastHeartbeat = r.now()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a copy of every live session ordered by id.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peers returns the peer of every live session. It is used by sweepers that
// must not hold the registry lock while writing.
func (r *Registry) Peers() map[uint64]Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint64]Peer, len(r.sessions))
	for id, e := range r.sessions {
		out[id] = e.peer
	}
	return out
}

// Idle returns the ids of sessions with no activity since before.
func (r *Registry) Idle(before time.Time) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []uint64
	for id, e := range r.sessions {
		if e.LastHeartbeat.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RoomMembers returns the sessions currently in roomID.
func (r *Registry) RoomMembers(roomID int64) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[roomID]
	out := make([]Session, 0, len(members))
	for id := range members {
		out = append(out, r.sessions[id].Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomCounts returns the member count of every non-empty room.
func (r *Registry) RoomCounts() map[int64]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[int64]int, len(r.rooms))
	for roomID, members := range r.rooms {
		out[roomID] = len(members)
	}
	return out
}

// BroadcastRoom delivers msg, flagged as a broadcast, to every member of
// roomID except exclude. It returns the number of successful deliveries.
func (r *Registry) BroadcastRoom(ctx context.Context, roomID int64, msg protocol.Message, exclude uint64) int {
	if roomID == NoRoom {
		return 0
	}
	r.mu.Lock()
	targets := make(map[uint64]Peer, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		if id != exclude {
			targets[id] = r.sessions[id].peer
		}
	}
	r.mu.Unlock()

	return r.deliver(ctx, targets, msg)
}

// BroadcastAll delivers msg to every live session except exclude.
func (r *Registry) BroadcastAll(ctx context.Context, msg protocol.Message, exclude uint64) int {
	r.mu.Lock()
	targets := make(map[uint64]Peer, len(r.sessions))
	for id, e := range r.sessions {
		if id != exclude {
			targets[id] = e.peer
		}
	}
	r.mu.Unlock()

	return r.deliver(ctx, targets, msg)
}

func (r *Registry) deliver(ctx context.Context, targets map[uint64]Peer, msg protocol.Message) int {
	msg.Flags |= protocol.FlagBroadcast

	delivered := 0
	for id, peer := range targets {
		if peer == nil {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		err := peer.Send(sctx, msg)
		cancel()
		if err != nil {
			r.logger.Warn("broadcast delivery failed",
				"session_id", id,
				"type", msg.Type,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}
