// Package session holds the table of connected sessions and their room
// membership, and fans frames out to rooms.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auctionhouse/internal/protocol"
)

// NoRoom is the room id of a session that is not in any room. Store room ids
// start at 1.
const NoRoom int64 = 0

// DefaultCapacity is the maximum number of live sessions.
const DefaultCapacity = 1024

var (
	ErrRegistryFull     = errors.New("session registry full")
	ErrUnknownSession   = errors.New("unknown session")
	ErrNotAuthenticated = errors.New("session not authenticated")
	ErrInvalidRoom      = errors.New("invalid room id")
	ErrNotInRoom        = errors.New("session not in a room")
)

// State is the lifecycle state of a session.
type State int

const (
	StateDisconnected State = iota
	StateAuthenticated
	StateInLobby
	StateInRoom
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticated:
		return "authenticated"
	case StateInLobby:
		return "in_lobby"
	case StateInRoom:
		return "in_room"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Peer is the outbound side of one connection.
type Peer interface {
	// Send writes one frame, best effort.
	Send(ctx context.Context, msg protocol.Message) error
	// SendReliable writes one frame flagged requires-ack and tracks it until
	// the peer acknowledges it.
	SendReliable(ctx context.Context, typ protocol.Type, payload []byte) (uint32, error)
	// Close releases the connection; the owning read loop then exits.
	Close() error
}

// Session is a point-in-time copy of one registry entry.
type Session struct {
	ID            uint64
	UserID        int64 // 0 = unauthenticated
	Username      string
	Token         string
	RoomID        int64
	State         State
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Authenticated reports whether a user is bound to the session.
func (s Session) Authenticated() bool { return s.UserID != 0 }

// InRoom reports whether the session is currently in a room.
func (s Session) InRoom() bool { return s.RoomID != NoRoom }
