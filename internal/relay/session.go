package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kartik-212004/collaborative-board/internal/auth"
	"github.com/kartik-212004/collaborative-board/internal/protocol"
	"github.com/kartik-212004/collaborative-board/internal/registry"
	"github.com/kartik-212004/collaborative-board/internal/snapshot"
)

// ErrRoomNotFound is fatal to a join: the external store does not know
// the room, so the connection is closed.
var ErrRoomNotFound = errors.New("room not found")

type sessionState int

const (
	stateAwaitingJoin sessionState = iota
	stateActive
	stateClosed
)

// Session drives one authenticated connection through its lifecycle:
// awaiting join, active message loop, closed. Protocol errors are
// reported back on the same connection and keep it open; auth and join
// failures close it. All per-connection errors stay contained here.
type Session struct {
	logger   *slog.Logger
	conn     registry.Conn
	identity auth.Identity
	reg      registry.Registry
	bc       *Broadcaster
	store    snapshot.Store

	mu     sync.Mutex
	state  sessionState
	roomID string
	name   string
}

func NewSession(
	logger *slog.Logger,
	conn registry.Conn,
	identity auth.Identity,
	reg registry.Registry,
	bc *Broadcaster,
	store snapshot.Store,
) *Session {
	return &Session{
		logger: logger.With(
			slog.String("connID", conn.ID().String()),
			slog.String("userID", identity.ID),
		),
		conn:     conn,
		identity: identity,
		reg:      reg,
		bc:       bc,
		store:    store,
		state:    stateAwaitingJoin,
		name:     identity.Name,
	}
}

// HandleMessage is the connection's inbound frame handler.
func (s *Session) HandleMessage(ctx context.Context, connID uuid.UUID, data []byte) {
	in, err := protocol.Decode(data)

	s.mu.Lock()
	if err != nil {
		s.logger.Warn("Rejected inbound frame", slog.Any("error", err))
		s.sendError(s.roomID, err.Error())
		s.mu.Unlock()
		return
	}

	var closeErr error
	switch s.state {
	case stateClosed:
	case stateAwaitingJoin:
		if join, ok := in.(*protocol.Join); ok {
			closeErr = s.join(ctx, join)
		} else {
			s.sendError(in.Room(), "not joined")
		}
	case stateActive:
		s.dispatch(in, data)
	}
	s.mu.Unlock()

	// Closing re-enters the session through the connection's close
	// handler, so it must happen after the lock is released.
	if closeErr != nil {
		s.conn.Close(closeErr)
	}
}

// join moves the session to Active: check the room against the external
// store, register, send init to the joiner, then announce the new roster
// to the whole room. A non-nil return is fatal; the caller closes the
// connection once the session lock is released.
func (s *Session) join(ctx context.Context, join *protocol.Join) error {
	exists, err := s.store.RoomExists(ctx, join.RoomID)
	if err != nil {
		// The store being unreachable must not take the relay down with
		// it; admit the join and log.
		s.logger.Warn("Room existence check failed, admitting join", slog.Any("error", err))
		exists = true
	}
	if !exists {
		s.logger.Info("Join rejected, unknown room", slog.String("roomID", join.RoomID))
		s.state = stateClosed
		return ErrRoomNotFound
	}

	shapes, err := s.store.Shapes(ctx, join.RoomID)
	if err != nil {
		s.logger.Warn("Shape snapshot unavailable, sending empty init", slog.Any("error", err))
		shapes = nil
	}

	if join.Name != "" {
		s.name = join.Name
	}
	roster := s.reg.Add(join.RoomID, s.conn, registry.Member{
		UserID: s.identity.ID,
		Name:   s.name,
		Photo:  s.identity.Photo,
	})
	s.roomID = join.RoomID
	s.state = stateActive

	initData, err := protocol.Encode(protocol.NewInitEvent(join.RoomID, shapes, toUsers(roster)))
	if err != nil {
		s.logger.Error("Failed to encode init event", slog.Any("error", err))
	} else {
		s.conn.Send(initData)
	}

	s.bc.BroadcastEvent(join.RoomID,
		protocol.NewPresenceEvent(protocol.KindUserJoined, join.RoomID, s.identity.ID, toUsers(roster)),
		uuid.Nil,
	)
	s.logger.Info("Session active", slog.String("roomID", join.RoomID))
	return nil
}

// dispatch handles one decoded event while Active.
func (s *Session) dispatch(in protocol.Inbound, raw []byte) {
	if in.Room() != s.roomID {
		s.sendError(s.roomID, "roomId does not match joined room")
		return
	}

	switch ev := in.(type) {
	case *protocol.Join:
		s.sendError(s.roomID, "already joined")

	case *protocol.Draw, *protocol.Update, *protocol.Delete, *protocol.Clear:
		// Shape traffic is opaque to the relay: pass the validated frame
		// through to everyone else, echo-free for the sender.
		s.bc.Broadcast(s.roomID, raw, s.conn.ID())

	case *protocol.Chat:
		msg := protocol.ChatMessage{
			ID:        uuid.NewString(),
			UserID:    s.identity.ID,
			Name:      s.name,
			Photo:     s.identity.Photo,
			Message:   ev.Message,
			Timestamp: time.Now().UnixMilli(),
		}
		s.bc.BroadcastEvent(s.roomID, protocol.NewChatEvent(s.roomID, msg), uuid.Nil)

	case *protocol.DrawingState:
		roster, ok := s.reg.SetDrawing(s.roomID, s.identity.ID, ev.Drawing)
		if !ok {
			return
		}
		s.bc.BroadcastEvent(s.roomID,
			protocol.NewPresenceEvent(protocol.KindUserJoined, s.roomID, s.identity.ID, toUsers(roster)),
			uuid.Nil,
		)
	}
}

// Closed is the connection's close handler. It runs exactly once per
// connection: deregister, then announce the shrunken roster.
func (s *Session) Closed(connID uuid.UUID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	s.state = stateClosed
	if prev != stateActive || s.roomID == "" {
		return
	}

	roster, removed := s.reg.Remove(s.roomID, connID)
	if !removed {
		return
	}
	s.bc.BroadcastEvent(s.roomID,
		protocol.NewPresenceEvent(protocol.KindUserLeft, s.roomID, s.identity.ID, toUsers(roster)),
		uuid.Nil,
	)
	s.logger.Info("Session closed", slog.String("roomID", s.roomID), slog.Any("reason", err))
}

func (s *Session) sendError(roomID, message string) {
	data, err := protocol.Encode(protocol.NewErrorEvent(roomID, message))
	if err != nil {
		s.logger.Error("Failed to encode error event", slog.Any("error", err))
		return
	}
	s.conn.Send(data)
}

func toUsers(members []registry.Member) []protocol.User {
	users := make([]protocol.User, len(members))
	for i, m := range members {
		users[i] = protocol.User{
			ID:      m.UserID,
			Name:    m.Name,
			Photo:   m.Photo,
			Drawing: m.Drawing,
		}
	}
	return users
}
