package protocol

import (
	"encoding/json"
)

// EventKind discriminates the wire envelope. The set is closed: anything
// else is rejected at decode time.
type EventKind string

const (
	KindJoin         EventKind = "join"
	KindDraw         EventKind = "draw"
	KindUpdate       EventKind = "update"
	KindDelete       EventKind = "delete"
	KindClear        EventKind = "clear"
	KindDrawingStart EventKind = "drawing_start"
	KindDrawingEnd   EventKind = "drawing_end"
	KindChat         EventKind = "chat"
	KindError        EventKind = "error"
	KindInit         EventKind = "init"
	KindUserJoined   EventKind = "user_joined"
	KindUserLeft     EventKind = "user_left"
)

// User is one presence roster entry.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Photo   string `json:"photo,omitempty"`
	Drawing bool   `json:"drawing"`
}

// ChatMessage is a relayed chat line. ID and Timestamp are assigned by the
// server at broadcast time.
type ChatMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Photo     string `json:"photo,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope is the outbound wire message.
type Envelope struct {
	Name    string    `json:"name,omitempty"`
	Type    EventKind `json:"type"`
	RoomID  string    `json:"roomId"`
	Payload Payload   `json:"payload"`
}

// Payload carries the kind-specific fields of an envelope. Constructors
// below set only the fields their kind defines.
type Payload struct {
	Shape       json.RawMessage   `json:"shape,omitempty"`
	Shapes      []json.RawMessage `json:"shapes,omitempty"`
	ShapeID     string            `json:"shapeId,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	Message     string            `json:"message,omitempty"`
	Users       []User            `json:"users,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	ChatMessage *ChatMessage      `json:"chatMessage,omitempty"`
}

// Encode marshals an envelope to its wire form.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// NewErrorEvent reports a protocol problem back to a single sender.
func NewErrorEvent(roomID, message string) *Envelope {
	return &Envelope{
		Type:    KindError,
		RoomID:  roomID,
		Payload: Payload{Message: message},
	}
}

// NewInitEvent is sent to a joiner only: the current shape snapshot plus
// the room roster including the joiner itself.
func NewInitEvent(roomID string, shapes []json.RawMessage, users []User) *Envelope {
	return &Envelope{
		Type:    KindInit,
		RoomID:  roomID,
		Payload: Payload{Shapes: shapes, Users: users},
	}
}

// NewPresenceEvent carries the full roster after a membership or drawing
// state change. kind is user_joined or user_left; userID names the member
// that triggered the change.
func NewPresenceEvent(kind EventKind, roomID, userID string, users []User) *Envelope {
	return &Envelope{
		Type:    kind,
		RoomID:  roomID,
		Payload: Payload{Users: users, UserID: userID},
	}
}

// NewChatEvent wraps a server-stamped chat message.
func NewChatEvent(roomID string, msg ChatMessage) *Envelope {
	return &Envelope{
		Name:    msg.Name,
		Type:    KindChat,
		RoomID:  roomID,
		Payload: Payload{ChatMessage: &msg},
	}
}
