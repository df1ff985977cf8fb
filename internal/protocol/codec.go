package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformed means the frame was not a JSON envelope at all.
	ErrMalformed = errors.New("malformed frame")
	// ErrMissingRoom means the envelope carried no roomId.
	ErrMissingRoom = errors.New("missing roomId")
)

// UnknownKindError is returned for a type outside the closed event set.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Kind)
}

// MissingFieldError is returned when a kind's required payload field is
// absent or empty.
type MissingFieldError struct {
	Kind  EventKind
	Field string
}

func (e *MissingFieldError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("missing required field %q", e.Field)
	}
	return fmt.Sprintf("event %q missing required field %q", e.Kind, e.Field)
}

// Inbound is the decoded form of a client frame: one variant per event
// kind, with that kind's required fields statically present.
type Inbound interface {
	Kind() EventKind
	Room() string
}

type Join struct {
	RoomID string
	Name   string
}

func (j *Join) Kind() EventKind { return KindJoin }
func (j *Join) Room() string    { return j.RoomID }

type Draw struct {
	RoomID string
	Shape  json.RawMessage
}

func (d *Draw) Kind() EventKind { return KindDraw }
func (d *Draw) Room() string    { return d.RoomID }

type Update struct {
	RoomID string
	Shape  json.RawMessage
}

func (u *Update) Kind() EventKind { return KindUpdate }
func (u *Update) Room() string    { return u.RoomID }

type Delete struct {
	RoomID  string
	ShapeID string
}

func (d *Delete) Kind() EventKind { return KindDelete }
func (d *Delete) Room() string    { return d.RoomID }

type Clear struct {
	RoomID string
}

func (c *Clear) Kind() EventKind { return KindClear }
func (c *Clear) Room() string    { return c.RoomID }

type DrawingState struct {
	RoomID  string
	Drawing bool
}

func (d *DrawingState) Kind() EventKind {
	if d.Drawing {
		return KindDrawingStart
	}
	return KindDrawingEnd
}
func (d *DrawingState) Room() string { return d.RoomID }

type Chat struct {
	RoomID  string
	Message string
}

func (c *Chat) Kind() EventKind { return KindChat }
func (c *Chat) Room() string    { return c.RoomID }

// inboundEnvelope mirrors the wire shape for strict decoding after the
// gjson pre-checks pass.
type inboundEnvelope struct {
	Name    string    `json:"name"`
	Type    EventKind `json:"type"`
	RoomID  string    `json:"roomId"`
	Payload struct {
		Shape   json.RawMessage `json:"shape"`
		ShapeID string          `json:"shapeId"`
		Message string          `json:"message"`
	} `json:"payload"`
}

// Decode parses and validates one client frame. Every failure is explicit
// so the caller can report it back to the sender; nothing is dropped
// silently.
func Decode(data []byte) (Inbound, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	if !gjson.GetBytes(data, "type").Exists() {
		return nil, &MissingFieldError{Field: "type"}
	}
	if gjson.GetBytes(data, "roomId").String() == "" {
		return nil, ErrMissingRoom
	}

	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformed
	}

	switch env.Type {
	case KindJoin:
		return &Join{RoomID: env.RoomID, Name: env.Name}, nil
	case KindDraw:
		if len(env.Payload.Shape) == 0 {
			return nil, &MissingFieldError{Kind: env.Type, Field: "shape"}
		}
		return &Draw{RoomID: env.RoomID, Shape: env.Payload.Shape}, nil
	case KindUpdate:
		if len(env.Payload.Shape) == 0 {
			return nil, &MissingFieldError{Kind: env.Type, Field: "shape"}
		}
		return &Update{RoomID: env.RoomID, Shape: env.Payload.Shape}, nil
	case KindDelete:
		if env.Payload.ShapeID == "" {
			return nil, &MissingFieldError{Kind: env.Type, Field: "shapeId"}
		}
		return &Delete{RoomID: env.RoomID, ShapeID: env.Payload.ShapeID}, nil
	case KindClear:
		return &Clear{RoomID: env.RoomID}, nil
	case KindDrawingStart:
		return &DrawingState{RoomID: env.RoomID, Drawing: true}, nil
	case KindDrawingEnd:
		return &DrawingState{RoomID: env.RoomID, Drawing: false}, nil
	case KindChat:
		if env.Payload.Message == "" {
			return nil, &MissingFieldError{Kind: env.Type, Field: "message"}
		}
		return &Chat{RoomID: env.RoomID, Message: env.Payload.Message}, nil
	default:
		return nil, &UnknownKindError{Kind: string(env.Type)}
	}
}
