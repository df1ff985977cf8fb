package relay

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/kartik-212004/collaborative-board/internal/protocol"
	"github.com/kartik-212004/collaborative-board/internal/registry"
)

// Broadcaster fans an event out to every connection of a room. Delivery
// is fire-and-forget per connection: each Send lands on that connection's
// bounded queue, so one slow or dead socket never delays its siblings. A
// connection whose writes fail tears itself down and leaves the registry
// through its close handler.
type Broadcaster struct {
	reg    registry.Registry
	logger *slog.Logger
}

func NewBroadcaster(reg registry.Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		reg:    reg,
		logger: logger.With(slog.String("component", "broadcaster")),
	}
}

// Broadcast sends raw bytes to every connection in the room, optionally
// skipping the sender. Pass uuid.Nil to deliver to everyone. Returns the
// number of connections the message was queued for.
func (b *Broadcaster) Broadcast(roomID string, data []byte, exclude uuid.UUID) int {
	conns := b.reg.List(roomID)
	n := 0
	for _, conn := range conns {
		if conn.ID() == exclude {
			continue
		}
		conn.Send(data)
		n++
	}
	b.logger.Debug("Broadcast delivered", slog.String("roomID", roomID), slog.Int("recipients", n))
	return n
}

// BroadcastEvent encodes the envelope once and fans it out.
func (b *Broadcaster) BroadcastEvent(roomID string, env *protocol.Envelope, exclude uuid.UUID) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	b.Broadcast(roomID, data, exclude)
	return nil
}
