package registry

import (
	"time"

	"github.com/google/uuid"
)

// Conn is the narrow view of a transport connection the registry and
// broadcaster need. *transport.Connection satisfies it; tests substitute
// mocks.
type Conn interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// Member is one presence roster entry for a room. A user with several
// connections in the same room appears once; Drawing reflects their
// latest drawing_start/drawing_end.
type Member struct {
	UserID  string
	Name    string
	Photo   string
	Drawing bool
}

// Registry tracks live connections and presence per room. A connection
// belongs to at most one room; removing the last connection of a room
// deletes the room. All operations on a single room are linearized.
//
// Every method returning a roster returns it sorted by user id, computed
// atomically with the mutation it reports.
type Registry interface {
	// Add registers a connection under a room, creating the room on first
	// join, and returns the roster after the join.
	Add(roomID string, conn Conn, member Member) []Member

	// Remove deregisters a connection. The bool reports whether the
	// connection was present; the roster reflects the room after removal.
	Remove(roomID string, connID uuid.UUID) ([]Member, bool)

	// List returns a point-in-time snapshot of the room's connections.
	List(roomID string) []Conn

	// Members returns the current roster for a room.
	Members(roomID string) []Member

	// SetDrawing flips a member's drawing flag and returns the updated
	// roster; ok is false when the user is not in the room.
	SetDrawing(roomID, userID string, drawing bool) ([]Member, bool)

	// UserConnectionCount reports how many connections a user holds across
	// all rooms.
	UserConnectionCount(userID string) int

	// FindOldestUserConnection returns the user's longest-lived connection.
	FindOldestUserConnection(userID string) (Conn, bool)

	// AllConns snapshots every registered connection, for shutdown.
	AllConns() []Conn

	// Stats reports active room and connection counts.
	Stats() (rooms, conns int)
}

// entry is the registry's per-connection record.
type entry struct {
	conn     Conn
	userID   string
	joinedAt time.Time
}
