package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memberState is the mutable presence record behind a roster entry. The
// refcount lets one user hold several connections in the same room; the
// roster entry disappears only when the last one leaves.
type memberState struct {
	name    string
	photo   string
	drawing bool
	conns   int
}

type room struct {
	entries map[uuid.UUID]*entry
	members map[string]*memberState
}

// InMemory is the process-local Registry. A single lock serializes all
// room mutations, which keeps a room's join/leave/presence updates
// linearized; every operation is a short in-memory map manipulation.
type InMemory struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	logger *slog.Logger
}

func NewInMemory(logger *slog.Logger) *InMemory {
	return &InMemory{
		rooms:  make(map[string]*room),
		logger: logger.With(slog.String("component", "registry")),
	}
}

// compile-time check to ensure InMemory implements Registry.
var _ Registry = (*InMemory)(nil)

func (m *InMemory) Add(roomID string, conn Conn, member Member) []Member {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		r = &room{
			entries: make(map[uuid.UUID]*entry),
			members: make(map[string]*memberState),
		}
		m.rooms[roomID] = r
		m.logger.Debug("Room created", slog.String("roomID", roomID))
	}

	connID := conn.ID()
	if _, exists := r.entries[connID]; exists {
		// already registered, nothing to do
		return r.roster()
	}

	r.entries[connID] = &entry{conn: conn, userID: member.UserID, joinedAt: time.Now()}

	ms, exists := r.members[member.UserID]
	if !exists {
		ms = &memberState{name: member.Name, photo: member.Photo}
		r.members[member.UserID] = ms
	}
	ms.conns++

	m.logger.Debug("Connection joined room",
		slog.String("connID", connID.String()),
		slog.String("userID", member.UserID),
		slog.String("roomID", roomID),
	)
	return r.roster()
}

func (m *InMemory) Remove(roomID string, connID uuid.UUID) ([]Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[connID]
	if !ok {
		return r.roster(), false
	}
	delete(r.entries, connID)

	if ms, ok := r.members[e.userID]; ok {
		ms.conns--
		if ms.conns <= 0 {
			delete(r.members, e.userID)
		}
	}

	// For memory hygiene, remove the room if it's now empty.
	if len(r.entries) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
		return []Member{}, true
	}

	m.logger.Debug("Connection left room",
		slog.String("connID", connID.String()),
		slog.String("roomID", roomID),
	)
	return r.roster(), true
}

func (m *InMemory) List(roomID string) []Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn)
	}
	return conns
}

func (m *InMemory) Members(roomID string) []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return r.roster()
}

func (m *InMemory) SetDrawing(roomID, userID string, drawing bool) ([]Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	ms, ok := r.members[userID]
	if !ok {
		return nil, false
	}
	ms.drawing = drawing
	return r.roster(), true
}

func (m *InMemory) UserConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.rooms {
		for _, e := range r.entries {
			if e.userID == userID {
				count++
			}
		}
	}
	return count
}

func (m *InMemory) FindOldestUserConnection(userID string) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *entry
	for _, r := range m.rooms {
		for _, e := range r.entries {
			if e.userID != userID {
				continue
			}
			if oldest == nil || e.joinedAt.Before(oldest.joinedAt) {
				oldest = e
			}
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest.conn, true
}

func (m *InMemory) AllConns() []Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var conns []Conn
	for _, r := range m.rooms {
		for _, e := range r.entries {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

func (m *InMemory) Stats() (rooms, conns int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms = len(m.rooms)
	for _, r := range m.rooms {
		conns += len(r.entries)
	}
	return rooms, conns
}

// roster builds the sorted member list. Callers must hold the lock.
func (r *room) roster() []Member {
	members := make([]Member, 0, len(r.members))
	for id, ms := range r.members {
		members = append(members, Member{
			UserID:  id,
			Name:    ms.name,
			Photo:   ms.photo,
			Drawing: ms.drawing,
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}
