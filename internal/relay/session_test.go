package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartik-212004/collaborative-board/internal/auth"
	"github.com/kartik-212004/collaborative-board/internal/protocol"
	"github.com/kartik-212004/collaborative-board/internal/registry"
)

type mockConn struct {
	id       uuid.UUID
	mu       sync.Mutex
	received [][]byte
	closed   bool
	closeErr error

	// closeFn mirrors transport.Connection's contract: Close invokes the
	// registered close handler synchronously, exactly once.
	closeFn func(err error)
}

func newMockConn() *mockConn {
	return &mockConn{id: uuid.New()}
}

func (m *mockConn) ID() uuid.UUID { return m.id }

func (m *mockConn) Send(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.received = append(m.received, buf)
}

func (m *mockConn) Close(err error) {
	m.mu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	m.closeErr = err
	m.mu.Unlock()

	if !alreadyClosed && m.closeFn != nil {
		m.closeFn(err)
	}
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// events decodes everything the connection received.
func (m *mockConn) events(t *testing.T) []protocol.Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	envs := make([]protocol.Envelope, 0, len(m.received))
	for _, data := range m.received {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		envs = append(envs, env)
	}
	return envs
}

func (m *mockConn) eventsOfKind(t *testing.T, kind protocol.EventKind) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, env := range m.events(t) {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

type fakeStore struct {
	rooms  map[string]bool // nil admits every room
	shapes map[string][]json.RawMessage
	err    error
}

func (f *fakeStore) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.rooms == nil {
		return true, nil
	}
	return f.rooms[roomID], nil
}

func (f *fakeStore) Shapes(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.shapes[roomID], nil
}

func testLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type harness struct {
	t     *testing.T
	reg   registry.Registry
	bc    *Broadcaster
	store *fakeStore
}

func newHarness(t *testing.T) *harness {
	logger := testLogger()
	reg := registry.NewInMemory(logger)
	return &harness{
		t:     t,
		reg:   reg,
		bc:    NewBroadcaster(reg, logger),
		store: &fakeStore{},
	}
}

func (h *harness) connect(userID, name string) (*Session, *mockConn) {
	conn := newMockConn()
	identity := auth.Identity{ID: userID, Name: name}
	session := NewSession(testLogger(), conn, identity, h.reg, h.bc, h.store)
	// wire the close handler the way the app does
	conn.closeFn = func(err error) { session.Closed(conn.ID(), err) }
	return session, conn
}

func (h *harness) joined(userID, name, roomID string) (*Session, *mockConn) {
	session, conn := h.connect(userID, name)
	frame := fmt.Sprintf(`{"type":"join","roomId":%q,"payload":{}}`, roomID)
	session.HandleMessage(context.Background(), conn.ID(), []byte(frame))
	return session, conn
}

func TestEventBeforeJoinRejected(t *testing.T) {
	h := newHarness(t)
	session, conn := h.connect("u1", "Alice")
	_, other := h.joined("u2", "Bob", "ABCDE")
	otherBaseline := len(other.events(t))

	session.HandleMessage(context.Background(), conn.ID(),
		[]byte(`{"type":"draw","roomId":"ABCDE","payload":{"shape":{"id":"s1"}}}`))

	errs := conn.eventsOfKind(t, protocol.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, "not joined", errs[0].Payload.Message)
	assert.False(t, conn.isClosed(), "protocol errors must not close the connection")
	assert.Len(t, other.events(t), otherBaseline, "rejected event must never reach the broadcaster")
}

func TestJoinSendsInitThenPresence(t *testing.T) {
	h := newHarness(t)
	_, c1 := h.joined("u1", "Alice", "ABCDE")

	inits := c1.eventsOfKind(t, protocol.KindInit)
	require.Len(t, inits, 1)
	require.Len(t, inits[0].Payload.Users, 1)
	assert.Equal(t, "u1", inits[0].Payload.Users[0].ID)

	joined := c1.eventsOfKind(t, protocol.KindUserJoined)
	require.Len(t, joined, 1)
	assert.Len(t, joined[0].Payload.Users, 1)

	// second client joins the same room
	_, c2 := h.joined("u2", "Bob", "ABCDE")

	joined1 := c1.eventsOfKind(t, protocol.KindUserJoined)
	require.Len(t, joined1, 2, "existing member must see the new joiner")
	assert.Len(t, joined1[1].Payload.Users, 2)

	joined2 := c2.eventsOfKind(t, protocol.KindUserJoined)
	require.Len(t, joined2, 1)
	assert.Len(t, joined2[0].Payload.Users, 2)
	assert.Equal(t, "u2", joined2[0].Payload.UserID)
}

func TestInitCarriesSnapshotShapes(t *testing.T) {
	h := newHarness(t)
	h.store.shapes = map[string][]json.RawMessage{
		"ABCDE": {json.RawMessage(`{"id":"s1"}`), json.RawMessage(`{"id":"s2"}`)},
	}

	_, conn := h.joined("u1", "Alice", "ABCDE")

	inits := conn.eventsOfKind(t, protocol.KindInit)
	require.Len(t, inits, 1)
	assert.Len(t, inits[0].Payload.Shapes, 2)
}

func TestJoinUnknownRoomClosesConnection(t *testing.T) {
	h := newHarness(t)
	h.store.rooms = map[string]bool{"ABCDE": true}

	session, conn := h.connect("u1", "Alice")
	session.HandleMessage(context.Background(), conn.ID(),
		[]byte(`{"type":"join","roomId":"NOPE","payload":{}}`))

	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, conn.closeErr, ErrRoomNotFound)
	assert.Empty(t, h.reg.List("NOPE"))
	assert.Empty(t, conn.eventsOfKind(t, protocol.KindInit))
}

func TestUnknownRoomCloseDoesNotBlockHandler(t *testing.T) {
	h := newHarness(t)
	h.store.rooms = map[string]bool{"ABCDE": true}
	session, conn := h.connect("u1", "Alice")

	// conn.Close re-enters Session.Closed synchronously, like the real
	// transport; the handler must not hold its lock across that call.
	done := make(chan struct{})
	go func() {
		session.HandleMessage(context.Background(), conn.ID(),
			[]byte(`{"type":"join","roomId":"NOPE","payload":{}}`))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked while closing the connection for an unknown room")
	}
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, conn.closeErr, ErrRoomNotFound)
}

func TestStoreFailureStillAdmitsJoin(t *testing.T) {
	h := newHarness(t)
	h.store.err = fmt.Errorf("store unreachable")

	_, conn := h.joined("u1", "Alice", "ABCDE")

	assert.False(t, conn.isClosed())
	require.Len(t, conn.eventsOfKind(t, protocol.KindInit), 1)
}

func TestDrawFanOutExcludesSender(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")
	_, c2 := h.joined("u2", "Bob", "ABCDE")

	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"draw","roomId":"ABCDE","payload":{"shape":{"id":"s1","kind":"rect"}}}`))

	draws2 := c2.eventsOfKind(t, protocol.KindDraw)
	require.Len(t, draws2, 1)
	var shape map[string]any
	require.NoError(t, json.Unmarshal(draws2[0].Payload.Shape, &shape))
	assert.Equal(t, "s1", shape["id"])

	assert.Empty(t, c1.eventsOfKind(t, protocol.KindDraw), "sender must not receive its own draw back")
}

func TestDrawNeverCrossesRooms(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")
	_, c2 := h.joined("u2", "Bob", "ABCDE")
	_, c3 := h.joined("u3", "Carol", "OTHER")

	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"draw","roomId":"ABCDE","payload":{"shape":{"id":"s1"}}}`))

	assert.Len(t, c2.eventsOfKind(t, protocol.KindDraw), 1)
	assert.Empty(t, c3.eventsOfKind(t, protocol.KindDraw))
}

func TestRoomMismatchRejected(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")
	_, c2 := h.joined("u2", "Bob", "OTHER")

	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"draw","roomId":"OTHER","payload":{"shape":{"id":"s1"}}}`))

	errs := c1.eventsOfKind(t, protocol.KindError)
	require.Len(t, errs, 1)
	assert.Empty(t, c2.eventsOfKind(t, protocol.KindDraw))
}

func TestDuplicateJoinRejected(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")

	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"join","roomId":"ABCDE","payload":{}}`))

	errs := c1.eventsOfKind(t, protocol.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, "already joined", errs[0].Payload.Message)
	assert.Len(t, c1.eventsOfKind(t, protocol.KindInit), 1, "init is sent once")
}

func TestChatEchoWithServerStamp(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")
	_, c2 := h.joined("u2", "Bob", "ABCDE")

	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"chat","roomId":"ABCDE","payload":{"message":"hi"}}`))

	for _, conn := range []*mockConn{c1, c2} {
		chats := conn.eventsOfKind(t, protocol.KindChat)
		require.Len(t, chats, 1, "chat is echoed to all members including the sender")
		msg := chats[0].Payload.ChatMessage
		require.NotNil(t, msg)
		assert.Equal(t, "hi", msg.Message)
		assert.Equal(t, "u1", msg.UserID)
		assert.NotEmpty(t, msg.ID, "server must assign a chat message id")
		assert.Positive(t, msg.Timestamp, "server must assign a timestamp")
	}
}

func TestJoinNameOverrideUsedForChat(t *testing.T) {
	h := newHarness(t)
	session, conn := h.connect("u1", "TokenName")

	session.HandleMessage(context.Background(), conn.ID(),
		[]byte(`{"name":"Sketchy","type":"join","roomId":"ABCDE","payload":{}}`))
	session.HandleMessage(context.Background(), conn.ID(),
		[]byte(`{"type":"chat","roomId":"ABCDE","payload":{"message":"hi"}}`))

	inits := conn.eventsOfKind(t, protocol.KindInit)
	require.Len(t, inits, 1)
	require.Len(t, inits[0].Payload.Users, 1)
	assert.Equal(t, "Sketchy", inits[0].Payload.Users[0].Name)

	chats := conn.eventsOfKind(t, protocol.KindChat)
	require.Len(t, chats, 1)
	require.NotNil(t, chats[0].Payload.ChatMessage)
	assert.Equal(t, "Sketchy", chats[0].Payload.ChatMessage.Name,
		"chat must use the same name the roster shows")
}

func TestDrawingStateUpdatesPresence(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")
	_, c2 := h.joined("u2", "Bob", "ABCDE")

	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"drawing_start","roomId":"ABCDE","payload":{}}`))

	updates := c2.eventsOfKind(t, protocol.KindUserJoined)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	require.Len(t, last.Payload.Users, 2)
	assert.True(t, findUser(t, last.Payload.Users, "u1").Drawing)

	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"drawing_end","roomId":"ABCDE","payload":{}}`))

	updates = c2.eventsOfKind(t, protocol.KindUserJoined)
	last = updates[len(updates)-1]
	assert.False(t, findUser(t, last.Payload.Users, "u1").Drawing)
}

func TestMalformedFrameSingleErrorNoBroadcast(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")
	_, c2 := h.joined("u2", "Bob", "ABCDE")
	baseline := len(c2.events(t))

	s1.HandleMessage(context.Background(), c1.ID(), []byte(`{"type":"draw"`))

	errs := c1.eventsOfKind(t, protocol.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, "ABCDE", errs[0].RoomID, "errors after join carry the joined room id")
	assert.Len(t, c2.events(t), baseline)
	assert.False(t, c1.isClosed())

	// the connection keeps working afterwards
	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"draw","roomId":"ABCDE","payload":{"shape":{"id":"s1"}}}`))
	assert.Len(t, c2.eventsOfKind(t, protocol.KindDraw), 1)
}

func TestUnknownKindReportedNotDropped(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")

	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"teleport","roomId":"ABCDE","payload":{}}`))

	errs := c1.eventsOfKind(t, protocol.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Payload.Message, "teleport")
}

func TestDisconnectBroadcastsSingleUserLeft(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")
	_, c2 := h.joined("u2", "Bob", "ABCDE")

	s1.Closed(c1.ID(), nil)
	s1.Closed(c1.ID(), nil) // close handlers can fire from both pumps

	left := c2.eventsOfKind(t, protocol.KindUserLeft)
	require.Len(t, left, 1, "exactly one user_left per disconnect")
	assert.Len(t, left[0].Payload.Users, 1)
	assert.Equal(t, "u1", left[0].Payload.UserID)

	for _, conn := range h.reg.List("ABCDE") {
		assert.NotEqual(t, c1.ID(), conn.ID(), "closed connection must leave the registry")
	}
}

func TestCloseBeforeJoinIsSilent(t *testing.T) {
	h := newHarness(t)
	session, conn := h.connect("u1", "Alice")
	_, other := h.joined("u2", "Bob", "ABCDE")
	baseline := len(other.events(t))

	session.Closed(conn.ID(), nil)

	assert.Len(t, other.events(t), baseline)
	_, conns := h.reg.Stats()
	assert.Equal(t, 1, conns)
}

func TestMessagesAfterCloseIgnored(t *testing.T) {
	h := newHarness(t)
	s1, c1 := h.joined("u1", "Alice", "ABCDE")
	_, c2 := h.joined("u2", "Bob", "ABCDE")

	s1.Closed(c1.ID(), nil)
	baseline := len(c2.events(t))

	s1.HandleMessage(context.Background(), c1.ID(),
		[]byte(`{"type":"draw","roomId":"ABCDE","payload":{"shape":{"id":"s1"}}}`))

	assert.Len(t, c2.events(t), baseline)
}

func findUser(t *testing.T, users []protocol.User, id string) protocol.User {
	t.Helper()
	for _, u := range users {
		if u.ID == id {
			return u
		}
	}
	t.Fatalf("user %s not in roster", id)
	return protocol.User{}
}
