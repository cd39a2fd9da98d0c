package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-core/internal/presence"
	"chat-core/internal/ratelimit"
	"chat-core/internal/store"
	"chat-core/internal/typing"
	"chat-core/internal/user"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubValidator map[string]*user.User

func (s stubValidator) ValidateToken(token string) (uuid.UUID, string, error) {
	u, ok := s[token]
	if !ok {
		return uuid.Nil, "", errors.New("bad token")
	}
	return u.ID, u.Username, nil
}

type stubDirectory struct{}

func (stubDirectory) ListForUser(context.Context, uuid.UUID) ([]*store.Conversation, error) {
	return nil, nil
}

func (stubDirectory) GetOrCreateDirect(context.Context, uuid.UUID, uuid.UUID) (*store.Conversation, error) {
	return nil, nil
}

func (stubDirectory) CreateGroup(context.Context, uuid.UUID, string, []uuid.UUID) (*store.Conversation, error) {
	return nil, nil
}

type wsFixture struct {
	fs          *fakeStore
	coordinator *Coordinator
	registry    *Registry
	presence    *presence.Store
	server      *httptest.Server
}

// newWsFixture stands up the full socket path: real websockets and Redis
// state, in-memory durable store.
func newWsFixture(t *testing.T, tokens stubValidator, sendLimit int) *wsFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	fs := newFakeStore()
	registry := NewRegistry(testLogger())
	coordinator := NewCoordinator(fs, fs, fs, newFakeCache(50), testLogger())
	pres := presence.NewStore(rdb, time.Hour)
	tracker := typing.NewTracker(rdb, 10*time.Second)
	limiter := ratelimit.NewLimiter(rdb)

	h := NewHandler(coordinator, registry, pres, tracker, limiter,
		stubDirectory{}, tokens, sendLimit, time.Minute, testLogger())

	r := chi.NewRouter()
	r.Get("/ws/conversations/{conversationID}", h.ServeWs)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &wsFixture{fs: fs, coordinator: coordinator, registry: registry, presence: pres, server: srv}
}

func (f *wsFixture) dial(t *testing.T, conversationID uuid.UUID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") +
		"/ws/conversations/" + conversationID.String() + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForConnections blocks until n sockets are registered for the
// conversation. The dial handshake completes before the server side
// registers, so broadcast tests must not write until the receiver is in.
func (f *wsFixture) waitForConnections(t *testing.T, conversationID uuid.UUID, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.registry.ConnectionIDs(conversationID)) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestLiveMessageDelivery(t *testing.T) {
	req := require.New(t)
	alice, bob := testUser("alice"), testUser("bob")
	f := newWsFixture(t, stubValidator{"tok-a": alice, "tok-b": bob}, 30)
	conv := f.fs.addConversation(alice, bob)

	aliceConn := f.dial(t, conv.ID, "tok-a")
	bobConn := f.dial(t, conv.ID, "tok-b")
	f.waitForConnections(t, conv.ID, 2)

	req.NoError(aliceConn.WriteJSON(map[string]any{"type": "message", "content": "hi"}))

	frame := readFrame(t, bobConn)
	req.Equal("message", frame["type"])
	req.Equal("hi", frame["content"])
	req.Equal("sent", frame["read_status"])
	req.Equal(alice.ID.String(), frame["sender_id"])

	// The sender gets an echo of the persisted message.
	echo := readFrame(t, aliceConn)
	req.Equal("message", echo["type"])
	req.Equal("hi", echo["content"])
}

func TestWhitespaceContentDropped(t *testing.T) {
	req := require.New(t)
	alice, bob := testUser("alice"), testUser("bob")
	f := newWsFixture(t, stubValidator{"tok-a": alice, "tok-b": bob}, 30)
	conv := f.fs.addConversation(alice, bob)

	aliceConn := f.dial(t, conv.ID, "tok-a")
	bobConn := f.dial(t, conv.ID, "tok-b")
	f.waitForConnections(t, conv.ID, 2)

	req.NoError(aliceConn.WriteJSON(map[string]any{"type": "message", "content": "   "}))
	req.NoError(aliceConn.WriteJSON(map[string]any{"type": "message", "content": "real"}))

	frame := readFrame(t, bobConn)
	req.Equal("real", frame["content"], "blank message never reached anyone")
}

func TestMalformedFrameKeepsSessionAlive(t *testing.T) {
	req := require.New(t)
	alice, bob := testUser("alice"), testUser("bob")
	f := newWsFixture(t, stubValidator{"tok-a": alice, "tok-b": bob}, 30)
	conv := f.fs.addConversation(alice, bob)

	aliceConn := f.dial(t, conv.ID, "tok-a")
	bobConn := f.dial(t, conv.ID, "tok-b")
	f.waitForConnections(t, conv.ID, 2)

	req.NoError(aliceConn.WriteMessage(websocket.TextMessage, []byte("{this is not json")))
	req.NoError(aliceConn.WriteJSON(map[string]any{"type": "message", "content": "still here"}))

	frame := readFrame(t, bobConn)
	req.Equal("still here", frame["content"])
}

func TestOfflineReplayOnConnect(t *testing.T) {
	req := require.New(t)
	alice, bob := testUser("alice"), testUser("bob")
	f := newWsFixture(t, stubValidator{"tok-a": alice, "tok-b": bob}, 30)
	conv := f.fs.addConversation(alice, bob)

	// Bob is away while alice talks.
	for _, content := range []string{"one", "two", "three"} {
		_, err := f.coordinator.SendMessage(context.Background(), alice.ID, conv.ID, content)
		req.NoError(err)
	}

	bobConn := f.dial(t, conv.ID, "tok-b")
	for _, want := range []string{"one", "two", "three"} {
		frame := readFrame(t, bobConn)
		req.Equal("offline_message", frame["type"])
		req.Equal(want, frame["content"], "replay is oldest first")
		req.NotEqual("read", frame["read_status"])
	}
}

func TestRateLimitedSendGetsErrorFrame(t *testing.T) {
	req := require.New(t)
	alice, bob := testUser("alice"), testUser("bob")
	f := newWsFixture(t, stubValidator{"tok-a": alice, "tok-b": bob}, 1)
	conv := f.fs.addConversation(alice, bob)

	aliceConn := f.dial(t, conv.ID, "tok-a")

	req.NoError(aliceConn.WriteJSON(map[string]any{"type": "message", "content": "first"}))
	echo := readFrame(t, aliceConn)
	req.Equal("message", echo["type"])

	req.NoError(aliceConn.WriteJSON(map[string]any{"type": "message", "content": "second"}))
	frame := readFrame(t, aliceConn)
	req.Equal("error", frame["type"])
	retryAfter := frame["retry_after"].(float64)
	req.Greater(retryAfter, float64(0))
	req.LessOrEqual(retryAfter, float64(60))
}

func TestTypingIndicatorBroadcast(t *testing.T) {
	req := require.New(t)
	alice, bob := testUser("alice"), testUser("bob")
	f := newWsFixture(t, stubValidator{"tok-a": alice, "tok-b": bob}, 30)
	conv := f.fs.addConversation(alice, bob)

	aliceConn := f.dial(t, conv.ID, "tok-a")
	bobConn := f.dial(t, conv.ID, "tok-b")
	f.waitForConnections(t, conv.ID, 2)

	req.NoError(aliceConn.WriteJSON(map[string]any{"type": "typing", "is_typing": true}))

	frame := readFrame(t, bobConn)
	req.Equal("typing_indicator", frame["type"])
	users := frame["typing_users"].([]any)
	req.Len(users, 1)
	entry := users[0].(map[string]any)
	req.Equal(alice.ID.String(), entry["user_id"])
	req.Equal("alice", entry["username"])
}

func TestBadTokenClosedWithPolicyViolation(t *testing.T) {
	req := require.New(t)
	alice := testUser("alice")
	f := newWsFixture(t, stubValidator{"tok-a": alice}, 30)
	conv := f.fs.addConversation(alice)

	conn := f.dial(t, conv.ID, "wrong-token")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	req.ErrorAs(err, &closeErr)
	req.Equal(websocket.ClosePolicyViolation, closeErr.Code)
}

func TestNonParticipantClosedWithPolicyViolation(t *testing.T) {
	req := require.New(t)
	alice, outsider := testUser("alice"), testUser("charlie")
	f := newWsFixture(t, stubValidator{"tok-a": alice, "tok-c": outsider}, 30)
	conv := f.fs.addConversation(alice)

	conn := f.dial(t, conv.ID, "tok-c")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	req.ErrorAs(err, &closeErr)
	req.Equal(websocket.ClosePolicyViolation, closeErr.Code)
}

func TestDisconnectReleasesAllState(t *testing.T) {
	req := require.New(t)
	alice := testUser("alice")
	f := newWsFixture(t, stubValidator{"tok-a": alice}, 30)
	conv := f.fs.addConversation(alice)

	conn := f.dial(t, conv.ID, "tok-a")

	require.Eventually(t, func() bool {
		online, err := f.presence.IsOnline(context.Background(), alice.ID)
		return err == nil && online
	}, 2*time.Second, 10*time.Millisecond)
	req.Len(f.registry.ConnectionIDs(conv.ID), 1)

	conn.Close()

	require.Eventually(t, func() bool {
		if len(f.registry.ConnectionIDs(conv.ID)) != 0 {
			return false
		}
		online, err := f.presence.IsOnline(context.Background(), alice.ID)
		return err == nil && !online
	}, 2*time.Second, 10*time.Millisecond, "teardown must clear registry and presence")
}
