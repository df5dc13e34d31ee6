package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	myMiddleware "go-intern-chat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idTokens treats the token itself as the user id.
type idTokens struct{}

func (idTokens) ValidateToken(token string) (int64, string, error) {
	id, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, "", err
	}
	return id, "user" + token, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Handler, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	srv, h := newTestServerWith(t, store, nil)
	return srv, h, store
}

func newTestServerWith(t *testing.T, store Store, blocklist Blocklist) (*httptest.Server, *Handler) {
	t.Helper()
	h := NewHandler(startHub(t), store, blocklist, testChatConfig(), nil, nil)

	auth := myMiddleware.NewAuthMiddleware(idTokens{}, nil)
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Get("/ws", h.ServeWs)
		r.Get("/api/threads", h.ListThreads)
		r.Get("/api/threads/{threadID}/messages", h.GetHistory)
		r.Get("/api/threads/with/{userID}", h.GetRelationship)
		r.Post("/api/threads/with/{userID}", h.StartThread)
		r.Post("/api/users/{userID}/block", h.Block)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, h
}

func call(t *testing.T, srv *httptest.Server, method, path string, userID int64) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %d", userID))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func dial(t *testing.T, srv *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/ws?token=%d", userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := encodeEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func read[T any](t *testing.T, conn *websocket.Conn, event string) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, event, env.Event, "payload: %s", env.Data)
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestWebsocketConversation(t *testing.T) {
	srv, h, store := newTestServer(t)
	alice := dial(t, srv, 1)
	bob := dial(t, srv, 2)
	tid := uuid.NewString()

	emit(t, alice, EventNewMessage, firstMessage(tid, 2, "hi"))
	got := read[MessageBroadcast](t, alice, EventNewMessage)
	assert.Equal(t, MessageBroadcast{ThreadID: tid, SenderID: 1, Body: "hi", MessageID: got.MessageID, CreatedAt: got.CreatedAt}, got)

	emit(t, bob, EventJoinChat, JoinRequest{ThreadID: tid, UserID: 2})
	assert.Equal(t, tid, read[JoinedReply](t, bob, EventJoined).ThreadID)

	emit(t, bob, EventToggleTyping, TypingRequest{ThreadID: tid, IsTyping: true})
	typing := read[TypingBroadcast](t, alice, EventToggleTyping)
	assert.Equal(t, int64(2), typing.UserID)
	assert.True(t, typing.IsTyping)

	emit(t, bob, EventNewMessage, SendRequest{ThreadID: tid, SenderID: 2, Body: "hey"})
	assert.Equal(t, "hey", read[MessageBroadcast](t, alice, EventNewMessage).Body)
	assert.Equal(t, "hey", read[MessageBroadcast](t, bob, EventNewMessage).Body)

	th, err := store.GetThread(context.Background(), tid)
	require.NoError(t, err)
	assert.Equal(t, "hey", th.LastMessage)
	assert.Equal(t, int64(2), th.LastSenderID)

	// Bob goes away: his typing indicator clears and he leaves the room.
	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	typing = read[TypingBroadcast](t, alice, EventToggleTyping)
	assert.False(t, typing.IsTyping)
	require.Eventually(t, func() bool { return h.hub.RoomSize(tid) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRequiresToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestWebsocketErrorEvent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	alice := dial(t, srv, 1)

	emit(t, alice, EventNewMessage, SendRequest{ThreadID: "nope", Body: "hi"})
	reply := read[ErrorReply](t, alice, EventError)
	assert.Equal(t, "thread-not-found", reply.Code)
	assert.Equal(t, "nope", reply.ThreadID)
}

func TestRESTThreads(t *testing.T) {
	srv, _, store := newTestServer(t)
	ctx := context.Background()

	res := call(t, srv, http.MethodPost, "/api/threads/with/2", 1)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	created := decode[Relationship](t, res)
	assert.Equal(t, int64(2), created.RecipientID)
	_, err := uuid.Parse(created.ThreadID)
	assert.NoError(t, err)

	res = call(t, srv, http.MethodPost, "/api/threads/with/1", 2)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, created.ThreadID, decode[Relationship](t, res).ThreadID, "find-or-create returns the same thread")

	res = call(t, srv, http.MethodGet, "/api/threads/with/1", 2)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(1), decode[Relationship](t, res).RecipientID)

	res = call(t, srv, http.MethodGet, "/api/threads/with/3", 2)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = call(t, srv, http.MethodPost, "/api/threads/with/1", 1)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = call(t, srv, http.MethodPost, "/api/threads/with/abc", 1)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	for _, body := range []string{"one", "two"} {
		_, err := store.AppendMessage(ctx, created.ThreadID, 1, body)
		require.NoError(t, err)
	}

	res = call(t, srv, http.MethodGet, "/api/threads/"+created.ThreadID+"/messages?limit=1", 2)
	require.Equal(t, http.StatusOK, res.StatusCode)
	msgs := decode[[]Message](t, res)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Body)

	res = call(t, srv, http.MethodGet, "/api/threads/"+created.ThreadID+"/messages", 3)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "outsiders cannot read history")

	res = call(t, srv, http.MethodGet, "/api/threads/"+created.ThreadID+"/messages?limit=x", 1)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = call(t, srv, http.MethodGet, "/api/threads", 1)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]Relationship](t, res), 1)
}

func TestRESTBlock(t *testing.T) {
	srv, _, _ := newTestServer(t)

	res := call(t, srv, http.MethodPost, "/api/threads/with/2", 1)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res = call(t, srv, http.MethodPost, "/api/users/1/block", 2)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = call(t, srv, http.MethodPost, "/api/users/2/block", 2)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	// Blocked counterparts drop out of the thread list for both sides.
	for _, id := range []int64{1, 2} {
		res = call(t, srv, http.MethodGet, "/api/threads", id)
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.Empty(t, decode[[]Relationship](t, res))
	}

	res = call(t, srv, http.MethodPost, "/api/threads/with/2", 1)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

// recordingBlocklist answers from the store and remembers cache updates.
type recordingBlocklist struct {
	*MemoryStore
	mu     sync.Mutex
	marked [][2]int64
}

func (b *recordingBlocklist) MarkBlocked(_ context.Context, a, c int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, [2]int64{a, c})
	return nil
}

func TestRESTBlockUpdatesCache(t *testing.T) {
	store := NewMemoryStore()
	blocks := &recordingBlocklist{MemoryStore: store}
	srv, _ := newTestServerWith(t, store, blocks)

	res := call(t, srv, http.MethodPost, "/api/users/1/block", 2)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	blocks.mu.Lock()
	defer blocks.mu.Unlock()
	assert.Equal(t, [][2]int64{{2, 1}}, blocks.marked)
}
