package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/chatcore/module/chat/model"
	"github.com/taskhive/chatcore/module/chat/store"
	"github.com/taskhive/chatcore/service/auth"
	"github.com/taskhive/chatcore/service/broker"
	"github.com/taskhive/chatcore/service/presence"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory, presence.Tracker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemory()
	require.NoError(t, st.CreateConversation(ctx, &model.Conversation{
		ConversationID: "42",
		Participants:   []string{"alice", "bob"},
	}))

	brk := broker.NewMemory(2, 64)
	bus := broker.NewMemoryBus()
	reg := NewRegistry(st)
	orch := NewOrchestrator(OrchestratorConfig{MaxBodyBytes: 256}, st, brk, reg, bus)
	require.NoError(t, orch.Start(ctx))
	require.NoError(t, brk.Start(ctx, orch.PersistHandler))

	tracker := presence.NewMemory()
	binding := &auth.Static{Users: map[string]string{"tok-a": "alice", "tok-b": "bob"}}
	gw := NewGateway(GatewayConfig{SendQueueSize: 32}, binding, orch, reg, tracker, bus)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	gw.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st, tracker
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

// readEventOfType reads until an event of the wanted type arrives, skipping
// the presence transitions that other connections produce along the way.
func readEventOfType(t *testing.T, conn *websocket.Conn, want string) map[string]json.RawMessage {
	t.Helper()
	for {
		ev := readEvent(t, conn)
		got := rawString(ev["type"])
		if got == want {
			return ev
		}
		require.Equal(t, EventPresence, got, "unexpected %q event while waiting for %q", got, want)
	}
}

func rawString(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func TestWebSocketSendReceiveRoundTrip(t *testing.T) {
	srv, _, tracker := newTestServer(t)

	alice := dialWS(t, srv, "tok-a")
	bob := dialWS(t, srv, "tok-b")

	// frames on one connection process in order, so a pong confirms the
	// preceding subscribe took effect
	for _, conn := range []*websocket.Conn{alice, bob} {
		writeFrame(t, conn, &Frame{Type: FrameSubscribe, ConversationID: "42"})
		writeFrame(t, conn, &Frame{Type: FramePing})
		readEventOfType(t, conn, EventPong)
	}

	// both users came online during the handshake
	on, err := tracker.BulkIsOnline(context.Background(), []string{"alice", "bob"})
	require.NoError(t, err)
	assert.True(t, on["alice"] && on["bob"])

	writeFrame(t, alice, &Frame{Type: FrameSend, ConversationID: "42", Body: "hello"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		ev := readEventOfType(t, conn, EventMessage)
		var msg model.Message
		require.NoError(t, json.Unmarshal(ev["message"], &msg))
		assert.Equal(t, "hello", msg.Body)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, int64(1), msg.Seq)
	}
}

func TestWebSocketRejectsUnauthenticatedSilently(t *testing.T) {
	srv, _, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=bogus"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	// the upgrade succeeds, then the server closes without processing anything
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection must be closed at the edge")
}

func TestWebSocketInvalidFrameGetsErrorEvent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	alice := dialWS(t, srv, "tok-a")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	readEventOfType(t, alice, EventError)
}

func TestWebSocketPingPong(t *testing.T) {
	srv, _, _ := newTestServer(t)
	alice := dialWS(t, srv, "tok-a")

	writeFrame(t, alice, &Frame{Type: FramePing})
	readEventOfType(t, alice, EventPong)
}

func TestPresenceEventsReachConnectedSessions(t *testing.T) {
	srv, _, _ := newTestServer(t)

	bob := dialWS(t, srv, "tok-b")
	writeFrame(t, bob, &Frame{Type: FramePing})
	readEventOfType(t, bob, EventPong)

	dialWS(t, srv, "tok-a")

	// alice coming online is announced to bob's live connection
	for {
		raw := readEvent(t, bob)
		require.Equal(t, EventPresence, rawString(raw["type"]))
		if rawString(raw["user_id"]) == "alice" {
			var online bool
			require.NoError(t, json.Unmarshal(raw["online"], &online))
			assert.True(t, online)
			return
		}
	}
}

func TestPresenceSurvivesClosingOneOfTwoConnections(t *testing.T) {
	srv, _, tracker := newTestServer(t)
	ctx := context.Background()

	first := dialWS(t, srv, "tok-a")
	second := dialWS(t, srv, "tok-a")
	for _, conn := range []*websocket.Conn{first, second} {
		writeFrame(t, conn, &Frame{Type: FramePing})
		readEventOfType(t, conn, EventPong)
	}

	online, err := tracker.IsOnline(ctx, "alice")
	require.NoError(t, err)
	require.True(t, online)

	// dropping one connection keeps the user online on the other
	require.NoError(t, first.Close())
	time.Sleep(100 * time.Millisecond)
	online, err = tracker.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online, "user with a second live connection stays online")

	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool {
		online, err := tracker.IsOnline(ctx, "alice")
		return err == nil && !online
	}, 3*time.Second, 20*time.Millisecond, "closing the last connection flips the user offline")
}

func TestUnreadEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	_, err := st.Append(ctx, "42", "alice", "hello", "t1")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/unread?token=tok-b&conversation_id=42")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		ConversationID string `json:"conversation_id"`
		Unread         int64  `json:"unread"`
		HasUnread      bool   `json:"has_unread"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "42", out.ConversationID)
	assert.Equal(t, int64(1), out.Unread)
	assert.True(t, out.HasUnread)
}

func TestUnreadEndpointRejectsUnauthenticated(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/unread?token=bogus&conversation_id=42")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPresenceEndpoint(t *testing.T) {
	srv, _, tracker := newTestServer(t)
	require.NoError(t, tracker.SetOnline(context.Background(), "alice"))

	resp, err := http.Get(srv.URL + "/presence?token=tok-a&user_ids=alice,bob")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Online map[string]bool `json:"online"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, map[string]bool{"alice": true, "bob": false}, out.Online)
}

func TestHistoryEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()
	for _, body := range []string{"one", "two"} {
		_, err := st.Append(ctx, "42", "alice", body, body)
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/history?token=tok-b&conversation_id=42&from_seq=1&to_seq=10")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Messages []*model.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "one", out.Messages[0].Body)
	assert.Equal(t, int64(2), out.Messages[1].Seq)
}
