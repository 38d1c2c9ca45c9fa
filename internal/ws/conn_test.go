package ws

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
)

func newTestServer(t *testing.T, cfg Config) (*testEnv, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t, cfg)
	r := gin.New()
	r.GET("/ws", env.gw.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.gw.Shutdown(ctx)
		srv.Close()
	})
	return env, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func sendEvent(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	frame, err := encodeEvent(typ, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func expectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

func TestServeWS_AuthErrorThenClose(t *testing.T) {
	_, url := newTestServer(t, DefaultConfig())

	for _, target := range []string{url, url + "?token=forged"} {
		conn := dial(t, target, nil)
		ev := readEvent(t, conn)
		assert.Equal(t, EventAuthError, ev.Type)

		_, _, err := conn.ReadMessage()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	}
}

func TestServeWS_EndToEnd(t *testing.T) {
	env, url := newTestServer(t, DefaultConfig())

	a := dial(t, url+"?token=tok-a", nil)
	b := dial(t, url, http.Header{"Authorization": []string{"Bearer tok-b"}})
	c := dial(t, url+"?token=tok-c", nil)
	for _, conn := range []*websocket.Conn{a, b, c} {
		assert.Equal(t, EventIdentityAssigned, readEvent(t, conn).Type)
	}

	sendEvent(t, a, EventJoinRoom, RoomPayload{Room: "general"})
	assert.Equal(t, EventJoined, readEvent(t, a).Type)
	sendEvent(t, b, EventJoinRoom, RoomPayload{Room: "general"})
	assert.Equal(t, EventJoined, readEvent(t, b).Type)

	sendEvent(t, a, EventSendMessage, SendPayload{Room: "general", Body: "hi"})
	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		require.Equal(t, EventReceiveMessage, ev.Type)
		msg := decode[ReceiveMessage](t, ev)
		assert.Equal(t, "p1", msg.SenderPublicID)
		assert.Equal(t, "Alice", msg.SenderDisplayName)
		assert.Equal(t, "hi", msg.Body)
	}
	expectNoEvent(t, c, 100*time.Millisecond)

	sendEvent(t, b, EventSendMessage, SendPayload{Room: "general", Body: ""})
	ev := readEvent(t, b)
	assert.Equal(t, EventError, ev.Type)

	// A 断开后不再收到 general 的消息
	require.NoError(t, a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return env.gw.Registry().Online("general") == 1 }, 2*time.Second, 5*time.Millisecond)

	sendEvent(t, b, EventSendMessage, SendPayload{Room: "general", Body: "still there?"})
	assert.Equal(t, EventReceiveMessage, readEvent(t, b).Type)
	require.Eventually(t, func() bool { return len(env.store.Saved()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestServeWS_OriginPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://chat.example"}
	_, url := newTestServer(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=tok-a", http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := dial(t, url+"?token=tok-a", http.Header{"Origin": []string{"https://chat.example"}})
	assert.Equal(t, EventIdentityAssigned, readEvent(t, conn).Type)
}

func TestServeWS_ShutdownClosesSessions(t *testing.T) {
	env, url := newTestServer(t, DefaultConfig())
	conn := dial(t, url+"?token=tok-a", nil)
	assert.Equal(t, EventIdentityAssigned, readEvent(t, conn).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestCredentialFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=query-tok", nil)
	assert.Equal(t, "query-tok", credentialFrom(req))

	req.Header.Set("Authorization", "Bearer header-tok")
	assert.Equal(t, "header-tok", credentialFrom(req), "header wins over query")

	assert.Empty(t, credentialFrom(httptest.NewRequest(http.MethodGet, "/ws", nil)))
}

// stallingVerifier 一直阻塞到上下文取消，并报告它是如何返回的。
type stallingVerifier struct {
	started chan struct{}
	result  chan error
}

func (v *stallingVerifier) VerifyToken(ctx context.Context, _ string) (string, error) {
	close(v.started)
	select {
	case <-time.After(5 * time.Second):
		v.result <- nil
		return "u1", nil
	case <-ctx.Done():
		v.result <- ctx.Err()
		return "", ctx.Err()
	}
}

func TestServeWS_ClientCloseCancelsHandshake(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 10 * time.Second
	env, url := newTestServer(t, cfg)
	v := &stallingVerifier{started: make(chan struct{}), result: make(chan error, 1)}
	env.gw.verifier = v

	conn := dial(t, url+"?token=tok-a", nil)
	select {
	case <-v.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never started")
	}
	require.NoError(t, conn.Close())

	select {
	case err := <-v.result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("verifier kept running after the client went away")
	}

	require.Eventually(t, func() bool {
		env.gw.mu.Lock()
		defer env.gw.mu.Unlock()
		return len(env.gw.sessions) == 0
	}, 2*time.Second, 5*time.Millisecond)
	online, err := env.gw.Presence().IsOnline(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestServeWS_FramesDuringHandshakeKeepOrder(t *testing.T) {
	env, url := newTestServer(t, DefaultConfig())
	env.verifier.delay = 200 * time.Millisecond

	conn := dial(t, url+"?token=tok-a", nil)
	sendEvent(t, conn, EventJoinRoom, RoomPayload{Room: "general"})
	sendEvent(t, conn, EventSendMessage, SendPayload{Room: "general", Body: "first"})

	assert.Equal(t, EventIdentityAssigned, readEvent(t, conn).Type)
	assert.Equal(t, EventJoined, readEvent(t, conn).Type)
	ev := readEvent(t, conn)
	require.Equal(t, EventReceiveMessage, ev.Type)
	assert.Equal(t, "first", decode[ReceiveMessage](t, ev).Body)

	online, err := env.gw.Presence().IsOnline(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, online)
}
