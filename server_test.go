package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialWS(tb testing.TB, ts *httptest.Server) *websocket.Conn {
	tb.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(tb, err)
	tb.Cleanup(func() { c.Close() })
	return c
}

func readEnvelope(tb testing.TB, c *websocket.Conn) *Envelope {
	tb.Helper()
	require.NoError(tb, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(tb, c.ReadJSON(&env))
	return &env
}

// TestServer_EndToEnd 测试真实 WebSocket 连接的完整生命周期
func TestServer_EndToEnd(t *testing.T) {
	s := newTestServer(t, WithDefaultRooms("lobby"))
	require.NoError(t, s.Run())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	c := dialWS(t, ts)

	// 认证
	env, err := NewEnvelope(EventAuthenticate, map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(env))

	reply := readEnvelope(t, c)
	require.Equal(t, EventConnected, reply.Event)
	var payload ConnectedPayload
	require.NoError(t, reply.Unmarshal(&payload))
	require.Equal(t, "u1", payload.UserID)
	require.Equal(t, []string{"lobby"}, payload.Rooms)
	require.Equal(t, 1, s.ConnectionCount())

	// 服务端推送
	require.NoError(t, s.SendToUser(context.Background(), "u1", "notify", map[string]string{"k": "v"}))
	push := readEnvelope(t, c)
	require.Equal(t, "notify", push.Event)

	// 加入房间
	join, err := NewEnvelope(EventJoin, RoomRequest{Rooms: []string{"room-a"}})
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(join))
	joined := readEnvelope(t, c)
	require.Equal(t, EventJoined, joined.Event)

	require.NoError(t, s.SendToRoom(context.Background(), "room-a", "room.event", nil))
	roomMsg := readEnvelope(t, c)
	require.Equal(t, "room.event", roomMsg.Event)

	// 客户端断开后注册表随之清理
	c.Close()
	require.Eventually(t, func() bool {
		return s.ConnectionCount() == 0
	}, time.Second, 10*time.Millisecond, "registry not cleaned after client close")
}

// TestServer_MaxConnections 测试连接数上限拒绝升级
func TestServer_MaxConnections(t *testing.T) {
	s := newTestServer(t, WithMaxConnections(1))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	dialWS(t, ts)
	require.Eventually(t, func() bool {
		return s.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestServer_Disconnect 测试服务端主动断开
func TestServer_Disconnect(t *testing.T) {
	connIDs := make(chan string, 1)
	s := newTestServer(t, WithClientConnected(func(conn *Connection) {
		connIDs <- conn.ID
	}))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	c := dialWS(t, ts)
	env, _ := NewEnvelope(EventAuthenticate, map[string]any{"user_id": "u1"})
	require.NoError(t, c.WriteJSON(env))
	readEnvelope(t, c)
	connID := <-connIDs

	require.NoError(t, s.Disconnect(connID, "kicked"))
	require.Error(t, s.Disconnect("conn_missing", "kicked"))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	require.Error(t, err, "client read should fail after server disconnect")
}

// TestServer_DisconnectedHook 测试断开回调只对已认证连接触发
func TestServer_DisconnectedHook(t *testing.T) {
	type disconnected struct {
		userID string
		reason string
	}
	events := make(chan disconnected, 4)
	s := newTestServer(t, WithClientDisconnected(func(conn *Connection, reason string) {
		events <- disconnected{userID: conn.UserID(), reason: reason}
	}))

	// 已认证连接断开触发回调
	conn, ft := dialFake(s)
	authenticateConn(t, s, conn, ft, "u1")
	s.closeConnection(conn, CloseServerShutdown, "shutdown")

	select {
	case e := <-events:
		if e.userID != "u1" || e.reason != "shutdown" {
			t.Errorf("hook args: got %+v", e)
		}
	default:
		t.Fatal("disconnected hook not invoked for authenticated connection")
	}

	// 未认证连接断开不触发回调
	pending, _ := dialFake(s)
	s.closeConnection(pending, CloseAuthTimeout, "authentication timeout")
	select {
	case e := <-events:
		t.Errorf("hook invoked for unauthenticated connection: %+v", e)
	default:
	}
}

// TestServer_Shutdown 测试优雅关闭断开全部连接
func TestServer_Shutdown(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Run())

	conn, ft := dialFake(s)
	authenticateConn(t, s, conn, ft, "u1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	closed, code, _ := ft.Closed()
	require.True(t, closed, "connection not closed on shutdown")
	require.Equal(t, CloseServerShutdown, code)
	require.Equal(t, 0, s.ConnectionCount())
}
