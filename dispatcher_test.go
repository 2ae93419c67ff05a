package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func eventsOf(tb testing.TB, ft *fakeTransport) []string {
	tb.Helper()
	envs := ft.Envelopes(tb)
	events := make([]string, 0, len(envs))
	for _, env := range envs {
		events = append(events, env.Event)
	}
	return events
}

func countEvent(tb testing.TB, ft *fakeTransport, event string) int {
	tb.Helper()
	n := 0
	for _, e := range eventsOf(tb, ft) {
		if e == event {
			n++
		}
	}
	return n
}

// TestDispatcher_SendToClient 测试单连接定向发送
func TestDispatcher_SendToClient(t *testing.T) {
	s := newTestServer(t)
	conn, ft := dialFake(s)
	authenticateConn(t, s, conn, ft, "u1")

	if err := s.SendToClient(context.Background(), conn.ID, "notify", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	env := ft.LastEnvelope(t)
	if env.Event != "notify" {
		t.Errorf("event: got %s, want notify", env.Event)
	}
	var data map[string]string
	if err := env.Unmarshal(&data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["k"] != "v" {
		t.Errorf("data: got %v", data)
	}

	// 无 Broker 时本地未命中报错
	if err := s.SendToClient(context.Background(), "conn_missing", "notify", nil); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("unknown target: got %v, want ErrConnectionNotFound", err)
	}
}

// TestDispatcher_SendToUser 测试用户定向覆盖全部设备
func TestDispatcher_SendToUser(t *testing.T) {
	s := newTestServer(t)
	conn1, ft1 := dialFake(s)
	conn2, ft2 := dialFake(s)
	authenticateConn(t, s, conn1, ft1, "u1")
	authenticateConn(t, s, conn2, ft2, "u1")

	other, ftOther := dialFake(s)
	authenticateConn(t, s, other, ftOther, "u2")

	if err := s.SendToUser(context.Background(), "u1", "notify", nil); err != nil {
		t.Fatalf("SendToUser: %v", err)
	}

	if got := countEvent(t, ft1, "notify"); got != 1 {
		t.Errorf("device 1: got %d notify, want 1", got)
	}
	if got := countEvent(t, ft2, "notify"); got != 1 {
		t.Errorf("device 2: got %d notify, want 1", got)
	}
	if got := countEvent(t, ftOther, "notify"); got != 0 {
		t.Errorf("other user: got %d notify, want 0", got)
	}
}

// TestDispatcher_SendToRoom 测试房间发送与排除列表
func TestDispatcher_SendToRoom(t *testing.T) {
	s := newTestServer(t, WithDefaultRooms("lobby"))
	sender, ftSender := dialFake(s)
	member, ftMember := dialFake(s)
	outsider, ftOutsider := dialFake(s)
	authenticateConn(t, s, sender, ftSender, "u1")
	authenticateConn(t, s, member, ftMember, "u2")
	authenticateConn(t, s, outsider, ftOutsider, "u3")
	s.registry.RemoveFromRoom(outsider.ID, "lobby")

	if err := s.SendToRoom(context.Background(), "lobby", "chat.message", nil, sender.ID); err != nil {
		t.Fatalf("SendToRoom: %v", err)
	}

	if got := countEvent(t, ftMember, "chat.message"); got != 1 {
		t.Errorf("member: got %d, want 1", got)
	}
	if got := countEvent(t, ftSender, "chat.message"); got != 0 {
		t.Errorf("excluded sender: got %d, want 0", got)
	}
	if got := countEvent(t, ftOutsider, "chat.message"); got != 0 {
		t.Errorf("outsider: got %d, want 0", got)
	}
}

// TestDispatcher_Broadcast 测试全局广播跳过未认证连接
func TestDispatcher_Broadcast(t *testing.T) {
	s := newTestServer(t)
	authed, ftAuthed := dialFake(s)
	authenticateConn(t, s, authed, ftAuthed, "u1")
	_, ftPending := dialFake(s)

	if err := s.Broadcast(context.Background(), "announcement", nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if got := countEvent(t, ftAuthed, "announcement"); got != 1 {
		t.Errorf("authenticated conn: got %d, want 1", got)
	}
	if got := len(ftPending.Frames()); got != 0 {
		t.Errorf("unauthenticated conn received %d frames, want 0", got)
	}
}

// TestDispatcher_OutboundTransformer 测试出站变换钩子
func TestDispatcher_OutboundTransformer(t *testing.T) {
	s := newTestServer(t, WithOutboundTransformer(func(conn *Connection, event string, data json.RawMessage) (string, json.RawMessage, bool) {
		if event == "notify" {
			return "notify.v2", json.RawMessage(`{"upgraded":true}`), true
		}
		return "", nil, false
	}))
	conn, ft := dialFake(s)
	authenticateConn(t, s, conn, ft, "u1")

	if err := s.SendToClient(context.Background(), conn.ID, "notify", nil); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	env := ft.LastEnvelope(t)
	if env.Event != "notify.v2" {
		t.Errorf("transformed event: got %s, want notify.v2", env.Event)
	}

	// ok 为 false 时沿用原始事件
	if err := s.SendToClient(context.Background(), conn.ID, "other", nil); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	if env := ft.LastEnvelope(t); env.Event != "other" {
		t.Errorf("untransformed event: got %s, want other", env.Event)
	}
}

// TestDispatcher_Backpressure 测试背压处置与恢复
func TestDispatcher_Backpressure(t *testing.T) {
	var heldFrames [][]byte
	s := newTestServer(t, WithBackpressurePolicy(func(conn *Connection, frame []byte) {
		heldFrames = append(heldFrames, frame)
	}))
	conn, ft := dialFake(s)
	authenticateConn(t, s, conn, ft, "u1")

	// 传输层拒收触发背压
	ft.rejectSends.Store(true)
	err := s.dispatcher.sendFrame(conn, []byte(`{"event":"x"}`))
	if !errors.Is(err, ErrBackpressured) {
		t.Fatalf("sendFrame under pressure: got %v, want ErrBackpressured", err)
	}
	if !conn.Backpressured() {
		t.Fatal("connection not flagged backpressured")
	}
	if len(heldFrames) != 1 {
		t.Fatalf("backpressure hook calls: got %d, want 1", len(heldFrames))
	}

	// 背压期间后续帧不再入队，直接交由策略钩子
	ft.rejectSends.Store(false)
	err = s.dispatcher.sendFrame(conn, []byte(`{"event":"y"}`))
	if !errors.Is(err, ErrBackpressured) {
		t.Fatalf("sendFrame while flagged: got %v, want ErrBackpressured", err)
	}
	if len(heldFrames) != 2 {
		t.Fatalf("backpressure hook calls: got %d, want 2", len(heldFrames))
	}

	// 传输层排空回调解除背压后恢复投递
	ft.pressured.Store(false)
	ft.drainFn()
	if conn.Backpressured() {
		t.Fatal("backpressure flag not cleared by drain callback")
	}
	if err := s.dispatcher.sendFrame(conn, []byte(`{"event":"z"}`)); err != nil {
		t.Fatalf("sendFrame after drain: %v", err)
	}
}

// TestDispatcher_ClosedConnection 测试向已关闭连接发送
func TestDispatcher_ClosedConnection(t *testing.T) {
	s := newTestServer(t)
	conn, ft := dialFake(s)
	authenticateConn(t, s, conn, ft, "u1")
	s.closeConnection(conn, CloseServerShutdown, "test")

	if err := s.dispatcher.sendFrame(conn, []byte(`{}`)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("sendFrame to closed conn: got %v, want ErrConnectionClosed", err)
	}
}
