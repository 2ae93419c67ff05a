package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTransport 测试用内存传输，记录全部出站帧
type fakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string

	pressured   atomic.Bool
	rejectSends atomic.Bool
	drainFn     func()
}

func (t *fakeTransport) Send(data []byte) error {
	if t.rejectSends.Load() {
		t.pressured.Store(true)
		return ErrSendBufferFull
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrConnectionClosed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	t.frames = append(t.frames, frame)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	return nil
}

func (t *fakeTransport) Backpressured() bool {
	return t.pressured.Load()
}

func (t *fakeTransport) SetDrainFunc(f func()) {
	t.drainFn = f
}

func (t *fakeTransport) RemoteAddr() string {
	return "fake:0"
}

// Frames 获取出站帧快照
func (t *fakeTransport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([][]byte, len(t.frames))
	copy(frames, t.frames)
	return frames
}

// Envelopes 解析全部出站帧为封包
func (t *fakeTransport) Envelopes(tb testing.TB) []*Envelope {
	tb.Helper()
	frames := t.Frames()
	envs := make([]*Envelope, 0, len(frames))
	for _, frame := range frames {
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			tb.Fatalf("unmarshal outbound frame: %v", err)
		}
		envs = append(envs, &env)
	}
	return envs
}

// LastEnvelope 获取最后一个出站封包
func (t *fakeTransport) LastEnvelope(tb testing.TB) *Envelope {
	tb.Helper()
	envs := t.Envelopes(tb)
	if len(envs) == 0 {
		tb.Fatal("no outbound frames")
	}
	return envs[len(envs)-1]
}

// Closed 传输是否已关闭
func (t *fakeTransport) Closed() (bool, int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode, t.closeReason
}

// testAuthenticate 测试认证回调：user_id 取自载荷，reject 为真时拒绝
func testAuthenticate(ctx context.Context, payload json.RawMessage) (*AuthResult, error) {
	var req struct {
		UserID string `json:"user_id"`
		Reject bool   `json:"reject"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
	}
	if req.Reject {
		return nil, ErrAuthRejected
	}
	return &AuthResult{UserID: req.UserID}, nil
}

// newTestServer 创建测试服务实例，默认使用 testAuthenticate
func newTestServer(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	base := []Option{
		WithAuthenticate(testAuthenticate),
		WithAuthTimeout(time.Minute),
	}
	s, err := NewServer(append(base, opts...)...)
	if err != nil {
		tb.Fatalf("NewServer: %v", err)
	}
	return s
}

// dialFake 建立一条使用内存传输的连接
func dialFake(s *Server) (*Connection, *fakeTransport) {
	ft := &fakeTransport{}
	conn := s.track(ft)
	return conn, ft
}

// authFrame 构造 authenticate 帧
func authFrame(tb testing.TB, payload any) []byte {
	tb.Helper()
	env, err := NewEnvelope(EventAuthenticate, payload)
	if err != nil {
		tb.Fatalf("build authenticate envelope: %v", err)
	}
	frame, err := json.Marshal(env)
	if err != nil {
		tb.Fatalf("marshal authenticate envelope: %v", err)
	}
	return frame
}

// frame 构造任意事件帧
func frame(tb testing.TB, event string, payload any) []byte {
	tb.Helper()
	env, err := NewEnvelope(event, payload)
	if err != nil {
		tb.Fatalf("build envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

// authenticateConn 走完认证流程，返回 connected 封包
func authenticateConn(tb testing.TB, s *Server, conn *Connection, ft *fakeTransport, userID string) *ConnectedPayload {
	tb.Helper()
	s.router.HandleFrame(context.Background(), conn, authFrame(tb, map[string]any{"user_id": userID}))
	if got := conn.State(); got != StateAuthenticated {
		tb.Fatalf("state after authenticate: got %s, want %s", got, StateAuthenticated)
	}
	env := ft.LastEnvelope(tb)
	if env.Event != EventConnected {
		tb.Fatalf("reply event: got %s, want %s", env.Event, EventConnected)
	}
	var payload ConnectedPayload
	if err := env.Unmarshal(&payload); err != nil {
		tb.Fatalf("unmarshal connected payload: %v", err)
	}
	return &payload
}
