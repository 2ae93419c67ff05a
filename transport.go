package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport 单连接出站传输抽象
//
// 调度器只通过该接口与底层连接交互：入队发送、关闭、
// 背压状态查询与排空通知。
type Transport interface {
	// Send 非阻塞入队一帧出站数据，缓冲满时返回 ErrSendBufferFull
	Send(data []byte) error

	// Close 以指定关闭码关闭连接，幂等
	Close(code int, reason string) error

	// Backpressured 出站缓冲是否超限
	Backpressured() bool

	// SetDrainFunc 设置缓冲排空回调，背压解除时触发
	SetDrainFunc(f func())

	// RemoteAddr 获取对端地址
	RemoteAddr() string
}

// wsTransport gorilla/websocket 传输实现
//
// 写入集中在单一 writePump 协程，Send 只负责入队，
// 缓冲满即视为背压信号。
type wsTransport struct {
	conn *websocket.Conn

	send      chan []byte
	writeWait time.Duration

	pressured atomic.Bool
	drainFn   atomic.Value // func()

	done      chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}
}

// newWSTransport 创建 WebSocket 传输并启动写协程
func newWSTransport(conn *websocket.Conn, queueSize int, writeWait time.Duration) *wsTransport {
	t := &wsTransport{
		conn:      conn,
		send:      make(chan []byte, queueSize),
		writeWait: writeWait,
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go t.writePump()
	return t
}

// writePump 写协程，出站帧串行落到连接上
func (t *wsTransport) writePump() {
	defer func() {
		t.conn.Close()
		close(t.writeDone)
	}()

	for {
		select {
		case <-t.done:
			return
		case data := <-t.send:
			if err := t.writeMessage(data); err != nil {
				return
			}
			// 背压期间队列清空即认为排空，通知调度器恢复投递
			if t.pressured.Load() && len(t.send) == 0 {
				t.pressured.Store(false)
				if f, ok := t.drainFn.Load().(func()); ok && f != nil {
					f()
				}
			}
		}
	}
}

func (t *wsTransport) writeMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Send 非阻塞入队
func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case t.send <- data:
		return nil
	default:
		t.pressured.Store(true)
		return ErrSendBufferFull
	}
}

// Close 发送关闭帧并终止写协程，幂等
func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
		_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
		close(t.done)
		t.conn.Close()
	})
	return nil
}

// Backpressured 出站缓冲是否超限
func (t *wsTransport) Backpressured() bool {
	return t.pressured.Load()
}

// SetDrainFunc 设置排空回调
func (t *wsTransport) SetDrainFunc(f func()) {
	t.drainFn.Store(f)
}

// RemoteAddr 获取对端地址
func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
