package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/realtime"
)

// ChatMessage 聊天消息
type ChatMessage struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	opts := []realtime.Option{
		realtime.WithLogger(logger),
		realtime.WithDefaultRooms("lobby"),
		realtime.WithAuthRetry(true),
		realtime.WithAllowAllOrigins(), // 仅用于演示！
		realtime.WithAuthenticate(authenticate),
		realtime.WithMessageHandler(handleMessage),
		realtime.WithClientConnected(func(conn *realtime.Connection) {
			logger.Info("client online", zap.String("user_id", conn.UserID()))
		}),
		realtime.WithClientDisconnected(func(conn *realtime.Connection, reason string) {
			logger.Info("client offline",
				zap.String("user_id", conn.UserID()), zap.String("reason", reason))
		}),
	}

	// 设置 REDIS_ADDR 后多个进程对外表现为同一个逻辑服务
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		broker, err := realtime.NewRedisBrokerAddr(addr, "", "", 0)
		if err != nil {
			log.Fatalf("connect redis broker: %v", err)
		}
		defer broker.Close()
		opts = append(opts, realtime.WithBroker(broker))
	}

	// 也可以从配置文件加载（回调仍通过 Option 注入）
	var srv *realtime.Server
	if path := os.Getenv("REALTIME_CONFIG"); path != "" {
		config, err := realtime.LoadConfig(path, opts...)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		srv, err = realtime.NewServerFromConfig(config)
		if err != nil {
			log.Fatalf("create server: %v", err)
		}
	} else {
		var err error
		srv, err = realtime.NewServer(opts...)
		if err != nil {
			log.Fatalf("create server: %v", err)
		}
	}
	chatServer = srv
	if err := srv.Run(); err != nil {
		log.Fatalf("run server: %v", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	httpServer := &http.Server{Addr: ":8080", Handler: mux}

	go func() {
		logger.Info("chat server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = srv.Shutdown(ctx)
	logger.Info("chat server stopped")
}

// authenticate 演示认证：token 即用户名，生产环境应校验真实凭证
func authenticate(ctx context.Context, payload json.RawMessage) (*realtime.AuthResult, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, errors.New("missing token")
	}
	return &realtime.AuthResult{
		UserID:   req.Token,
		Metadata: map[string]any{"login_at": time.Now().Unix()},
	}, nil
}

// handleMessage 业务事件处理：chat.send 转发到目标房间
func handleMessage(ctx context.Context, conn *realtime.Connection, env *realtime.Envelope) error {
	switch env.Event {
	case "chat.send":
		var msg ChatMessage
		if err := env.Unmarshal(&msg); err != nil {
			return err
		}
		if !conn.InRoom(msg.Room) {
			return errors.New("not a member of the room")
		}
		return chatServer.SendToRoom(ctx, msg.Room, "chat.message", map[string]any{
			"from": conn.UserID(),
			"text": msg.Text,
		}, conn.ID)
	default:
		return errors.New("unknown event")
	}
}

// chatServer 供回调引用的服务实例
var chatServer *realtime.Server
