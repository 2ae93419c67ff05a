// Package realtime provides a production-ready WebSocket connection server
// with authentication, optional end-to-end encryption, room-based routing,
// and multi-instance fan-out over a pub/sub broker.
//
// # Features
//
//   - Connection registry with per-user and per-room indexes
//   - Mandatory authentication with configurable timeout and retry
//   - Optional per-connection encryption (X25519 key exchange + AES-256-GCM)
//   - Room membership with external validation hook
//   - Heartbeat monitoring with idle disconnection
//   - Targeted dispatch: client, user, room, broadcast
//   - Bounded concurrent encryption for batch sends
//   - Backpressure detection with pluggable policy hook
//   - Cross-instance bridge over Redis, NATS, or in-memory broker
//   - Origin whitelist and invalid frame rate limiting
//
// # Basic Usage
//
// Create a server, mount its handler, and run the background loops:
//
//	srv, err := realtime.NewServer(
//	    realtime.WithAuthenticate(func(ctx context.Context, payload json.RawMessage) (*realtime.AuthResult, error) {
//	        var req struct{ Token string `json:"token"` }
//	        if err := json.Unmarshal(payload, &req); err != nil {
//	            return nil, err
//	        }
//	        userID, err := verifyToken(req.Token)
//	        if err != nil {
//	            return nil, err
//	        }
//	        return &realtime.AuthResult{UserID: userID}, nil
//	    }),
//	    realtime.WithDefaultRooms("lobby"),
//	    realtime.WithMaxConnections(10000),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv.Run()
//	defer srv.Shutdown(context.Background())
//
//	mux := http.NewServeMux()
//	srv.RegisterRoutes(mux)
//	http.ListenAndServe(":8080", mux)
//
// # Sending Messages
//
// All dispatch entry points accept any JSON-marshalable payload:
//
//	// To a single connection (bridged to other instances on local miss)
//	srv.SendToClient(ctx, connID, "notify", data)
//
//	// To every connection of a user
//	srv.SendToUser(ctx, userID, "notify", data)
//
//	// To a room, excluding the sender
//	srv.SendToRoom(ctx, "room-42", "chat.message", data, senderConnID)
//
//	// To everyone
//	srv.Broadcast(ctx, "announcement", data)
//
// # End-to-End Encryption
//
// Enable mandatory encryption with the built-in X25519 handshake:
//
//	srv, _ := realtime.NewServer(
//	    realtime.WithAuthenticate(authFunc),
//	    realtime.WithRequireEncryption(true),
//	    realtime.WithHandshake(realtime.NewX25519Handshake()),
//	)
//
// The client sends its public key inside the authenticate payload and
// derives the same session key from the server public key and salt
// returned in the connected reply. All subsequent traffic is wrapped
// in encrypted envelopes.
//
// # Multi-Instance Deployment
//
// Connect instances through a shared broker so that dispatch reaches
// connections on any instance:
//
//	broker, _ := realtime.NewRedisBrokerAddr("localhost:6379", "", "", 0)
//	srv, _ := realtime.NewServer(
//	    realtime.WithAuthenticate(authFunc),
//	    realtime.WithBroker(broker),
//	)
//
// NATS works the same way via NewNATSBroker, and MemoryBroker serves
// single-process setups and tests.
//
// # Monitoring
//
// Implement the Metrics interface to export counters:
//
//	srv, _ := realtime.NewServer(
//	    realtime.WithAuthenticate(authFunc),
//	    realtime.WithMetrics(&MyMetrics{}),
//	    realtime.WithLogger(logger),
//	)
//
// # Concurrency Safety
//
// All public APIs are concurrency-safe:
//
//   - Registry guards its record and indexes under a single lock
//   - Connection state transitions are atomic with a single commit point
//   - Each connection has one writer goroutine; Send never blocks
//   - Batch encryption is bounded by EncryptedBatchLimit
//
// For design decisions, see DESIGN.md in the repository root.
package realtime
