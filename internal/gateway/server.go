// Package gateway exposes the matchmaking engine over WebSocket. Each
// client holds one connection, sends the JSON protocol messages, and
// receives both direct replies and NATS-pushed lifecycle events on the
// same socket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/soizicle69/LiberTalk/internal/engine"
	"github.com/soizicle69/LiberTalk/internal/messaging"
	"github.com/soizicle69/LiberTalk/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket gateway.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // idle timeout for WebSocket reads
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with production defaults.
// The read timeout is generous because heartbeats arrive every few
// seconds while a client waits.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    90 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server upgrades HTTP connections to WebSocket and runs one read loop
// goroutine per connection, dispatching parsed messages to the engine.
type Server struct {
	config     ServerConfig
	conns      *ConnectionManager
	engine     *engine.Engine
	nats       *messaging.NATSClient // nil disables push notifications
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a gateway over the engine. The NATS client may be
// nil; clients then rely on polling alone.
func NewServer(config ServerConfig, eng *engine.Engine, nats *messaging.NATSClient) *Server {
	return &Server{
		config: config,
		conns:  NewConnectionManager(),
		engine: eng,
		nats:   nats,
		done:   make(chan struct{}),
	}
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("[gateway] listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// the gobwas/ws zero-copy upgrader and spawns the connection's read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	s.conns.Add(c)
	log.Printf("[gateway] new connection id=%s (total=%d)", c.ID, s.conns.Count())

	go s.readLoop(c)
}

// handleHealth responds with the gateway's health status as JSON,
// including the current connection count and uptime. Used by the load
// balancer for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames until the connection dies, handling control
// frames inline and passing data frames to the dispatcher.
func (s *Server) readLoop(c *Connection) {
	defer s.dropConnection(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.Printf("[gateway] idle timeout id=%s", c.ID)
			}
			return
		}

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			if header.OpCode == ws.OpPing {
				_ = wsutil.WriteServerMessage(c.Conn, ws.OpPong, nil)
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		s.dispatch(c, data)
	}
}

// dropConnection removes the connection, stops its search loop, and
// withdraws the bound user from the queue. A dropped socket counts as
// leaving: the engine settles whatever the user was engaged in.
func (s *Server) dropConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	userID := c.UserID()
	if userID != "" {
		s.unsubscribeUser(userID)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.engine.Leave(ctx, userID); err != nil {
			log.Printf("[gateway] leave on disconnect user=%s: %v", userID, err)
		}
	}
	log.Printf("[gateway] connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// send writes a frame, respecting the write timeout.
func (s *Server) send(c *Connection, data []byte) {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("[gateway] write failed id=%s: %v", c.ID, err)
	}
	_ = c.Conn.SetWriteDeadline(time.Time{})
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener,
// signals the read loops, and closes all active connections.
func (s *Server) Shutdown() error {
	log.Println("[gateway] shutting down...")
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[gateway] http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.dropConnection(c)
	}
	log.Printf("[gateway] stopped, all connections closed")
	return nil
}
