// Package livefeed streams sync state to external observers over WebSocket.
//
// The feed broadcasts cache snapshots, queue statistics and dead-lettered
// operations to every connected client. A client that connects late first
// receives the latest snapshot and statistics, then live messages.
package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names a feed message.
type MessageType string

const (
	// MessageTypeHello is sent once to every new client.
	MessageTypeHello MessageType = "hello"

	// MessageTypeSnapshot carries the full active document set.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeQueueStats carries pending operation queue counts.
	MessageTypeQueueStats MessageType = "queue_stats"

	// MessageTypeDeadLetter reports an operation that exhausted its retries.
	MessageTypeDeadLetter MessageType = "dead_letter"
)

// Message is one feed broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a message of type t.
func NewMessage(t MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s message: %w", t, err)
	}
	return Message{Type: t, Timestamp: time.Now().UTC(), Data: raw}, nil
}

// Server manages WebSocket connections and broadcasts feed messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// latest holds the last message of each replayed type.
	latest   map[MessageType][]byte
	latestMu sync.Mutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8790). Port 0 picks a free port.
	Addr string

	// Logger for server activity (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:8790",
		Logger: slog.Default(),
	}
}

// NewServer creates a feed server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      addr,
		clients:   make(map[*websocket.Conn]bool),
		latest:    make(map[MessageType][]byte),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "livefeed"),
	}
}

// Start begins serving /ws and /health.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("live feed listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("live feed server failed", "error", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	// Close handshakes run in parallel; each waits for the peer's reply.
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}()
	}
	wg.Wait()
	s.cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("live feed shutdown: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("live feed stopped")
	return nil
}

// Broadcast queues msg for every client. It never blocks: when the
// broadcast buffer is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast buffer full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("failed to marshal message", "type", msg.Type, "error", err)
				continue
			}

			if msg.Type == MessageTypeSnapshot || msg.Type == MessageTypeQueueStats {
				s.latestMu.Lock()
				s.latest[msg.Type] = data
				s.latestMu.Unlock()
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Replay happens before registration so stale state never arrives
	// after a newer live message.
	frames := s.replay()
	hello, _ := NewMessage(MessageTypeHello, map[string]int{"replayed": len(frames)})
	helloData, _ := json.Marshal(hello)
	if err := s.write(conn, helloData); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}
	for _, data := range frames {
		if err := s.write(conn, data); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "")
			return
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Info("client connected", "clients", count)

	go s.readLoop(conn)
}

func (s *Server) replay() [][]byte {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	var out [][]byte
	for _, t := range []MessageType{MessageTypeSnapshot, MessageTypeQueueStats} {
		if data, ok := s.latest[t]; ok {
			out = append(out, data)
		}
	}
	return out
}

// readLoop notices client disconnects. Client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("client disconnected", "clients", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
