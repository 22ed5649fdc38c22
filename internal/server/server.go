// Package server fans device state out to dashboard clients over WebSocket
// and serves the HTTP surface around it.
package server

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/superdash/superdash/internal/config"
	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/timing"
)

const defaultPort = 8080

// Params contains the parameters for building a new server.
type Params struct {
	Port      int    // defaults to 8080
	AssetsDir string // static assets, optional
	Config    func() config.Config
	Snapshot  func() []byte // current broadcast payload, sent on connect
	Stats     func() HealthStats
	Logger    *slog.Logger
}

// HealthStats feeds the /health endpoint.
type HealthStats struct {
	Devices   int
	Connected int
	Protocols domain.ProtocolStatus
}

// degraded reports whether an enabled output surface is not running.
func (h HealthStats) degraded() bool {
	return (h.Protocols.EmberPlus.Enabled && !h.Protocols.EmberPlus.Running) ||
		(h.Protocols.TSLUMD.Enabled && !h.Protocols.TSLUMD.Running)
}

// Server accepts WebSocket clients, pushes them the current payload on
// connect and fans out every subsequent broadcast. Client messages are a
// small JSON command set; anything unknown is logged and dropped.
type Server struct {
	port      int
	assetsDir string
	getConfig func() config.Config
	snapshot  func() []byte
	stats     func() HealthStats
	logger    *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu    sync.Mutex
	ln    net.Listener
	conns map[uuid.UUID]*wsConn
	wg    sync.WaitGroup
}

// wsConn serialises writes: broadcasts and command replies race otherwise.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeMessage(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// clientMessage is a command sent by a dashboard client.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewServer creates a new server.
func NewServer(params Params) *Server {
	return &Server{
		port:      cmp.Or(params.Port, defaultPort),
		assetsDir: params.AssetsDir,
		getConfig: params.Config,
		snapshot:  params.Snapshot,
		stats:     params.Stats,
		logger:    params.Logger.With("component", "server"),
		// Dashboards are served from arbitrary origins (file://, dev servers),
		// so the origin check is disabled.
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[uuid.UUID]*wsConn),
	}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.assetsDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.assetsDir)))
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.httpServer = &http.Server{Handler: cors.AllowAll().Handler(mux)}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Serve failed", "err", err)
		}
	}()

	s.logger.Info("Started", "addr", ln.Addr(), "assets", cmp.Or(s.assetsDir, "disabled"))

	return nil
}

// Close shuts the server down, dropping all connected clients.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}
	s.wg.Wait()

	return err
}

// Port returns the bound port, which may differ from the configured one when
// port 0 was requested.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return s.port
	}

	return s.ln.Addr().(*net.TCPAddr).Port
}

// ConnectionCount returns the number of connected WebSocket clients.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Broadcast pushes a payload to every connected client. A client that cannot
// be written to is dropped; the rest still receive the payload.
func (s *Server) Broadcast(payload []byte) {
	s.mu.Lock()
	conns := make(map[uuid.UUID]*wsConn, len(s.conns))
	for id, c := range s.conns {
		conns[id] = c
	}
	s.mu.Unlock()

	for id, c := range conns {
		if err := c.writeMessage(payload); err != nil {
			s.logger.Debug("Dropping client", "client_id", id, "err", err)
			c.conn.Close()

			s.mu.Lock()
			delete(s.conns, id)
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Upgrade failed", "err", err)
		return
	}

	id := uuid.New()
	c := &wsConn{conn: conn}

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	s.logger.Info("Client connected", "client_id", id, "remote_addr", r.RemoteAddr)

	// New clients get the current state immediately rather than waiting for
	// the next broadcast tick.
	if err := c.writeMessage(s.snapshot()); err != nil {
		s.logger.Error("Snapshot write failed", "client_id", id, "err", err)
	}

	s.readLoop(id, c)

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()

	conn.Close()
	s.logger.Info("Client disconnected", "client_id", id)
}

func (s *Server) readLoop(id uuid.UUID, c *wsConn) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Read failed", "client_id", id, "err", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Malformed client message", "client_id", id, "err", err)
			continue
		}

		switch msg.Type {
		case "getConfig":
			reply := map[string]any{"type": "config", "data": s.getConfig()}
			if err := c.writeJSON(reply); err != nil {
				s.logger.Error("Config write failed", "client_id", id, "err", err)
				return
			}
		case "updateSettings":
			// Settings are file-managed; runtime updates are acknowledged but
			// not applied.
			s.logger.Info("Ignoring updateSettings from client", "client_id", id)
		default:
			s.logger.Warn("Unknown client message", "client_id", id, "type", msg.Type)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	stats := s.stats()
	status := "ok"
	if stats.degraded() {
		status = "degraded"
	}

	resp := map[string]any{
		"status":    status,
		"uptime":    timing.Millis(),
		"devices":   stats.Devices,
		"connected": stats.Connected,
		"protocols": stats.Protocols,
		"clients":   s.ConnectionCount(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Health write failed", "err", err)
	}
}
