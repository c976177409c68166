// Package server implements the duo-chat reference server: HTTP auth
// endpoints plus a websocket endpoint speaking the wire protocol. It
// keeps no message history; delivery is live-only, and only accounts
// are persisted.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/omochice/duo-chat/internal/server/userdb"
	"github.com/omochice/duo-chat/pkg/wire"
)

// client is one connected user. A user has at most one live connection;
// a newer one replaces the older.
type client struct {
	user     wire.User
	conn     net.Conn
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Server routes messages, presence, typing signals and read receipts
// between connected clients.
type Server struct {
	addr  string
	users *userdb.DB
	log   *slog.Logger

	listener net.Listener
	server   *http.Server

	mu        sync.RWMutex
	tokens    map[string]wire.User
	clients   map[string]*client
	msgSender map[string]string

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server listening on addr, backed by the given accounts.
func New(addr string, users *userdb.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		users:     users,
		log:       logger,
		tokens:    make(map[string]wire.User),
		clients:   make(map[string]*client),
		msgSender: make(map[string]string),
		quit:      make(chan struct{}),
	}
}

// Start starts serving and blocks until Stop or a listener error.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener

	s.server = &http.Server{Handler: s.Handler()}

	s.log.Info("server started", "addr", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to serve: %w", err)
	case <-s.quit:
		return fmt.Errorf("server stopped")
	}
}

// Handler returns the HTTP handler, usable directly with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Stop stops the server and closes every client connection. Safe to
// call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })

	if s.server != nil {
		s.server.Close()
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
		c.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// handleWebSocket authenticates the connection token, upgrades and
// registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	s.mu.RLock()
	user, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("failed to upgrade connection", "error", err)
		return
	}

	c := &client{
		user:     user,
		conn:     conn,
		outgoing: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	s.register(c)
	s.broadcastPresence()

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c)
}

// register installs the client, replacing and closing any previous
// connection for the same user.
func (s *Server) register(c *client) {
	s.mu.Lock()
	old := s.clients[c.user.ID]
	s.clients[c.user.ID] = c
	s.mu.Unlock()
	if old != nil {
		old.conn.Close()
		old.close()
	}
	s.log.Info("user connected", "user", c.user.Username)
}

// unregister removes the client if it is still the live connection for
// its user.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if s.clients[c.user.ID] == c {
		delete(s.clients, c.user.ID)
	}
	s.mu.Unlock()
	c.close()
	s.log.Info("user disconnected", "user", c.user.Username)
}

func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer func() {
		s.unregister(c)
		c.conn.Close()
		s.broadcastPresence()
	}()

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		if !op.IsData() {
			continue
		}
		s.handleFrame(c, data)
	}
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for {
		select {
		case data := <-c.outgoing:
			if err := wsutil.WriteServerText(c.conn, data); err != nil {
				s.log.Warn("failed to write to client", "user", c.user.Username, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleFrame dispatches one inbound frame. Malformed frames are
// dropped, never fatal to the connection.
func (s *Server) handleFrame(c *client, data []byte) {
	env, err := wire.Unmarshal(data)
	if err != nil {
		s.log.Warn("dropping malformed frame", "user", c.user.Username, "error", err)
		return
	}
	switch env.Event {
	case wire.EventSendMessage:
		var p wire.SendMessage
		if err := env.Payload(&p); err != nil || p.ReceiverID == "" || p.Text == "" {
			s.log.Warn("dropping invalid send", "user", c.user.Username, "error", err)
			return
		}
		s.routeMessage(c, p)

	case wire.EventTypingStart:
		var p wire.TypingIntent
		if err := env.Payload(&p); err != nil || p.ReceiverID == "" {
			return
		}
		s.deliver(p.ReceiverID, wire.EventTypingStart, wire.TypingEvent{
			UserID:   c.user.ID,
			Username: c.user.Username,
		})

	case wire.EventTypingStop:
		var p wire.TypingIntent
		if err := env.Payload(&p); err != nil || p.ReceiverID == "" {
			return
		}
		s.deliver(p.ReceiverID, wire.EventTypingStop, wire.TypingEvent{UserID: c.user.ID})

	case wire.EventMarkRead:
		var p wire.MarkRead
		if err := env.Payload(&p); err != nil || p.MessageID == "" {
			return
		}
		s.mu.RLock()
		senderID, ok := s.msgSender[p.MessageID]
		s.mu.RUnlock()
		if !ok {
			s.log.Debug("read receipt for unknown message", "messageId", p.MessageID)
			return
		}
		s.deliver(senderID, wire.EventMessageStatus, wire.MessageStatus{
			MessageID: p.MessageID,
			Status:    "read",
		})

	default:
		s.log.Debug("ignoring unknown event", "event", env.Event, "user", c.user.Username)
	}
}

// routeMessage assigns the canonical id and server timestamp, delivers
// the record to the recipient, echoes it to the sender and reports
// delivery back to the sender when the recipient is online.
func (s *Server) routeMessage(c *client, p wire.SendMessage) {
	rec := wire.MessageNew{
		ID:         uuid.NewString(),
		SenderID:   c.user.ID,
		ReceiverID: p.ReceiverID,
		Text:       p.Text,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.msgSender[rec.ID] = c.user.ID
	s.mu.Unlock()

	rec.Status = "delivered"
	delivered := s.deliver(p.ReceiverID, wire.EventMessageNew, rec)

	rec.Status = "sent"
	s.deliver(c.user.ID, wire.EventMessageNew, rec)

	if delivered {
		s.deliver(c.user.ID, wire.EventMessageStatus, wire.MessageStatus{
			MessageID: rec.ID,
			Status:    "delivered",
		})
	}
}

// deliver sends one event to a user's live connection. Returns false
// when the user is offline or their channel is full.
func (s *Server) deliver(userID, event string, payload any) bool {
	data, err := wire.Marshal(event, payload)
	if err != nil {
		s.log.Warn("failed to encode event", "event", event, "error", err)
		return false
	}
	s.mu.RLock()
	c := s.clients[userID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.outgoing <- data:
		return true
	default:
		s.log.Warn("client channel full, skipping", "user", c.user.Username, "event", event)
		return false
	}
}

// broadcastPresence sends the full online set to every client.
func (s *Server) broadcastPresence() {
	s.mu.RLock()
	snap := make(wire.PresenceSnapshot, 0, len(s.clients))
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		snap = append(snap, c.user)
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	data, err := wire.Marshal(wire.EventPresence, snap)
	if err != nil {
		s.log.Warn("failed to encode presence snapshot", "error", err)
		return
	}
	for _, c := range targets {
		select {
		case <-c.done:
		case c.outgoing <- data:
		default:
			s.log.Warn("client channel full, skipping presence", "user", c.user.Username)
		}
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
