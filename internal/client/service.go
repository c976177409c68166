// Package client implements the real-time message synchronization core:
// a session-scoped service owning the websocket connection, the
// conversation store, peer presence, typing signals and read receipts.
//
// All state is owned by a single event-loop goroutine. Wire events, UI
// intents, queries and timer expiries are serialized through one
// channel, so handlers run to completion one at a time and the store
// needs no locking. Suspension points sit only at the boundary:
// dialing, reconnect backoff and typing timers.
package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/duo-chat/internal/chat"
	"github.com/omochice/duo-chat/pkg/wire"
)

// ConnState is the connection lifecycle state surfaced to the UI.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrEmptyMessage is returned by Send for empty or whitespace-only text.
var ErrEmptyMessage = errors.New("message text is empty")

var errNotConnected = errors.New("not connected")

// Options configures a Service.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:5000/ws.
	URL string

	Logger *slog.Logger

	// TypingQuiet is the keystroke quiet period after which an
	// outbound typing-stop is emitted. Defaults to 1s.
	TypingQuiet time.Duration

	// TypingExpiry bounds how long a peer's typing indicator may stay
	// up without a fresh typing-start, in case the stop event is lost.
	// Defaults to 5s.
	TypingExpiry time.Duration

	// ReconcileWindow is the timestamp tolerance when matching a server
	// confirmation against an optimistic send. Defaults to 5s.
	ReconcileWindow time.Duration

	// Reconnect enables bounded exponential-backoff reconnection after
	// unexpected transport loss.
	Reconnect            bool
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.TypingQuiet <= 0 {
		o.TypingQuiet = time.Second
	}
	if o.TypingExpiry <= 0 {
		o.TypingExpiry = 5 * time.Second
	}
	if o.ReconcileWindow <= 0 {
		o.ReconcileWindow = chat.DefaultReconcileWindow
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 6
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 250 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 8 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service is the synchronization core. Construct one per session with
// New, connect it with Connect, and tear it down with Close at logout.
type Service struct {
	opts Options
	log  *slog.Logger

	// mu guards the connection handle and lifecycle state. Everything
	// else belongs to the event loop.
	mu              sync.Mutex
	state           ConnState
	session         chat.Session
	conn            *websocket.Conn
	gen             int
	reconnectCancel context.CancelFunc

	store     *chat.Store
	presence  *chat.Presence
	typingOut map[string]*outboundTyping
	typingIn  map[string]*inboundTyping

	events    chan func()
	states    chan ConnState
	notices   chan Notification
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Service for the given local user and starts its event
// loop. The service holds no connection until Connect is called.
func New(selfID string, opts Options) *Service {
	opts.withDefaults()
	s := &Service{
		opts:      opts,
		log:       opts.Logger,
		store:     chat.NewStore(selfID, opts.ReconcileWindow, opts.Logger),
		presence:  chat.NewPresence(),
		typingOut: make(map[string]*outboundTyping),
		typingIn:  make(map[string]*inboundTyping),
		events:    make(chan func(), 64),
		states:    make(chan ConnState, 16),
		notices:   make(chan Notification, 64),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

// post schedules fn on the event loop. After Close, callbacks are
// discarded rather than executed.
func (s *Service) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// call runs fn on the event loop and waits for it to complete.
func (s *Service) call(fn func()) {
	ran := make(chan struct{})
	s.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
	case <-s.done:
	}
}

// States exposes connection state transitions. The channel is buffered;
// a slow consumer loses intermediate transitions, never the service.
func (s *Service) States() <-chan ConnState { return s.states }

// Notifications exposes store/presence/typing changes so a UI can
// re-query without polling. Delivery is best effort.
func (s *Service) Notifications() <-chan Notification { return s.notices }

// State returns the current connection state.
func (s *Service) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the persistent connection authenticated with the
// session token. No-op when already connected or connecting. Returns
// *chat.AuthError when the server rejects the token and
// *chat.TransportError on network failure.
func (s *Service) Connect(ctx context.Context, sess chat.Session) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.session = sess
	attempt := s.gen
	s.mu.Unlock()
	s.publish(StateConnecting)

	conn, err := s.dial(ctx, sess)

	s.mu.Lock()
	// A Disconnect during the dial bumps the generation; the attempt is
	// abandoned and must not install its connection.
	if s.gen != attempt {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		s.state = StateDisconnected
		s.session = chat.Session{}
		s.mu.Unlock()
		s.publish(StateDisconnected)
		return err
	}
	s.conn = conn
	s.state = StateConnected
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	s.publish(StateConnected)
	s.log.Info("connected", "url", s.opts.URL, "user", sess.UserID)

	s.wg.Add(1)
	go s.readLoop(conn, gen)
	return nil
}

func (s *Service) dial(ctx context.Context, sess chat.Session) (*websocket.Conn, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+sess.Token)
	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &chat.AuthError{Reason: "connection token rejected"}
		}
		return nil, &chat.TransportError{Op: "connect", Err: err}
	}
	return conn, nil
}

// Disconnect closes the connection and tears down all session state:
// the store, presence, typing indicators and their timers. Pending
// timer callbacks tied to the closed connection are invalidated. No-op
// when already torn down.
func (s *Service) Disconnect() {
	s.mu.Lock()
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	if s.state == StateDisconnected && s.session.UserID == "" {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.session = chat.Session{}
	s.gen++
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.publish(StateDisconnected)
	s.post(func() { s.teardown() })
}

func (s *Service) teardown() {
	s.store.Clear()
	s.presence.Clear()
	s.clearTypingState()
}

// Close disconnects and stops the event loop. The service cannot be
// reused afterwards.
func (s *Service) Close() {
	s.Disconnect()
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Service) readLoop(conn *websocket.Conn, gen int) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.post(func() { s.handleTransportLoss(gen, err) })
			return
		}
		s.post(func() { s.dispatch(gen, data) })
	}
}

// handleTransportLoss runs on the event loop when a read fails. A
// deliberate Disconnect bumps the generation first, so only an
// unexpected loss gets past the staleness check.
func (s *Service) handleTransportLoss(gen int, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.conn = nil
	s.state = StateDisconnected
	sess := s.session
	reconnect := s.opts.Reconnect && sess.UserID != ""
	var ctx context.Context
	if reconnect {
		ctx, s.reconnectCancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	s.log.Warn("connection lost", "error", cause)
	s.publish(StateDisconnected)
	// The conversation log survives a transport loss; only volatile
	// indicators and their timers are reset.
	s.clearTypingState()
	s.presence.ApplySnapshot(nil)

	if reconnect {
		s.wg.Add(1)
		go s.reconnectLoop(ctx, sess)
	}
}

func (s *Service) reconnectLoop(ctx context.Context, sess chat.Session) {
	defer s.wg.Done()
	delay := s.opts.ReconnectBaseDelay
	for attempt := 1; attempt <= s.opts.ReconnectMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(delay):
		}
		err := s.Connect(ctx, sess)
		if err == nil {
			s.log.Info("reconnected", "attempt", attempt)
			return
		}
		var authErr *chat.AuthError
		if errors.As(err, &authErr) {
			s.log.Warn("reconnect refused, credentials no longer valid", "error", err)
			return
		}
		s.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		if delay *= 2; delay > s.opts.ReconnectMaxDelay {
			delay = s.opts.ReconnectMaxDelay
		}
	}
	s.log.Warn("reconnect attempts exhausted", "attempts", s.opts.ReconnectMaxAttempts)
}

func (s *Service) publish(st ConnState) {
	select {
	case s.states <- st:
	default:
	}
}

func (s *Service) genNow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// write encodes and sends an outbound frame. Only called from the event
// loop, so there is a single writer per connection.
func (s *Service) write(event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &chat.TransportError{Op: "write", Err: errNotConnected}
	}
	data, err := wire.Marshal(event, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &chat.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Send records an optimistic entry for the message and emits the send
// intent. It returns immediately; confirmation arrives asynchronously
// and is reconciled into the same entry. Empty or whitespace-only text
// is rejected. A send that cannot reach the wire is marked Failed.
func (s *Service) Send(peerID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	s.post(func() {
		m := s.store.AppendLocal(peerID, text, s.opts.Now())
		s.stopTypingLocal(peerID, true)
		err := s.write(wire.EventSendMessage, wire.SendMessage{
			ReceiverID: peerID,
			Text:       text,
			Timestamp:  m.CreatedAt,
		})
		if err != nil {
			s.store.Fail(m.ID.String())
			s.log.Warn("send failed", "peer", peerID, "error", err)
			if failed, ok := s.store.Get(m.ID.String()); ok {
				s.notify(Notification{Kind: NoticeStatus, PeerID: peerID, Message: failed})
			} else {
				m.Status = chat.StatusFailed
				s.notify(Notification{Kind: NoticeStatus, PeerID: peerID, Message: m})
			}
			return
		}
		s.notify(Notification{Kind: NoticeMessage, PeerID: peerID, Message: m})
	})
	return nil
}

// MarkConversationRead acknowledges every unread peer-authored message
// in the conversation: one mark-read intent per message, and the local
// status optimistically advanced to Read. Idempotent.
func (s *Service) MarkConversationRead(peerID string) {
	s.post(func() {
		for _, m := range s.store.UnreadFrom(peerID) {
			id := m.ID.String()
			if err := s.write(wire.EventMarkRead, wire.MarkRead{MessageID: id}); err != nil {
				s.log.Warn("mark-read failed", "messageId", id, "error", err)
				continue
			}
			s.store.ApplyStatus(id, chat.StatusRead)
		}
	})
}

// Conversation returns the messages exchanged with the peer, sorted
// ascending by creation time.
func (s *Service) Conversation(peerID string) []chat.Message {
	var out []chat.Message
	s.call(func() { out = s.store.Conversation(peerID) })
	return out
}

// Unread counts peer-authored messages not yet marked read.
func (s *Service) Unread(peerID string) int {
	var n int
	s.call(func() { n = len(s.store.UnreadFrom(peerID)) })
	return n
}

// IsOnline reports whether the peer is in the latest presence snapshot.
func (s *Service) IsOnline(peerID string) bool {
	var ok bool
	s.call(func() { ok = s.presence.IsOnline(peerID) })
	return ok
}

// OnlineUsers returns the latest presence snapshot.
func (s *Service) OnlineUsers() []chat.PresenceUser {
	var out []chat.PresenceUser
	s.call(func() { out = s.presence.Online() })
	return out
}

// dispatch routes one inbound frame. Malformed frames are dropped with
// a diagnostic; they never take the core down.
func (s *Service) dispatch(gen int, data []byte) {
	if gen != s.genNow() {
		return
	}
	env, err := wire.Unmarshal(data)
	if err != nil {
		s.log.Warn("dropping malformed frame", "error", err)
		return
	}
	switch env.Event {
	case wire.EventPresence:
		var snap wire.PresenceSnapshot
		if err := env.Payload(&snap); err != nil {
			s.log.Warn("dropping malformed presence snapshot", "error", err)
			return
		}
		users := make([]chat.PresenceUser, 0, len(snap))
		for _, u := range snap {
			if u.ID == "" {
				continue
			}
			users = append(users, chat.PresenceUser{ID: u.ID, Username: u.Username})
		}
		s.presence.ApplySnapshot(users)
		s.notify(Notification{Kind: NoticePresence})

	case wire.EventMessageNew:
		var in wire.MessageNew
		if err := env.Payload(&in); err != nil {
			s.log.Warn("dropping malformed message", "error", err)
			return
		}
		if in.ID == "" || in.SenderID == "" || in.ReceiverID == "" {
			s.log.Warn("dropping message with missing fields", "messageId", in.ID)
			return
		}
		st := chat.StatusSent
		if in.Status != "" {
			if parsed, err := chat.ParseStatus(in.Status); err == nil {
				st = parsed
			}
		}
		m := s.store.Receive(chat.Incoming{
			ID:         in.ID,
			SenderID:   in.SenderID,
			ReceiverID: in.ReceiverID,
			Text:       in.Text,
			CreatedAt:  in.CreatedAt,
			Status:     st,
		})
		s.notify(Notification{Kind: NoticeMessage, PeerID: s.peerOf(m), Message: m})

	case wire.EventTypingStart:
		var te wire.TypingEvent
		if err := env.Payload(&te); err != nil || te.UserID == "" {
			s.log.Warn("dropping malformed typing event", "error", err)
			return
		}
		s.handleTypingStart(te.UserID, te.Username, gen)

	case wire.EventTypingStop:
		var te wire.TypingEvent
		if err := env.Payload(&te); err != nil || te.UserID == "" {
			s.log.Warn("dropping malformed typing event", "error", err)
			return
		}
		s.handleTypingStop(te.UserID)

	case wire.EventMessageStatus:
		var ms wire.MessageStatus
		if err := env.Payload(&ms); err != nil || ms.MessageID == "" {
			s.log.Warn("dropping malformed status event", "error", err)
			return
		}
		st, err := chat.ParseStatus(ms.Status)
		if err != nil {
			s.log.Warn("dropping status event", "messageId", ms.MessageID, "error", err)
			return
		}
		if s.store.ApplyStatus(ms.MessageID, st) {
			if m, ok := s.store.Get(ms.MessageID); ok {
				s.notify(Notification{Kind: NoticeStatus, PeerID: s.peerOf(m), Message: m})
			}
		}

	default:
		s.log.Debug("ignoring unknown event", "event", env.Event)
	}
}

// peerOf returns the other participant of a message.
func (s *Service) peerOf(m chat.Message) string {
	if m.SenderID == s.store.SelfID() {
		return m.ReceiverID
	}
	return m.SenderID
}

func (s *Service) notify(n Notification) {
	select {
	case s.notices <- n:
	default:
	}
}
