package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/duo-chat/internal/chat"
	"github.com/omochice/duo-chat/internal/client"
	"github.com/omochice/duo-chat/pkg/wire"
)

// fakeServer accepts one client connection at a time and records every
// frame the client sends.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	conn     *websocket.Conn
	frames   chan wire.Envelope
	upgrades atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{t: t, frames: make(chan wire.Envelope, 64)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.upgrades.Add(1)
		f.mu.Lock()
		f.conn = c
		f.mu.Unlock()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Unmarshal(data)
			if err != nil {
				continue
			}
			f.frames <- env
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeServer) push(event string, payload any) {
	f.t.Helper()
	data, err := wire.Marshal(event, payload)
	if err != nil {
		f.t.Fatalf("failed to encode %s: %v", event, err)
	}
	f.mu.Lock()
	c := f.conn
	f.mu.Unlock()
	if c == nil {
		f.t.Fatal("no client connection")
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		f.t.Fatalf("failed to push %s: %v", event, err)
	}
}

func (f *fakeServer) drop() {
	f.mu.Lock()
	c := f.conn
	f.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (f *fakeServer) expect(event string) wire.Envelope {
	f.t.Helper()
	select {
	case env := <-f.frames:
		if env.Event != event {
			f.t.Fatalf("received event %q, want %q", env.Event, event)
		}
		return env
	case <-time.After(2 * time.Second):
		f.t.Fatalf("timeout waiting for %q", event)
	}
	return wire.Envelope{}
}

func (f *fakeServer) expectNone(d time.Duration) {
	f.t.Helper()
	select {
	case env := <-f.frames:
		f.t.Fatalf("unexpected event %q", env.Event)
	case <-time.After(d):
	}
}

func newService(t *testing.T, f *fakeServer, opts client.Options) *client.Service {
	t.Helper()
	if f != nil {
		opts.URL = f.url()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := client.New("u1", opts)
	t.Cleanup(s.Close)
	return s
}

func connect(t *testing.T, s *client.Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess := chat.Session{UserID: "u1", Username: "user1", Token: "tok"}
	if err := s.Connect(ctx, sess); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestService_ConnectIdempotent(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})

	connect(t, s)
	connect(t, s) // no-op

	if got := s.State(); got != client.StateConnected {
		t.Errorf("State() = %v, want %v", got, client.StateConnected)
	}
	if got := f.upgrades.Load(); got != 1 {
		t.Errorf("upgrades = %d, want 1", got)
	}
}

func TestService_DisconnectIdempotent(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})

	connect(t, s)
	s.Disconnect()
	s.Disconnect() // no-op

	if got := s.State(); got != client.StateDisconnected {
		t.Errorf("State() = %v, want %v", got, client.StateDisconnected)
	}
}

func TestService_DisconnectDuringConnect(t *testing.T) {
	f := newFakeServer(t)
	gate := make(chan struct{})
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-gate
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}
	s := newService(t, f, client.Options{Dialer: dialer})

	done := make(chan error, 1)
	go func() {
		done <- s.Connect(context.Background(), chat.Session{UserID: "u1", Username: "user1", Token: "tok"})
	}()

	waitFor(t, func() bool { return s.State() == client.StateConnecting }, "dial should be in flight")
	s.Disconnect()
	close(gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}

	// The dial finished after the Disconnect; the attempt must be
	// abandoned, not installed.
	if got := s.State(); got != client.StateDisconnected {
		t.Fatalf("State() after Disconnect = %v, want %v", got, client.StateDisconnected)
	}
	time.Sleep(50 * time.Millisecond)
	if got := s.State(); got != client.StateDisconnected {
		t.Fatalf("State() flipped to %v after the late dial completed", got)
	}

	// The service stays usable: a fresh Connect succeeds.
	connect(t, s)
	if got := s.State(); got != client.StateConnected {
		t.Errorf("State() after fresh Connect = %v, want %v", got, client.StateConnected)
	}
}

func TestService_Connect_AuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := newService(t, nil, client.Options{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	err := s.Connect(context.Background(), chat.Session{UserID: "u1", Token: "bad"})
	var authErr *chat.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Connect() error = %v, want *chat.AuthError", err)
	}
	if got := s.State(); got != client.StateDisconnected {
		t.Errorf("State() = %v, want %v", got, client.StateDisconnected)
	}
}

func TestService_Connect_TransportError(t *testing.T) {
	s := newService(t, nil, client.Options{
		URL:    "ws://127.0.0.1:1", // nothing listens here
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	err := s.Connect(context.Background(), chat.Session{UserID: "u1", Token: "tok"})
	var trErr *chat.TransportError
	if !errors.As(err, &trErr) {
		t.Fatalf("Connect() error = %v, want *chat.TransportError", err)
	}
}

func TestService_Send_EmptyRejected(t *testing.T) {
	s := newService(t, newFakeServer(t), client.Options{})

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := s.Send("u2", text); !errors.Is(err, client.ErrEmptyMessage) {
			t.Errorf("Send(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if got := len(s.Conversation("u2")); got != 0 {
		t.Errorf("len(conversation) = %d, want 0", got)
	}
}

func TestService_Send_OptimisticThenReconciled(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})
	connect(t, s)

	if err := s.Send("u2", "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	env := f.expect(wire.EventSendMessage)
	var sent wire.SendMessage
	if err := env.Payload(&sent); err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if sent.ReceiverID != "u2" || sent.Text != "hi" {
		t.Errorf("send intent = %+v", sent)
	}

	conv := s.Conversation("u2")
	if len(conv) != 1 || conv[0].Status != chat.StatusSending {
		t.Fatalf("optimistic entry = %+v, want one Sending entry", conv)
	}

	f.push(wire.EventMessageNew, wire.MessageNew{
		ID: "srv-1", SenderID: "u1", ReceiverID: "u2", Text: "hi",
		CreatedAt: sent.Timestamp.Add(50 * time.Millisecond), Status: "sent",
	})

	waitFor(t, func() bool {
		conv := s.Conversation("u2")
		return len(conv) == 1 && conv[0].ID.Confirmed() && conv[0].Status == chat.StatusSent
	}, "echo should reconcile into the optimistic entry, not duplicate it")
}

func TestService_Send_WhileDisconnected_Failed(t *testing.T) {
	s := newService(t, newFakeServer(t), client.Options{})

	if err := s.Send("u2", "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, func() bool {
		conv := s.Conversation("u2")
		return len(conv) == 1 && conv[0].Status == chat.StatusFailed
	}, "send without a connection should end up Failed")
}

func TestService_StatusBeforeEcho_Buffered(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})
	connect(t, s)

	if err := s.Send("u2", "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	env := f.expect(wire.EventSendMessage)
	var sent wire.SendMessage
	if err := env.Payload(&sent); err != nil {
		t.Fatalf("Payload() error = %v", err)
	}

	// Status event for the canonical id arrives before the echo.
	f.push(wire.EventMessageStatus, wire.MessageStatus{MessageID: "srv-1", Status: "delivered"})
	f.push(wire.EventMessageNew, wire.MessageNew{
		ID: "srv-1", SenderID: "u1", ReceiverID: "u2", Text: "hi",
		CreatedAt: sent.Timestamp, Status: "sent",
	})

	waitFor(t, func() bool {
		conv := s.Conversation("u2")
		return len(conv) == 1 && conv[0].Status == chat.StatusDelivered
	}, "buffered status should replay after reconciliation")
}

func TestService_StatusNeverRegresses(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})
	connect(t, s)

	f.push(wire.EventMessageNew, wire.MessageNew{
		ID: "srv-1", SenderID: "u2", ReceiverID: "u1", Text: "hi", CreatedAt: time.Now(),
	})
	f.push(wire.EventMessageStatus, wire.MessageStatus{MessageID: "srv-1", Status: "read"})
	f.push(wire.EventMessageStatus, wire.MessageStatus{MessageID: "srv-1", Status: "delivered"})

	waitFor(t, func() bool {
		conv := s.Conversation("u2")
		return len(conv) == 1 && conv[0].Status == chat.StatusRead
	}, "status must stay Read")

	// Give the regressing event time to (not) apply.
	time.Sleep(50 * time.Millisecond)
	if conv := s.Conversation("u2"); conv[0].Status != chat.StatusRead {
		t.Errorf("status = %v, want %v", conv[0].Status, chat.StatusRead)
	}
}

func TestService_TypingDebounce(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{TypingQuiet: 100 * time.Millisecond})
	connect(t, s)

	for i := 0; i < 10; i++ {
		s.Typing("u2")
	}

	f.expect(wire.EventTypingStart)
	f.expect(wire.EventTypingStop)
	f.expectNone(200 * time.Millisecond)
}

func TestService_Send_ForcesTypingStop(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{TypingQuiet: 10 * time.Second})
	connect(t, s)

	s.Typing("u2")
	f.expect(wire.EventTypingStart)

	if err := s.Send("u2", "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	f.expect(wire.EventTypingStop)
	f.expect(wire.EventSendMessage)
}

func TestService_StopTyping_OnlyWhenTyping(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{TypingQuiet: 10 * time.Second})
	connect(t, s)

	s.StopTyping("u2") // idle, nothing to emit
	f.expectNone(100 * time.Millisecond)

	s.Typing("u2")
	f.expect(wire.EventTypingStart)
	s.StopTyping("u2")
	f.expect(wire.EventTypingStop)
}

func TestService_InboundTyping_StopClears(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})
	connect(t, s)

	f.push(wire.EventTypingStart, wire.TypingEvent{UserID: "u2", Username: "bob"})
	waitFor(t, func() bool {
		return s.TypingPeers()["u2"] == "bob"
	}, "typing indicator should appear")

	f.push(wire.EventTypingStop, wire.TypingEvent{UserID: "u2"})
	waitFor(t, func() bool {
		_, ok := s.TypingPeers()["u2"]
		return !ok
	}, "typing indicator should clear on stop")
}

func TestService_InboundTyping_ExpiresWithoutStop(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{TypingExpiry: 80 * time.Millisecond})
	connect(t, s)

	f.push(wire.EventTypingStart, wire.TypingEvent{UserID: "u2", Username: "bob"})
	waitFor(t, func() bool {
		_, ok := s.TypingPeers()["u2"]
		return ok
	}, "typing indicator should appear")

	// No stop event; the defensive expiry must clear it.
	waitFor(t, func() bool {
		_, ok := s.TypingPeers()["u2"]
		return !ok
	}, "typing indicator should expire")
}

func TestService_MarkConversationRead_Idempotent(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})
	connect(t, s)

	now := time.Now()
	f.push(wire.EventMessageNew, wire.MessageNew{
		ID: "srv-1", SenderID: "u2", ReceiverID: "u1", Text: "a", CreatedAt: now,
	})
	f.push(wire.EventMessageNew, wire.MessageNew{
		ID: "srv-2", SenderID: "u2", ReceiverID: "u1", Text: "b", CreatedAt: now.Add(time.Second),
	})
	waitFor(t, func() bool { return len(s.Conversation("u2")) == 2 }, "messages should arrive")

	s.MarkConversationRead("u2")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := f.expect(wire.EventMarkRead)
		var mr wire.MarkRead
		if err := env.Payload(&mr); err != nil {
			t.Fatalf("Payload() error = %v", err)
		}
		seen[mr.MessageID] = true
	}
	if !seen["srv-1"] || !seen["srv-2"] {
		t.Errorf("mark-read ids = %v, want srv-1 and srv-2", seen)
	}

	s.MarkConversationRead("u2")
	f.expectNone(150 * time.Millisecond)
}

func TestService_PresenceSnapshotReplaces(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})
	connect(t, s)

	f.push(wire.EventPresence, wire.PresenceSnapshot{
		{ID: "a", Username: "alice"}, {ID: "b", Username: "bob"},
	})
	waitFor(t, func() bool { return s.IsOnline("a") && s.IsOnline("b") }, "first snapshot should apply")

	f.push(wire.EventPresence, wire.PresenceSnapshot{{ID: "b", Username: "bob"}})
	waitFor(t, func() bool { return !s.IsOnline("a") && s.IsOnline("b") }, "second snapshot should replace the first")
}

func TestService_MalformedFramesDropped(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})
	connect(t, s)

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"message:new","data":{"text":"no ids"}}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"message:status","data":{"messageId":"x","status":"bogus"}}`))

	// The core must survive and keep processing.
	f.push(wire.EventMessageNew, wire.MessageNew{
		ID: "srv-1", SenderID: "u2", ReceiverID: "u1", Text: "still alive", CreatedAt: time.Now(),
	})
	waitFor(t, func() bool { return len(s.Conversation("u2")) == 1 }, "valid frame after garbage should apply")
}

func TestService_TransportLoss_SurfacesDisconnected(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})
	connect(t, s)

	f.drop()

	waitFor(t, func() bool { return s.State() == client.StateDisconnected }, "loss should surface Disconnected")

	sawDisconnected := false
	for done := false; !done; {
		select {
		case st := <-s.States():
			if st == client.StateDisconnected {
				sawDisconnected = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	if !sawDisconnected {
		t.Error("state channel should carry the Disconnected transition")
	}
}

func TestService_Reconnect(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{
		Reconnect:            true,
		ReconnectMaxAttempts: 5,
		ReconnectBaseDelay:   10 * time.Millisecond,
	})
	connect(t, s)

	if err := s.Send("u2", "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	f.expect(wire.EventSendMessage)

	f.drop()

	waitFor(t, func() bool { return f.upgrades.Load() >= 2 && s.State() == client.StateConnected },
		"service should reconnect after transport loss")

	// The conversation log survives a transport loss.
	if got := len(s.Conversation("u2")); got != 1 {
		t.Errorf("len(conversation) after reconnect = %d, want 1", got)
	}
}

func TestService_Disconnect_ClearsSessionState(t *testing.T) {
	f := newFakeServer(t)
	s := newService(t, f, client.Options{})
	connect(t, s)

	if err := s.Send("u2", "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	f.expect(wire.EventSendMessage)
	f.push(wire.EventPresence, wire.PresenceSnapshot{{ID: "u2", Username: "bob"}})
	waitFor(t, func() bool { return s.IsOnline("u2") }, "presence should apply")

	s.Disconnect()

	waitFor(t, func() bool {
		return len(s.Conversation("u2")) == 0 && !s.IsOnline("u2")
	}, "teardown should clear store and presence")
}
