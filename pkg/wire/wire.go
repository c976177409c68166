// Package wire defines the event envelope exchanged between client and
// server over a websocket connection. Every frame is a JSON object with
// an event name and an event-specific payload.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names sent by the client.
const (
	EventSendMessage = "message:send"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventMarkRead    = "message:read"
)

// Event names sent by the server. Typing events share their names with
// the client-side intents; the payload shape differs per direction.
const (
	EventPresence      = "users:online"
	EventMessageNew    = "message:new"
	EventMessageStatus = "message:status"
)

// Envelope is the raw frame: an event name plus its undecoded payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal encodes an event name and payload into a frame.
func Marshal(event string, payload any) ([]byte, error) {
	var (
		data json.RawMessage
		err  error
	)
	if payload != nil {
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
	}
	out, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	return out, nil
}

// Unmarshal decodes a frame into an Envelope. The payload stays raw
// until bound with Envelope.Payload, so the dispatcher can route on the
// event name first.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("frame has no event name")
	}
	return env, nil
}

// Payload decodes the envelope's data into v.
func (e Envelope) Payload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// User identifies a chat participant in presence snapshots.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// SendMessage is the client's send intent.
type SendMessage struct {
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// TypingIntent is the client's typing-start/typing-stop intent.
type TypingIntent struct {
	ReceiverID string `json:"receiverId"`
}

// MarkRead is the client's read acknowledgment for a single message.
type MarkRead struct {
	MessageID string `json:"messageId"`
}

// PresenceSnapshot is the full set of online users. The server always
// sends the complete set, never a diff.
type PresenceSnapshot []User

// MessageNew is a full message record: either a message authored by a
// peer or the server's confirmation of the local user's own send.
type MessageNew struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	Status     string    `json:"status,omitempty"`
}

// TypingEvent is the server-relayed typing signal from a peer.
type TypingEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// MessageStatus is a server-side status transition for a message.
type MessageStatus struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}
