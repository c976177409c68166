// Package chat provides the core domain model for two-party messaging:
// messages with optimistic identities, monotonic delivery statuses, the
// in-memory conversation store and the presence set.
package chat

import (
	"fmt"
	"time"
)

// Status is a message's delivery status. The Sending..Read chain is
// monotonically non-decreasing for the lifetime of a message; Failed is
// a terminal state reachable only from Sending.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus converts a wire status string into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "sending":
		return StatusSending, nil
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusSending, fmt.Errorf("unknown message status %q", s)
	}
}

// canAdvance reports whether a message may move from cur to next.
// Failed never advances and is only entered from Sending.
func canAdvance(cur, next Status) bool {
	if cur == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return cur == StatusSending
	}
	return next > cur
}

// Identity is a message's identity: a locally assigned temporary id
// while the send is unconfirmed, or the server-assigned canonical id
// once confirmed. A message holds exactly one of the two at a time.
type Identity struct {
	id        string
	confirmed bool
}

// PendingID creates an identity from a local temporary id.
func PendingID(tempID string) Identity {
	return Identity{id: tempID}
}

// ConfirmedID creates an identity from a server-assigned canonical id.
func ConfirmedID(canonicalID string) Identity {
	return Identity{id: canonicalID, confirmed: true}
}

// Confirmed reports whether the identity is the canonical one.
func (i Identity) Confirmed() bool { return i.confirmed }

// String returns the current id regardless of which kind it is.
func (i Identity) String() string { return i.id }

// Message is a single entry in the conversation log.
type Message struct {
	ID         Identity
	SenderID   string
	ReceiverID string
	Text       string
	CreatedAt  time.Time
	Status     Status
}

// Key returns the conversation the message belongs to.
func (m *Message) Key() ConversationKey {
	return NewConversationKey(m.SenderID, m.ReceiverID)
}

// ConversationKey identifies a two-party thread as the unordered pair
// of participant ids, independent of message direction.
type ConversationKey struct {
	lo, hi string
}

// NewConversationKey builds a key from two participant ids in either order.
func NewConversationKey(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey{lo: a, hi: b}
}

// Session is the authenticated identity the core borrows to open a
// connection. It is issued by the auth collaborator and immutable for
// the lifetime of a connection.
type Session struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}
