package chat

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultReconcileWindow bounds how far apart an optimistic entry's
// local timestamp and the server's timestamp may be for the two to be
// considered the same message.
const DefaultReconcileWindow = 5 * time.Second

// Limits for status updates that arrive before the message they refer
// to has been reconciled. Anything beyond is dropped with a diagnostic.
const (
	maxDeferredPerMessage = 8
	maxDeferredMessages   = 256
)

// Incoming is an inbound message record as delivered by the server.
type Incoming struct {
	ID         string
	SenderID   string
	ReceiverID string
	Text       string
	CreatedAt  time.Time
	Status     Status
}

// Store is the append/query engine for the conversation log. It is the
// single source of truth consulted for rendering; all mutation happens
// through the owning service's event loop, so the store itself carries
// no locks.
type Store struct {
	selfID string
	window time.Duration
	log    *slog.Logger

	messages    []*Message
	byCanonical map[string]*Message
	deferred    map[string][]Status
}

// NewStore creates a store for the given local user. A non-positive
// window falls back to DefaultReconcileWindow.
func NewStore(selfID string, window time.Duration, logger *slog.Logger) *Store {
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		selfID:      selfID,
		window:      window,
		log:         logger,
		byCanonical: make(map[string]*Message),
		deferred:    make(map[string][]Status),
	}
}

// AppendLocal records an optimistic send: a new entry with a temporary
// id and Sending status, appended immediately so the UI can render it
// before the server confirms.
func (s *Store) AppendLocal(receiverID, text string, at time.Time) Message {
	m := &Message{
		ID:         PendingID("local-" + uuid.NewString()),
		SenderID:   s.selfID,
		ReceiverID: receiverID,
		Text:       text,
		CreatedAt:  at,
		Status:     StatusSending,
	}
	s.messages = append(s.messages, m)
	return *m
}

// Fail marks an optimistic entry as terminally failed. It only applies
// to entries still in Sending; anything else is left untouched.
func (s *Store) Fail(tempID string) bool {
	for _, m := range s.messages {
		if !m.ID.Confirmed() && m.ID.String() == tempID {
			if canAdvance(m.Status, StatusFailed) {
				m.Status = StatusFailed
				return true
			}
			return false
		}
	}
	return false
}

// Receive applies an inbound message record. A record authored by the
// local user is first matched against unconfirmed optimistic entries
// (same participants and text, timestamps within the reconcile window);
// on a match the entry is promoted in place: it takes the canonical id,
// advances to at least Sent and keeps its original timestamp so the
// conversation ordering is unchanged. Everything else is appended as a
// new entry. The resulting entry is returned by value.
func (s *Store) Receive(in Incoming) Message {
	if in.SenderID == s.selfID {
		if m := s.matchOptimistic(in); m != nil {
			m.ID = ConfirmedID(in.ID)
			target := in.Status
			if target < StatusSent {
				target = StatusSent
			}
			if canAdvance(m.Status, target) {
				m.Status = target
			}
			s.byCanonical[in.ID] = m
			s.replayDeferred(in.ID)
			return *m
		}
	}

	// A confirmed server record is at least Sent.
	st := in.Status
	if st < StatusSent {
		st = StatusSent
	}
	m := &Message{
		ID:         ConfirmedID(in.ID),
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Text:       in.Text,
		CreatedAt:  in.CreatedAt,
		Status:     st,
	}
	s.messages = append(s.messages, m)
	s.byCanonical[in.ID] = m
	s.replayDeferred(in.ID)
	return *m
}

// matchOptimistic finds the first unreconciled Sending entry that the
// inbound record confirms, or nil.
func (s *Store) matchOptimistic(in Incoming) *Message {
	for _, m := range s.messages {
		if m.ID.Confirmed() || m.Status != StatusSending {
			continue
		}
		if m.SenderID != in.SenderID || m.ReceiverID != in.ReceiverID || m.Text != in.Text {
			continue
		}
		d := in.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= s.window {
			return m
		}
	}
	return nil
}

// ApplyStatus advances the message with the given canonical id, subject
// to the monotonic guard. A status for an id the store has not seen yet
// is buffered and replayed once the id appears; this closes the race
// where the server's status event outruns the confirmation it refers to.
// Returns whether the message advanced now.
func (s *Store) ApplyStatus(canonicalID string, next Status) bool {
	m, ok := s.byCanonical[canonicalID]
	if !ok {
		s.deferStatus(canonicalID, next)
		return false
	}
	if !canAdvance(m.Status, next) {
		return false
	}
	m.Status = next
	return true
}

func (s *Store) deferStatus(canonicalID string, st Status) {
	buf, ok := s.deferred[canonicalID]
	if !ok && len(s.deferred) >= maxDeferredMessages {
		s.log.Warn("dropping status for unknown message, buffer full",
			"messageId", canonicalID, "status", st.String())
		return
	}
	if len(buf) >= maxDeferredPerMessage {
		s.log.Warn("dropping status for unknown message, too many buffered",
			"messageId", canonicalID, "status", st.String())
		return
	}
	s.log.Debug("buffering status for unknown message",
		"messageId", canonicalID, "status", st.String())
	s.deferred[canonicalID] = append(buf, st)
}

func (s *Store) replayDeferred(canonicalID string) {
	buf, ok := s.deferred[canonicalID]
	if !ok {
		return
	}
	delete(s.deferred, canonicalID)
	m := s.byCanonical[canonicalID]
	for _, st := range buf {
		if canAdvance(m.Status, st) {
			m.Status = st
		}
	}
}

// SelfID returns the local user the store belongs to.
func (s *Store) SelfID() string { return s.selfID }

// Get returns a copy of the message with the given id: the canonical id
// for confirmed entries, or the temporary id for optimistic entries not
// yet promoted.
func (s *Store) Get(id string) (Message, bool) {
	if m, ok := s.byCanonical[id]; ok {
		return *m, true
	}
	// Optimistic entries are addressable by their temporary id until
	// promotion.
	for _, m := range s.messages {
		if !m.ID.Confirmed() && m.ID.String() == id {
			return *m, true
		}
	}
	return Message{}, false
}

// Conversation returns the messages exchanged with the given peer,
// sorted ascending by creation time. Sorting is a read-time projection:
// insertion order is preserved for equal timestamps but not maintained
// chronologically in the log itself.
func (s *Store) Conversation(peerID string) []Message {
	key := NewConversationKey(s.selfID, peerID)
	var out []Message
	for _, m := range s.messages {
		if m.Key() == key {
			out = append(out, *m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UnreadFrom returns the peer-authored messages in the conversation
// that have not reached Read yet.
func (s *Store) UnreadFrom(peerID string) []Message {
	key := NewConversationKey(s.selfID, peerID)
	var out []Message
	for _, m := range s.messages {
		if m.Key() != key || m.SenderID != peerID {
			continue
		}
		if m.Status >= StatusRead {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// Len returns the total number of stored messages across conversations.
func (s *Store) Len() int { return len(s.messages) }

// Clear drops all state. Called on session teardown.
func (s *Store) Clear() {
	s.messages = nil
	s.byCanonical = make(map[string]*Message)
	s.deferred = make(map[string][]Status)
}
