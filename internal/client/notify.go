package client

import "github.com/omochice/duo-chat/internal/chat"

// NoticeKind classifies a Notification.
type NoticeKind int

const (
	// NoticeMessage reports a new or reconciled conversation entry.
	NoticeMessage NoticeKind = iota
	// NoticeStatus reports a delivery-status change on an entry.
	NoticeStatus
	// NoticeTyping reports a peer starting or stopping typing.
	NoticeTyping
	// NoticePresence reports that the online set was replaced.
	NoticePresence
)

// Notification tells a UI that core state changed. It carries enough to
// render the change directly; anything more is answered by the query
// methods.
type Notification struct {
	Kind    NoticeKind
	PeerID  string
	Message chat.Message
	Typing  bool
	Label   string
}
