package client

import (
	"time"

	"github.com/omochice/duo-chat/pkg/wire"
)

// outboundTyping is the local user's typing state toward one peer. The
// timer is an owned, cancellable handle replaced on every keystroke.
type outboundTyping struct {
	active bool
	timer  *time.Timer
}

// inboundTyping is one peer's typing indicator, with a defensive expiry
// timer in case the peer's typing-stop event never arrives.
type inboundTyping struct {
	label string
	timer *time.Timer
}

// Typing registers a keystroke toward the peer. The first keystroke
// since idle emits a single typing-start intent; each keystroke resets
// the quiet-period timer, and a full quiet period emits typing-stop.
func (s *Service) Typing(peerID string) {
	s.post(func() {
		ot := s.typingOut[peerID]
		if ot == nil {
			ot = &outboundTyping{}
			s.typingOut[peerID] = ot
		}
		if !ot.active {
			if err := s.write(wire.EventTypingStart, wire.TypingIntent{ReceiverID: peerID}); err != nil {
				s.log.Debug("typing-start not sent", "peer", peerID, "error", err)
				return
			}
			ot.active = true
		}
		if ot.timer != nil {
			ot.timer.Stop()
		}
		gen := s.genNow()
		ot.timer = time.AfterFunc(s.opts.TypingQuiet, func() {
			s.post(func() {
				if gen != s.genNow() {
					return
				}
				s.stopTypingLocal(peerID, true)
			})
		})
	})
}

// StopTyping forces an immediate transition to idle, emitting a
// typing-stop intent if the local user was typing. Used when the
// conversation is exited; Send applies the same transition itself.
func (s *Service) StopTyping(peerID string) {
	s.post(func() { s.stopTypingLocal(peerID, true) })
}

// stopTypingLocal runs on the event loop. Emits typing-stop only on an
// actual typing→idle transition.
func (s *Service) stopTypingLocal(peerID string, emit bool) {
	ot := s.typingOut[peerID]
	if ot == nil {
		return
	}
	if ot.timer != nil {
		ot.timer.Stop()
		ot.timer = nil
	}
	if !ot.active {
		return
	}
	ot.active = false
	if emit {
		if err := s.write(wire.EventTypingStop, wire.TypingIntent{ReceiverID: peerID}); err != nil {
			s.log.Debug("typing-stop not sent", "peer", peerID, "error", err)
		}
	}
}

func (s *Service) handleTypingStart(peerID, username string, gen int) {
	it := s.typingIn[peerID]
	if it == nil {
		it = &inboundTyping{}
		s.typingIn[peerID] = it
	}
	it.label = username
	if it.timer != nil {
		it.timer.Stop()
	}
	it.timer = time.AfterFunc(s.opts.TypingExpiry, func() {
		s.post(func() {
			if gen != s.genNow() {
				return
			}
			s.log.Debug("typing indicator expired without stop event", "peer", peerID)
			s.clearInboundTyping(peerID)
		})
	})
	s.notify(Notification{Kind: NoticeTyping, PeerID: peerID, Typing: true, Label: username})
}

func (s *Service) handleTypingStop(peerID string) {
	s.clearInboundTyping(peerID)
}

func (s *Service) clearInboundTyping(peerID string) {
	it := s.typingIn[peerID]
	if it == nil {
		return
	}
	if it.timer != nil {
		it.timer.Stop()
	}
	delete(s.typingIn, peerID)
	s.notify(Notification{Kind: NoticeTyping, PeerID: peerID, Typing: false})
}

// clearTypingState cancels every typing timer and resets both
// directions. Runs on the event loop during teardown and on transport
// loss.
func (s *Service) clearTypingState() {
	for _, ot := range s.typingOut {
		if ot.timer != nil {
			ot.timer.Stop()
		}
	}
	s.typingOut = make(map[string]*outboundTyping)
	for _, it := range s.typingIn {
		if it.timer != nil {
			it.timer.Stop()
		}
	}
	s.typingIn = make(map[string]*inboundTyping)
}

// TypingPeers returns the peers currently typing to the local user,
// keyed by id with their display label.
func (s *Service) TypingPeers() map[string]string {
	out := make(map[string]string)
	s.call(func() {
		for id, it := range s.typingIn {
			out[id] = it.label
		}
	})
	return out
}
