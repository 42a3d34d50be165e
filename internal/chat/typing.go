package chat

import (
	"encoding/json"
	"time"

	"github.com/GovThePPL/candid-sub002/internal/protocol"
)

const (
	// typingIdleAfter is the trailing silence after which local typing
	// is reported stopped.
	typingIdleAfter = 2 * time.Second
	// typingHideDelay keeps the remote indicator up briefly after a
	// stop event; the message usually lands inside this window.
	typingHideDelay = 2 * time.Second
)

// NoteLocalTyping is called for every local keystroke. The first one in
// a burst broadcasts typing started; typingIdleAfter without another
// broadcasts stopped and re-arms the once-guard.
func (s *Session) NoteLocalTyping() {
	s.mu.Lock()
	if s.closed || s.mode == ModeHistorical || s.info.Status == StatusEnded {
		s.mu.Unlock()
		return
	}
	started := !s.localTyping
	s.localTyping = true
	if s.localTypingTimer != nil {
		s.localTypingTimer.Stop()
	}
	s.localTypingTimer = time.AfterFunc(typingIdleAfter, s.localTypingExpired)
	s.mu.Unlock()

	if started {
		s.sendTyping(true)
	}
}

func (s *Session) localTypingExpired() {
	s.mu.Lock()
	if s.closed || !s.localTyping {
		s.mu.Unlock()
		return
	}
	s.localTyping = false
	s.mu.Unlock()
	s.sendTyping(false)
}

// flushLocalTypingLocked drops the typing state without a broadcast;
// the message being sent signals the stop by itself.
func (s *Session) flushLocalTypingLocked() {
	s.localTyping = false
	if s.localTypingTimer != nil {
		s.localTypingTimer.Stop()
		s.localTypingTimer = nil
	}
}

func (s *Session) sendTyping(on bool) {
	payload := protocol.TypingData{ChatID: s.chatID, UserID: s.self.ID, IsTyping: on}
	if err := s.channel.Send(protocol.EventTyping, payload); err != nil {
		s.log.Debug("failed to send typing event", "error", err)
	}
}

func (s *Session) handleTyping(data json.RawMessage) {
	var ev protocol.TypingData
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("dropping malformed typing event", "error", err)
		return
	}
	if ev.UserID == "" || ev.UserID == s.self.ID {
		return
	}
	if ev.ChatID != "" && ev.ChatID != s.chatID {
		return
	}

	s.mu.Lock()
	if s.closed || s.info.Status == StatusEnded {
		s.mu.Unlock()
		return
	}
	changed := false
	if ev.IsTyping {
		s.cancelPeerHideLocked()
		changed = !s.peerTyping
		s.peerTyping = true
	} else if s.peerTyping {
		// Delay the hide; if the message lands first the indicator is
		// replaced in place instead of flashing off and on.
		s.cancelPeerHideLocked()
		s.peerHideTimer = time.AfterFunc(typingHideDelay, s.peerHideExpired)
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Session) peerHideExpired() {
	s.mu.Lock()
	if s.closed || !s.peerTyping {
		s.mu.Unlock()
		return
	}
	s.peerTyping = false
	s.peerHideTimer = nil
	s.mu.Unlock()
	s.notify()
}

// clearPeerTypingLocked hides the indicator immediately when the typing
// user's message arrives. Reports whether rendered state changed.
func (s *Session) clearPeerTypingLocked(senderID string) bool {
	if senderID == "" || senderID == s.self.ID {
		return false
	}
	s.cancelPeerHideLocked()
	if !s.peerTyping {
		return false
	}
	s.peerTyping = false
	return true
}

func (s *Session) cancelPeerHideLocked() {
	if s.peerHideTimer != nil {
		s.peerHideTimer.Stop()
		s.peerHideTimer = nil
	}
}

func (s *Session) stopTypingTimersLocked() {
	if s.localTypingTimer != nil {
		s.localTypingTimer.Stop()
		s.localTypingTimer = nil
	}
	s.cancelPeerHideLocked()
}

// SetMessageVisible is the renderer's report of which messages are on
// screen; the session never guesses viewport state. The newest visible
// counterpart message earns a read receipt, at most once per message
// id.
func (s *Session) SetMessageVisible(messageID string, visible bool) {
	s.mu.Lock()
	if s.closed || s.mode == ModeHistorical {
		s.mu.Unlock()
		return
	}
	if visible {
		s.visible[messageID] = true
	} else {
		delete(s.visible, messageID)
	}

	var (
		target   string
		targetTs int64
	)
	for id := range s.visible {
		m, ok := s.timeline.lookup(id)
		if !ok || m.SenderID == "" || m.SenderID == s.self.ID {
			continue
		}
		if s.receipts[id] {
			continue
		}
		if m.Timestamp > targetTs || (m.Timestamp == targetTs && id > target) {
			target, targetTs = id, m.Timestamp
		}
	}
	if target == "" {
		s.mu.Unlock()
		return
	}
	s.receipts[target] = true
	s.mu.Unlock()

	payload := protocol.ReadReceiptData{ChatID: s.chatID, UserID: s.self.ID, MessageID: target}
	if err := s.channel.Send(protocol.EventReadReceipt, payload); err != nil {
		s.log.Debug("failed to send read receipt", "error", err)
	}
}
