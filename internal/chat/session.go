package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GovThePPL/candid-sub002/internal/logging"
	"github.com/GovThePPL/candid-sub002/internal/protocol"
	"github.com/GovThePPL/candid-sub002/internal/rest"
	"github.com/GovThePPL/candid-sub002/internal/transport"
)

// API is the slice of the backend REST surface sessions use.
type API interface {
	GetSessionLog(ctx context.Context, chatID string) (*rest.SessionLog, error)
	CreateProposal(ctx context.Context, chatID, text string, isClosure bool) (json.RawMessage, error)
	ProposalAction(ctx context.Context, chatID, proposalID, action, text string) (json.RawMessage, error)
	SendChatAction(ctx context.Context, chatID, action string) error
}

// Options configures Open.
type Options struct {
	ChatID  string
	Mode    Mode
	Self    User
	Channel transport.Channel
	API     API
	Logger  *slog.Logger

	// OtherUser seeds the counterpart identity when the caller already
	// knows it (accept flow). Log metadata refines it later.
	OtherUser User
}

// Session owns the state of one open chat: the merged timeline, the
// proposal chains, typing and read-receipt state, and the channel
// subscriptions feeding all of it. Everything is guarded by one mutex;
// channel handlers run serially in arrival order.
type Session struct {
	mu      sync.Mutex
	chatID  string
	mode    Mode
	self    User
	channel transport.Channel
	api     API
	log     *slog.Logger
	now     func() time.Time

	info     Info
	timeline *Timeline
	chains   *Chains

	localTyping      bool
	localTypingTimer *time.Timer
	peerTyping       bool
	peerHideTimer    *time.Timer
	visible          map[string]bool
	receipts         map[string]bool
	peerLastRead     string

	updates  chan struct{}
	teardown []func()
	closed   bool
}

// Open builds a session in the requested mode. Live mode needs a
// connected channel; historical mode renders an immutable log and never
// touches the channel. Both are terminal on failure.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.ChatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrJoinFailed)
	}
	if opts.API == nil {
		return nil, fmt.Errorf("%w: api client is required", ErrJoinFailed)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("chat")
	}
	s := &Session{
		chatID:   opts.ChatID,
		mode:     opts.Mode,
		self:     opts.Self,
		channel:  opts.Channel,
		api:      opts.API,
		log:      log.With("chat_id", opts.ChatID),
		now:      time.Now,
		info:     Info{ChatID: opts.ChatID, Status: StatusActive, OtherUser: opts.OtherUser},
		timeline: NewTimeline(),
		chains:   NewChains(),
		visible:  make(map[string]bool),
		receipts: make(map[string]bool),
		updates:  make(chan struct{}, 1),
	}
	if s.mode == "" {
		s.mode = ModeLive
	}

	if s.mode == ModeHistorical {
		if err := s.loadArchived(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	if s.channel == nil || !s.channel.Connected() {
		return nil, ErrNotConnected
	}
	snap, err := s.channel.Join(ctx, s.chatID)
	if err != nil {
		// A refused join can still mean the chat simply ended between
		// selection and join. The archived copy settles it.
		if aerr := s.loadArchived(ctx); aerr == nil && s.info.Status == StatusEnded {
			s.log.Info("join refused, showing archived chat", "join_error", err)
			s.mode = ModeHistorical
			return s, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}

	s.mu.Lock()
	s.subscribeLocked()
	s.ingestSnapshotLocked(snap)
	s.mu.Unlock()

	s.fetchMetadata(ctx)
	s.notify()
	return s, nil
}

// Updates signals that rendered state changed. The channel is buffered
// and coalescing; consumers re-pull whatever they display.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Close detaches every subscription and stops every timer. Late timer
// callbacks and in-flight actions become no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	td := s.teardown
	s.teardown = nil
	s.stopTypingTimersLocked()
	s.mu.Unlock()

	for _, unsubscribe := range td {
		unsubscribe()
	}
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Participants = append([]Participant(nil), s.info.Participants...)
	return info
}

func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Messages()
}

// Interactive returns the proposal currently awaiting a decision, if
// any. The second result mirrors map lookups.
func (s *Session) Interactive() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.chains.Interactive(); p != nil {
		return *p, true
	}
	return Message{}, false
}

// Chain returns the ancestry of a proposal oldest first, for stacked
// display.
func (s *Session) Chain(proposalID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.chains.Chain(proposalID)
	out := make([]Message, len(entries))
	for i, p := range entries {
		out[i] = *p
	}
	return out
}

func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping
}

// PeerLastRead returns the id of the newest own message the counterpart
// has receipted.
func (s *Session) PeerLastRead() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerLastRead
}

// SendMessage ships a text message. The entry is applied locally only
// after the channel took it; the relay echo then deduplicates against
// the same id.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	m := Message{
		ID:        uuid.New().String(),
		ChatID:    s.chatID,
		Content:   content,
		SenderID:  s.self.ID,
		Timestamp: s.now().UnixMilli(),
		Type:      MessageTypeText,
	}
	s.flushLocalTypingLocked()
	s.mu.Unlock()

	payload := protocol.MessageData{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
		Type:      string(m.Type),
	}
	if err := s.channel.Send(protocol.EventMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrActionFailed, err)
	}

	s.mu.Lock()
	if !s.closed {
		s.timeline.Upsert(m)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// CreateProposal opens a new negotiation chain (or a closure offer when
// isClosure is set). Refused while another proposal is still open.
func (s *Session) CreateProposal(ctx context.Context, text string, isClosure bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: proposal text is required", ErrActionFailed)
	}
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.chains.Interactive() != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: a proposal is already open", ErrActionFailed)
	}
	s.mu.Unlock()

	raw, err := s.api.CreateProposal(ctx, s.chatID, text, isClosure)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrActionFailed, err)
	}

	p := s.decodeOrSynthesizeProposal(raw, text, isClosure, "")
	s.mu.Lock()
	if !s.closed {
		stored, _ := s.timeline.Upsert(p)
		s.chains.Track(stored)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// AcceptProposal accepts the open proposal. Accepting a closure
// proposal ends the chat by agreement.
func (s *Session) AcceptProposal(ctx context.Context, proposalID string) error {
	return s.proposalAction(ctx, proposalID, rest.ProposalActionAccept, "")
}

// RejectProposal declines the open proposal; the chain is closed and
// later proposals start fresh.
func (s *Session) RejectProposal(ctx context.Context, proposalID string) error {
	return s.proposalAction(ctx, proposalID, rest.ProposalActionReject, "")
}

// ModifyProposal supersedes the open proposal with reworded text. The
// old head becomes part of the chain history; only the successor stays
// actionable.
func (s *Session) ModifyProposal(ctx context.Context, proposalID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: modified text is required", ErrActionFailed)
	}
	return s.proposalAction(ctx, proposalID, rest.ProposalActionModify, text)
}

// Leave exits the chat for this user. The chat ends as user_exit; the
// counterpart learns via chat_status.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.api.SendChatAction(ctx, s.chatID, rest.ChatActionLeave); err != nil {
		return fmt.Errorf("%w: %v", ErrActionFailed, err)
	}

	s.mu.Lock()
	s.endLocked(EndTypeUserExit)
	s.mu.Unlock()
	s.notify()
	return nil
}

// proposalAction runs the shared pre-validate, call, re-validate, apply
// sequence. The head is checked again after the call returns; a target
// that stopped being the head in the meantime is reported as
// ErrStaleAction, which callers drop.
func (s *Session) proposalAction(ctx context.Context, proposalID, action, text string) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	head := s.chains.Interactive()
	if head == nil || head.ProposalID != proposalID {
		s.mu.Unlock()
		s.log.Debug("dropping action on stale proposal", "action", action, "proposal_id", proposalID)
		return ErrStaleAction
	}
	if head.SenderID == s.self.ID {
		s.mu.Unlock()
		return fmt.Errorf("%w: waiting on the other side for this proposal", ErrActionFailed)
	}
	s.mu.Unlock()

	raw, err := s.api.ProposalAction(ctx, s.chatID, proposalID, action, text)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrActionFailed, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	head = s.chains.Interactive()
	if head == nil || head.ProposalID != proposalID {
		s.mu.Unlock()
		s.log.Debug("proposal changed while action was in flight", "action", action, "proposal_id", proposalID)
		return ErrStaleAction
	}

	switch action {
	case rest.ProposalActionAccept:
		head.Type = MessageTypeAccepted
		if head.IsClosure {
			s.chains.CascadeClosureAccept(head.ProposalID)
			s.endLocked(EndTypeAgreedClosure)
		}
	case rest.ProposalActionReject:
		head.Type = MessageTypeRejected
	case rest.ProposalActionModify:
		head.Type = MessageTypeModified
		next := s.decodeOrSynthesizeProposal(raw, text, head.IsClosure, head.ProposalID)
		stored, _ := s.timeline.Upsert(next)
		s.chains.Track(stored)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// decodeOrSynthesizeProposal prefers the backend's payload and falls
// back to a locally minted entry when the payload is missing or
// malformed. The parent link is pinned either way.
func (s *Session) decodeOrSynthesizeProposal(raw json.RawMessage, text string, isClosure bool, parentID string) Message {
	nowMs := s.now().UnixMilli()
	if len(raw) > 0 {
		if p, err := DecodeProposal(raw, nowMs); err == nil {
			p.ChatID = s.chatID
			if parentID != "" {
				p.ParentID = parentID
			}
			return p
		}
		s.log.Warn("malformed proposal payload, synthesizing entry")
	}
	id := uuid.New().String()
	return Message{
		ID:         id,
		ChatID:     s.chatID,
		Content:    text,
		SenderID:   s.self.ID,
		Timestamp:  nowMs,
		Type:       MessageTypeProposed,
		ProposalID: id,
		IsClosure:  isClosure,
		ParentID:   parentID,
	}
}

func (s *Session) usableLocked() error {
	switch {
	case s.closed:
		return fmt.Errorf("%w: session is closed", ErrActionFailed)
	case s.mode == ModeHistorical:
		return fmt.Errorf("%w: chat is read-only", ErrActionFailed)
	case s.info.Status == StatusEnded:
		return fmt.Errorf("%w: chat has ended", ErrActionFailed)
	}
	return nil
}

func (s *Session) subscribeLocked() {
	subs := []struct {
		event   string
		handler func(json.RawMessage)
	}{
		{protocol.EventMessage, s.handleMessage},
		{protocol.EventAgreedPosition, s.handleAgreedPosition},
		{protocol.EventTyping, s.handleTyping},
		{protocol.EventChatStatus, s.handleChatStatus},
		{protocol.EventReadReceipt, s.handleReadReceipt},
	}
	for _, sub := range subs {
		s.teardown = append(s.teardown, s.channel.Subscribe(sub.event, sub.handler))
	}
}

func (s *Session) ingestSnapshotLocked(snap *transport.JoinSnapshot) {
	if snap == nil {
		return
	}
	if snap.Topic != "" {
		s.info.Topic = snap.Topic
	}
	nowMs := s.now().UnixMilli()
	for _, raw := range snap.Messages {
		m, err := DecodeMessage(raw, nowMs)
		if err != nil {
			s.log.Warn("dropping malformed snapshot message", "error", err)
			continue
		}
		s.timeline.Upsert(m)
	}
	for _, raw := range snap.Proposals {
		p, err := DecodeProposal(raw, nowMs)
		if err != nil {
			s.log.Warn("dropping malformed snapshot proposal", "error", err)
			continue
		}
		stored, _ := s.timeline.Upsert(p)
		s.chains.Track(stored)
	}
}

func (s *Session) loadArchived(ctx context.Context) error {
	lg, err := s.api.GetSessionLog(ctx, s.chatID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}
	s.mu.Lock()
	s.applyLogLocked(lg, true)
	s.mu.Unlock()
	s.notify()
	return nil
}

// fetchMetadata pulls topic and end state for a live session. Failures
// are logged and swallowed; a live session works without metadata.
func (s *Session) fetchMetadata(ctx context.Context) {
	lg, err := s.api.GetSessionLog(ctx, s.chatID)
	if err != nil {
		s.log.Warn("failed to fetch chat metadata", "error", err)
		return
	}
	s.mu.Lock()
	s.applyLogLocked(lg, false)
	s.mu.Unlock()
	s.notify()
}

// applyLogLocked merges a session log. With replace set the log is the
// timeline (historical open, join fallback); otherwise archived entries
// are taken only while the live timeline is still empty, so a stale
// archive never clobbers live history.
func (s *Session) applyLogLocked(lg *rest.SessionLog, replace bool) {
	if lg.Topic != "" {
		s.info.Topic = lg.Topic
	}
	if len(lg.Participants) > 0 {
		s.info.Participants = participantsFromRefs(lg.Participants)
		for _, p := range s.info.Participants {
			if p.User.ID != s.self.ID {
				s.info.OtherUser = p.User
				break
			}
		}
	}
	ended := Status(lg.Status) == StatusEnded
	if ended {
		s.info.Status = StatusEnded
		s.info.EndType = EndType(lg.EndType)
	}
	if replace || (ended && s.timeline.Empty()) {
		nowMs := s.now().UnixMilli()
		var ms []Message
		for _, raw := range lg.Messages {
			m, err := DecodeMessage(raw, nowMs)
			if err != nil {
				s.log.Warn("dropping malformed archived message", "error", err)
				continue
			}
			ms = append(ms, m)
		}
		for _, raw := range lg.Proposals {
			p, err := DecodeProposal(raw, nowMs)
			if err != nil {
				s.log.Warn("dropping malformed archived proposal", "error", err)
				continue
			}
			ms = append(ms, p)
		}
		s.timeline.Replace(ms)
		s.chains = NewChains()
		for _, e := range s.timeline.entries {
			if e.IsProposal() {
				s.chains.Track(e)
			}
		}
	}
}

// participantsFromRefs orders participants deterministically: reporter
// first, then reported, ties by user id. Review rendering relies on the
// order being stable across loads.
func participantsFromRefs(refs []rest.ParticipantRef) []Participant {
	out := make([]Participant, 0, len(refs))
	for _, ref := range refs {
		out = append(out, Participant{
			User: User{ID: ref.UserID, Name: ref.Name},
			Role: Role(ref.Role),
		})
	}
	rank := func(r Role) int {
		switch r {
		case RoleReporter:
			return 0
		case RoleReported:
			return 1
		}
		return 2
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Role), rank(out[j].Role)
		if ri != rj {
			return ri < rj
		}
		return out[i].User.ID < out[j].User.ID
	})
	return out
}

func (s *Session) handleMessage(data json.RawMessage) {
	m, err := DecodeMessage(data, s.now().UnixMilli())
	if err != nil {
		s.log.Warn("dropping malformed message event", "error", err)
		return
	}
	if m.ChatID != "" && m.ChatID != s.chatID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	stored, _ := s.timeline.Upsert(m)
	if stored.IsProposal() {
		s.chains.Track(stored)
	}
	// A message from the typing user replaces the indicator without an
	// off-and-on flash.
	s.clearPeerTypingLocked(stored.SenderID)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleAgreedPosition(data json.RawMessage) {
	p, err := DecodeProposal(data, s.now().UnixMilli())
	if err != nil {
		s.log.Warn("dropping malformed agreed_position event", "error", err)
		return
	}
	if p.ChatID != "" && p.ChatID != s.chatID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	stored, _ := s.timeline.Upsert(p)
	s.chains.Track(stored)
	if stored.Type == MessageTypeAccepted && stored.IsClosure {
		s.chains.CascadeClosureAccept(stored.ProposalID)
		s.endLocked(EndTypeAgreedClosure)
	}
	s.clearPeerTypingLocked(stored.SenderID)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleChatStatus(data json.RawMessage) {
	var ev protocol.ChatStatusData
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("dropping malformed chat_status event", "error", err)
		return
	}
	if ev.ChatID != "" && ev.ChatID != s.chatID {
		return
	}
	if Status(ev.Status) != StatusEnded {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.endLocked(EndType(ev.EndType))
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleReadReceipt(data json.RawMessage) {
	var ev protocol.ReadReceiptData
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("dropping malformed read_receipt event", "error", err)
		return
	}
	if ev.UserID == s.self.ID || (ev.ChatID != "" && ev.ChatID != s.chatID) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.peerLastRead = ev.MessageID
	s.mu.Unlock()
	s.notify()
}

// endLocked settles the chat into its final state. Idempotent; typing
// state is cleared so no indicator survives the end of the chat.
func (s *Session) endLocked(endType EndType) {
	if s.info.Status == StatusEnded {
		return
	}
	s.info.Status = StatusEnded
	if endType != "" {
		s.info.EndType = endType
	} else {
		s.info.EndType = EndTypeUserExit
	}
	s.peerTyping = false
	s.localTyping = false
	s.stopTypingTimersLocked()
}
