// Package relay implements the development chat relay: WebSocket
// fan-out between the two members of a chat, the REST API for chat
// requests and proposal actions, and a SQLite archive of ended chats.
// It trusts the bearer token as the caller's user id; real deployments
// put an auth gateway in front.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GovThePPL/candid-sub002/internal/logging"
	"github.com/GovThePPL/candid-sub002/internal/protocol"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
)

// Request lifecycle states.
const (
	RequestStatusPending   = "pending"
	RequestStatusAccepted  = "accepted"
	RequestStatusDeclined  = "declined"
	RequestStatusCancelled = "cancelled"
	RequestStatusExpired   = "expired"
)

// Chat lifecycle states.
const (
	ChatStatusActive = "active"
	ChatStatusEnded  = "ended"

	EndTypeAgreedClosure = "agreed_closure"
	EndTypeUserExit      = "user_exit"
)

// Proposal states. Only a chain end in the proposed state accepts
// actions.
const (
	ProposalStatusProposed = "proposed"
	ProposalStatusAccepted = "accepted"
	ProposalStatusRejected = "rejected"
	ProposalStatusModified = "modified"
)

// User is an authenticated caller.
type User struct {
	ID   string
	Name string
}

// Request is an open chat request waiting for a counterpart. Timestamps
// are unix milliseconds, matching the client API shape.
type Request struct {
	ID        string           `json:"id"`
	Topic     string           `json:"topic"`
	Position  string           `json:"position"`
	Status    string           `json:"status"`
	CreatedAt int64            `json:"created_at"`
	ExpiresAt int64            `json:"expires_at"`
	Author    protocol.UserRef `json:"author"`
}

// Proposal is one step of a negotiation chain, serialized with the
// canonical camelCase keys clients normalize from.
type Proposal struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	IsClosure bool   `json:"isClosure,omitempty"`
	ParentID  string `json:"parentId,omitempty"`
}

// Member is one chat participant.
type Member struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Chat is one live two-member chat.
type Chat struct {
	ID        string
	Topic     string
	Status    string
	EndType   string
	Members   []Member
	Messages  []protocol.MessageData
	Proposals []*Proposal
	CreatedAt int64
}

// LogDoc is the session log served to clients and archived when a chat
// ends.
type LogDoc struct {
	ChatID       string                 `json:"chat_id"`
	Topic        string                 `json:"topic"`
	Status       string                 `json:"status"`
	EndType      string                 `json:"end_type,omitempty"`
	Messages     []protocol.MessageData `json:"messages"`
	Proposals    []*Proposal            `json:"proposals"`
	Participants []Member               `json:"participants,omitempty"`
}

// AcceptPayload is returned to the user who accepted a request.
type AcceptPayload struct {
	ChatID    string           `json:"chat_id"`
	RequestID string           `json:"request_id"`
	Topic     string           `json:"topic"`
	OtherUser protocol.UserRef `json:"other_user"`
}

// Service owns the relay's in-memory state. One mutex guards all of it;
// WebSocket fan-out happens through the hub after state settles.
type Service struct {
	mu  sync.Mutex
	log *slog.Logger
	hub *Hub
	now func() time.Time

	requestTTL time.Duration
	archive    *Archive

	names    map[string]string
	requests map[string]*Request
	chats    map[string]*Chat
}

// NewService wires the relay state. archive may be nil, in which case
// ended chats only live as long as the process.
func NewService(hub *Hub, archive *Archive, requestTTL time.Duration) *Service {
	if requestTTL <= 0 {
		requestTTL = 120 * time.Second
	}
	return &Service{
		log:        logging.Named("relay"),
		hub:        hub,
		now:        time.Now,
		requestTTL: requestTTL,
		archive:    archive,
		names:      make(map[string]string),
		requests:   make(map[string]*Request),
		chats:      make(map[string]*Chat),
	}
}

// Authenticate resolves a bearer token to a user. The dev relay treats
// the token itself as the user id.
func (s *Service) Authenticate(token string) (User, error) {
	if token == "" {
		return User{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return User{ID: token, Name: s.names[token]}, nil
}

// SetName records a user's display name, normally from the hello frame.
func (s *Service) SetName(userID, name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
}

// CreateRequest opens a chat request for the author. One open request
// per author.
func (s *Service) CreateRequest(author User, topic, position string) (*Request, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.requests {
		if req.Author.ID == author.ID && req.Status == RequestStatusPending {
			return nil, fmt.Errorf("%w: a request is already open", ErrConflict)
		}
	}

	now := s.now()
	req := &Request{
		ID:        "req_" + uuid.New().String()[:8],
		Topic:     topic,
		Position:  position,
		Status:    RequestStatusPending,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(s.requestTTL).UnixMilli(),
		Author:    protocol.UserRef{ID: author.ID, Name: s.names[author.ID]},
	}
	s.requests[req.ID] = req
	s.log.Info("request created", "request_id", req.ID, "author", author.ID, "topic", topic)
	out := *req
	return &out, nil
}

// CancelRequest withdraws the author's own pending request.
func (s *Service) CancelRequest(userID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if req.Author.ID != userID {
		return fmt.Errorf("%w: not your request", ErrForbidden)
	}
	if req.Status != RequestStatusPending {
		return fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
	}
	req.Status = RequestStatusCancelled
	s.log.Info("request cancelled", "request_id", requestID)
	return nil
}

// ListOpenRequests returns pending requests from other users, oldest
// first.
func (s *Service) ListOpenRequests(userID string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0)
	for _, req := range s.requests {
		if req.Status == RequestStatusPending && req.Author.ID != userID {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// AcceptRequest matches the acceptor with the request's author and
// creates the chat. The author learns through chat_accepted and
// chat_started frames; the acceptor through the returned payload.
func (s *Service) AcceptRequest(acceptor User, requestID string) (*AcceptPayload, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if req.Author.ID == acceptor.ID {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot accept your own request", ErrForbidden)
	}
	if req.Status != RequestStatusPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
	}

	req.Status = RequestStatusAccepted
	chat := &Chat{
		ID:     "chat_" + uuid.New().String()[:8],
		Topic:  req.Topic,
		Status: ChatStatusActive,
		Members: []Member{
			{UserID: req.Author.ID, Name: s.names[req.Author.ID]},
			{UserID: acceptor.ID, Name: s.names[acceptor.ID]},
		},
		CreatedAt: s.now().UnixMilli(),
	}
	s.chats[chat.ID] = chat

	authorID := req.Author.ID
	acceptorRef := protocol.UserRef{ID: acceptor.ID, Name: s.names[acceptor.ID]}
	authorRef := protocol.UserRef{ID: req.Author.ID, Name: s.names[req.Author.ID]}
	topic := req.Topic
	s.mu.Unlock()

	s.emit(authorID, protocol.EventChatAccepted, protocol.ChatAcceptedData{
		RequestID: requestID,
		ChatID:    chat.ID,
	})
	s.emit(authorID, protocol.EventChatStarted, protocol.ChatStartedData{
		RequestID: requestID,
		ChatID:    chat.ID,
		Topic:     topic,
		OtherUser: &acceptorRef,
	})

	s.log.Info("request accepted", "request_id", requestID, "chat_id", chat.ID,
		"author", authorID, "acceptor", acceptor.ID)
	return &AcceptPayload{
		ChatID:    chat.ID,
		RequestID: requestID,
		Topic:     topic,
		OtherUser: authorRef,
	}, nil
}

// DeclineRequest passes on a pending request. The author learns through
// a chat_declined frame; the request is closed for everyone.
func (s *Service) DeclineRequest(userID, requestID string) error {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if req.Author.ID == userID {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot decline your own request", ErrForbidden)
	}
	if req.Status != RequestStatusPending {
		s.mu.Unlock()
		return fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
	}
	req.Status = RequestStatusDeclined
	authorID := req.Author.ID
	s.mu.Unlock()

	s.emit(authorID, protocol.EventChatDeclined, protocol.ChatDeclinedData{RequestID: requestID})
	s.log.Info("request declined", "request_id", requestID, "by", userID)
	return nil
}

// JoinChat validates membership and returns the snapshot for a join_ack.
func (s *Service) JoinChat(userID, chatID string) (*protocol.JoinAckData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if !chat.member(userID) {
		return nil, fmt.Errorf("%w: not a member of chat %s", ErrForbidden, chatID)
	}
	if chat.Status != ChatStatusActive {
		return nil, fmt.Errorf("%w: chat has ended", ErrConflict)
	}

	ack := &protocol.JoinAckData{
		ChatID:    chat.ID,
		Topic:     chat.Topic,
		Messages:  make([]json.RawMessage, 0, len(chat.Messages)),
		Proposals: make([]json.RawMessage, 0, len(chat.Proposals)),
	}
	for _, m := range chat.Messages {
		if raw, err := json.Marshal(m); err == nil {
			ack.Messages = append(ack.Messages, raw)
		}
	}
	for _, p := range chat.Proposals {
		if raw, err := json.Marshal(p); err == nil {
			ack.Proposals = append(ack.Proposals, raw)
		}
	}
	return ack, nil
}

// AppendMessage stores a chat message and fans it out to both members,
// sender included; clients deduplicate the echo by id.
func (s *Service) AppendMessage(userID string, msg protocol.MessageData) error {
	s.mu.Lock()
	chat, ok := s.chats[msg.ChatID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: chat %s", ErrNotFound, msg.ChatID)
	}
	if !chat.member(userID) {
		s.mu.Unlock()
		return fmt.Errorf("%w: not a member of chat %s", ErrForbidden, msg.ChatID)
	}
	if chat.Status != ChatStatusActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: chat has ended", ErrConflict)
	}

	msg.SenderID = userID
	if msg.ID == "" {
		msg.ID = "msg_" + uuid.New().String()[:8]
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = s.now().UnixMilli()
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	chat.Messages = append(chat.Messages, msg)
	members := chat.memberIDs()
	s.mu.Unlock()

	for _, id := range members {
		s.emit(id, protocol.EventMessage, msg)
	}
	return nil
}

// RelayToChat fans an event out to the members of a chat other than the
// sender. Used for typing and read receipts, which the relay does not
// store.
func (s *Service) RelayToChat(userID, chatID, event string, data json.RawMessage) error {
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if !chat.member(userID) {
		s.mu.Unlock()
		return fmt.Errorf("%w: not a member of chat %s", ErrForbidden, chatID)
	}
	members := chat.memberIDs()
	s.mu.Unlock()

	env := protocol.Envelope{Event: event, Ts: s.now().UnixMilli(), Data: data}
	for _, id := range members {
		if id == userID {
			continue
		}
		if err := s.hub.BroadcastJSON(id, env); err != nil {
			s.log.Warn("failed to relay event", "event", event, "user_id", id, "error", err)
		}
	}
	return nil
}

// CreateProposal opens a new negotiation chain in a chat. Refused while
// another proposal is still actionable.
func (s *Service) CreateProposal(userID, chatID, text string, isClosure bool) (*Proposal, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrConflict)
	}
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if !chat.member(userID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: not a member of chat %s", ErrForbidden, chatID)
	}
	if chat.Status != ChatStatusActive {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chat has ended", ErrConflict)
	}
	if chat.openProposal() != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: a proposal is already open", ErrConflict)
	}

	p := &Proposal{
		ID:        "prop_" + uuid.New().String()[:8],
		ChatID:    chatID,
		Content:   text,
		SenderID:  userID,
		Timestamp: s.now().UnixMilli(),
		Type:      ProposalStatusProposed,
		IsClosure: isClosure,
	}
	chat.Proposals = append(chat.Proposals, p)
	members := chat.memberIDs()
	out := *p
	s.mu.Unlock()

	for _, id := range members {
		s.emit(id, protocol.EventAgreedPosition, out)
	}
	s.log.Info("proposal created", "chat_id", chatID, "proposal_id", out.ID, "closure", isClosure)
	return &out, nil
}

// ProposalAction applies accept, reject, or modify to the open
// proposal. Only the non-proposing member may act; accepting a closure
// proposal ends the chat by agreement. Modify returns the successor
// proposal.
func (s *Service) ProposalAction(userID, chatID, proposalID, action, text string) (*Proposal, error) {
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if !chat.member(userID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: not a member of chat %s", ErrForbidden, chatID)
	}
	if chat.Status != ChatStatusActive {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chat has ended", ErrConflict)
	}
	head := chat.openProposal()
	if head == nil || head.ID != proposalID {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: proposal %s is not actionable", ErrConflict, proposalID)
	}
	if head.SenderID == userID {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot act on your own proposal", ErrForbidden)
	}

	var (
		ended     bool
		successor *Proposal
		changed   = []*Proposal{head}
	)
	switch action {
	case "accept":
		head.Type = ProposalStatusAccepted
		if head.IsClosure {
			changed = append(changed, chat.cascadeClosureAccept(head)...)
			chat.Status = ChatStatusEnded
			chat.EndType = EndTypeAgreedClosure
			ended = true
		}
	case "reject":
		head.Type = ProposalStatusRejected
	case "modify":
		if text == "" {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: text is required for modify", ErrConflict)
		}
		head.Type = ProposalStatusModified
		successor = &Proposal{
			ID:        "prop_" + uuid.New().String()[:8],
			ChatID:    chatID,
			Content:   text,
			SenderID:  userID,
			Timestamp: s.now().UnixMilli(),
			Type:      ProposalStatusProposed,
			IsClosure: head.IsClosure,
			ParentID:  head.ID,
		}
		chat.Proposals = append(chat.Proposals, successor)
		changed = append(changed, successor)
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown action %q", ErrConflict, action)
	}

	members := chat.memberIDs()
	frames := make([]Proposal, len(changed))
	for i, p := range changed {
		frames[i] = *p
	}
	result := *head
	if successor != nil {
		result = *successor
	}
	var doc *LogDoc
	if ended {
		doc = chat.logDoc()
	}
	s.mu.Unlock()

	for _, frame := range frames {
		for _, id := range members {
			s.emit(id, protocol.EventAgreedPosition, frame)
		}
	}
	if ended {
		s.endChat(members, chatID, EndTypeAgreedClosure, doc)
	}
	s.log.Info("proposal action applied", "chat_id", chatID, "proposal_id", proposalID,
		"action", action, "by", userID)
	return &result, nil
}

// LeaveChat ends a chat because one member exited.
func (s *Service) LeaveChat(userID, chatID string) error {
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if !chat.member(userID) {
		s.mu.Unlock()
		return fmt.Errorf("%w: not a member of chat %s", ErrForbidden, chatID)
	}
	if chat.Status != ChatStatusActive {
		s.mu.Unlock()
		return nil
	}
	chat.Status = ChatStatusEnded
	chat.EndType = EndTypeUserExit
	members := chat.memberIDs()
	doc := chat.logDoc()
	s.mu.Unlock()

	s.endChat(members, chatID, EndTypeUserExit, doc)
	s.log.Info("chat left", "chat_id", chatID, "by", userID)
	return nil
}

// Log returns the session log for a chat: the live state for active
// chats, the archived copy for ended ones.
func (s *Service) Log(ctx context.Context, chatID string) (*LogDoc, error) {
	s.mu.Lock()
	if chat, ok := s.chats[chatID]; ok {
		doc := chat.logDoc()
		s.mu.Unlock()
		return doc, nil
	}
	s.mu.Unlock()

	if s.archive != nil {
		doc, err := s.archive.GetLog(ctx, chatID)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
}

// endChat broadcasts the final chat_status and archives the log. The
// chat stays in memory too, so recent logs do not need a DB round trip.
func (s *Service) endChat(members []string, chatID, endType string, doc *LogDoc) {
	for _, id := range members {
		s.emit(id, protocol.EventChatStatus, protocol.ChatStatusData{
			ChatID:  chatID,
			Status:  ChatStatusEnded,
			EndType: endType,
		})
	}
	if s.archive == nil || doc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.archive.SaveLog(ctx, doc); err != nil {
		s.log.Warn("failed to archive chat log", "chat_id", chatID, "error", err)
	}
}

// emit wraps data in an envelope and broadcasts it to one user.
func (s *Service) emit(userID, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Warn("failed to encode event", "event", event, "error", err)
		return
	}
	env := protocol.Envelope{Event: event, Ts: s.now().UnixMilli(), Data: raw}
	if err := s.hub.BroadcastJSON(userID, env); err != nil {
		s.log.Warn("failed to broadcast event", "event", event, "user_id", userID, "error", err)
	}
}

func (c *Chat) member(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (c *Chat) memberIDs() []string {
	out := make([]string, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.UserID
	}
	return out
}

// openProposal returns the actionable chain end: the newest proposal
// still in the proposed state that no successor replaced.
func (c *Chat) openProposal() *Proposal {
	superseded := make(map[string]bool, len(c.Proposals))
	for _, p := range c.Proposals {
		if p.ParentID != "" {
			superseded[p.ParentID] = true
		}
	}
	for i := len(c.Proposals) - 1; i >= 0; i-- {
		p := c.Proposals[i]
		if p.Type == ProposalStatusProposed && !superseded[p.ID] {
			return p
		}
	}
	return nil
}

// cascadeClosureAccept marks still-proposed closure ancestors of head
// accepted and returns them.
func (c *Chat) cascadeClosureAccept(head *Proposal) []*Proposal {
	byID := make(map[string]*Proposal, len(c.Proposals))
	for _, p := range c.Proposals {
		byID[p.ID] = p
	}
	var changed []*Proposal
	seen := map[string]bool{head.ID: true}
	for id := head.ParentID; id != "" && !seen[id]; {
		seen[id] = true
		p, ok := byID[id]
		if !ok {
			break
		}
		if p.IsClosure && p.Type == ProposalStatusProposed {
			p.Type = ProposalStatusAccepted
			changed = append(changed, p)
		}
		id = p.ParentID
	}
	return changed
}

func (c *Chat) logDoc() *LogDoc {
	doc := &LogDoc{
		ChatID:       c.ID,
		Topic:        c.Topic,
		Status:       c.Status,
		EndType:      c.EndType,
		Messages:     append([]protocol.MessageData(nil), c.Messages...),
		Participants: append([]Member(nil), c.Members...),
	}
	doc.Proposals = make([]*Proposal, len(c.Proposals))
	for i, p := range c.Proposals {
		cp := *p
		doc.Proposals[i] = &cp
	}
	return doc
}
