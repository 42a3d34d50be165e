package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/GovThePPL/candid-sub002/internal/protocol"
	"github.com/GovThePPL/candid-sub002/internal/rest"
	"github.com/GovThePPL/candid-sub002/internal/transport"
)

type sentEvent struct {
	event string
	data  json.RawMessage
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	snap      *transport.JoinSnapshot
	joinErr   error
	sendErr   error
	sent      []sentEvent
	subs      map[string]map[int]func(json.RawMessage)
	nextID    int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		connected: true,
		subs:      make(map[string]map[int]func(json.RawMessage)),
	}
}

func (f *fakeChannel) Connect(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Join(ctx context.Context, chatID string) (*transport.JoinSnapshot, error) {
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	if f.snap != nil {
		return f.snap, nil
	}
	return &transport.JoinSnapshot{ChatID: chatID}, nil
}

func (f *fakeChannel) Send(event string, payload any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{event: event, data: raw})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Subscribe(event string, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.subs[event] == nil {
		f.subs[event] = make(map[int]func(json.RawMessage))
	}
	f.subs[event][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[event], id)
	}
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeChannel) emit(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(f.subs[event]))
	for _, h := range f.subs[event] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (f *fakeChannel) sentOf(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.sent {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

func (f *fakeChannel) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.subs {
		n += len(m)
	}
	return n
}

type fakeAPI struct {
	mu          sync.Mutex
	log         *rest.SessionLog
	logErr      error
	logCalls    int
	createResp  json.RawMessage
	createErr   error
	actionResp  json.RawMessage
	actionErr   error
	onAction    func(action string)
	actions     []string
	chatActions []string
}

func (f *fakeAPI) GetSessionLog(ctx context.Context, chatID string) (*rest.SessionLog, error) {
	f.mu.Lock()
	f.logCalls++
	f.mu.Unlock()
	if f.logErr != nil {
		return nil, f.logErr
	}
	if f.log != nil {
		return f.log, nil
	}
	return &rest.SessionLog{ChatID: chatID, Status: "active"}, nil
}

func (f *fakeAPI) CreateProposal(ctx context.Context, chatID, text string, isClosure bool) (json.RawMessage, error) {
	return f.createResp, f.createErr
}

func (f *fakeAPI) ProposalAction(ctx context.Context, chatID, proposalID, action, text string) (json.RawMessage, error) {
	f.mu.Lock()
	f.actions = append(f.actions, action+":"+proposalID)
	hook := f.onAction
	f.mu.Unlock()
	if hook != nil {
		hook(action)
	}
	return f.actionResp, f.actionErr
}

func (f *fakeAPI) SendChatAction(ctx context.Context, chatID, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatActions = append(f.chatActions, action)
	return nil
}

func rawMsg(id, sender string, ts int64, content string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"chatId":"c1","senderId":%q,"timestamp":%d,"content":%q}`,
		id, sender, ts, content))
}

func rawProposal(id, sender string, ts int64, typ, parent string, closure bool) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"chatId":"c1","senderId":%q,"timestamp":%d,"content":"offer","type":%q,"proposalId":%q,"parentId":%q,"isClosure":%t}`,
		id, sender, ts, typ, id, parent, closure))
}

func openLive(t *testing.T, ch *fakeChannel, api *fakeAPI) *Session {
	t.Helper()
	s, err := Open(context.Background(), Options{
		ChatID:  "c1",
		Mode:    ModeLive,
		Self:    User{ID: "u1", Name: "Ada"},
		Channel: ch,
		API:     api,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestOpenLiveIngestsSnapshot(t *testing.T) {
	ch := newFakeChannel()
	ch.snap = &transport.JoinSnapshot{
		ChatID: "c1",
		Topic:  "school funding",
		Messages: []json.RawMessage{
			rawMsg("m2", "u2", 200, "second"),
			json.RawMessage(`{"id":"m1","chat_id":"c1","sender_id":"u1","created_at":100,"content":"first"}`),
		},
		Proposals: []json.RawMessage{
			rawProposal("p1", "u2", 300, "proposed", "", false),
		},
	}
	api := &fakeAPI{}
	s := openLive(t, ch, api)

	ms := s.Messages()
	if len(ms) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(ms))
	}
	if ms[0].ID != "m1" || ms[1].ID != "m2" || ms[2].ID != "p1" {
		t.Fatalf("snapshot not ordered: %s %s %s", ms[0].ID, ms[1].ID, ms[2].ID)
	}
	if got := s.Info().Topic; got != "school funding" {
		t.Fatalf("topic not taken from snapshot: %q", got)
	}
	if ch.subCount() != 5 {
		t.Fatalf("expected 5 subscriptions, got %d", ch.subCount())
	}
	if _, ok := s.Interactive(); !ok {
		t.Fatal("snapshot proposal should be interactive")
	}
}

func TestOpenNotConnected(t *testing.T) {
	ch := newFakeChannel()
	ch.connected = false
	_, err := Open(context.Background(), Options{
		ChatID: "c1", Self: User{ID: "u1"}, Channel: ch, API: &fakeAPI{},
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestOpenJoinFailedFallsBackToArchive(t *testing.T) {
	ch := newFakeChannel()
	ch.joinErr = errors.New("chat is closed")
	api := &fakeAPI{log: &rest.SessionLog{
		ChatID:   "c1",
		Topic:    "zoning",
		Status:   "ended",
		EndType:  "user_exit",
		Messages: []json.RawMessage{rawMsg("m1", "u2", 100, "bye")},
	}}
	s, err := Open(context.Background(), Options{
		ChatID: "c1", Self: User{ID: "u1"}, Channel: ch, API: api,
	})
	if err != nil {
		t.Fatalf("expected archived fallback, got %v", err)
	}
	defer s.Close()

	if s.Mode() != ModeHistorical {
		t.Fatalf("expected historical mode, got %q", s.Mode())
	}
	info := s.Info()
	if info.Status != StatusEnded || info.EndType != EndTypeUserExit {
		t.Fatalf("archived status not applied: %+v", info)
	}
	if len(s.Messages()) != 1 {
		t.Fatalf("archived messages not loaded")
	}
	if err := s.SendMessage(context.Background(), "hello"); !errors.Is(err, ErrActionFailed) {
		t.Fatalf("expected read-only refusal, got %v", err)
	}
	if ch.subCount() != 0 {
		t.Fatal("archived session must not hold live subscriptions")
	}
}

func TestOpenJoinFailedWithoutArchive(t *testing.T) {
	ch := newFakeChannel()
	ch.joinErr = errors.New("not a member")
	// Archive says the chat is still active, so the failure stands.
	api := &fakeAPI{log: &rest.SessionLog{ChatID: "c1", Status: "active"}}
	_, err := Open(context.Background(), Options{
		ChatID: "c1", Self: User{ID: "u1"}, Channel: ch, API: api,
	})
	if !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("expected ErrJoinFailed, got %v", err)
	}
}

func TestMetadataMergesArchiveOnlyWhenTimelineEmpty(t *testing.T) {
	// Non-empty live snapshot: the ended flag applies, archive entries do not.
	ch := newFakeChannel()
	ch.snap = &transport.JoinSnapshot{
		ChatID:   "c1",
		Messages: []json.RawMessage{rawMsg("live1", "u2", 100, "live")},
	}
	api := &fakeAPI{log: &rest.SessionLog{
		ChatID:   "c1",
		Topic:    "budget",
		Status:   "ended",
		EndType:  "agreed_closure",
		Messages: []json.RawMessage{rawMsg("old1", "u2", 50, "stale"), rawMsg("old2", "u2", 60, "stale")},
	}}
	s := openLive(t, ch, api)

	info := s.Info()
	if info.Status != StatusEnded || info.EndType != EndTypeAgreedClosure {
		t.Fatalf("metadata end state not applied: %+v", info)
	}
	ms := s.Messages()
	if len(ms) != 1 || ms[0].ID != "live1" {
		t.Fatalf("archive clobbered live timeline: %v", ms)
	}

	// Empty live snapshot: archived entries stand in.
	ch2 := newFakeChannel()
	s2, err := Open(context.Background(), Options{
		ChatID: "c1", Self: User{ID: "u1"}, Channel: ch2, API: api,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()
	if len(s2.Messages()) != 2 {
		t.Fatalf("expected archived merge into empty timeline, got %d entries", len(s2.Messages()))
	}
}

func TestMetadataFetchFailureIsSwallowed(t *testing.T) {
	ch := newFakeChannel()
	api := &fakeAPI{logErr: errors.New("log service down")}
	s := openLive(t, ch, api)
	if s.Info().Status != StatusActive {
		t.Fatal("metadata failure must not change session state")
	}
	if err := s.SendMessage(context.Background(), "still works"); err != nil {
		t.Fatalf("session unusable after metadata failure: %v", err)
	}
}

func TestSendMessageEchoDeduplicates(t *testing.T) {
	ch := newFakeChannel()
	s := openLive(t, ch, &fakeAPI{})

	if err := s.SendMessage(context.Background(), "hello there"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := ch.sentOf(protocol.EventMessage)
	if len(sent) != 1 {
		t.Fatalf("expected 1 message frame, got %d", len(sent))
	}
	// The relay echoes the frame back to everyone in the chat.
	var echo protocol.MessageData
	if err := json.Unmarshal(sent[0], &echo); err != nil {
		t.Fatalf("unmarshal echo: %v", err)
	}
	ch.emit(t, protocol.EventMessage, echo)

	ms := s.Messages()
	if len(ms) != 1 {
		t.Fatalf("echo duplicated the message: %d entries", len(ms))
	}
	if ms[0].Content != "hello there" || ms[0].SenderID != "u1" {
		t.Fatalf("unexpected entry: %+v", ms[0])
	}
}

func TestSendMessageFailureAppliesNothing(t *testing.T) {
	ch := newFakeChannel()
	s := openLive(t, ch, &fakeAPI{})
	ch.sendErr = errors.New("socket gone")

	err := s.SendMessage(context.Background(), "hello")
	if !errors.Is(err, ErrActionFailed) {
		t.Fatalf("expected ErrActionFailed, got %v", err)
	}
	if len(s.Messages()) != 0 {
		t.Fatal("failed send must not reach the timeline")
	}
}

func TestModifyProposalBuildsChain(t *testing.T) {
	ch := newFakeChannel()
	api := &fakeAPI{
		actionResp: rawProposal("p2", "u1", 400, "proposed", "p1", false),
	}
	s := openLive(t, ch, api)
	ch.emit(t, protocol.EventAgreedPosition, json.RawMessage(rawProposal("p1", "u2", 300, "proposed", "", false)))

	if err := s.ModifyProposal(context.Background(), "p1", "new wording"); err != nil {
		t.Fatalf("ModifyProposal: %v", err)
	}

	p1 := s.Chain("p2")[0]
	if p1.Type != MessageTypeModified {
		t.Fatalf("p1 should be modified, got %q", p1.Type)
	}
	head, ok := s.Interactive()
	if !ok || head.ProposalID != "p2" {
		t.Fatalf("expected p2 interactive, got %+v", head)
	}
	if head.ParentID != "p1" {
		t.Fatalf("p2 parent link missing: %q", head.ParentID)
	}
	if chain := s.Chain("p2"); len(chain) != 2 {
		t.Fatalf("expected 2-entry chain, got %d", len(chain))
	}
}

func TestAcceptClosureEndsChat(t *testing.T) {
	ch := newFakeChannel()
	s := openLive(t, ch, &fakeAPI{})
	ch.emit(t, protocol.EventAgreedPosition, json.RawMessage(rawProposal("p1", "u2", 300, "proposed", "", true)))
	ch.emit(t, protocol.EventAgreedPosition, json.RawMessage(rawProposal("p2", "u2", 310, "proposed", "p1", true)))

	if err := s.AcceptProposal(context.Background(), "p2"); err != nil {
		t.Fatalf("AcceptProposal: %v", err)
	}

	info := s.Info()
	if info.Status != StatusEnded || info.EndType != EndTypeAgreedClosure {
		t.Fatalf("closure accept did not end chat: %+v", info)
	}
	for _, id := range []string{"p1", "p2"} {
		m, ok := s.timelineEntry(id)
		if !ok || m.Type != MessageTypeAccepted {
			t.Fatalf("%s not accepted after closure cascade: %+v", id, m)
		}
	}
	if err := s.SendMessage(context.Background(), "more"); !errors.Is(err, ErrActionFailed) {
		t.Fatalf("ended chat accepted input: %v", err)
	}
}

func TestActionOnStaleProposal(t *testing.T) {
	ch := newFakeChannel()
	api := &fakeAPI{}
	s := openLive(t, ch, api)
	ch.emit(t, protocol.EventAgreedPosition, json.RawMessage(rawProposal("p1", "u2", 300, "proposed", "", false)))

	err := s.AcceptProposal(context.Background(), "p0")
	if !errors.Is(err, ErrStaleAction) {
		t.Fatalf("expected ErrStaleAction, got %v", err)
	}
	if len(api.actions) != 0 {
		t.Fatal("stale action must not reach the backend")
	}
}

func TestActionOnOwnProposalRefused(t *testing.T) {
	ch := newFakeChannel()
	s := openLive(t, ch, &fakeAPI{})
	ch.emit(t, protocol.EventAgreedPosition, json.RawMessage(rawProposal("p1", "u1", 300, "proposed", "", false)))

	err := s.AcceptProposal(context.Background(), "p1")
	if !errors.Is(err, ErrActionFailed) {
		t.Fatalf("expected ErrActionFailed for own proposal, got %v", err)
	}
}

func TestHeadChangeInFlightDiscardsAction(t *testing.T) {
	ch := newFakeChannel()
	api := &fakeAPI{}
	// While the accept call is on the wire, the counterpart modifies
	// the proposal. The accept result must be discarded.
	api.onAction = func(action string) {
		ch.emit(t, protocol.EventAgreedPosition, json.RawMessage(rawProposal("p1", "u2", 300, "modified", "", false)))
		ch.emit(t, protocol.EventAgreedPosition, json.RawMessage(rawProposal("p2", "u2", 310, "proposed", "p1", false)))
	}
	s := openLive(t, ch, api)
	ch.emit(t, protocol.EventAgreedPosition, json.RawMessage(rawProposal("p1", "u2", 300, "proposed", "", false)))

	err := s.AcceptProposal(context.Background(), "p1")
	if !errors.Is(err, ErrStaleAction) {
		t.Fatalf("expected ErrStaleAction, got %v", err)
	}
	m, _ := s.timelineEntry("p1")
	if m.Type != MessageTypeModified {
		t.Fatalf("stale accept overwrote state: %q", m.Type)
	}
	head, ok := s.Interactive()
	if !ok || head.ProposalID != "p2" {
		t.Fatalf("expected p2 to stay interactive, got %+v", head)
	}
}

func TestChatStatusEventEndsSession(t *testing.T) {
	ch := newFakeChannel()
	s := openLive(t, ch, &fakeAPI{})
	ch.emit(t, protocol.EventChatStatus, protocol.ChatStatusData{ChatID: "c1", Status: "ended", EndType: "user_exit"})

	info := s.Info()
	if info.Status != StatusEnded || info.EndType != EndTypeUserExit {
		t.Fatalf("chat_status not applied: %+v", info)
	}
}

func TestLeave(t *testing.T) {
	ch := newFakeChannel()
	api := &fakeAPI{}
	s := openLive(t, ch, api)

	if err := s.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if len(api.chatActions) != 1 || api.chatActions[0] != "leave" {
		t.Fatalf("leave action not sent: %v", api.chatActions)
	}
	info := s.Info()
	if info.Status != StatusEnded || info.EndType != EndTypeUserExit {
		t.Fatalf("leave did not end chat: %+v", info)
	}
}

func TestCloseUnsubscribesEverything(t *testing.T) {
	ch := newFakeChannel()
	s := openLive(t, ch, &fakeAPI{})
	if ch.subCount() != 5 {
		t.Fatalf("expected 5 subscriptions, got %d", ch.subCount())
	}
	s.Close()
	if ch.subCount() != 0 {
		t.Fatalf("Close left %d subscriptions", ch.subCount())
	}
	// Idempotent.
	s.Close()
	if err := s.SendMessage(context.Background(), "late"); !errors.Is(err, ErrActionFailed) {
		t.Fatalf("closed session accepted input: %v", err)
	}
}

func TestHistoricalOpenOrdersParticipants(t *testing.T) {
	api := &fakeAPI{log: &rest.SessionLog{
		ChatID:  "c1",
		Topic:   "noise ordinance",
		Status:  "ended",
		EndType: "agreed_closure",
		Participants: []rest.ParticipantRef{
			{UserID: "u9", Name: "Rex", Role: "reported"},
			{UserID: "u2", Name: "Kim", Role: "reporter"},
		},
		Messages: []json.RawMessage{rawMsg("m1", "u2", 100, "hi")},
	}}
	s, err := Open(context.Background(), Options{
		ChatID: "c1", Mode: ModeHistorical, Self: User{ID: "mod1"}, API: api,
	})
	if err != nil {
		t.Fatalf("Open historical: %v", err)
	}
	defer s.Close()

	info := s.Info()
	if len(info.Participants) != 2 {
		t.Fatalf("participants missing: %+v", info.Participants)
	}
	if info.Participants[0].Role != RoleReporter || info.Participants[0].User.ID != "u2" {
		t.Fatalf("reporter not first: %+v", info.Participants)
	}
	if s.Mode() != ModeHistorical {
		t.Fatal("mode not historical")
	}
}

// timelineEntry reaches into the session for assertions.
func (s *Session) timelineEntry(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Get(id)
}
