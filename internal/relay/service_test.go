package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/GovThePPL/candid-sub002/internal/protocol"
)

var relayBase = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, archive *Archive) (*Service, *Hub) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	svc := NewService(hub, archive, 120*time.Second)
	svc.now = func() time.Time { return relayBase }
	return svc, hub
}

// attach binds a listening connection for a user so broadcasts can be
// observed.
func attach(t *testing.T, hub *Hub, userID string) *Connection {
	t.Helper()
	conn := &Connection{ID: "conn-" + userID, Send: make(chan []byte, 16)}
	hub.Register(conn)
	hub.BindUser(conn, userID)
	return conn
}

func readFrame(t *testing.T, conn *Connection) protocol.Envelope {
	t.Helper()
	select {
	case data := <-conn.Send:
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("frame did not decode: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Envelope{}
	}
}

func startChat(t *testing.T, svc *Service) (chatID string) {
	t.Helper()
	req, err := svc.CreateRequest(User{ID: "alice"}, "zoning", "more housing")
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	payload, err := svc.AcceptRequest(User{ID: "bob"}, req.ID)
	if err != nil {
		t.Fatalf("AcceptRequest failed: %v", err)
	}
	return payload.ChatID
}

func TestRequestLifecycle(t *testing.T) {
	svc, _ := newTestService(t, nil)

	req, err := svc.CreateRequest(User{ID: "alice"}, "zoning", "more housing")
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if req.Status != RequestStatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if req.ExpiresAt-req.CreatedAt != 120000 {
		t.Errorf("expected 120s ttl, got %dms", req.ExpiresAt-req.CreatedAt)
	}

	if _, err := svc.CreateRequest(User{ID: "alice"}, "other", "p"); !errors.Is(err, ErrConflict) {
		t.Errorf("second request should conflict, got %v", err)
	}

	if got := svc.ListOpenRequests("bob"); len(got) != 1 || got[0].ID != req.ID {
		t.Fatalf("bob should see the request, got %v", got)
	}
	if got := svc.ListOpenRequests("alice"); len(got) != 0 {
		t.Errorf("authors should not see their own requests, got %v", got)
	}

	if err := svc.CancelRequest("bob", req.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("cancel by non-author should be forbidden, got %v", err)
	}
	if err := svc.CancelRequest("alice", req.ID); err != nil {
		t.Fatalf("CancelRequest failed: %v", err)
	}
	if got := svc.ListOpenRequests("bob"); len(got) != 0 {
		t.Errorf("cancelled request should not be listed, got %v", got)
	}
}

func TestAcceptCreatesChatAndNotifiesAuthor(t *testing.T) {
	svc, hub := newTestService(t, nil)
	authorConn := attach(t, hub, "alice")

	svc.SetName("alice", "Alice")
	svc.SetName("bob", "Bob")
	req, err := svc.CreateRequest(User{ID: "alice"}, "zoning", "more housing")
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	payload, err := svc.AcceptRequest(User{ID: "bob"}, req.ID)
	if err != nil {
		t.Fatalf("AcceptRequest failed: %v", err)
	}
	if payload.ChatID == "" || payload.RequestID != req.ID {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.OtherUser.ID != "alice" || payload.OtherUser.Name != "Alice" {
		t.Errorf("acceptor should see the author, got %+v", payload.OtherUser)
	}

	accepted := readFrame(t, authorConn)
	if accepted.Event != protocol.EventChatAccepted {
		t.Fatalf("expected chat_accepted first, got %s", accepted.Event)
	}
	var acceptedData protocol.ChatAcceptedData
	if err := json.Unmarshal(accepted.Data, &acceptedData); err != nil {
		t.Fatalf("decode chat_accepted: %v", err)
	}
	if acceptedData.ChatID != payload.ChatID || acceptedData.RequestID != req.ID {
		t.Errorf("unexpected chat_accepted data: %+v", acceptedData)
	}

	started := readFrame(t, authorConn)
	if started.Event != protocol.EventChatStarted {
		t.Fatalf("expected chat_started second, got %s", started.Event)
	}
	var startedData protocol.ChatStartedData
	if err := json.Unmarshal(started.Data, &startedData); err != nil {
		t.Fatalf("decode chat_started: %v", err)
	}
	if startedData.OtherUser == nil || startedData.OtherUser.ID != "bob" {
		t.Errorf("author should see the acceptor, got %+v", startedData.OtherUser)
	}

	if _, err := svc.AcceptRequest(User{ID: "carol"}, req.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("second accept should conflict, got %v", err)
	}
}

func TestDeclineClosesRequest(t *testing.T) {
	svc, hub := newTestService(t, nil)
	authorConn := attach(t, hub, "alice")

	req, err := svc.CreateRequest(User{ID: "alice"}, "zoning", "p")
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if err := svc.DeclineRequest("alice", req.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("declining your own request should be forbidden, got %v", err)
	}
	if err := svc.DeclineRequest("bob", req.ID); err != nil {
		t.Fatalf("DeclineRequest failed: %v", err)
	}

	env := readFrame(t, authorConn)
	if env.Event != protocol.EventChatDeclined {
		t.Fatalf("expected chat_declined, got %s", env.Event)
	}
	if _, err := svc.AcceptRequest(User{ID: "carol"}, req.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("accept after decline should conflict, got %v", err)
	}
}

func TestSweepExpiresPendingRequests(t *testing.T) {
	svc, _ := newTestService(t, nil)

	if _, err := svc.CreateRequest(User{ID: "alice"}, "zoning", "p"); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	if n := svc.sweepExpiredRequests(relayBase.Add(time.Minute)); n != 0 {
		t.Errorf("nothing should expire early, got %d", n)
	}
	if n := svc.sweepExpiredRequests(relayBase.Add(121 * time.Second)); n != 1 {
		t.Errorf("expected one expiry, got %d", n)
	}
	if n := svc.sweepExpiredRequests(relayBase.Add(122 * time.Second)); n != 0 {
		t.Errorf("expiry should fire once, got %d", n)
	}
	if got := svc.ListOpenRequests("bob"); len(got) != 0 {
		t.Errorf("expired requests should not be listed, got %v", got)
	}
}

func TestMessagesAndJoinSnapshot(t *testing.T) {
	svc, _ := newTestService(t, nil)
	chatID := startChat(t, svc)

	err := svc.AppendMessage("alice", protocol.MessageData{ChatID: chatID, Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := svc.AppendMessage("mallory", protocol.MessageData{ChatID: chatID, Content: "hi"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("outsider message should be forbidden, got %v", err)
	}
	if err := svc.AppendMessage("alice", protocol.MessageData{ChatID: "nope", Content: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown chat should be not found, got %v", err)
	}

	ack, err := svc.JoinChat("bob", chatID)
	if err != nil {
		t.Fatalf("JoinChat failed: %v", err)
	}
	if len(ack.Messages) != 1 {
		t.Fatalf("snapshot should carry the message, got %d", len(ack.Messages))
	}
	var msg protocol.MessageData
	if err := json.Unmarshal(ack.Messages[0], &msg); err != nil {
		t.Fatalf("decode snapshot message: %v", err)
	}
	if msg.SenderID != "alice" || msg.ID == "" || msg.Timestamp == 0 {
		t.Errorf("message should be normalized, got %+v", msg)
	}

	if _, err := svc.JoinChat("mallory", chatID); !errors.Is(err, ErrForbidden) {
		t.Errorf("outsider join should be forbidden, got %v", err)
	}
}

func TestProposalNegotiation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	chatID := startChat(t, svc)

	p1, err := svc.CreateProposal("alice", chatID, "we agree housing is needed", false)
	if err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}
	if p1.Type != ProposalStatusProposed {
		t.Fatalf("expected proposed, got %s", p1.Type)
	}
	if _, err := svc.CreateProposal("bob", chatID, "another", false); !errors.Is(err, ErrConflict) {
		t.Errorf("second open proposal should conflict, got %v", err)
	}
	if _, err := svc.ProposalAction("alice", chatID, p1.ID, "accept", ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("acting on your own proposal should be forbidden, got %v", err)
	}

	p2, err := svc.ProposalAction("bob", chatID, p1.ID, "modify", "housing, with transit funding")
	if err != nil {
		t.Fatalf("modify failed: %v", err)
	}
	if p2.ParentID != p1.ID || p2.Type != ProposalStatusProposed || p2.SenderID != "bob" {
		t.Fatalf("unexpected successor: %+v", p2)
	}
	if _, err := svc.ProposalAction("bob", chatID, p1.ID, "accept", ""); !errors.Is(err, ErrConflict) {
		t.Errorf("superseded proposal should not be actionable, got %v", err)
	}

	final, err := svc.ProposalAction("alice", chatID, p2.ID, "accept", "")
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if final.Type != ProposalStatusAccepted {
		t.Fatalf("expected accepted, got %s", final.Type)
	}

	// Non-closure agreement keeps the chat open.
	if err := svc.AppendMessage("alice", protocol.MessageData{ChatID: chatID, Content: "nice"}); err != nil {
		t.Errorf("chat should still be active, got %v", err)
	}
}

func TestClosureAcceptEndsChat(t *testing.T) {
	svc, hub := newTestService(t, nil)
	chatID := startChat(t, svc)
	bobConn := attach(t, hub, "bob")

	p1, err := svc.CreateProposal("alice", chatID, "wrap up: we agree on transit", true)
	if err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}

	// bob sees the proposal frame first.
	env := readFrame(t, bobConn)
	if env.Event != protocol.EventAgreedPosition {
		t.Fatalf("expected agreed_position, got %s", env.Event)
	}

	if _, err := svc.ProposalAction("bob", chatID, p1.ID, "accept", ""); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	accepted := readFrame(t, bobConn)
	if accepted.Event != protocol.EventAgreedPosition {
		t.Fatalf("expected agreed_position, got %s", accepted.Event)
	}
	status := readFrame(t, bobConn)
	if status.Event != protocol.EventChatStatus {
		t.Fatalf("expected chat_status, got %s", status.Event)
	}
	var statusData protocol.ChatStatusData
	if err := json.Unmarshal(status.Data, &statusData); err != nil {
		t.Fatalf("decode chat_status: %v", err)
	}
	if statusData.Status != ChatStatusEnded || statusData.EndType != EndTypeAgreedClosure {
		t.Errorf("unexpected end state: %+v", statusData)
	}

	if _, err := svc.CreateProposal("alice", chatID, "more", false); !errors.Is(err, ErrConflict) {
		t.Errorf("ended chat should refuse proposals, got %v", err)
	}
}

func TestLeaveEndsChatAndServesLog(t *testing.T) {
	svc, _ := newTestService(t, nil)
	chatID := startChat(t, svc)

	if err := svc.AppendMessage("alice", protocol.MessageData{ChatID: chatID, Content: "hello"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := svc.LeaveChat("bob", chatID); err != nil {
		t.Fatalf("LeaveChat failed: %v", err)
	}
	// Leaving twice is a no-op.
	if err := svc.LeaveChat("bob", chatID); err != nil {
		t.Errorf("second leave should be a no-op, got %v", err)
	}

	doc, err := svc.Log(context.Background(), chatID)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if doc.Status != ChatStatusEnded || doc.EndType != EndTypeUserExit {
		t.Fatalf("unexpected log state: status=%s end_type=%s", doc.Status, doc.EndType)
	}
	if len(doc.Messages) != 1 || len(doc.Participants) != 2 {
		t.Errorf("log should carry history and participants, got %+v", doc)
	}
}

func TestLogFallsBackToArchive(t *testing.T) {
	archive, err := NewArchive(":memory:")
	if err != nil {
		t.Fatalf("NewArchive failed: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	svc, _ := newTestService(t, archive)
	chatID := startChat(t, svc)
	if err := svc.LeaveChat("alice", chatID); err != nil {
		t.Fatalf("LeaveChat failed: %v", err)
	}

	// Simulate a restart losing in-memory state.
	svc.mu.Lock()
	delete(svc.chats, chatID)
	svc.mu.Unlock()

	doc, err := svc.Log(context.Background(), chatID)
	if err != nil {
		t.Fatalf("archived log should be served, got %v", err)
	}
	if doc.ChatID != chatID || doc.Status != ChatStatusEnded {
		t.Fatalf("unexpected archived log: %+v", doc)
	}

	if _, err := svc.Log(context.Background(), "never-existed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown chat should be not found, got %v", err)
	}
}
