// Package pending manages the user's single outstanding chat request:
// the 120s countdown, expiry, accept/decline settle windows, and the
// durable snapshot that survives restarts.
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GovThePPL/candid-sub002/internal/chat"
	"github.com/GovThePPL/candid-sub002/internal/logging"
	"github.com/GovThePPL/candid-sub002/internal/rest"
	"github.com/GovThePPL/candid-sub002/internal/store"
)

const storageKey = "pending_request"

const (
	// RequestTTL is how long a request stays open before it expires.
	RequestTTL = 120 * time.Second
	// AcceptSettle keeps the accepted card visible briefly; navigation
	// to the new chat is immediate.
	AcceptSettle = 500 * time.Millisecond
	// DeclineSettle keeps the declined state visible long enough to
	// read before the card clears.
	DeclineSettle = 5 * time.Second
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// Request is the tracked chat request. Persisted verbatim on every
// state change.
type Request struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Position    string    `json:"position"`
	Author      chat.User `json:"author"`
	Status      Status    `json:"status"`
	CreatedTime time.Time `json:"created_time"`
	ExpiresAt   time.Time `json:"expires_at"`
	ChatID      string    `json:"chat_id,omitempty"`
}

// API is the slice of the backend surface the manager calls.
type API interface {
	CreateChatRequest(ctx context.Context, topic, position string) (*rest.ChatRequest, error)
	CancelChatRequest(ctx context.Context, requestID string) error
}

// Hooks connect the manager to the surrounding app. All are optional.
type Hooks struct {
	// Navigate fires once per accepted chat id.
	Navigate func(chatID string)
	// Expired fires exactly once when the countdown hits zero.
	Expired func()
	// Changed fires whenever rendered state changed, countdown ticks
	// included.
	Changed func()
}

// Manager owns the process-wide pending request. At most one request
// exists per identity; all mutation goes through the manager. Every
// state change is persisted best-effort: store failures are logged and
// the in-memory state stays authoritative.
type Manager struct {
	mu    sync.Mutex
	kv    store.KV
	api   API
	hooks Hooks
	log   *slog.Logger
	now   func() time.Time

	req        *Request
	removeAt   time.Time
	settle     *time.Timer
	lastSecond int
	navigated  string
}

func NewManager(kv store.KV, api API, hooks Hooks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Named("pending")
	}
	return &Manager{
		kv:    kv,
		api:   api,
		hooks: hooks,
		log:   logger,
		now:   time.Now,
	}
}

// Run drives the countdown off a wall-clock ticker until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.advance(m.now())
		}
	}
}

// Restore loads the persisted snapshot at startup. Expired snapshots
// are purged, never resurrected; accepted/declined transients are
// dropped too since their settle windows are long gone.
func (m *Manager) Restore() {
	raw, err := m.kv.Get(storageKey)
	if err != nil {
		m.log.Warn("failed to read pending request snapshot", "error", err)
		return
	}
	if raw == nil {
		return
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		m.log.Warn("discarding unreadable pending request snapshot", "error", err)
		m.removeSnapshot()
		return
	}
	if req.Status != StatusPending || !m.now().Before(req.ExpiresAt) {
		m.log.Info("discarding stale pending request snapshot",
			"request_id", req.ID, "status", req.Status)
		m.removeSnapshot()
		return
	}

	m.mu.Lock()
	m.req = &req
	m.lastSecond = remainingSeconds(req.ExpiresAt.Sub(m.now()))
	m.mu.Unlock()
	m.log.Info("restored pending request", "request_id", req.ID, "topic", req.Topic)
	m.changed()
}

// Create submits a new request. Refused while one is already tracked.
func (m *Manager) Create(ctx context.Context, topic, position string) (Request, error) {
	m.mu.Lock()
	if m.req != nil {
		m.mu.Unlock()
		return Request{}, fmt.Errorf("a chat request is already pending")
	}
	m.mu.Unlock()

	resp, err := m.api.CreateChatRequest(ctx, topic, position)
	if err != nil {
		return Request{}, fmt.Errorf("failed to create chat request: %w", err)
	}
	req := requestFromAPI(resp, m.now())

	m.mu.Lock()
	m.req = &req
	m.lastSecond = remainingSeconds(req.ExpiresAt.Sub(m.now()))
	m.persistLocked()
	m.mu.Unlock()
	m.changed()
	return req, nil
}

// Cancel withdraws the tracked request. Local state clears immediately;
// an upstream failure is reported but the server side expires on its
// own anyway.
func (m *Manager) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.req == nil {
		m.mu.Unlock()
		return nil
	}
	id := m.req.ID
	m.clearLocked()
	m.mu.Unlock()
	m.changed()

	if err := m.api.CancelChatRequest(ctx, id); err != nil {
		m.log.Warn("failed to cancel chat request upstream", "request_id", id, "error", err)
		return fmt.Errorf("failed to cancel chat request: %w", err)
	}
	return nil
}

// Current returns a copy of the tracked request.
func (m *Manager) Current() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.req == nil {
		return Request{}, false
	}
	return *m.req, true
}

// Remaining reports the countdown left on a pending request.
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.req == nil || m.req.Status != StatusPending {
		return 0
	}
	d := m.req.ExpiresAt.Sub(m.now())
	if d < 0 {
		return 0
	}
	return d
}

// HandleAccepted reacts to an accept signal. Navigation fires once per
// chat id no matter how many signals arrive for it; removal follows
// after the settle window.
func (m *Manager) HandleAccepted(requestID, chatID string) {
	if chatID == "" {
		return
	}
	m.mu.Lock()
	if m.navigated == chatID {
		m.mu.Unlock()
		return
	}
	m.navigated = chatID
	if m.req != nil && (requestID == "" || m.req.ID == requestID) {
		m.req.Status = StatusAccepted
		m.req.ChatID = chatID
		m.persistLocked()
		m.scheduleSettleLocked(AcceptSettle)
	}
	navigate := m.hooks.Navigate
	m.mu.Unlock()

	if navigate != nil {
		navigate(chatID)
	}
	m.changed()
}

// HandleStarted reacts to a chat_started announcement. When it names
// the chat the tracked request was already accepted into, only
// non-identity fields refresh; otherwise it is treated as the accept
// signal.
func (m *Manager) HandleStarted(requestID, chatID, topic string) {
	if chatID == "" {
		return
	}
	m.mu.Lock()
	if m.req != nil && m.req.ChatID == chatID {
		if topic != "" && m.req.Topic != topic {
			m.req.Topic = topic
			m.persistLocked()
		}
		m.mu.Unlock()
		m.changed()
		return
	}
	m.mu.Unlock()
	m.HandleAccepted(requestID, chatID)
}

// HandleDeclined marks the tracked request declined and schedules its
// removal after the decline settle window.
func (m *Manager) HandleDeclined(requestID string) {
	m.mu.Lock()
	if m.req == nil || m.req.Status != StatusPending || (requestID != "" && m.req.ID != requestID) {
		m.mu.Unlock()
		return
	}
	m.req.Status = StatusDeclined
	m.persistLocked()
	m.scheduleSettleLocked(DeclineSettle)
	m.mu.Unlock()
	m.changed()
}

// advance is one countdown step against the given wall-clock time. The
// ticker calls it every second; tests call it directly with simulated
// time.
func (m *Manager) advance(now time.Time) {
	m.mu.Lock()
	if m.req == nil {
		m.mu.Unlock()
		return
	}
	var expired func()
	changed := false
	switch m.req.Status {
	case StatusPending:
		remaining := m.req.ExpiresAt.Sub(now)
		if remaining <= 0 {
			m.log.Info("pending request expired", "request_id", m.req.ID)
			m.clearLocked()
			expired = m.hooks.Expired
			changed = true
		} else if sec := remainingSeconds(remaining); sec != m.lastSecond {
			m.lastSecond = sec
			changed = true
		}
	default:
		if !m.removeAt.IsZero() && !now.Before(m.removeAt) {
			m.clearLocked()
			changed = true
		}
	}
	m.mu.Unlock()

	if expired != nil {
		expired()
	}
	if changed {
		m.changed()
	}
}

// settleElapsed removes a settled request. Timer callback; also the
// direct step for tests.
func (m *Manager) settleElapsed(requestID string) {
	m.mu.Lock()
	if m.req == nil || m.req.ID != requestID || m.req.Status == StatusPending {
		m.mu.Unlock()
		return
	}
	m.clearLocked()
	m.mu.Unlock()
	m.changed()
}

func (m *Manager) scheduleSettleLocked(d time.Duration) {
	m.removeAt = m.now().Add(d)
	if m.settle != nil {
		m.settle.Stop()
	}
	id := m.req.ID
	m.settle = time.AfterFunc(d, func() { m.settleElapsed(id) })
}

// clearLocked drops the tracked request and its snapshot.
func (m *Manager) clearLocked() {
	m.req = nil
	m.removeAt = time.Time{}
	m.lastSecond = 0
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
	m.removeSnapshot()
}

func (m *Manager) persistLocked() {
	raw, err := json.Marshal(m.req)
	if err != nil {
		m.log.Warn("failed to encode pending request", "error", err)
		return
	}
	if err := m.kv.Set(storageKey, raw); err != nil {
		m.log.Warn("failed to persist pending request", "error", err)
	}
}

func (m *Manager) removeSnapshot() {
	if err := m.kv.Remove(storageKey); err != nil {
		m.log.Warn("failed to remove pending request snapshot", "error", err)
	}
}

func (m *Manager) changed() {
	if m.hooks.Changed != nil {
		m.hooks.Changed()
	}
}

func requestFromAPI(resp *rest.ChatRequest, now time.Time) Request {
	req := Request{
		ID:          resp.ID,
		Topic:       resp.Topic,
		Position:    resp.Position,
		Author:      chat.User{ID: resp.Author.ID, Name: resp.Author.Name},
		Status:      StatusPending,
		CreatedTime: now,
		ExpiresAt:   now.Add(RequestTTL),
	}
	if resp.CreatedAt > 0 {
		req.CreatedTime = time.UnixMilli(resp.CreatedAt)
	}
	if resp.ExpiresAt > 0 {
		req.ExpiresAt = time.UnixMilli(resp.ExpiresAt)
	}
	return req
}

// remainingSeconds rounds up so the countdown shows 120 at creation and
// 1 just before expiry.
func remainingSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
