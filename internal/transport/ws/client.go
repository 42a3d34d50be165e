// Package ws implements the transport channel over a WebSocket
// connection to the chat relay.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/GovThePPL/candid-sub002/internal/logging"
	"github.com/GovThePPL/candid-sub002/internal/protocol"
	"github.com/GovThePPL/candid-sub002/internal/transport"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 64 * 1024
	sendBuffer       = 64
)

// Client is a transport.Channel over one relay WebSocket connection.
// Subscriptions survive reconnects; everything else is per-connection.
type Client struct {
	url  string
	name string
	log  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	userID    string
	send      chan protocol.Envelope
	done      chan struct{}
	joins     map[string]chan joinResult
	subs      map[string]map[int]func(json.RawMessage)
	nextSub   int
}

type joinResult struct {
	snapshot *transport.JoinSnapshot
	err      error
}

var _ transport.Channel = (*Client)(nil)

// NewClient prepares a client for the given ws:// or wss:// URL. The
// display name rides along on the hello frame.
func NewClient(url, name string) *Client {
	return &Client{
		url:   url,
		name:  name,
		log:   logging.Named("ws"),
		joins: make(map[string]chan joinResult),
		subs:  make(map[string]map[int]func(json.RawMessage)),
	}
}

// Connect dials the relay and completes the hello handshake before any
// pumps start, so a returned nil means the connection is authenticated
// and usable.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	hello, err := json.Marshal(protocol.HelloData{Token: token, Name: c.name})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to encode hello: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(protocol.Envelope{
		Event: protocol.EventHello,
		Ts:    time.Now().UnixMilli(),
		Data:  hello,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("write hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return fmt.Errorf("read hello_ack: %w", err)
	}
	switch env.Event {
	case protocol.EventHelloAck:
	case protocol.EventError:
		var errData protocol.ErrorData
		json.Unmarshal(env.Data, &errData)
		conn.Close()
		return fmt.Errorf("hello failed: %s - %s", errData.Code, errData.Message)
	default:
		conn.Close()
		return fmt.Errorf("expected hello_ack, got: %s", env.Event)
	}
	var ack protocol.HelloAckData
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		conn.Close()
		return fmt.Errorf("unmarshal hello_ack: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.userID = ack.UserID
	c.send = make(chan protocol.Envelope, sendBuffer)
	c.done = make(chan struct{})
	c.joins = make(map[string]chan joinResult)
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn)

	c.log.Info("connected", "user_id", ack.UserID)
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// UserID reports the identity the relay acknowledged on hello. Empty
// before the first successful Connect.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Join attaches this connection to a chat and waits for the snapshot.
// The join_ack (or error) is correlated back by request id.
func (c *Client) Join(ctx context.Context, chatID string) (*transport.JoinSnapshot, error) {
	requestID := "join_" + uuid.New().String()[:8]
	result := make(chan joinResult, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	c.joins[requestID] = result
	done := c.done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.joins, requestID)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(protocol.JoinData{ChatID: chatID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode join: %w", err)
	}
	if err := c.enqueue(protocol.Envelope{
		Event:     protocol.EventJoin,
		Ts:        time.Now().UnixMilli(),
		RequestID: requestID,
		Data:      data,
	}); err != nil {
		return nil, err
	}

	select {
	case res := <-result:
		return res.snapshot, res.err
	case <-done:
		return nil, fmt.Errorf("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return c.enqueue(protocol.Envelope{
		Event: event,
		Ts:    time.Now().UnixMilli(),
		Data:  data,
	})
}

func (c *Client) enqueue(env protocol.Envelope) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	send, done := c.send, c.done
	c.mu.Unlock()

	select {
	case send <- env:
		return nil
	case <-done:
		return fmt.Errorf("connection closed")
	}
}

// Subscribe registers a handler for one event. Handlers run serially on
// the read pump goroutine in arrival order.
func (c *Client) Subscribe(event string, handler func(data json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]func(json.RawMessage))
	}
	id := c.nextSub
	c.nextSub++
	c.subs[event][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[event], id)
	}
}

func (c *Client) Disconnect() error {
	c.shutdown(nil)
	return nil
}

// readPump owns the connection's read side and dispatches frames until
// the connection dies.
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.shutdown(fmt.Errorf("connection closed"))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read failed", "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch env.Event {
		case protocol.EventJoinAck:
			c.resolveJoin(env)
		case protocol.EventError:
			if !c.resolveJoinError(env) {
				var errData protocol.ErrorData
				json.Unmarshal(env.Data, &errData)
				c.log.Warn("relay error", "code", errData.Code, "message", errData.Message)
			}
		default:
			c.dispatch(env)
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.mu.Lock()
	send, done := c.send, c.done
	c.mu.Unlock()

	for {
		select {
		case env := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				c.log.Warn("write failed", "event", env.Event, "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) resolveJoin(env protocol.Envelope) {
	c.mu.Lock()
	ch, ok := c.joins[env.RequestID]
	if ok {
		delete(c.joins, env.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("join_ack without a waiter", "request_id", env.RequestID)
		return
	}

	var ack protocol.JoinAckData
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		ch <- joinResult{err: fmt.Errorf("unmarshal join_ack: %w", err)}
		return
	}
	ch <- joinResult{snapshot: &transport.JoinSnapshot{
		ChatID:    ack.ChatID,
		Topic:     ack.Topic,
		Messages:  ack.Messages,
		Proposals: ack.Proposals,
	}}
}

// resolveJoinError routes an error frame to the join waiting on its
// request id. Reports whether a waiter consumed it.
func (c *Client) resolveJoinError(env protocol.Envelope) bool {
	if env.RequestID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.joins[env.RequestID]
	if ok {
		delete(c.joins, env.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	var errData protocol.ErrorData
	json.Unmarshal(env.Data, &errData)
	ch <- joinResult{err: fmt.Errorf("join refused: %s - %s", errData.Code, errData.Message)}
	return true
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	set := c.subs[env.Event]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(json.RawMessage), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, set[id])
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(env.Data)
	}
}

// shutdown tears down the active connection once. Outstanding joins
// fail with err.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	close(c.done)
	conn := c.conn
	c.conn = nil
	joins := c.joins
	c.joins = make(map[string]chan joinResult)
	c.mu.Unlock()

	conn.Close()
	if err == nil {
		err = fmt.Errorf("connection closed")
	}
	for _, ch := range joins {
		select {
		case ch <- joinResult{err: err}:
		default:
		}
	}
}
