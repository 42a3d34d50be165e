// Package protocol defines the WebSocket event protocol between clients
// and the chat relay.
package protocol

import "encoding/json"

// Handshake and control events
const (
	EventHello    = "hello"
	EventHelloAck = "hello_ack"
	EventJoin     = "join"
	EventJoinAck  = "join_ack"
	EventError    = "error"
)

// Session events, exchanged while a chat is open
const (
	EventMessage        = "message"
	EventTyping         = "typing"
	EventChatStatus     = "chat_status"
	EventAgreedPosition = "agreed_position"
	EventReadReceipt    = "read_receipt"
)

// Connection-level events about the user's pending chat request
const (
	EventChatAccepted = "chat_accepted"
	EventChatDeclined = "chat_declined"
	EventChatStarted  = "chat_started"
)

// Envelope wraps every frame in both directions. Data holds the
// event-specific payload and is decoded after event dispatch.
type Envelope struct {
	Event     string          `json:"event"`
	Ts        int64           `json:"ts"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloData is sent by the client to authenticate the connection.
type HelloData struct {
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

// HelloAckData confirms the authenticated identity.
type HelloAckData struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// JoinData asks the relay to attach this connection to an active chat.
type JoinData struct {
	ChatID string `json:"chatId"`
}

// JoinAckData carries the chat snapshot at join time. Message and
// proposal payloads stay raw; field spellings vary by producer and the
// session core normalizes them on ingest.
type JoinAckData struct {
	ChatID    string            `json:"chatId"`
	Topic     string            `json:"topic,omitempty"`
	Messages  []json.RawMessage `json:"messages"`
	Proposals []json.RawMessage `json:"proposals"`
}

// MessageData is a chat message in flight. Payloads produced by the
// apps use these camelCase keys.
type MessageData struct {
	ID        string `json:"id,omitempty"`
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type,omitempty"`
}

// TypingData signals typing start/stop for one user in one chat.
type TypingData struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ChatStatusData announces a chat lifecycle change.
type ChatStatusData struct {
	ChatID  string `json:"chatId"`
	Status  string `json:"status"`
	EndType string `json:"endType,omitempty"`
}

// ReadReceiptData marks a message as seen by a user.
type ReadReceiptData struct {
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
}

// ChatAcceptedData tells the requester their pending request was taken.
type ChatAcceptedData struct {
	RequestID string `json:"requestId"`
	ChatID    string `json:"chatId"`
}

// ChatDeclinedData tells the requester their pending request was passed on.
type ChatDeclinedData struct {
	RequestID string `json:"requestId"`
}

// ChatStartedData announces a newly created chat to both members.
type ChatStartedData struct {
	RequestID string   `json:"requestId,omitempty"`
	ChatID    string   `json:"chatId"`
	Topic     string   `json:"topic,omitempty"`
	OtherUser *UserRef `json:"otherUser,omitempty"`
}

// UserRef is the minimal user identity carried on the wire.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ErrorData is sent when a frame cannot be honored.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidEvent  = "invalid_event"
	ErrorCodeUnauthorized  = "unauthorized"
	ErrorCodeJoinFailed    = "join_failed"
	ErrorCodeChatNotFound  = "chat_not_found"
	ErrorCodeNotMember     = "not_member"
	ErrorCodeInternalError = "internal_error"
)
