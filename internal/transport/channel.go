// Package transport defines the duplex channel contract the session
// core speaks. The websocket implementation lives in transport/ws;
// tests substitute fakes.
package transport

import (
	"context"
	"encoding/json"
)

// JoinSnapshot is the chat state handed back when a join is accepted.
// Message and proposal payloads stay raw; the session core normalizes
// them on ingest.
type JoinSnapshot struct {
	ChatID    string
	Topic     string
	Messages  []json.RawMessage
	Proposals []json.RawMessage
}

// Channel is a connected duplex event stream.
//
// Subscribe handlers for one connection are invoked serially in event
// arrival order and must not block. The returned func removes the
// subscription and is safe to call more than once.
type Channel interface {
	Connect(ctx context.Context, token string) error
	Connected() bool
	Join(ctx context.Context, chatID string) (*JoinSnapshot, error)
	Send(event string, payload any) error
	Subscribe(event string, handler func(data json.RawMessage)) (unsubscribe func())
	Disconnect() error
}
