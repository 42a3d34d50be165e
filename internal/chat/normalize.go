package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message payloads reach the client from several producers (live socket
// events, join snapshots, archived session logs) that disagree on field
// spelling. Everything funnels through DecodeMessage/DecodeProposal so
// the rest of the package only ever sees the canonical shape.

// DecodeMessage normalizes a raw message payload. now (unix ms) stands
// in when the payload carries no timestamp; a missing id is synthesized
// as msg-{timestamp}.
func DecodeMessage(raw []byte, now int64) (Message, error) {
	fields, err := decodeFields(raw)
	if err != nil {
		return Message{}, err
	}
	m := messageFromFields(fields, now)
	if m.ID == "" {
		m.ID = fmt.Sprintf("msg-%d", m.Timestamp)
	}
	if m.Type == "" {
		m.Type = MessageTypeText
	}
	return m, nil
}

// DecodeProposal normalizes a raw proposal payload. Missing ids are
// synthesized as proposal-{timestamp}; a missing ProposalID falls back
// to the entry id so chain links stay resolvable.
func DecodeProposal(raw []byte, now int64) (Message, error) {
	fields, err := decodeFields(raw)
	if err != nil {
		return Message{}, err
	}
	m := messageFromFields(fields, now)
	if m.ID == "" {
		m.ID = fmt.Sprintf("proposal-%d", m.Timestamp)
	}
	if m.Type == "" {
		m.Type = MessageTypeProposed
	}
	if m.ProposalID == "" {
		m.ProposalID = m.ID
	}
	return m, nil
}

func decodeFields(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return fields, nil
}

func messageFromFields(fields map[string]any, now int64) Message {
	ts := intField(fields, "timestamp", "createdAt", "created_at")
	if ts == 0 {
		ts = now
	}
	return Message{
		ID:         stringField(fields, "id", "messageId", "message_id"),
		ChatID:     stringField(fields, "chatId", "chat_id"),
		Content:    stringField(fields, "content", "text"),
		SenderID:   stringField(fields, "senderId", "sender_id", "userId", "user_id"),
		Timestamp:  ts,
		Type:       MessageType(stringField(fields, "type")),
		ProposalID: stringField(fields, "proposalId", "proposal_id"),
		IsClosure:  boolField(fields, "isClosure", "is_closure"),
		ParentID:   stringField(fields, "parentId", "parent_id"),
	}
}

func stringField(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func intField(fields map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		}
	}
	return 0
}

func boolField(fields map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := fields[k].(bool); ok {
			return v
		}
	}
	return false
}
