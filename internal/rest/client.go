// Package rest provides the HTTP client for the chat backend API:
// session logs, proposal and chat actions, and the chat request
// lifecycle.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Proposal action names on the wire.
const (
	ProposalActionAccept = "accept"
	ProposalActionReject = "reject"
	ProposalActionModify = "modify"
)

// Chat action names on the wire.
const (
	ChatActionLeave = "leave"
)

// Client is an HTTP client for the chat backend API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new API client. The token is sent as a bearer
// credential on every call.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SessionLog is the archived (or live) state of one chat as served by
// the backend. Message and proposal payloads stay raw for the session
// core to normalize.
type SessionLog struct {
	ChatID       string            `json:"chat_id"`
	Topic        string            `json:"topic"`
	Status       string            `json:"status"`
	EndType      string            `json:"end_type,omitempty"`
	Messages     []json.RawMessage `json:"messages"`
	Proposals    []json.RawMessage `json:"proposals"`
	Participants []ParticipantRef  `json:"participants,omitempty"`
}

// ParticipantRef identifies one chat participant and, for moderation
// logs, their review role.
type ParticipantRef struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// ChatRequest is an open request waiting for a counterpart.
type ChatRequest struct {
	ID        string  `json:"id"`
	Topic     string  `json:"topic"`
	Position  string  `json:"position"`
	Status    string  `json:"status"`
	CreatedAt int64   `json:"created_at"`
	ExpiresAt int64   `json:"expires_at"`
	Author    UserRef `json:"author"`
}

// UserRef is the minimal user identity in API payloads.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// AcceptResult is returned when a chat request is accepted and a chat
// comes into existence.
type AcceptResult struct {
	ChatID    string  `json:"chat_id"`
	RequestID string  `json:"request_id"`
	Topic     string  `json:"topic"`
	OtherUser UserRef `json:"other_user"`
}

// ErrorResponse is the error shape the backend returns.
type ErrorResponse struct {
	Error string `json:"error"`
}

type proposalResponse struct {
	Proposal json.RawMessage `json:"proposal"`
}

// GetSessionLog calls GET /v1/chats/:chat_id/log. It serves both the
// archived copy of ended chats and metadata for live ones.
func (c *Client) GetSessionLog(ctx context.Context, chatID string) (*SessionLog, error) {
	var out SessionLog
	path := fmt.Sprintf("/v1/chats/%s/log", chatID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch session log: %w", err)
	}
	return &out, nil
}

// CreateProposal calls POST /v1/chats/:chat_id/proposals and returns
// the created proposal payload.
func (c *Client) CreateProposal(ctx context.Context, chatID, text string, isClosure bool) (json.RawMessage, error) {
	body := map[string]any{"text": text, "is_closure": isClosure}
	var out proposalResponse
	path := fmt.Sprintf("/v1/chats/%s/proposals", chatID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}
	return out.Proposal, nil
}

// ProposalAction calls POST /v1/chats/:chat_id/proposals/:proposal_id/actions.
// For modify the response carries the successor proposal payload;
// accept and reject return nothing.
func (c *Client) ProposalAction(ctx context.Context, chatID, proposalID, action, text string) (json.RawMessage, error) {
	body := map[string]any{"action": action}
	if text != "" {
		body["text"] = text
	}
	var out proposalResponse
	path := fmt.Sprintf("/v1/chats/%s/proposals/%s/actions", chatID, proposalID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("failed to submit proposal action: %w", err)
	}
	return out.Proposal, nil
}

// SendChatAction calls POST /v1/chats/:chat_id/actions.
func (c *Client) SendChatAction(ctx context.Context, chatID, action string) error {
	body := map[string]any{"action": action}
	path := fmt.Sprintf("/v1/chats/%s/actions", chatID)
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to send chat action: %w", err)
	}
	return nil
}

// CreateChatRequest calls POST /v1/requests.
func (c *Client) CreateChatRequest(ctx context.Context, topic, position string) (*ChatRequest, error) {
	body := map[string]any{"topic": topic, "position": position}
	var out ChatRequest
	if err := c.do(ctx, http.MethodPost, "/v1/requests", body, &out); err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	return &out, nil
}

// CancelChatRequest calls DELETE /v1/requests/:request_id.
func (c *Client) CancelChatRequest(ctx context.Context, requestID string) error {
	path := fmt.Sprintf("/v1/requests/%s", requestID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel chat request: %w", err)
	}
	return nil
}

// ListOpenRequests calls GET /v1/requests.
func (c *Client) ListOpenRequests(ctx context.Context) ([]ChatRequest, error) {
	var out []ChatRequest
	if err := c.do(ctx, http.MethodGet, "/v1/requests", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list chat requests: %w", err)
	}
	return out, nil
}

// AcceptChatRequest calls POST /v1/requests/:request_id/accept.
func (c *Client) AcceptChatRequest(ctx context.Context, requestID string) (*AcceptResult, error) {
	var out AcceptResult
	path := fmt.Sprintf("/v1/requests/%s/accept", requestID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to accept chat request: %w", err)
	}
	return &out, nil
}

// DeclineChatRequest calls POST /v1/requests/:request_id/decline.
func (c *Client) DeclineChatRequest(ctx context.Context, requestID string) error {
	path := fmt.Sprintf("/v1/requests/%s/decline", requestID)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to decline chat request: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("api error: %s", errResp.Error)
		}
		return fmt.Errorf("api returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
