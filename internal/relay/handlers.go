package relay

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Handler exposes the relay's REST API.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers all routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Chat requests
	e.POST("/v1/requests", h.CreateRequest)
	e.GET("/v1/requests", h.ListRequests)
	e.DELETE("/v1/requests/:request_id", h.CancelRequest)
	e.POST("/v1/requests/:request_id/accept", h.AcceptRequest)
	e.POST("/v1/requests/:request_id/decline", h.DeclineRequest)

	// Chats
	e.GET("/v1/chats/:chat_id/log", h.GetChatLog)
	e.POST("/v1/chats/:chat_id/proposals", h.CreateProposal)
	e.POST("/v1/chats/:chat_id/proposals/:proposal_id/actions", h.ProposalAction)
	e.POST("/v1/chats/:chat_id/actions", h.ChatAction)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// CreateRequest opens a chat request.
// POST /v1/requests
func (h *Handler) CreateRequest(c echo.Context) error {
	user, err := h.authUser(c)
	if err != nil {
		return errorJSON(c, err)
	}
	var body struct {
		Topic    string `json:"topic"`
		Position string `json:"position"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	req, err := h.service.CreateRequest(user, body.Topic, body.Position)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

// ListRequests lists pending requests from other users.
// GET /v1/requests
func (h *Handler) ListRequests(c echo.Context) error {
	user, err := h.authUser(c)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, h.service.ListOpenRequests(user.ID))
}

// CancelRequest withdraws the caller's own request.
// DELETE /v1/requests/:request_id
func (h *Handler) CancelRequest(c echo.Context) error {
	user, err := h.authUser(c)
	if err != nil {
		return errorJSON(c, err)
	}
	if err := h.service.CancelRequest(user.ID, c.Param("request_id")); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// AcceptRequest matches the caller with a pending request.
// POST /v1/requests/:request_id/accept
func (h *Handler) AcceptRequest(c echo.Context) error {
	user, err := h.authUser(c)
	if err != nil {
		return errorJSON(c, err)
	}
	payload, err := h.service.AcceptRequest(user, c.Param("request_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, payload)
}

// DeclineRequest passes on a pending request.
// POST /v1/requests/:request_id/decline
func (h *Handler) DeclineRequest(c echo.Context) error {
	user, err := h.authUser(c)
	if err != nil {
		return errorJSON(c, err)
	}
	if err := h.service.DeclineRequest(user.ID, c.Param("request_id")); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GetChatLog serves the session log for a live or archived chat.
// GET /v1/chats/:chat_id/log
func (h *Handler) GetChatLog(c echo.Context) error {
	if _, err := h.authUser(c); err != nil {
		return errorJSON(c, err)
	}
	doc, err := h.service.Log(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

// CreateProposal opens a negotiation chain.
// POST /v1/chats/:chat_id/proposals
func (h *Handler) CreateProposal(c echo.Context) error {
	user, err := h.authUser(c)
	if err != nil {
		return errorJSON(c, err)
	}
	var body struct {
		Text      string `json:"text"`
		IsClosure bool   `json:"is_closure"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	p, err := h.service.CreateProposal(user.ID, c.Param("chat_id"), body.Text, body.IsClosure)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"proposal": p})
}

// ProposalAction applies accept, reject, or modify to the open
// proposal.
// POST /v1/chats/:chat_id/proposals/:proposal_id/actions
func (h *Handler) ProposalAction(c echo.Context) error {
	user, err := h.authUser(c)
	if err != nil {
		return errorJSON(c, err)
	}
	var body struct {
		Action string `json:"action"`
		Text   string `json:"text"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	p, err := h.service.ProposalAction(user.ID, c.Param("chat_id"), c.Param("proposal_id"), body.Action, body.Text)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"proposal": p})
}

// ChatAction applies a chat-level action. Only leave is defined.
// POST /v1/chats/:chat_id/actions
func (h *Handler) ChatAction(c echo.Context) error {
	user, err := h.authUser(c)
	if err != nil {
		return errorJSON(c, err)
	}
	var body struct {
		Action string `json:"action"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if body.Action != "leave" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown action: " + body.Action})
	}

	if err := h.service.LeaveChat(user.ID, c.Param("chat_id")); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) authUser(c echo.Context) (User, error) {
	auth := c.Request().Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		token = ""
	}
	return h.service.Authenticate(token)
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), map[string]string{"error": err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
