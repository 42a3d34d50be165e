package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/GovThePPL/candid-sub002/internal/logging"
	"github.com/GovThePPL/candid-sub002/internal/protocol"
)

// WSServer accepts client WebSocket connections and bridges frames to
// the service.
type WSServer struct {
	cfg      *Config
	hub      *Hub
	service  *Service
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWSServer(cfg *Config, h *Hub, service *Service) *WSServer {
	return &WSServer{
		cfg:     cfg,
		hub:     h,
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local development relay, any origin is fine.
				return true
			},
		},
		log: logging.Named("relay.ws"),
	}
}

// HandleWebSocket upgrades the connection and starts its pumps.
func (s *WSServer) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

func (s *WSServer) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("read failed", "conn_id", conn.ID, "error", err)
			}
			break
		}
		s.handleFrame(conn, data)
	}
}

func (s *WSServer) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Warn("write failed", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *WSServer) handleFrame(conn *Connection, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidEvent, "invalid JSON frame")
		return
	}

	if env.Event == protocol.EventHello {
		s.handleHello(conn, env)
		return
	}
	if conn.UserID == "" {
		s.sendError(conn, env.RequestID, protocol.ErrorCodeUnauthorized, "must send hello first")
		return
	}

	switch env.Event {
	case protocol.EventJoin:
		s.handleJoin(conn, env)
	case protocol.EventMessage:
		s.handleMessage(conn, env)
	case protocol.EventTyping, protocol.EventReadReceipt:
		s.handleRelay(conn, env)
	default:
		s.sendError(conn, env.RequestID, protocol.ErrorCodeInvalidEvent, "unknown event: "+env.Event)
	}
}

func (s *WSServer) handleHello(conn *Connection, env protocol.Envelope) {
	var hello protocol.HelloData
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		s.sendError(conn, env.RequestID, protocol.ErrorCodeInvalidEvent, "invalid hello frame")
		return
	}

	user, err := s.service.Authenticate(hello.Token)
	if err != nil {
		s.sendError(conn, env.RequestID, protocol.ErrorCodeUnauthorized, "invalid token")
		return
	}
	if hello.Name != "" {
		s.service.SetName(user.ID, hello.Name)
		user.Name = hello.Name
	}
	s.hub.BindUser(conn, user.ID)

	s.sendEvent(conn, protocol.EventHelloAck, env.RequestID, protocol.HelloAckData{
		UserID: user.ID,
		Name:   user.Name,
	})
	s.log.Info("hello handshake completed", "user_id", user.ID, "conn_id", conn.ID)
}

func (s *WSServer) handleJoin(conn *Connection, env protocol.Envelope) {
	var join protocol.JoinData
	if err := json.Unmarshal(env.Data, &join); err != nil {
		s.sendError(conn, env.RequestID, protocol.ErrorCodeInvalidEvent, "invalid join frame")
		return
	}

	ack, err := s.service.JoinChat(conn.UserID, join.ChatID)
	if err != nil {
		s.sendError(conn, env.RequestID, joinErrorCode(err), err.Error())
		return
	}
	s.sendEvent(conn, protocol.EventJoinAck, env.RequestID, ack)
	s.log.Info("chat joined", "chat_id", join.ChatID, "user_id", conn.UserID)
}

func (s *WSServer) handleMessage(conn *Connection, env protocol.Envelope) {
	var msg protocol.MessageData
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		s.sendError(conn, env.RequestID, protocol.ErrorCodeInvalidEvent, "invalid message frame")
		return
	}
	if err := s.service.AppendMessage(conn.UserID, msg); err != nil {
		s.sendError(conn, env.RequestID, frameErrorCode(err), err.Error())
	}
}

// handleRelay fans typing and read receipt frames out to the other
// member. The relay keeps no state for them.
func (s *WSServer) handleRelay(conn *Connection, env protocol.Envelope) {
	var ref struct {
		ChatID string `json:"chatId"`
	}
	if err := json.Unmarshal(env.Data, &ref); err != nil || ref.ChatID == "" {
		s.sendError(conn, env.RequestID, protocol.ErrorCodeInvalidEvent, "invalid "+env.Event+" frame")
		return
	}
	if err := s.service.RelayToChat(conn.UserID, ref.ChatID, env.Event, env.Data); err != nil {
		s.sendError(conn, env.RequestID, frameErrorCode(err), err.Error())
	}
}

func (s *WSServer) sendEvent(conn *Connection, event, requestID string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Warn("failed to encode frame", "event", event, "error", err)
		return
	}
	env := protocol.Envelope{
		Event:     event,
		Ts:        time.Now().UnixMilli(),
		RequestID: requestID,
		Data:      raw,
	}
	if err := s.hub.SendJSONToConnection(conn, env); err != nil {
		s.log.Warn("failed to send frame", "event", event, "conn_id", conn.ID, "error", err)
	}
}

func (s *WSServer) sendError(conn *Connection, requestID, code, message string) {
	raw, _ := json.Marshal(protocol.ErrorData{Code: code, Message: message})
	env := protocol.Envelope{
		Event:     protocol.EventError,
		Ts:        time.Now().UnixMilli(),
		RequestID: requestID,
		Data:      raw,
	}
	if err := s.hub.SendJSONToConnection(conn, env); err != nil {
		s.log.Warn("failed to send error frame", "conn_id", conn.ID, "error", err)
	}
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.ErrorCodeChatNotFound
	case errors.Is(err, ErrForbidden):
		return protocol.ErrorCodeNotMember
	default:
		return protocol.ErrorCodeJoinFailed
	}
}

func frameErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.ErrorCodeChatNotFound
	case errors.Is(err, ErrForbidden):
		return protocol.ErrorCodeNotMember
	case errors.Is(err, ErrConflict):
		return protocol.ErrorCodeInvalidEvent
	default:
		return protocol.ErrorCodeInternalError
	}
}
