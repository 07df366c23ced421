// Package handler exposes the realtime core over a websocket connection
// protocol and a small HTTP surface.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"telehealth_core/internal/audit"
	"telehealth_core/internal/chat"
	"telehealth_core/internal/config"
	"telehealth_core/internal/domain"
	"telehealth_core/internal/logging"
	"telehealth_core/internal/rooms"
	"telehealth_core/internal/ws"
)

const (
	roomStatusJoined    = "joined"
	roomStatusNotJoined = "not_joined"
)

// WSHandler upgrades connections and dispatches inbound protocol events.
type WSHandler struct {
	hub      *ws.Hub
	chat     *chat.Service
	router   *rooms.Router
	config   config.WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *ws.Hub, chatSvc *chat.Service, router *rooms.Router, cfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:    hub,
		chat:   chatSvc,
		router: router,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeWS admits one connection. The credential travels in the token query
// parameter or an Authorization bearer header. A rejected credential gets a
// single error frame and a policy violation close, and leaves no hub state.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := logging.Ctx(r.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn, h.config)
	ctx, l := logging.WithConnection(r.Context(), client.ID)

	identity, initial, err := h.hub.Register(ctx, client, token)
	if err != nil {
		l.Info().Err(err).Msg("connection rejected")
		h.reject(conn, err)
		return
	}

	ctx, l = logging.WithAccount(ctx, identity.UserID, string(identity.Role))

	names := make([]string, len(initial))
	for i, room := range initial {
		names[i] = room.String()
	}
	h.hub.SendTo(client.ID, domain.MsgTypeConnected, domain.ConnectedPayload{
		ConnectionID: client.ID,
		UserID:       identity.UserID,
		Role:         identity.Role,
		Rooms:        names,
	})
	l.Info().Strs("rooms", names).Msg("connection registered")

	go client.WritePump()
	client.ReadPump(ctx, h)
}

func (h *WSHandler) reject(conn *websocket.Conn, cause error) {
	defer conn.Close()
	wait := h.config.WriteWait
	if wait <= 0 {
		wait = time.Second
	}
	deadline := time.Now().Add(wait)
	conn.SetWriteDeadline(deadline)

	frame, err := json.Marshal(domain.Envelope[domain.ErrorPayload]{
		Type:    domain.MsgTypeError,
		Payload: domain.NewErrorPayload(cause),
	})
	if err == nil {
		conn.WriteMessage(websocket.TextMessage, frame)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication rejected"), deadline)
}

// HandleMessage decodes one frame and runs the matching operation. Failures
// are reported to this connection only.
func (h *WSHandler) HandleMessage(ctx context.Context, c *ws.Client, raw []byte) {
	var env domain.Envelope[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		h.fail(ctx, c, "", fmt.Errorf("%w: malformed frame", domain.ErrBadRequest))
		return
	}

	var err error
	switch env.Type {
	case domain.MsgTypeJoinRoom:
		err = h.joinRoom(ctx, c, env.Payload)
	case domain.MsgTypeLeaveRoom:
		err = h.leaveRoom(ctx, c, env.Payload)
	case domain.MsgTypeVerifyRoom:
		err = h.verifyRoom(c, env.Payload)
	case domain.MsgTypeVerifyRoomMembership:
		err = h.verifyRoomMembership(c, env.Payload)
	case domain.MsgTypeJoinChat, domain.MsgTypeJoinSession:
		err = h.joinChat(ctx, c, env.Payload)
	case domain.MsgTypeLeaveChat:
		err = h.leaveChat(ctx, c, env.Payload)
	case domain.MsgTypeSendMessage:
		err = h.sendMessage(ctx, c, env.Payload)
	case domain.MsgTypeEndChat:
		err = h.endChat(ctx, c, env.Payload)
	case domain.MsgTypeAppointmentResponse:
		err = h.appointmentResponse(ctx, c, env.Payload)
	case domain.MsgTypeInstantRequest:
		err = h.instantRequest(ctx, c, env.Payload)
	case domain.MsgTypePing:
		h.hub.SendTo(c.ID, domain.MsgTypePong, struct{}{})
	default:
		err = fmt.Errorf("%w: unknown event %q", domain.ErrBadRequest, env.Type)
	}
	if err != nil {
		h.fail(ctx, c, env.Type, err)
	}
}

func (h *WSHandler) joinRoom(ctx context.Context, c *ws.Client, payload json.RawMessage) error {
	room, err := decodeRoom(payload)
	if err != nil {
		return err
	}
	ok, err := h.router.Permits(ctx, c.Identity, room)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: room %s", domain.ErrForbidden, room)
	}
	if !h.hub.JoinRoom(c.ID, room) {
		return fmt.Errorf("%w: connection %s is not registered", domain.ErrNotFound, c.ID)
	}
	h.hub.SendTo(c.ID, domain.MsgTypeRoomJoined, domain.RoomPayload{Room: room.String()})
	audit.LogWithTarget(ctx, audit.ActionJoinRoom, c.Identity.UserID, room.String(), "joined room")
	return nil
}

func (h *WSHandler) leaveRoom(ctx context.Context, c *ws.Client, payload json.RawMessage) error {
	room, err := decodeRoom(payload)
	if err != nil {
		return err
	}
	h.hub.LeaveRoom(c.ID, room)
	h.hub.SendTo(c.ID, domain.MsgTypeRoomLeft, domain.RoomPayload{Room: room.String()})
	audit.LogWithTarget(ctx, audit.ActionLeaveRoom, c.Identity.UserID, room.String(), "left room")
	return nil
}

func (h *WSHandler) verifyRoom(c *ws.Client, payload json.RawMessage) error {
	room, err := decodeRoom(payload)
	if err != nil {
		return err
	}
	status := roomStatusNotJoined
	if h.hub.IsMember(c.ID, room) {
		status = roomStatusJoined
	}
	h.hub.SendTo(c.ID, domain.MsgTypeRoomVerified, domain.RoomVerifiedPayload{Room: room.String(), Status: status})
	return nil
}

func (h *WSHandler) verifyRoomMembership(c *ws.Client, payload json.RawMessage) error {
	room, err := decodeRoom(payload)
	if err != nil {
		return err
	}
	h.hub.SendTo(c.ID, domain.MsgTypeRoomMembershipVerified, domain.RoomMembershipPayload{
		Room:         room.String(),
		IsMember:     h.hub.IsMember(c.ID, room),
		ConnectionID: c.ID,
	})
	return nil
}

func (h *WSHandler) joinChat(ctx context.Context, c *ws.Client, payload json.RawMessage) error {
	req, err := decodeAppointment(payload)
	if err != nil {
		return err
	}
	_, err = h.chat.JoinChat(ctx, c.ID, c.Identity, req.AppointmentID)
	return err
}

func (h *WSHandler) leaveChat(ctx context.Context, c *ws.Client, payload json.RawMessage) error {
	req, err := decodeAppointment(payload)
	if err != nil {
		return err
	}
	room, err := h.chat.LeaveChat(ctx, c.ID, c.Identity, req.AppointmentID)
	if err != nil {
		return err
	}
	h.hub.SendTo(c.ID, domain.MsgTypeRoomLeft, domain.RoomPayload{Room: room.String()})
	return nil
}

func (h *WSHandler) sendMessage(ctx context.Context, c *ws.Client, payload json.RawMessage) error {
	var req domain.SendMessageRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.AppointmentID <= 0 {
		return fmt.Errorf("%w: appointment_id is required", domain.ErrBadRequest)
	}
	if req.SenderID != 0 && req.SenderID != c.Identity.UserID {
		l := logging.Ctx(ctx)
		l.Debug().Int64("claimed_sender_id", req.SenderID).Msg("ignoring client supplied sender")
	}
	_, err := h.chat.SendMessage(ctx, c.Identity, req.AppointmentID, req.Message)
	return err
}

func (h *WSHandler) endChat(ctx context.Context, c *ws.Client, payload json.RawMessage) error {
	req, err := decodeAppointment(payload)
	if err != nil {
		return err
	}
	_, err = h.chat.EndChat(ctx, c.Identity, req.AppointmentID)
	return err
}

func (h *WSHandler) appointmentResponse(ctx context.Context, c *ws.Client, payload json.RawMessage) error {
	var req domain.AppointmentResponseRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.AppointmentID <= 0 {
		return fmt.Errorf("%w: appointment_id is required", domain.ErrBadRequest)
	}
	_, err := h.chat.DecideAppointment(ctx, c.Identity, req.AppointmentID, req.Action)
	return err
}

func (h *WSHandler) instantRequest(ctx context.Context, c *ws.Client, payload json.RawMessage) error {
	req, err := decodeAppointment(payload)
	if err != nil {
		return err
	}
	_, err = h.chat.RequestInstantAppointment(ctx, c.Identity, req.AppointmentID)
	return err
}

// fail reports err to the initiating connection only.
func (h *WSHandler) fail(ctx context.Context, c *ws.Client, eventType string, err error) {
	payload := domain.NewErrorPayload(err)
	l := logging.Ctx(ctx)
	ev := l.Debug()
	if payload.Code == domain.ErrCodeInternalError {
		ev = l.Error()
	}
	ev.Err(err).Str(logging.FieldEventType, eventType).Str("code", payload.Code).Msg("event failed")
	h.hub.SendTo(c.ID, domain.MsgTypeError, payload)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", domain.ErrBadRequest)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	return nil
}

func decodeRoom(payload json.RawMessage) (rooms.ID, error) {
	var req domain.RoomRequest
	if err := decode(payload, &req); err != nil {
		return "", err
	}
	room, err := rooms.Parse(req.Room)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	return room, nil
}

func decodeAppointment(payload json.RawMessage) (domain.AppointmentRequest, error) {
	var req domain.AppointmentRequest
	if err := decode(payload, &req); err != nil {
		return req, err
	}
	if req.AppointmentID <= 0 {
		return req, fmt.Errorf("%w: appointment_id is required", domain.ErrBadRequest)
	}
	return req, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
