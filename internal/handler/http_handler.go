package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"telehealth_core/internal/chat"
	"telehealth_core/internal/domain"
	"telehealth_core/internal/logging"
	"telehealth_core/internal/rooms"
	"telehealth_core/internal/ws"
)

// OnlineChecker answers presence queries across every node.
type OnlineChecker interface {
	IsUserOnline(ctx context.Context, userID int64) (bool, error)
}

// HTTPHandler serves the websocket endpoint, diagnostics and the appointment
// collaborator endpoints.
type HTTPHandler struct {
	hub      *ws.Hub
	chat     *chat.Service
	verifier ws.Verifier
	presence OnlineChecker
	ws       *WSHandler
}

// NewHTTPHandler builds the HTTP surface. presence may be nil, in which case
// presence answers cover this node only.
func NewHTTPHandler(hub *ws.Hub, chatSvc *chat.Service, verifier ws.Verifier, presence OnlineChecker, wsHandler *WSHandler) *HTTPHandler {
	return &HTTPHandler{
		hub:      hub,
		chat:     chatSvc,
		verifier: verifier,
		presence: presence,
		ws:       wsHandler,
	}
}

func (h *HTTPHandler) Router(logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(logging.HTTPMiddleware(logger))

	r.HandleFunc("/ws", h.ws.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	r.HandleFunc("/rooms/{room}/members", h.authenticated(h.roomMembers)).Methods(http.MethodGet)
	r.HandleFunc("/presence/{user_id:[0-9]+}", h.authenticated(h.userPresence)).Methods(http.MethodGet)

	appointments := r.PathPrefix("/appointments/{id:[0-9]+}").Subrouter()
	appointments.HandleFunc("/{action:accept|reject}", h.authenticated(h.decide)).Methods(http.MethodPost)
	appointments.HandleFunc("/instant-request", h.authenticated(h.instantRequest)).Methods(http.MethodPost)
	return r
}

type identityHandler func(w http.ResponseWriter, r *http.Request, identity domain.Identity)

func (h *HTTPHandler) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrAuthRejected))
			return
		}
		identity, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx, _ := logging.WithAccount(r.Context(), identity.UserID, string(identity.Role))
		next(w, r.WithContext(ctx), identity)
	}
}

func (h *HTTPHandler) health(w http.ResponseWriter, r *http.Request) {
	conns, roomCount := h.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": conns,
		"rooms":       roomCount,
	})
}

// roomMembers lists the connections of a room the caller may join itself.
func (h *HTTPHandler) roomMembers(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	room, err := rooms.Parse(mux.Vars(r)["room"])
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrBadRequest, err))
		return
	}
	ok, err := h.ws.router.Permits(r.Context(), identity, room)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, fmt.Errorf("%w: room %s", domain.ErrForbidden, room))
		return
	}
	members := h.hub.MembersOf(room)
	writeJSON(w, http.StatusOK, map[string]any{
		"room":    room.String(),
		"count":   len(members),
		"members": members,
	})
}

func (h *HTTPHandler) userPresence(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrBadRequest, err))
		return
	}
	local := h.hub.ConnectionsOf(userID)
	online := len(local) > 0
	if !online && h.presence != nil {
		if online, err = h.presence.IsUserOnline(r.Context(), userID); err != nil {
			writeError(w, r, fmt.Errorf("presence lookup for user %d: %w", userID, err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"online":      online,
		"connections": len(local),
	})
}

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrBadRequest, err))
		return
	}
	appt, err := h.chat.DecideAppointment(r.Context(), identity, id, vars["action"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *HTTPHandler) instantRequest(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrBadRequest, err))
		return
	}
	delivered, err := h.chat.RequestInstantAppointment(r.Context(), identity, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"appointment_id": id,
		"delivered":      delivered,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuthRejected):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]any{"error": domain.NewErrorPayload(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
