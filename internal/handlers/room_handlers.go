package handlers

import (
	"errors"
	"net/http"
	"strings"

	"synctext/internal/auth"
	"synctext/internal/rooms"
	"synctext/internal/services"
	"synctext/pkg/logger"
)

type RoomHandlers struct {
	roomService  *services.RoomService
	authService  *auth.Service
	authRequired bool
}

func NewRoomHandlers(roomService *services.RoomService, authService *auth.Service, authRequired bool) *RoomHandlers {
	return &RoomHandlers{
		roomService:  roomService,
		authService:  authService,
		authRequired: authRequired,
	}
}

// Status serves the root page: a liveness check with the online and
// connection counts.
func (h *RoomHandlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"online":      len(h.roomService.OnlineUsers()),
		"connections": h.roomService.Connections(),
	})
}

func (h *RoomHandlers) GetOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.roomService.OnlineUsers())
}

func (h *RoomHandlers) GetRoomMembers(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	members, err := h.roomService.GetRoomMembers(r.Context(), r.PathValue("room"))
	if err != nil {
		h.fail(w, "Get room members", err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *RoomHandlers) GetRoomMessages(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	messages, err := h.roomService.GetHistory(r.Context(), r.PathValue("room"))
	if err != nil {
		h.fail(w, "Get room messages", err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *RoomHandlers) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, rooms.ErrInvalidRoom) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.Error("%s error: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (h *RoomHandlers) authorize(w http.ResponseWriter, r *http.Request) bool {
	if !h.authRequired {
		return true
	}
	if _, err := h.authService.ValidateToken(tokenFromRequest(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

// tokenFromRequest reads the token from ?token= or an Authorization bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
