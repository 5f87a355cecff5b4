package handlers

import (
	"net/http"

	"synctext/internal/auth"
	"synctext/internal/services"
	ws "synctext/internal/websocket"
	"synctext/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService  *auth.Service
	chatService  *services.ChatService
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	authRequired bool
	sendBuffer   int
}

func NewWebSocketHandlers(authService *auth.Service, chatService *services.ChatService, hub *ws.Hub, allowedOrigins []string, authRequired bool, sendBuffer int) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService:  authService,
		chatService:  chatService,
		hub:          hub,
		authRequired: authRequired,
		sendBuffer:   sendBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients), same-host origins and the configured client origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[origin] {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// The handshake token, when present, pins which identity may log in.
	var tokenUser string
	if tokenStr := tokenFromRequest(r); tokenStr != "" {
		username, err := h.authService.ValidateToken(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		tokenUser = username
	} else if h.authRequired {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(h.hub, conn, h.chatService, tokenUser, h.sendBuffer)
	go client.Serve()
}
