package handlers

import "net/http"

func NewRouter(authHandlers *AuthHandlers, roomHandlers *RoomHandlers, wsHandlers *WebSocketHandlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", roomHandlers.Status)

	// Auth routes
	mux.HandleFunc("POST /login", authHandlers.Login)
	mux.HandleFunc("POST /register", authHandlers.Register)

	// Room routes
	mux.HandleFunc("GET /online", roomHandlers.GetOnlineUsers)
	mux.HandleFunc("GET /rooms/{room}/members", roomHandlers.GetRoomMembers)
	mux.HandleFunc("GET /rooms/{room}/messages", roomHandlers.GetRoomMessages)

	// WebSocket route
	mux.HandleFunc("GET /ws", wsHandlers.HandleWebSocket)
	return mux
}
