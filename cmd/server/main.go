package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"synctext/internal/auth"
	"synctext/internal/config"
	"synctext/internal/coordinator"
	"synctext/internal/database"
	"synctext/internal/handlers"
	"synctext/internal/presence"
	"synctext/internal/rooms"
	"synctext/internal/services"
	"synctext/internal/websocket"
	"synctext/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open %s store: %v", cfg.Database.Driver, err)
	}
	defer db.Close()

	// Initialize chat core
	hub := websocket.NewHub()
	directory := presence.NewDirectory(db, hub)
	registry := rooms.NewRegistry(db)
	coord := coordinator.New(db, registry, db, hub)

	// Initialize services
	authService := auth.NewService(db, cfg)
	chatService := services.NewChatService(hub, directory, coord, db, cfg.Chat.OpTimeout)
	roomService := services.NewRoomService(registry, db, directory, hub)

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	roomHandlers := handlers.NewRoomHandlers(roomService, authService, cfg.JWT.Required)
	wsHandlers := handlers.NewWebSocketHandlers(authService, chatService, hub, cfg.Server.AllowedOrigins, cfg.JWT.Required, cfg.Chat.SendBuffer)

	// Setup routes
	mux := handlers.NewRouter(authHandlers, roomHandlers, wsHandlers)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(cfg.Server.AllowedOrigins, mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("🚀 Server started on http://localhost%s (store: %s)", cfg.Server.Port, cfg.Database.Driver)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	printAPIEndpoints()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by Shutdown.
		hub.CloseAll()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error: %v", err)
	}
	logger.Info("Server stopped")
}

func openDatabase(ctx context.Context, cfg *config.Config) (database.Database, error) {
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using the in-memory store; data is lost on restart")
		return database.NewMemoryDB(), nil
	case "postgres":
		db, err := database.NewPostgresDB(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, errors.New("unknown STORE " + cfg.Database.Driver + `, want "postgres" or "memory"`)
	}
}

func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && (allowed["*"] || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", "))
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   GET  /")
	logger.Info("   POST /login")
	logger.Info("   POST /register")
	logger.Info("   GET  /online")
	logger.Info("   GET  /rooms/{room}/members")
	logger.Info("   GET  /rooms/{room}/messages")
	logger.Info("   GET  /ws")
}
