package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-core/internal/chat"
	"chat-core/internal/config"
	"chat-core/internal/db"
	myMiddleware "chat-core/internal/middleware"
	"chat-core/internal/msgcache"
	"chat-core/internal/presence"
	"chat-core/internal/ratelimit"
	"chat-core/internal/store"
	"chat-core/internal/typing"
	"chat-core/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// .env is optional; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, log *slog.Logger) error {
	// Platform layer: Postgres and Redis are opened here and closed on
	// shutdown; nothing below constructs its own clients.
	database, err := db.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info("connected to postgres")

	if err := database.AutoMigrate(); err != nil {
		return err
	}
	log.Info("database schema initialized")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return err
	}
	log.Info("connected to redis")

	// Users + auth.
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// Durable store.
	convRepo := store.NewConversationRepository(database.Conn)
	msgRepo := store.NewMessageRepository(database.Conn)
	receiptRepo := store.NewReceiptRepository(database.Conn)

	// Shared ephemeral state.
	presenceStore := presence.NewStore(redisClient, cfg.ConnectionTTL)
	typingTracker := typing.NewTracker(redisClient, cfg.TypingTTL)
	deliveryCache := msgcache.NewCache(redisClient, cfg.MessageCacheSize, cfg.MessageCacheTTL)
	limiter := ratelimit.NewLimiter(redisClient)

	// Messaging core.
	registry := chat.NewRegistry(log)
	coordinator := chat.NewCoordinator(convRepo, msgRepo, receiptRepo, deliveryCache, log)
	chatHandler := chat.NewHandler(
		coordinator, registry, presenceStore, typingTracker, limiter,
		convRepo, userService, cfg.SendRateLimit, cfg.SendRateWindow, log,
	)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public routes.
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// The websocket handshake does its own credential check so it can close
	// with a policy-violation code instead of an HTTP error.
	r.Get("/ws/conversations/{conversationID}", chatHandler.ServeWs)

	// Protected routes.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/online", chatHandler.OnlineUsers)

		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", chatHandler.ListConversations)
			r.Post("/direct", chatHandler.CreateDirect)
			r.Post("/group", chatHandler.CreateGroup)
			r.Get("/{conversationID}", chatHandler.GetConversation)
			r.Get("/{conversationID}/messages", chatHandler.GetMessages)
			r.Post("/{conversationID}/messages", chatHandler.SendMessage)
			r.Post("/{conversationID}/read", chatHandler.MarkConversationRead)
			r.Get("/{conversationID}/typing", chatHandler.GetTyping)
			r.Post("/{conversationID}/typing", chatHandler.SetTyping)
		})

		r.Route("/api/messages", func(r chi.Router) {
			r.Post("/{messageID}/read", chatHandler.MarkMessageRead)
			r.Get("/{messageID}/receipts", chatHandler.ListReceipts)
		})
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}
