package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-intern-chat/internal/blocklist"
	"go-intern-chat/internal/chat"
	"go-intern-chat/internal/config"
	"go-intern-chat/internal/db"
	myMiddleware "go-intern-chat/internal/middleware"
	"go-intern-chat/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Config & Flags
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "http service address (overrides config)")
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("❌ Failed to load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("❌ Invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage (Platform Layer)
	var (
		chatStore chat.Store
		userStore user.Store
		blocks    chat.Blocklist
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		chatStore = chat.NewMemoryStore()
		userStore = user.NewMemoryRepository()
		logger.Warn("⚠️ Using in-memory store, data is lost on restart")

	default:
		database, err := db.NewDatabase(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("❌ Failed to connect to DB", "error", err)
			os.Exit(1)
		}
		defer database.Close()
		logger.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			logger.Error("❌ Migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("✅ Database Schema Initialized")

		chatStore = chat.NewRepository(database.Conn)
		userStore = user.NewRepository(database.Conn)

		// 3. Blocklist cache in Redis
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("❌ Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		logger.Info("✅ Connected to Redis")
		blocks = blocklist.NewCache(redisClient, chatStore, cfg.BlockCacheTTL, logger)
	}

	// 4. Initialize User Feature
	userService := user.NewService(userStore, cfg.JWTSecret)
	userHandler := user.NewHandler(userService, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService, logger)

	// 5. Initialize Chat Feature
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := chat.NewMetrics(registry)

	hub := chat.NewHub(logger, metrics)
	go hub.Run(ctx)

	chatHandler := chat.NewHandler(hub, chatStore, blocks, cfg.Chat, logger, metrics)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)

		r.Get("/api/threads", chatHandler.ListThreads)
		r.Get("/api/threads/{threadID}/messages", chatHandler.GetHistory)
		r.Get("/api/threads/with/{userID}", chatHandler.GetRelationship)
		r.Post("/api/threads/with/{userID}", chatHandler.StartThread)
		r.Post("/api/users/{userID}/block", chatHandler.Block)
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("🚀 Server starting", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("❌ Graceful shutdown failed", "error", err)
	}
	hub.Wait()
	logger.Info("👋 Server stopped")
}
