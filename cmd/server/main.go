package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdwelloTech/MathMentor-sub008/internal/config"
	"github.com/AdwelloTech/MathMentor-sub008/internal/database"
	"github.com/AdwelloTech/MathMentor-sub008/internal/handlers"
	"github.com/AdwelloTech/MathMentor-sub008/internal/middleware"
	"github.com/AdwelloTech/MathMentor-sub008/internal/notify"
	"github.com/AdwelloTech/MathMentor-sub008/internal/repository"
	"github.com/AdwelloTech/MathMentor-sub008/internal/router"
	"github.com/AdwelloTech/MathMentor-sub008/internal/services"
	"github.com/AdwelloTech/MathMentor-sub008/internal/websocket"
)

func main() {
	log.Println("🚀 Starting MathMentor Matching Engine...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Store & Fan-out ────
	requestRepo := repository.NewSessionRequestRepo(pool)
	broker := notify.NewBroker(redisClients.Publisher, redisClients.Subscriber)

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	meetingService := services.NewMeetingService(cfg.MeetingServiceURL, cfg.MeetingProvisionAttempts)
	matchingService := services.NewMatchingService(requestRepo, meetingService, broker)
	lifecycleService := services.NewLifecycleService(requestRepo)

	// ──── Step 5: Start Expiry Sweep ────
	sweeper := services.NewSweeper(requestRepo, broker, cfg.PendingTTL, cfg.SweepInterval)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("✗ Expiry sweep failed to start: %v", err)
	}
	log.Printf("✓ Expiry sweep started (TTL %s, every %s)", cfg.PendingTTL, cfg.SweepInterval)

	// ──── Step 6: Start WebSocket Hub ────
	wsHub := websocket.NewHub(broker, cfg.JWTSecret)
	log.Println("✓ WebSocket hub started")

	// ──── Step 7: Start HTTP Server ────
	instantSessionHandler := handlers.NewInstantSessionHandler(matchingService, lifecycleService)
	r := router.New(jwtAuth, instantSessionHandler, wsHub, cfg.FrontendURL)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		sweeper.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ Matching engine ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1/instant-sessions", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
