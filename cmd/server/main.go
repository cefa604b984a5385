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

	"golang.org/x/crypto/bcrypt"

	"fightclaw/internal/config"
	"fightclaw/internal/httpapi"
	"fightclaw/internal/logging"
	"fightclaw/internal/matchactor"
	"fightclaw/internal/matchmaker"
	"fightclaw/internal/middleware"
	"fightclaw/internal/store"
)

func main() {
	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog := logging.New("server")
	appLog.Printf("Starting fightclaw server in %s mode", cfg.Environment)

	st, err := store.Open(cfg.Store.Path, logging.New("store"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	ensureAdminKey(cfg)

	actorCfg := matchactor.Config{
		TurnTimeout:    cfg.Tuning.TurnTimeout(),
		IdempotencyMax: cfg.Tuning.IdempotencyMax,
	}
	registry := matchactor.NewRegistry(st, logging.New("matchactor"), actorCfg)

	mm := matchmaker.New(st, registry, logging.New("matchmaker"), matchmaker.Config{
		EloRange:         cfg.Tuning.EloRange,
		QueueTTL:         cfg.Tuning.QueueTTL(),
		FeaturedCacheTTL: cfg.Tuning.FeaturedCacheTTL(),
		EventBufferMax:   cfg.Tuning.EventBufferMax,
		ActorConfig:      actorCfg,
	})

	auth := middleware.NewAuthMiddleware(st, cfg.Admin.KeyHash, cfg.Runner.KeyHash)
	rateLimiter := middleware.NewRateLimiter()
	defer rateLimiter.Stop()

	server := &httpapi.Server{
		Registry:        registry,
		Matchmaker:      mm,
		Store:           st,
		Auth:            auth,
		RateLimiter:     rateLimiter,
		Log:             logging.New("httpapi"),
		SSEWriteTimeout: cfg.Tuning.SSEWriteTimeout(),
	}
	router := httpapi.NewRouter(server)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      middleware.SecurityHeaders()(httpapi.CORSHandler(router)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLog.Printf("Server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Printf("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	appLog.Printf("Server stopped")
}

// ensureAdminKey checks the configured admin key hash at boot. An empty hash
// only logs a warning (the server still starts and every admin request is
// rejected); a non-empty hash that is not a valid bcrypt hash stops startup.
func ensureAdminKey(cfg *config.Config) {
	if cfg.Admin.KeyHash == "" {
		log.Println("Warning: no admin key hash configured, /finish will reject every request")
		return
	}
	if _, err := bcrypt.Cost([]byte(cfg.Admin.KeyHash)); err != nil {
		log.Fatalf("Admin key hash is not a valid bcrypt hash: %v", err)
	}
}
