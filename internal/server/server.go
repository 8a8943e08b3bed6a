// Package server provides the HTTP surface of the guidance service: user
// authentication, asynchronous chat submission and polling, history
// retrieval, health, and the WebSocket task event feed.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/takahashiJe/OC-guidanceLLM/internal/auth"
	"github.com/takahashiJe/OC-guidanceLLM/internal/config"
	"github.com/takahashiJe/OC-guidanceLLM/internal/memory"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
	"github.com/takahashiJe/OC-guidanceLLM/internal/tasks"
)

// Deps are the service collaborators the HTTP layer exposes.
type Deps struct {
	Users        storage.UserStore
	Memory       *memory.Service
	Orchestrator *tasks.Orchestrator
	Tokens       *auth.JWTManager
	LLM          healthChecker // optional, probed by /api/health
}

// Start initializes and starts the HTTP server. Returns the actual address
// being listened on (useful for testing with port 0) and the TaskEventHub
// for wiring task completion broadcasts. The server shuts down when ctx is
// cancelled.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (string, *TaskEventHub, error) {
	mux := http.NewServeMux()

	hub := NewTaskEventHub()
	go hub.Run()

	rateLimiter := NewRateLimiter(10.0, 20)
	handlers := NewHandlers(deps.Users, deps.Memory, deps.Orchestrator, deps.Tokens, deps.LLM)

	// Auth routes: no token required, rate limiting still applies.
	mux.HandleFunc("POST /api/auth/signup", handlers.Signup)
	mux.HandleFunc("POST /api/auth/login", handlers.Login)

	// Chat routes require a valid token.
	chatMux := http.NewServeMux()
	chatMux.HandleFunc("POST /api/chat", handlers.SubmitChat)
	chatMux.HandleFunc("GET /api/chat/results/{task_id}", handlers.GetResult)
	chatMux.HandleFunc("GET /api/chat/history", handlers.GetHistory)
	chatMux.HandleFunc("GET /api/chat/sessions/latest", handlers.GetLatestSession)
	mux.Handle("/api/chat", RequireAuth(chatMux, deps.Tokens))
	mux.Handle("/api/chat/", RequireAuth(chatMux, deps.Tokens))

	// Health endpoint: no auth required, used by monitoring.
	mux.HandleFunc("GET /api/health", handlers.Health)

	// WebSocket task events: origin validation handles access.
	mux.Handle("/ws/tasks", hub)

	handler := RateLimitMiddleware(mux, rateLimiter)
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		hub.Stop()
	}()

	log.Printf("server: listening on %s", actualAddr)
	return actualAddr, hub, nil
}
