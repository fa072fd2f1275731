// Package server provides HTTP server initialization and lifecycle
// management for the Veritwin API.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/veritwin/veritwin/internal/config"
	"github.com/veritwin/veritwin/internal/escalation"
	"github.com/veritwin/veritwin/internal/llm"
	"github.com/veritwin/veritwin/internal/namespace"
	"github.com/veritwin/veritwin/internal/retrieval"
	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/internal/variant"
	"github.com/veritwin/veritwin/web/handlers"
)

// Deps are the service dependencies the server wires into its handlers.
// Generator and Embedder may be nil; the ask endpoint then serves grounded
// context verbatim and answers participate only in exact matching.
type Deps struct {
	Store     storage.Store
	Generator llm.TextGenerator
	Embedder  llm.EmbeddingGenerator
	Variants  *variant.Registry
	Notifier  escalation.Notifier
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start initializes and starts the HTTP server. Returns the actual address
// being listened on (useful for testing with port 0) and the WebSocketHub
// carrying the escalation feed.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (string, *handlers.WebSocketHub) {
	mux := http.NewServeMux()

	// WebSocket hub for the owner escalation feed
	wsHub := handlers.NewWebSocketHub(cfg.Server.AllowedOrigins)
	go wsHub.Run()

	// Rate limiter (10 req/sec, burst of 20)
	rateLimiter := handlers.NewRateLimiter(10.0, 20)

	resolver := namespace.NewResolver(deps.Store)
	rewriter := retrieval.NewRewriter(deps.Generator, nil)
	orchestrator := retrieval.NewOrchestrator(resolver, deps.Store, deps.Embedder, rewriter, retrieval.Options{
		ConfidenceThreshold:       cfg.Retrieval.ConfidenceThreshold,
		SemanticVerifiedThreshold: cfg.Retrieval.SemanticVerifiedThreshold,
		SemanticMatching:          cfg.Retrieval.SemanticMatching,
		MaxContexts:               cfg.Retrieval.MaxContexts,
		SourceTimeout:             cfg.Retrieval.SourceTimeout,
	}, nil)

	notifier := deps.Notifier
	if notifier == nil {
		notifier = handlers.NewEscalationFeed(wsHub, deps.Store)
	}
	escalationManager := escalation.NewManager(deps.Store, deps.Embedder, notifier, cfg.Retrieval.DedupWindow, nil)

	askHandlers := handlers.NewAskHandlers(orchestrator, escalationManager, deps.Store, deps.Generator, deps.Variants, nil)
	escalationHandlers := handlers.NewEscalationHandlers(escalationManager, deps.Store, nil)
	answerHandlers := handlers.NewAnswerHandlers(deps.Store, deps.Embedder, nil)

	// API routes (require auth in production mode, always require tenant
	// identity)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/ask", askHandlers.HandleAsk)

	apiMux.HandleFunc("GET /api/twins/{twin}/escalations", escalationHandlers.HandleList)
	apiMux.HandleFunc("POST /api/escalations/{id}/respond", escalationHandlers.HandleRespond)
	apiMux.HandleFunc("POST /api/escalations/{id}/dismiss", escalationHandlers.HandleDismiss)

	apiMux.HandleFunc("POST /api/twins/{twin}/answers", answerHandlers.HandleCreate)
	apiMux.HandleFunc("GET /api/answers/{id}", answerHandlers.HandleGet)
	apiMux.HandleFunc("POST /api/answers/{id}/edit", answerHandlers.HandleEdit)
	apiMux.HandleFunc("GET /api/answers/{id}/history", answerHandlers.HandleHistory)
	apiMux.HandleFunc("POST /api/answers/{id}/disable", answerHandlers.HandleDisable)

	// Health endpoint — no auth required, used by monitoring
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","version":"1.0.0"}`))
	})

	// Wrap API routes with auth then tenant-identity middleware
	mux.Handle("/api/", handlers.RequireAuth(handlers.RequireTenant(apiMux), cfg))

	// WebSocket endpoint (token auth still applies; origin validation and
	// the tenant header are checked on upgrade)
	mux.Handle("/ws", handlers.RequireAuth(wsHub, cfg))

	// Wrap entire server with rate limiting, then security headers
	handler := handlers.RateLimitMiddleware(mux, rateLimiter)
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}

	actualAddr := listener.Addr().String()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		wsHub.Stop()
	}()

	return actualAddr, wsHub
}
