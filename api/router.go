// Package api serves the REST surface next to the websocket endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pockode/chatrelay/auth"
	"github.com/pockode/chatrelay/middleware"
)

type RouterConfig struct {
	Verifier       auth.Verifier
	AllowedOrigins []string
	// WebSocket is mounted at /ws and authenticates on its own.
	WebSocket http.Handler
	// MCP is mounted at /mcp behind bearer auth.
	MCP http.Handler
}

func NewRouter(cfg RouterConfig, h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Verifier))

		r.Get("/users", h.ListUsers)
		r.Get("/conversations/{userID}/messages", h.History)
		r.Put("/messages/{messageID}/read", h.MarkRead)
		if cfg.MCP != nil {
			r.Handle("/mcp", cfg.MCP)
		}
	})

	return r
}
