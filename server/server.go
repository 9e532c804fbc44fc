package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Config holds the reference server's settings.
type Config struct {
	JWTSecret      string
	TokenLifetime  time.Duration
	AllowedOrigins []string
}

// NewRouter assembles the sync API router: CORS and recovery middleware,
// bearer-token auth on every /api route, and a token endpoint for tooling.
func NewRouter(storage *Storage, cfg Config, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = 24 * time.Hour
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}

	auth := NewJWTAuth(cfg.JWTSecret)
	h := NewHandlers(storage, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// Dev/tooling token endpoint. Real identity lives in an external auth
	// service; this just signs whatever subject the tooling asks for.
	r.Post("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "user query parameter required")
			return
		}
		token, err := auth.GenerateToken(userID, cfg.TokenLifetime)
		if err != nil {
			logger.Error("failed to sign token", "error", err)
			writeError(w, http.StatusInternalServerError, "token_failed", "failed to sign token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	})

	r.Route("/api/{entityType}", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(requireEntityType)
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Put("/{id}", h.HandleUpdate)
		r.Delete("/{id}", h.HandleDelete)
	})

	return r
}
