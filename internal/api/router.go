package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/guildscope/guildscope/internal/api/middleware"
	"github.com/guildscope/guildscope/internal/handlers"
	"github.com/guildscope/guildscope/internal/store"
	"github.com/guildscope/guildscope/internal/ws"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, hub *ws.Hub, s *store.Store, rlCfg middleware.RateLimiterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // export filters are small

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(s.Client(), logger, rlCfg)
	r.Use(limiter.Middleware)

	// CORS - the browser UI is served from a different origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	r.Get("/guilds", h.ListGuilds)
	r.Get("/guilds/{guildId}", h.GetGuild)
	r.Get("/guilds/{guildId}/topics", h.ListTopics)
	r.Get("/guilds/{guildId}/topics/{topicName}/messages", h.TopicMessages)

	r.Get("/messages/{messageId}", h.GetMessage)

	r.Post("/export", h.CreateExport)
	r.Get("/export/{exportId}/status", h.ExportStatus)
	r.Get("/export/{exportId}/download", h.ExportDownload)

	// Live event stream
	r.Get("/ws", hub.ServeWS)

	return r
}
