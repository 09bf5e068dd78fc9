// Package httpapi is the Queue Service REST surface, served with gin.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/oggyb/muzz-live/internal/service/matchmaking"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options configures the router.
type Options struct {
	ServiceName    string
	AllowedOrigins []string
	// RatePerMinute is the per-client request budget; zero disables limiting.
	RatePerMinute int
	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]HealthCheck
	Logger *slog.Logger
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(svc *matchmaking.Service, opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("component", "http")
	h := &handler{svc: svc, checks: opts.Checks}

	r := gin.New()
	r.Use(gin.Recovery())
	if opts.ServiceName != "" {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}
	r.Use(requestLogger(log))
	r.Use(corsMiddleware(opts.AllowedOrigins))

	r.GET("/healthz", h.health)

	api := r.Group("/")
	api.Use(rateLimit(opts.RatePerMinute))
	{
		q := api.Group("/queue")
		q.POST("/join", h.join)
		q.POST("/leave", h.leave)
		q.POST("/skip", h.skip)
		q.POST("/end", h.end)
		q.GET("/status/:user_id", h.status)
		q.GET("/stats", h.stats)

		api.PUT("/preferences/:user_id", h.putPreferences)
		api.GET("/preferences/:user_id", h.getPreferences)
		api.POST("/discover", h.discover)
		api.POST("/create_from_suggestion", h.createFromSuggestion)
		api.GET("/matches/:user_id", h.listMatches)
	}
	return r
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
