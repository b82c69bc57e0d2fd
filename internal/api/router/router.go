package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dialdesk/dialdesk/internal/http/handlers"
	httpmiddleware "github.com/dialdesk/dialdesk/internal/http/middleware"
	workerjobs "github.com/dialdesk/dialdesk/internal/worker/webhookjobs"
	"github.com/dialdesk/dialdesk/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	RetellWebhook *handlers.RetellWebhookHandler
	StripeWebhook *handlers.StripeWebhookHandler
	QueueTrigger  *workerjobs.TriggerHandler
	Dashboard     *handlers.Dashboard
	Realtime      http.Handler

	RateLimiter        *httpmiddleware.RateLimiter
	MetricsHandler     http.Handler
	DashboardJWTSecret string
	CORSAllowedOrigins []string
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware)
	}

	// Public endpoints: webhooks authenticate themselves by signature or
	// bearer secret, not by user session.
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.RetellWebhook != nil {
			public.Post("/webhooks/retell", cfg.RetellWebhook.ServeHTTP)
		}
		if cfg.StripeWebhook != nil {
			public.Post("/webhooks/stripe", cfg.StripeWebhook.ServeHTTP)
		}
		if cfg.QueueTrigger != nil {
			public.Post("/webhooks/process-queue", cfg.QueueTrigger.ServeHTTP)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Tenant dashboard API, JWT-scoped to one client.
	if cfg.Dashboard != nil && cfg.DashboardJWTSecret != "" {
		r.Route("/api", func(api chi.Router) {
			api.Use(httpmiddleware.DashboardJWT(cfg.DashboardJWTSecret))
			cfg.Dashboard.Routes(api)
			if cfg.Realtime != nil {
				api.Handle("/events", cfg.Realtime)
			}
		})
	}

	return r
}
