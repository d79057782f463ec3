package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otcheredev/dicom-gateway/internal/middleware"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// RouterConfig collects the handlers and cross-cutting options.
type RouterConfig struct {
	Health       *HealthHandler
	Tasks        *TaskHandler
	Devices      *DeviceHandler
	CheckStorage *CheckStorageHandler
	Listener     *ListenerHandler
	Audit        *AuditHandler
	Storage      *StorageHandler
	// Associations reports outbound association pools by client key.
	Associations func() map[string]dimse.PoolStats

	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	Metrics        bool
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(chimiddleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
		r.Get("/ready", cfg.Health.Ready)
	}
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Tasks != nil {
			r.Route("/tasks", cfg.Tasks.Routes)
		}
		if cfg.Devices != nil {
			r.Route("/devices", cfg.Devices.Routes)
		}
		if cfg.CheckStorage != nil {
			r.Route("/check-storage", cfg.CheckStorage.Routes)
		}
		if cfg.Listener != nil {
			r.Route("/listener", cfg.Listener.Routes)
		}
		if cfg.Storage != nil {
			r.Route("/storage", cfg.Storage.Routes)
		}
		if cfg.Audit != nil {
			r.Get("/audit", cfg.Audit.List)
		}
		if cfg.Associations != nil {
			r.Get("/associations", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, cfg.Associations())
			})
		}
	})
	return r
}
