// Package api assembles the HTTP surface: REST endpoints, the dashboard
// socket and the operational probes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/api/handlers"
	"github.com/curebird/curebird/internal/api/middleware"
	"github.com/curebird/curebird/internal/api/realtime"
	"github.com/curebird/curebird/internal/attachment"
	"github.com/curebird/curebird/internal/domain/appointment"
	"github.com/curebird/curebird/internal/domain/record"
	"github.com/curebird/curebird/internal/identity"
	"github.com/curebird/curebird/internal/observability/metrics"
	"github.com/curebird/curebird/internal/store"
	"github.com/curebird/curebird/pkg/circuitbreaker"
	"github.com/curebird/curebird/pkg/idempotency"
)

// Deps are the collaborators behind the routes.
type Deps struct {
	ServiceName string
	AppID       string
	Logger      *zap.Logger
	Identity    *identity.Service
	Store       store.Store
	Inbox       idempotency.Processor
	Uploader    *attachment.Uploader
	Blobs       attachment.BlobStore
	Metrics     *metrics.Metrics
	Breakers    *circuitbreaker.Registry
	Checks      map[string]handlers.Check
	Sessions    realtime.Factory
	// AllowedOrigins restricts socket upgrades; empty allows any origin.
	AllowedOrigins []string
	// MetricsHandler serves /metrics; nil uses the default registry.
	MetricsHandler http.Handler
}

// NewRouter builds the service's handler.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))

	health := handlers.NewHealthHandler(d.Checks, d.Breakers)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	mh := d.MetricsHandler
	if mh == nil {
		mh = metrics.Handler()
	}
	r.Method(http.MethodGet, "/metrics", mh)

	records := handlers.NewCollectionHandler[record.Record](d.Store, d.AppID, store.DomainRecords,
		record.Codec{}, handlers.DecodeRecord, d.Inbox, d.Metrics, logger)
	appointments := handlers.NewCollectionHandler[appointment.Appointment](d.Store, d.AppID, store.DomainAppointments,
		appointment.Codec{}, handlers.DecodeAppointment, d.Inbox, d.Metrics, logger)
	meds := handlers.NewMedicationHandler(d.Store, d.AppID, logger)
	auth := handlers.NewAuthHandler(d.Identity, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/auth", auth.Routes())

		if d.Sessions != nil {
			opts := []realtime.Option{realtime.WithMetrics(d.Metrics)}
			if len(d.AllowedOrigins) > 0 {
				opts = append(opts, realtime.WithOriginCheck(originAllowed(d.AllowedOrigins)))
			}
			r.Method(http.MethodGet, "/ws", realtime.NewHandler(d.Sessions, logger, opts...))
		}
		if d.Blobs != nil && d.Uploader != nil {
			files := handlers.NewFileHandler(d.Uploader, d.Blobs, logger)
			r.Get("/files/{id}", files.Download)
			r.With(middleware.SessionAuth(d.Identity)).Post("/files", files.Upload)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.SessionAuth(d.Identity))
			r.Mount("/records", records.Routes())
			r.Mount("/appointments", appointments.Routes())
			r.Get("/medications", meds.List)
		})
	})

	return r
}

func originAllowed(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}
