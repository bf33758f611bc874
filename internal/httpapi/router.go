// Package httpapi serves the dashboard's JSON API.
//
// Routes:
//   - GET  /api/history?table=&limit=&range=&start=&end=
//   - GET  /api/outliers?table=&date=&timezone=
//   - GET  /api/stats?table=
//   - GET  /api/tables
//   - GET  /api/sessions?table=
//   - POST /api/login, GET /api/auth-check
//   - POST /api/samples?table= (ingest token)
//   - GET  /healthz, GET /metrics
package httpapi

import (
	"context"
	"net/http"
	"slices"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jasperdg/session-change-monitoring/internal/auth"
	"github.com/jasperdg/session-change-monitoring/internal/ingest"
	"github.com/jasperdg/session-change-monitoring/internal/metrics"
	"github.com/jasperdg/session-change-monitoring/internal/service"
	"github.com/jasperdg/session-change-monitoring/internal/sessions"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

// Deps are the collaborators behind the API. Recorder, Metrics, Gatherer and
// Health are optional.
type Deps struct {
	Query    *service.Query
	Sessions *sessions.Catalog
	Auth     *auth.Authenticator
	Recorder *ingest.Recorder
	Tables   *storage.Registry
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Health   func(ctx context.Context) error
}

// Options tune cross-origin access and push ingestion.
type Options struct {
	// AllowedOrigins lists browser origins allowed to call the API with
	// credentials. Empty or "*" allows any origin.
	AllowedOrigins []string
	// IngestToken enables POST /api/samples when set.
	IngestToken string
}

type api struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps, opts Options, logger zerolog.Logger) http.Handler {
	a := &api{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "httpapi").Logger(),
	}

	r := mux.NewRouter()
	r.Use(accessLog(a.logger, deps.Metrics))

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	sub := r.PathPrefix("/api").Subrouter()
	sub.Use(noStore)
	sub.HandleFunc("/login", a.handleLogin).Methods(http.MethodPost)
	sub.HandleFunc("/auth-check", a.handleAuthCheck).Methods(http.MethodGet)
	sub.HandleFunc("/samples", a.handleIngest).Methods(http.MethodPost)

	guard := func(h http.HandlerFunc) http.HandlerFunc { return requireSession(deps.Auth, h) }
	sub.HandleFunc("/history", guard(a.handleHistory)).Methods(http.MethodGet)
	sub.HandleFunc("/outliers", guard(a.handleOutliers)).Methods(http.MethodGet)
	sub.HandleFunc("/stats", guard(a.handleStats)).Methods(http.MethodGet)
	sub.HandleFunc("/tables", guard(a.handleTables)).Methods(http.MethodGet)
	sub.HandleFunc("/sessions", guard(a.handleSessions)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondErrorString(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	cors := handlers.CORS(
		handlers.AllowedOriginValidator(originValidator(opts.AllowedOrigins)),
		handlers.AllowCredentials(),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", ingestTokenHeader}),
		handlers.ExposedHeaders([]string{RequestIDHeader}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: a.logger}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(r))
}

func originValidator(allowed []string) handlers.OriginValidator {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(string) bool { return true }
	}
	return func(origin string) bool { return slices.Contains(allowed, origin) }
}
