// Package httpapi exposes the field-trial service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrials/internal/core"
	"fieldtrials/internal/importer"
	"fieldtrials/pkg/domain"
)

// DefaultMaxUploadBytes bounds multipart uploads.
const DefaultMaxUploadBytes = 32 << 20

// Options configures the router.
type Options struct {
	// Gatherer backs /metrics; nil uses the default Prometheus registry.
	Gatherer       prometheus.Gatherer
	Logger         *zerolog.Logger
	MaxUploadBytes int64
}

type api struct {
	svc       *core.Service
	logger    zerolog.Logger
	maxUpload int64
	resources map[string]resource
}

// NewRouter builds the HTTP handler for svc.
func NewRouter(svc *core.Service, opts Options) http.Handler {
	a := &api{svc: svc, logger: log.Logger, maxUpload: opts.MaxUploadBytes}
	if opts.Logger != nil {
		a.logger = *opts.Logger
	}
	if a.maxUpload <= 0 {
		a.maxUpload = DefaultMaxUploadBytes
	}
	a.resources = resources(svc)
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/search", a.handleSearch)
		r.Get("/studies/{id}/plots", a.handleStudyPlots)
		r.Delete("/studies/{id}/plots", a.handleDeleteStudyPlots)
		r.Post("/studies/{id}/plots/import", a.handleImport)
		r.Get("/studies/{id}/versions", a.handleStudyVersions)
		r.Post("/studies/{id}/package", a.handlePackage)
		r.Get("/trials/{id}/versions", a.handleTrialVersions)
		r.Get("/{kind}", a.handleList)
		r.Post("/{kind}", a.handleCreate)
		r.Get("/{kind}/{id}", a.handleGet)
		r.Patch("/{kind}/{id}", a.handleUpdate)
		r.Delete("/{kind}/{id}", a.handleDelete)
	})
	return r
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeServiceError maps service errors onto HTTP statuses. fallback is used
// for errors without a more specific status.
func writeServiceError(w http.ResponseWriter, err error, fallback int) {
	var (
		nf core.ErrNotFound
		rv domain.RuleViolationError
	)
	switch {
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rv):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      err.Error(),
			"violations": rv.Result.Violations,
		})
	case errors.Is(err, importer.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	default:
		writeError(w, fallback, err.Error())
	}
}
