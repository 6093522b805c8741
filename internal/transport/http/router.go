package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veil/internal/platform/metrics"
	"veil/internal/platform/middleware"
	"veil/pkg/platform/middleware/metadata"
	"veil/pkg/platform/middleware/requesttime"
)

// Registrar is implemented by every handler group in this package.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter assembles the public API surface. Handlers are mounted behind a
// shared middleware chain; operational endpoints stay outside it so probes
// are cheap and unlogged. A nil limiter disables rate limiting.
func NewRouter(logger *slog.Logger, m *metrics.Metrics, limiter *middleware.RateLimiter, handlers ...Registrar) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	api := chi.NewRouter()
	api.Use(middleware.Recovery(logger))
	api.Use(middleware.RequestID)
	api.Use(requesttime.Middleware)
	api.Use(metadata.ClientMetadata)
	if limiter != nil {
		api.Use(limiter.Middleware)
	}
	api.Use(middleware.Logger(logger))
	api.Use(middleware.Timeout(30 * time.Second))
	api.Use(middleware.ContentTypeJSON)
	api.Use(middleware.LatencyMiddleware(m))
	for _, h := range handlers {
		h.Register(api)
	}

	r.Mount("/", api)
	return r
}
