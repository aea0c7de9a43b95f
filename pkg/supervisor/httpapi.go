package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/metrics"
)

// newHTTPMux builds the supervisor's local-only observability surface:
// Prometheus scraping plus the three standard health probes. heartbeatPath
// and heartbeatInterval let /healthz report on the daemon's own liveness
// independent of the component registry metrics.RegisterComponent feeds.
func newHTTPMux(heartbeatPath string, heartbeatInterval time.Duration, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", heartbeatHealthHandler(heartbeatPath, heartbeatInterval))
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())

	return r
}

// heartbeatHealthHandler reports the daemon's own liveness from its
// heartbeat file, independent of metrics.ReadyHandler's component registry,
// so a caller can distinguish "the supervisor loop is stuck" from "a
// component it depends on isn't ready yet".
func heartbeatHealthHandler(path string, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, last, err := ReadStatus(path, interval)

		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)

		resp := map[string]any{
			"status":             status,
			"last_heartbeat_utc": last.UTC(),
		}
		if err != nil {
			resp["error"] = err.Error()
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// serveHTTP runs the mux on addr until ctx is cancelled, then shuts the
// server down gracefully within a few seconds.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Str("addr", addr).Msg("http server error")
	}
}
