package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthSource lets the admin server report live proxy state on /healthz
// without the telemetry package depending on internal/proxy.
type HealthSource interface {
	ClientCount() int
}

// AdminServer exposes /metrics and /healthz. It runs independently of the
// proxy's own lifecycle: a bind failure here is logged and otherwise
// ignored (spec.md §7 [EXPANDED]).
type AdminServer struct {
	httpServer *http.Server
}

// NewAdminServer wires a gorilla/mux router over r's Prometheus registry
// and health's live state.
func NewAdminServer(listenAddr string, r *Recorder, health HealthSource) *AdminServer {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		clients := 0
		if health != nil {
			clients = health.ClientCount()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":        "ok",
			"gcs_clients":   clients,
		})
	}).Methods(http.MethodGet)

	return &AdminServer{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run starts the admin server and blocks until ctx is cancelled or the
// server fails to bind. Callers typically run this in its own goroutine
// and only log the returned error.
func (a *AdminServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin server shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
