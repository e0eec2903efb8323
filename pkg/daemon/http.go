package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/apexhq/apex/pkg/metrics"
)

// startHTTP serves the observability surface: liveness, readiness, the
// aggregated status document, and Prometheus metrics.
func (d *Daemon) startHTTP(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", d.handleStatus)

	d.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		d.logger.Info().Str("addr", addr).Msg("http listener started")
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("http listener failed")
		}
	}()
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(d.Status(r.Context()))
}
