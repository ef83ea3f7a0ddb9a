package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/server"
	"github.com/matst80/vlessedge/internal/web"
)

// metricsHandler serves Prometheus metrics plus lightweight dashboard & state endpoints.
func metricsHandler(state StateStore) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(state)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(state)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
			return
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if state.isClosing() || !state.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return server.Recover(mux)
}

// startMetricsServer runs the metrics listener in the background. It returns
// nil when addr is empty.
func startMetricsServer(addr string, state StateStore) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: metricsHandler(state), ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	return srv
}
