package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/matst80/httptun/internal/obs"
	"github.com/matst80/httptun/internal/registry"
	"github.com/matst80/httptun/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newMetricsMux(cfg Config, store registry.Store) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Method(http.MethodGet, "/metrics", promhttp.Handler())
	mux.Get("/api/state", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, collectStats(cfg, store))
	})
	mux.Get("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(cfg, store)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.PlainText(w, r, "ok")
	})
	mux.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if store.IsClosing() || !store.IsReady() {
			render.Status(r, http.StatusServiceUnavailable)
			render.PlainText(w, r, "not ready")
			return
		}
		render.PlainText(w, r, "ready")
	})
	return mux
}

// startMetricsServer serves Prometheus metrics, health probes and the session
// dashboard until ctx is done.
func startMetricsServer(ctx context.Context, cfg Config, store registry.Store) {
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: newMetricsMux(cfg, store), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	obs.Info("metrics.listen", obs.Fields{"addr": cfg.MetricsAddr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": cfg.MetricsAddr})
	}
}
