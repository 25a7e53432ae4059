// Package opsapi serves health, metrics and read-only duel and scheduler state.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/duel"
	"github.com/park285/cpduel-kakao-bot/internal/metrics"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/internal/scheduler"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

type DuelReader interface {
	Status(ctx context.Context, id string) (*duel.Duel, error)
}

type SchedulerReader interface {
	Snapshot() scheduler.Snapshot
}

// Deps are the read-only views the router exposes. Ready, when set, backs /healthz.
type Deps struct {
	Duels     DuelReader
	Scheduler SchedulerReader
	Metrics   *metrics.Metrics
	Ready     func(ctx context.Context) error
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(10 * time.Second))
	r.Use(accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Gatherer(), promhttp.HandlerOpts{}))
	}

	r.Get("/duels/{id}", func(w http.ResponseWriter, r *http.Request) {
		if d.Duels == nil {
			http.NotFound(w, r)
			return
		}
		got, err := d.Duels.Status(r.Context(), duel.NormalizeID(chi.URLParam(r, "id")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, got)
	})

	r.Get("/scheduler", func(w http.ResponseWriter, r *http.Request) {
		if d.Scheduler == nil {
			http.NotFound(w, r)
			return
		}
		snap := d.Scheduler.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"registry_size": len(snap.Registered),
			"registered":    snap.Registered,
			"last_cycle":    snap.LastCycle,
		})
	})

	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		obslog.L().Debug("ops_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, cpdto.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, cpdto.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, cpdto.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	}
	body := map[string]string{"error": err.Error()}
	if k := cpdto.KindOf(err); k != "" {
		body["kind"] = string(k)
	}
	writeJSON(w, status, body)
}

// Serve runs the router on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		obslog.L().Info("ops_listen", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
