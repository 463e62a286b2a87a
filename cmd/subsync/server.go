package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	httpmw "github.com/mihaimyh/subsync/middleware/http"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/identity"
)

var shutdownTimeout = 10 * time.Second

// routes builds the HTTP surface:
//
//	GET|POST|OPTIONS /webhooks/revenuecat  platform webhook
//	GET|POST|OPTIONS /sync                 on-demand and bulk reconciliation
//	GET              /v1/status            caller's subscription status (user token)
//	GET              /v1/access            204 if the caller is entitled, 402 otherwise
//	GET              /healthz, /metrics
func (a *app) routes() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Handle("/webhooks/revenuecat", a.provider.WebhookHandler())
	r.Handle("/sync", a.provider.SyncHandler())

	if a.verifier == nil {
		a.log.Warn().Msg("No user token verifier configured; /v1/status and /v1/access are disabled")
		return r, nil
	}

	status, err := api.NewHandler(api.Config{
		Store:       a.store,
		GetUserID:   api.FromClaims(),
		Entitlement: a.cfg.DefaultEntitlement,
		Logger:      a.componentLogger("api"),
	})
	if err != nil {
		return nil, err
	}

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(a.verifier))
		r.Get("/v1/status", status.GetStatus)
		r.With(httpmw.RequireActive(httpmw.Config{
			Store:       a.store,
			GetUserID:   httpmw.FromClaims(),
			Entitlement: a.cfg.DefaultEntitlement,
		})).Get("/v1/access", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r, nil
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(a.pingers))
	code := http.StatusOK
	for name, ping := range a.pingers {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": http.StatusText(code),
		"checks": checks,
	})
}

func (a *app) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// serve runs the HTTP server and the skip ledger sweeper until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	handler, err := a.routes()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.cfg.SweepInterval > 0 {
		g.Go(func() error {
			a.runSweeper(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (a *app) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *app) sweepOnce(ctx context.Context) {
	res, err := a.provider.SweepSkipped(ctx, a.cfg.SweepLimit)
	if err != nil {
		a.log.Error().Err(err).Msg("Skip ledger sweep failed")
		return
	}
	if res.Checked == 0 {
		return
	}
	a.log.Info().
		Int("checked", res.Checked).
		Int("resolved", res.Resolved).
		Int("expired", res.Expired).
		Int("remaining", res.Remaining).
		Msg("Skip ledger sweep finished")
}

