// Package server exposes the federation core over HTTP/JSON and gRPC health.
package server

import (
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/registry"
	"PortfolioFederation/internal/scheduler"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Glue runs syncs and imports through to reconciliation.
type Glue interface {
	RunFullSyncWithReconciliation(ctx context.Context, userID int64, trigger model.Trigger) (*scheduler.Outcome, error)
	ImportWithReconciliation(ctx context.Context, userID, sourceID int64, trigger model.Trigger, batch model.Batch) (*scheduler.Outcome, error)
}

type Runs interface {
	GetRun(ctx context.Context, id uuid.UUID) (*model.SyncRun, error)
	ListRuns(ctx context.Context, userID int64, limit int) ([]model.SyncRun, error)
}

type Sources interface {
	ListSources(ctx context.Context, userID int64) ([]model.DataSource, error)
	RegisterSource(ctx context.Context, req registry.RegisterRequest) (model.DataSource, error)
	EnableSource(ctx context.Context, id, userID int64) (bool, error)
	DisableSource(ctx context.Context, id, userID int64) (bool, error)
	UpdateSourceConfig(ctx context.Context, id, userID int64, config map[string]string) (*model.DataSource, error)
	UpdateSourcePriority(ctx context.Context, id, userID int64, priority int) (*model.DataSource, error)
	DeleteSource(ctx context.Context, id, userID int64) (bool, error)
}

// Book is the read side of the canonical tables.
type Book interface {
	ListPositions(ctx context.Context, userID int64) ([]model.CanonicalPosition, error)
	ListCashEvents(ctx context.Context, userID int64) ([]model.CanonicalCashEvent, error)
	ListConflicts(ctx context.Context, runID uuid.UUID) ([]model.Conflict, error)
}

type Deps struct {
	Glue     Glue
	Runs     Runs
	Sources  Sources
	Book     Book
	Health   *observability.HealthChecker
	Gatherer prometheus.Gatherer
	// SyncRate limits sync and import requests per second across all users.
	SyncRate float64
	Logger   zerolog.Logger
}

type HTTPServer struct {
	deps    Deps
	limiter *rate.Limiter
	handler http.Handler
	srv     *http.Server
}

func NewHTTPServer(addr string, deps Deps) *HTTPServer {
	if deps.SyncRate <= 0 {
		deps.SyncRate = 2
	}
	if deps.Health == nil {
		deps.Health = observability.NewHealthChecker()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &HTTPServer{
		deps:    deps,
		limiter: rate.NewLimiter(rate.Limit(deps.SyncRate), max(1, int(deps.SyncRate))),
	}
	s.handler = s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler { return s.handler }

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.deps.Health.LivenessHandler)
	r.Get("/readyz", s.deps.Health.ReadinessHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sync/{runID}", s.handleGetRun)
		r.Get("/sync/{runID}/conflicts", s.handleListConflicts)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.With(s.rateLimit).Post("/sync", s.handleSync)
			r.Get("/runs", s.handleListRuns)
			r.Get("/positions", s.handleListPositions)
			r.Get("/cash-events", s.handleListCashEvents)

			r.Get("/sources", s.handleListSources)
			r.Post("/sources", s.handleRegisterSource)
			r.Route("/sources/{sourceID}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteSource)
				r.Post("/enable", s.handleSetEnabled(true))
				r.Post("/disable", s.handleSetEnabled(false))
				r.Put("/config", s.handleUpdateConfig)
				r.Put("/priority", s.handleUpdatePriority)
				r.With(s.rateLimit).Post("/import", s.handleImport)
			})
		})
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.deps.Logger.Warn().Err(err).Msg("http shutdown")
		}
	}()

	s.deps.Logger.Info().Str("addr", lis.Addr().String()).Msg("http server listening")
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// requestLogger attaches a request-scoped logger carrying a fresh request id
// and logs every request once it completes.
func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		logger := s.deps.Logger.With().Str("request_id", requestID).Logger()
		w.Header().Set("X-Request-ID", requestID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			zerolog.Ctx(r.Context()).Warn().Str("path", r.URL.Path).Msg("rate limit exceeded")
			writeError(w, r, http.StatusTooManyRequests, errors.New("too many sync requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
