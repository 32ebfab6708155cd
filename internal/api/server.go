package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/seantiz/sandbroker/internal/broker"
	"github.com/seantiz/sandbroker/internal/engine"
	"github.com/seantiz/sandbroker/internal/share"
	"github.com/seantiz/sandbroker/internal/store"
	"github.com/seantiz/sandbroker/internal/workspace"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Broker is the part of the execution broker the API uses directly.
// *broker.Broker implements it.
type Broker interface {
	share.Transformer
	Stats() broker.Stats
}

// Saver persists the workspace. *autosave.Synchronizer implements it.
type Saver interface {
	Request()
	Version() int64
}

// Config holds the server settings.
type Config struct {
	Addr string

	// RunRate and RunBurst limit POST /v1/runs. A zero RunRate disables
	// the limit.
	RunRate  float64
	RunBurst int
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     store.Store
	engine    *engine.Engine
	broker    Broker
	workspace *workspace.Workspace
	saver     Saver
	limiter   *rate.Limiter
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg Config, s store.Store, eng *engine.Engine, b Broker, ws *workspace.Workspace, saver Saver, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		store:     s,
		engine:    eng,
		broker:    b,
		workspace: ws,
		saver:     saver,
		logger:    logger,
		addr:      cfg.Addr,
	}
	if cfg.RunRate > 0 {
		srv.limiter = rate.NewLimiter(rate.Limit(cfg.RunRate), max(cfg.RunBurst, 1))
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/runs", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Get("/{id}/output", s.handleGetOutput)
	})

	s.router.Post("/v1/share", s.handleEncodeShare)
	s.router.Post("/v1/share/decode", s.handleDecodeShare)

	s.router.Route("/v1/files", func(r chi.Router) {
		r.Get("/", s.handleListFiles)
		r.Post("/", s.handleCreateFile)
		r.Put("/{id}", s.handleUpdateFile)
		r.Delete("/{id}", s.handleCloseFile)
		r.Post("/{id}/select", s.handleSelectFile)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// rateLimit rejects requests beyond the configured run submission rate.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			runsLimited.Inc()
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
