// Package server exposes the public HTTP API: prices, rounds, wagers, and
// account operations. Lifecycle transitions never happen here; handlers only
// read rounds and write through the account manager's atomic operations.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qflash/account"
	"qflash/pricefeed"
	"qflash/storage"
)

// Config wires the server's collaborators.
type Config struct {
	ListenAddress string
	Store         *storage.Storage
	Accounts      *account.Manager
	Feed          *pricefeed.Feed
	Logger        *slog.Logger
}

// Server hosts the HTTP API.
type Server struct {
	cfg    Config
	log    *slog.Logger
	router http.Handler
}

// New constructs the configured router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Accounts == nil || cfg.Feed == nil {
		return nil, errors.New("server: store, accounts and feed required")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	srv := &Server{cfg: cfg, log: cfg.Logger}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/price", s.handlePrice)
	r.Get("/rounds", s.handleListRounds)
	r.Get("/rounds/{id}", s.handleGetRound)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAuth)
		protected.Post("/bet", s.handleBet)
		protected.Get("/account/{address}", s.handleAccount)
		protected.Post("/account/{address}/token", s.handleRotateToken)
		protected.Post("/withdrawal", s.handleWithdrawal)
	})

	return otelhttp.NewHandler(r, "qflash.api")
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Store.Now(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
