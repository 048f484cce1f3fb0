// Package server exposes health, metrics and a read-only view of the pool state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poolkeeper/sbi/engine/pkg/balance"
	"github.com/poolkeeper/sbi/engine/pkg/ledger"
	"github.com/poolkeeper/sbi/engine/pkg/metrics"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/store"
)

const (
	defaultPayoutLimit = 100
	maxPayoutLimit     = 1000
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	s.router.Get("/readyz", s.readyzHandler)
	s.router.Get("/version", s.versionHandler)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Get("/balances", s.handleBalances)
		r.Get("/balances/{contributor}", s.handleBalance)
		r.Get("/payouts", s.handlePayouts)
		if s.cfg.Paid != nil {
			r.Get("/paid", s.handlePaid)
		}
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("engine not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.cfg.State.LoadSummary(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no summary has been computed yet")
		return
	}
	if err != nil {
		s.log.Error("server: failed to load summary", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load summary")
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

type balanceView struct {
	ID string `json:"id"`
	balance.Account
}

type balancesResponse struct {
	Outstanding float64       `json:"outstanding"`
	LastAccrued string        `json:"last_accrued,omitempty"`
	Accounts    []balanceView `json:"accounts"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	book, err := s.cfg.State.LoadBalances(r.Context())
	if err != nil {
		s.log.Error("server: failed to load balances", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load balances")
		return
	}
	resp := balancesResponse{
		Outstanding: book.Outstanding(),
		LastAccrued: book.LastAccrued(),
		Accounts:    make([]balanceView, 0, len(book.Accounts)),
	}
	for _, id := range book.IDs() {
		resp.Accounts = append(resp.Accounts, balanceView{ID: id, Account: book.Accounts[id]})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contributor")
	book, err := s.cfg.State.LoadBalances(r.Context())
	if err != nil {
		s.log.Error("server: failed to load balances", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load balances")
		return
	}
	a, ok := book.Accounts[id]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown contributor")
		return
	}
	s.writeJSON(w, http.StatusOK, balanceView{ID: id, Account: a})
}

// handlePayouts returns the most recent log entries, newest first, optionally filtered by
// contributor.
func (s *Server) handlePayouts(w http.ResponseWriter, r *http.Request) {
	limit := defaultPayoutLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPayoutLimit)
	}
	contributor := r.URL.Query().Get("contributor")

	entries, err := s.cfg.State.LoadPayoutLog(r.Context())
	if err != nil {
		s.log.Error("server: failed to load payout log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load payout log")
		return
	}

	out := make([]payout.LogEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if contributor != "" && entries[i].ContributorID != contributor {
			continue
		}
		out = append(out, entries[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	s.writeJSON(w, http.StatusOK, out)
}

// handlePaid returns the amount sent to each contributor since the given date.
func (s *Server) handlePaid(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if _, err := time.Parse(ledger.DateLayout, since); err != nil {
		s.writeError(w, http.StatusBadRequest, "since must be a date (YYYY-MM-DD)")
		return
	}
	totals, err := s.cfg.Paid.PaidSince(r.Context(), since)
	if err != nil {
		s.log.Error("server: failed to query paid totals", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query paid totals")
		return
	}
	s.writeJSON(w, http.StatusOK, totals)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
