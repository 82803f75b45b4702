// Package api serves covenant's persisted state over read-only HTTP.
//
// Aggregate counters (num_messages, num_agreements, num_contracts,
// num_accounts) are read from GET /stats. No table reserves a row for them,
// so /messages/0, /agreements/0, /contracts/0 and /accounts/0 are 404.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/logging"
)

// NewRouter creates the HTTP router over s.
func NewRouter(s Store, logger zerolog.Logger) *chi.Mux {
	logger = logging.Component(logger, "api")
	h := NewHandler(s, logger)

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/messages/{id}", h.GetMessage)
	r.Get("/threads/{id}", h.GetThread)
	r.Get("/agreements", h.ListAgreements)
	r.Get("/agreements/{id}", h.GetAgreement)
	r.Get("/contracts", h.ListContracts)
	r.Get("/contracts/{id}", h.GetContract)
	r.Get("/contracts/{id}/redemptions", h.GetRedemptions)
	r.Get("/accounts", h.ListAccounts)
	r.Get("/accounts/{id}", h.GetAccount)
	r.Get("/accounts/{id}/transfers", h.GetTransfers)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusMethodNotAllowed, "read-only API")
	})
	return r
}
