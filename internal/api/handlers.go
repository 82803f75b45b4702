package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/ingest"
	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/store"
)

// Store is the read surface the API serves.
type Store interface {
	Ping(ctx context.Context) error
	Counters(ctx context.Context) (model.Counters, error)
	Cursor(ctx context.Context, name string) (int64, error)
	GetMessage(ctx context.Context, id int64) (model.Message, error)
	ThreadMessages(ctx context.Context, threadID int64) ([]model.Message, error)
	GetAgreement(ctx context.Context, id int64) (model.Agreement, error)
	ListAgreements(ctx context.Context, state model.AgreementState) ([]model.Agreement, error)
	GetContract(ctx context.Context, id int64) (model.Contract, error)
	ListContracts(ctx context.Context, f store.ContractFilter) ([]model.Contract, error)
	Redemptions(ctx context.Context, contractID int64) ([]model.Redemption, error)
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	Transfers(ctx context.Context, accountID int64) ([]model.Transfer, error)
	TotalBalance(ctx context.Context) (int64, error)
}

// Handler holds the dependencies shared by all handlers.
type Handler struct {
	store  Store
	logger zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(s Store, logger zerolog.Logger) *Handler {
	return &Handler{store: s, logger: logger}
}

// JSON writes data with the given status.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn().Err(err).Msg("response_encode_failed")
	}
}

// Error writes a JSON error body.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// fail maps a store error to a response.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	if model.IsNotFound(err) {
		h.Error(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error().Err(err).Msg("store_read_failed")
	h.Error(w, http.StatusInternalServerError, "internal error")
}

// pathID parses the {id} route parameter.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "id must be an integer")
		return 0, false
	}
	return id, true
}

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		h.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "fail"})
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"store":   "pass",
		"latency": time.Since(start).String(),
	})
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	model.Counters
	Cursor       int64 `json:"cursor"`
	TotalBalance int64 `json:"total_balance"`
}

// Stats reports the aggregate counters, the ingestion cursor and the
// ledger total. It is the only place the counters are served.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counters, err := h.store.Counters(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	cursor, err := h.store.Cursor(ctx, ingest.CursorMentions)
	if err != nil {
		h.fail(w, err)
		return
	}
	total, err := h.store.TotalBalance(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, StatsResponse{Counters: counters, Cursor: cursor, TotalBalance: total})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	m, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, m)
}

// GetThread lists the messages attached to agreement {id}.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	msgs, err := h.store.ThreadMessages(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, nonNil(msgs))
}

// ListAgreements lists agreements, optionally filtered by ?state=open|settled.
func (h *Handler) ListAgreements(w http.ResponseWriter, r *http.Request) {
	state := model.AgreementState(r.URL.Query().Get("state"))
	switch state {
	case "", model.AgreementOpen, model.AgreementSettled:
	default:
		h.Error(w, http.StatusBadRequest, "state must be open or settled")
		return
	}
	list, err := h.store.ListAgreements(r.Context(), state)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) GetAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	a, err := h.store.GetAgreement(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, a)
}

// ListContracts lists contracts oldest first, filtered by ?type=, ?state= and ?issuer=.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ContractFilter{
		Type:  model.ActionType(q.Get("type")),
		State: model.ContractState(q.Get("state")),
	}
	if f.Type != "" && !f.Type.Valid() {
		h.Error(w, http.StatusBadRequest, "type must be like or retweet")
		return
	}
	if f.State != "" && f.State != model.ContractAlive && f.State != model.ContractDead {
		h.Error(w, http.StatusBadRequest, "state must be alive or dead")
		return
	}
	if issuer := q.Get("issuer"); issuer != "" {
		id, err := strconv.ParseInt(issuer, 10, 64)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "issuer must be an integer")
			return
		}
		f.IssuerID = id
	}
	list, err := h.store.ListContracts(r.Context(), f)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	c, err := h.store.GetContract(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, c)
}

func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetContract(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	list, err := h.store.Redemptions(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListAccounts(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	a, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, a)
}

// GetTransfers lists the journal entries touching account {id}.
func (h *Handler) GetTransfers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetAccount(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	list, err := h.store.Transfers(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, nonNil(list))
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
