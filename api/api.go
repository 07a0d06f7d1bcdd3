// Package api exposes the settlement coordinator to the connector over HTTP.
//
// Routes:
//
//	POST   /accounts                   create an account (id generated when absent)
//	DELETE /accounts/{id}              delete an account and all of its state
//	POST   /accounts/{id}/settlements  queue an outgoing settlement (Idempotency-Key header)
//	POST   /accounts/{id}/messages     relay a message from the peer's engine
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/xraph/settlement"
	"github.com/xraph/settlement/account"
	"github.com/xraph/settlement/id"
	"github.com/xraph/settlement/quantity"
)

// IdempotencyKeyHeader carries the key a settlement request is deduplicated by.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Service is the part of the coordinator the API drives.
type Service interface {
	CreateAccount(ctx context.Context, accountID string) (bool, error)
	AccountExists(ctx context.Context, accountID string) (bool, error)
	DeleteAccount(ctx context.Context, accountID string) error
	HandleSettlementRequest(ctx context.Context, accountID, idempotencyKey string, amount decimal.Decimal) (decimal.Decimal, error)
	HandleMessage(ctx context.Context, accountID string, message json.RawMessage) (json.RawMessage, error)
}

var _ Service = (*settlement.Coordinator)(nil)

// Handler serves the settlement API.
type Handler struct {
	svc    Service
	logger *slog.Logger
	router chi.Router
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New builds the API handler over svc.
func New(svc Service, opts ...Option) *Handler {
	h := &Handler{
		svc:    svc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.router = h.buildRouter()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Post("/accounts", h.CreateAccount)
	r.Route("/accounts/{id}", func(acct chi.Router) {
		acct.Use(h.requireAccount)
		acct.Delete("/", h.DeleteAccount)
		acct.Post("/settlements", h.QueueSettlement)
		acct.Post("/messages", h.HandleMessage)
	})

	return r
}

// CreateAccount creates the account named in the body, or a generated one.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}
	if req.ID == "" {
		req.ID = id.NewAccountID().String()
	}
	if !account.IsSafeKey(req.ID) {
		http.Error(w, "account id includes unsafe characters", http.StatusBadRequest)
		return
	}

	if _, err := h.svc.CreateAccount(r.Context(), req.ID); err != nil {
		h.logger.Error("failed to set up account", "account", req.ID, "error", err)
		http.Error(w, "failed to set up account", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// DeleteAccount removes the account.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	if err := h.svc.DeleteAccount(r.Context(), accountID); err != nil {
		h.logger.Error("failed to delete account", "account", accountID, "error", err)
		http.Error(w, "failed to delete account", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueueSettlement queues the quantity in the body for settlement. The full
// requested quantity is echoed back on success.
func (h *Handler) QueueSettlement(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	log := h.logger.With("account", accountID)

	key := r.Header.Get(IdempotencyKeyHeader)
	if !account.IsSafeKey(key) {
		log.Debug("settlement rejected: idempotency key missing or unsafe")
		http.Error(w, "idempotency key missing or includes unsafe characters", http.StatusBadRequest)
		return
	}
	log = log.With("idempotency_key", key)

	var q quantity.Quantity
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&q); err != nil {
		log.Debug("settlement rejected: invalid quantity", "error", err)
		http.Error(w, "quantity to settle is invalid", http.StatusBadRequest)
		return
	}

	amount, err := q.Decimal()
	if err != nil {
		http.Error(w, "quantity to settle is invalid", http.StatusBadRequest)
		return
	}
	if amount.IsZero() {
		http.Error(w, "amount to settle is 0", http.StatusBadRequest)
		return
	}

	queued, err := h.svc.HandleSettlementRequest(r.Context(), accountID, key, amount)
	switch {
	case errors.Is(err, settlement.ErrAccountNotFound):
		http.Error(w, "account doesn't exist", http.StatusNotFound)
		return
	case settlement.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Error("failed to queue settlement", "amount", amount.String(), "error", err)
		http.Error(w, "failed to queue settlement", http.StatusInternalServerError)
		return
	}

	if !queued.Equal(amount) {
		log.Warn("settlement rejected: idempotency key reused with a different amount",
			"amount", amount.String(),
			"previous_amount", queued.String(),
		)
		http.Error(w, "idempotency key was reused with a different amount", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, q)
}

// HandleMessage relays a JSON message from the peer's engine to the local
// engine and returns its response.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "message must be JSON", http.StatusBadRequest)
		return
	}

	reply, err := h.svc.HandleMessage(r.Context(), accountID, body)
	if errors.Is(err, settlement.ErrMessagesUnsupported) {
		h.logger.Warn("received message the settlement engine cannot handle", "account", accountID)
		http.Error(w, "settlement engine does not support incoming messages", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("failed to handle message", "account", accountID, "error", err)
		http.Error(w, "failed to handle message", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(reply) //nolint:errcheck // client went away
}

// requireAccount rejects unsafe account IDs and accounts that don't exist.
func (h *Handler) requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")
		if !account.IsSafeKey(accountID) {
			http.Error(w, "account id is missing or includes unsafe characters", http.StatusBadRequest)
			return
		}

		ok, err := h.svc.AccountExists(r.Context(), accountID)
		if err != nil {
			h.logger.Error("failed to look up account", "account", accountID, "error", err)
			http.Error(w, "failed to look up account", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "account doesn't exist", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}
