/*
handlers.go - HTTP API handlers for the card ledger

PURPOSE:
  Exposes the transfer engine and query service via REST. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Transfers:
    POST   /api/transfers               Execute a transfer
    GET    /api/transfers/{id}          Get one transfer record
    GET    /api/transfers               List (filter: account|status|date range)

  Accounts:
    POST   /api/accounts                Seed an account (dev/batch)
    GET    /api/accounts/{id}           Get balance and status

  Cards:
    POST   /api/cards                   Issue a card (creates its account)
    GET    /api/cards                   List cards (?holder=)
    POST   /api/cards/{id}/block        Block a card
    POST   /api/cards/{id}/activate     Reactivate a blocked card

ERROR HANDLING:
  The ledger error taxonomy maps onto HTTP statuses:
  - 400: Malformed input (bad amount, same account, bad filters)
  - 404: Unknown account or transfer
  - 409: Retryable - lock timeout or version conflict; clients may repeat
         the call verbatim
  - 422: Business rejection (not active, expired, insufficient funds)
  - 500: Storage fault; the response carries failed_transfer_id for
         reconciliation

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/warp/card-ledger/cards"
	"github.com/warp/card-ledger/ledger"
)

// IdempotencyHeader is the standard HTTP header for idempotency keys.
const IdempotencyHeader = "Idempotency-Key"

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *ledger.Engine
	Query    *ledger.Query
	Accounts ledger.AccountStore
	Cards    *cards.Service
}

// NewHandler wires the handler with its collaborators.
func NewHandler(engine *ledger.Engine, query *ledger.Query, accounts ledger.AccountStore, cardSvc *cards.Service) *Handler {
	return &Handler{Engine: engine, Query: query, Accounts: accounts, Cards: cardSvc}
}

// =============================================================================
// TRANSFER ENDPOINTS
// =============================================================================

// CreateTransfer executes a transfer.
// POST /api/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(transferDuration)
	defer timer.ObserveDuration()

	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		transfersTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	key := req.IdempotencyKey
	if hdr := r.Header.Get(IdempotencyHeader); hdr != "" {
		key = hdr
	}

	rec, err := h.Engine.Transfer(r.Context(), ledger.TransferRequest{
		FromAccountID:  ledger.AccountID(req.FromAccountID),
		ToAccountID:    ledger.AccountID(req.ToAccountID),
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: key,
	})
	if err != nil {
		writeTransferError(w, err)
		return
	}

	transfersTotal.WithLabelValues("completed").Inc()
	writeJSON(w, http.StatusCreated, toTransferDTO(rec))
}

// GetTransfer returns a single transfer record.
// GET /api/transfers/{id}
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransferID(chi.URLParam(r, "id"))

	rec, err := h.Query.Transfer(r.Context(), id)
	if errors.Is(err, ledger.ErrTransferNotFound) {
		writeError(w, http.StatusNotFound, "Transfer not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transfer", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransferDTO(rec))
}

// ListTransfers lists transfer records, newest first, filtered by exactly
// one of account, status, or date range.
// GET /api/transfers?account=|status=|from=&to=  [&cursor=&limit=]
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := ledger.Page{}
	if c := q.Get("cursor"); c != "" {
		cur, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid cursor", err)
			return
		}
		page.Cursor = cur
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		page.Limit = limit
	}

	var (
		recs []ledger.TransferRecord
		err  error
	)
	switch {
	case q.Get("account") != "":
		recs, err = h.Query.ByAccount(r.Context(), ledger.AccountID(q.Get("account")), page)

	case q.Get("status") != "":
		status := ledger.TransferStatus(q.Get("status"))
		if status != ledger.TransferPending && !status.Terminal() {
			writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
			return
		}
		recs, err = h.Query.ByStatus(r.Context(), status, page)

	case q.Get("from") != "" || q.Get("to") != "":
		from, to, perr := parseDateRange(q.Get("from"), q.Get("to"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid date range", perr)
			return
		}
		recs, err = h.Query.ByDateRange(r.Context(), from, to, page)

	default:
		writeError(w, http.StatusBadRequest, "Missing filter: account, status, or from/to", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transfers", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransferPageDTO(recs))
}

// parseDateRange accepts RFC3339 timestamps or plain dates; an empty bound
// falls open.
func parseDateRange(fromStr, toStr string) (time.Time, time.Time, error) {
	parse := func(s string, fallback time.Time) (time.Time, error) {
		if s == "" {
			return fallback, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		return time.Parse("2006-01-02", s)
	}

	from, err := parse(fromStr, time.Time{})
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parse(toStr, time.Now().UTC())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if toStr != "" && len(toStr) == len("2006-01-02") {
		// A bare end date means "through that whole day".
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to, nil
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// CreateAccount seeds an account directly. Card issuance is the normal
// path; this one exists for dev and batch collaborators.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "Account id is required", nil)
		return
	}

	balance := decimal.Zero
	if req.Balance != "" {
		var err error
		balance, err = decimal.NewFromString(req.Balance)
		if err != nil || balance.IsNegative() || balance.Exponent() < -ledger.MoneyScale {
			writeError(w, http.StatusBadRequest, "Invalid balance", err)
			return
		}
	}

	acc := &ledger.Account{
		ID:      ledger.AccountID(req.ID),
		Balance: balance,
		Status:  ledger.AccountActive,
	}
	if err := h.Accounts.CreateAccount(r.Context(), acc); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountDTO(acc))
}

// GetAccount returns an account's balance and status.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	acc, err := h.Accounts.GetAccount(r.Context(), id)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// =============================================================================
// CARD ENDPOINTS
// =============================================================================

// IssueCard issues a card and creates its backing account.
// POST /api/cards
func (h *Handler) IssueCard(w http.ResponseWriter, r *http.Request) {
	var req IssueCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	expiry, err := time.Parse("2006-01-02", req.Expiry)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expiry format (use YYYY-MM-DD)", err)
		return
	}

	card, err := h.Cards.Issue(r.Context(), req.HolderName, expiry)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to issue card", err)
		return
	}

	writeJSON(w, http.StatusCreated, toCardDTO(&cards.CardView{Card: *card, Status: ledger.AccountActive}))
}

// ListCards lists cards with live status, optionally filtered by holder.
// GET /api/cards?holder=
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	views, err := h.Cards.List(r.Context(), r.URL.Query().Get("holder"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list cards", err)
		return
	}

	dtos := make([]CardDTO, len(views))
	for i := range views {
		dtos[i] = toCardDTO(&views[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// BlockCard blocks a card's account.
// POST /api/cards/{id}/block
func (h *Handler) BlockCard(w http.ResponseWriter, r *http.Request) {
	h.setCardStatus(w, r, h.Cards.Block)
}

// ActivateCard reactivates a blocked card.
// POST /api/cards/{id}/activate
func (h *Handler) ActivateCard(w http.ResponseWriter, r *http.Request) {
	h.setCardStatus(w, r, h.Cards.Activate)
}

func (h *Handler) setCardStatus(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id ledger.AccountID) error) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	err := op(r.Context(), id)
	switch {
	case errors.Is(err, cards.ErrCardNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "Card not found", nil)
	case errors.Is(err, cards.ErrCardExpired):
		writeError(w, http.StatusUnprocessableEntity, "Card expired", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to update card", err)
	default:
		view, err := h.Cards.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load card", err)
			return
		}
		writeJSON(w, http.StatusOK, toCardDTO(view))
	}
}

// =============================================================================
// ERROR MAPPING / RESPONSE HELPERS
// =============================================================================

// writeTransferError translates the ledger taxonomy for POST /api/transfers
// and bumps the outcome counter.
func writeTransferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrSameAccount):
		transfersTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "Invalid transfer request", err)

	case ledger.IsNotFound(err):
		transfersTotal.WithLabelValues("not_found").Inc()
		writeError(w, http.StatusNotFound, "Account not found", err)

	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrAccountNotActive),
		errors.Is(err, ledger.ErrAccountExpired):
		transfersTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnprocessableEntity, "Transfer rejected", err)

	case errors.Is(err, ledger.ErrTransferTimeout):
		transfersTotal.WithLabelValues("timeout").Inc()
		writeError(w, http.StatusConflict, "Transfer timed out, safe to retry", err)

	case errors.Is(err, ledger.ErrStorageConflict):
		transfersTotal.WithLabelValues("conflict").Inc()
		writeError(w, http.StatusConflict, "Concurrent update detected, safe to retry", err)

	case errors.Is(err, ledger.ErrStorageFault):
		transfersTotal.WithLabelValues("fault").Inc()
		resp := ErrorResponse{Error: "Transfer failed during commit", Details: err.Error()}
		var fault *ledger.StorageFaultError
		if errors.As(err, &fault) {
			resp.FailedTransferID = string(fault.RecordID)
		}
		writeJSON(w, http.StatusInternalServerError, resp)

	default:
		transfersTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "Transfer failed", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
