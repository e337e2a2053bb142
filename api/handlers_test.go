package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/card-ledger/api"
	"github.com/warp/card-ledger/cards"
	"github.com/warp/card-ledger/ledger"
	"github.com/warp/card-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	eng := ledger.NewEngine(mem, ledger.NewMemoryGuard())
	q := ledger.NewQuery(mem)
	cardSvc := cards.NewService(mem, mem)
	return api.NewRouter(api.NewHandler(eng, q, mem, cardSvc))
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

func createAccount(t *testing.T, router http.Handler, id, balance string) {
	t.Helper()
	rr := doJSON(t, router, http.MethodPost, "/api/accounts",
		api.CreateAccountRequest{ID: id, Balance: balance}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAPI_AccountLifecycle(t *testing.T) {
	router := newTestRouter(t)
	createAccount(t, router, "acc-1", "250.00")

	rr := doJSON(t, router, http.MethodGet, "/api/accounts/acc-1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	acc := decode[api.AccountDTO](t, rr)
	assert.Equal(t, "acc-1", acc.ID)
	assert.Equal(t, "250.00", acc.Balance)
	assert.Equal(t, "ACTIVE", acc.Status)

	rr = doJSON(t, router, http.MethodGet, "/api/accounts/acc-ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_CreateAccount_Validation(t *testing.T) {
	router := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/accounts",
		api.CreateAccountRequest{Balance: "10.00"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "missing id")

	rr = doJSON(t, router, http.MethodPost, "/api/accounts",
		api.CreateAccountRequest{ID: "acc-1", Balance: "-5.00"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "negative balance")
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestAPI_Transfer_Success(t *testing.T) {
	router := newTestRouter(t)
	createAccount(t, router, "acc-a", "100.00")
	createAccount(t, router, "acc-b", "0.00")

	rr := doJSON(t, router, http.MethodPost, "/api/transfers", api.CreateTransferRequest{
		FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: "30.00",
		Description: "lunch",
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

	dto := decode[api.TransferDTO](t, rr)
	assert.NotEmpty(t, dto.ID)
	assert.Equal(t, "COMPLETED", dto.Status)
	assert.Equal(t, "30.00", dto.Amount)
	assert.Equal(t, "lunch", dto.Description)

	// Balances moved
	acc := decode[api.AccountDTO](t, doJSON(t, router, http.MethodGet, "/api/accounts/acc-a", nil, nil))
	assert.Equal(t, "70.00", acc.Balance)

	// Record is retrievable
	rr = doJSON(t, router, http.MethodGet, "/api/transfers/"+dto.ID, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestAPI_Transfer_ErrorMapping(t *testing.T) {
	router := newTestRouter(t)
	createAccount(t, router, "acc-a", "10.00")
	createAccount(t, router, "acc-b", "10.00")

	cases := []struct {
		name string
		req  api.CreateTransferRequest
		code int
	}{
		{"malformed amount", api.CreateTransferRequest{FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: "ten"}, http.StatusBadRequest},
		{"zero amount", api.CreateTransferRequest{FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: "0"}, http.StatusBadRequest},
		{"same account", api.CreateTransferRequest{FromAccountID: "acc-a", ToAccountID: "acc-a", Amount: "1.00"}, http.StatusBadRequest},
		{"unknown account", api.CreateTransferRequest{FromAccountID: "acc-a", ToAccountID: "acc-ghost", Amount: "1.00"}, http.StatusNotFound},
		{"insufficient funds", api.CreateTransferRequest{FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: "99.00"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, router, http.MethodPost, "/api/transfers", tc.req, nil)
			assert.Equal(t, tc.code, rr.Code, "body: %s", rr.Body.String())
			resp := decode[api.ErrorResponse](t, rr)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestAPI_Transfer_IdempotencyHeader(t *testing.T) {
	// GIVEN: A transfer submitted with an Idempotency-Key header
	// WHEN: The identical request is replayed
	// THEN: The same record comes back and money moves once

	router := newTestRouter(t)
	createAccount(t, router, "acc-a", "100.00")
	createAccount(t, router, "acc-b", "0.00")

	req := api.CreateTransferRequest{FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: "40.00"}
	hdr := map[string]string{api.IdempotencyHeader: "req-777"}

	first := decode[api.TransferDTO](t, doJSON(t, router, http.MethodPost, "/api/transfers", req, hdr))
	second := decode[api.TransferDTO](t, doJSON(t, router, http.MethodPost, "/api/transfers", req, hdr))
	assert.Equal(t, first.ID, second.ID)

	acc := decode[api.AccountDTO](t, doJSON(t, router, http.MethodGet, "/api/accounts/acc-a", nil, nil))
	assert.Equal(t, "60.00", acc.Balance)
}

func TestAPI_ListTransfers_ByAccountWithCursor(t *testing.T) {
	router := newTestRouter(t)
	createAccount(t, router, "acc-a", "100.00")
	createAccount(t, router, "acc-b", "0.00")

	for i := 0; i < 5; i++ {
		rr := doJSON(t, router, http.MethodPost, "/api/transfers", api.CreateTransferRequest{
			FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: "1.00",
		}, nil)
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := doJSON(t, router, http.MethodGet, "/api/transfers?account=acc-a&limit=3", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page1 := decode[api.TransferPageDTO](t, rr)
	require.Len(t, page1.Transfers, 3)
	require.NotZero(t, page1.NextCursor)

	rr = doJSON(t, router, http.MethodGet,
		fmt.Sprintf("/api/transfers?account=acc-a&limit=3&cursor=%d", page1.NextCursor), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page2 := decode[api.TransferPageDTO](t, rr)
	require.Len(t, page2.Transfers, 2)

	// No overlap between pages
	seen := map[string]bool{}
	for _, tr := range append(page1.Transfers, page2.Transfers...) {
		assert.False(t, seen[tr.ID])
		seen[tr.ID] = true
	}
}

func TestAPI_ListTransfers_FilterValidation(t *testing.T) {
	router := newTestRouter(t)

	rr := doJSON(t, router, http.MethodGet, "/api/transfers", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "a filter is required")

	rr = doJSON(t, router, http.MethodGet, "/api/transfers?status=BOGUS", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/transfers?status=COMPLETED", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/transfers?from=2026-01-01&to=2026-12-31", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/transfers?from=notadate", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// =============================================================================
// CARDS
// =============================================================================

func TestAPI_CardLifecycle(t *testing.T) {
	router := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/cards", api.IssueCardRequest{
		HolderName: "Ada Lovelace", Expiry: "2030-06-30",
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())
	card := decode[api.CardDTO](t, rr)
	assert.NotEmpty(t, card.AccountID)
	assert.Contains(t, card.MaskedNumber, "****")
	assert.Equal(t, "ACTIVE", card.Status)

	// The backing account exists with zero balance
	acc := decode[api.AccountDTO](t, doJSON(t, router, http.MethodGet, "/api/accounts/"+card.AccountID, nil, nil))
	assert.Equal(t, "0.00", acc.Balance)
	assert.Equal(t, "2030-06-30", acc.Expiry)

	// Block
	rr = doJSON(t, router, http.MethodPost, "/api/cards/"+card.AccountID+"/block", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "BLOCKED", decode[api.CardDTO](t, rr).Status)

	// Activate
	rr = doJSON(t, router, http.MethodPost, "/api/cards/"+card.AccountID+"/activate", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ACTIVE", decode[api.CardDTO](t, rr).Status)

	// List filtered by holder
	rr = doJSON(t, router, http.MethodGet, "/api/cards?holder=Ada+Lovelace", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[[]api.CardDTO](t, rr)
	require.Len(t, list, 1)
	assert.Equal(t, card.AccountID, list[0].AccountID)
}

func TestAPI_Card_Errors(t *testing.T) {
	router := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/cards", api.IssueCardRequest{
		HolderName: "Ada Lovelace", Expiry: "30/06/2030",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "bad expiry format")

	rr = doJSON(t, router, http.MethodPost, "/api/cards/acc-ghost/block", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// =============================================================================
// TRANSFERS BLOCKED BY CARD STATE
// =============================================================================

func TestAPI_Transfer_BlockedCardRefused(t *testing.T) {
	router := newTestRouter(t)
	createAccount(t, router, "acc-src", "100.00")

	card := decode[api.CardDTO](t, doJSON(t, router, http.MethodPost, "/api/cards",
		api.IssueCardRequest{HolderName: "Ada Lovelace", Expiry: "2030-06-30"}, nil))
	rr := doJSON(t, router, http.MethodPost, "/api/cards/"+card.AccountID+"/block", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/transfers", api.CreateTransferRequest{
		FromAccountID: "acc-src", ToAccountID: card.AccountID, Amount: "5.00",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

// =============================================================================
// OPERATIONAL ENDPOINTS
// =============================================================================

func TestAPI_HealthAndMetrics(t *testing.T) {
	router := newTestRouter(t)

	rr := doJSON(t, router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "cardledger_")
}
