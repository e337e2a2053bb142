/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY IN JSON:
  Amounts and balances travel as strings ("30.00"), never JSON numbers -
  a float on the wire is a float in somebody's client.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/card-ledger/cards"
	"github.com/warp/card-ledger/ledger"
)

// =============================================================================
// TRANSFERS
// =============================================================================

// CreateTransferRequest is the body of POST /api/transfers. The idempotency
// key may come from the body or the Idempotency-Key header; the header wins.
type CreateTransferRequest struct {
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	Amount         string `json:"amount"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// TransferDTO represents a transfer record in API responses.
type TransferDTO struct {
	ID            string `json:"id"`
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// TransferPageDTO is one page of transfers, newest first. NextCursor is
// zero on the last page.
type TransferPageDTO struct {
	Transfers  []TransferDTO `json:"transfers"`
	NextCursor uint64        `json:"next_cursor,omitempty"`
}

func toTransferDTO(rec *ledger.TransferRecord) TransferDTO {
	return TransferDTO{
		ID:            string(rec.ID),
		FromAccountID: string(rec.FromAccountID),
		ToAccountID:   string(rec.ToAccountID),
		Amount:        rec.Amount.StringFixed(ledger.MoneyScale),
		Status:        string(rec.Status),
		Description:   rec.Description,
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toTransferPageDTO(recs []ledger.TransferRecord) TransferPageDTO {
	dtos := make([]TransferDTO, len(recs))
	for i := range recs {
		dtos[i] = toTransferDTO(&recs[i])
	}
	return TransferPageDTO{Transfers: dtos, NextCursor: ledger.NextCursor(recs)}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccountRequest seeds an account directly, bypassing card issuance.
// Meant for dev/batch collaborators.
type CreateAccountRequest struct {
	ID      string `json:"id"`
	Balance string `json:"balance"`
}

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID      string `json:"id"`
	Balance string `json:"balance"`
	Status  string `json:"status"`
	Expiry  string `json:"expiry,omitempty"`
}

func toAccountDTO(acc *ledger.Account) AccountDTO {
	dto := AccountDTO{
		ID:      string(acc.ID),
		Balance: acc.Balance.StringFixed(ledger.MoneyScale),
		Status:  string(acc.Status),
	}
	if acc.Expiry != nil {
		dto.Expiry = acc.Expiry.UTC().Format("2006-01-02")
	}
	return dto
}

// =============================================================================
// CARDS
// =============================================================================

// IssueCardRequest is the body of POST /api/cards.
type IssueCardRequest struct {
	HolderName string `json:"holder_name"`
	Expiry     string `json:"expiry"` // YYYY-MM-DD
}

// CardDTO represents a card in API responses. Only the masked number is
// ever exposed.
type CardDTO struct {
	AccountID    string `json:"account_id"`
	MaskedNumber string `json:"masked_number"`
	HolderName   string `json:"holder_name"`
	Expiry       string `json:"expiry"`
	Status       string `json:"status"`
}

func toCardDTO(v *cards.CardView) CardDTO {
	return CardDTO{
		AccountID:    string(v.AccountID),
		MaskedNumber: v.MaskedNumber,
		HolderName:   v.HolderName,
		Expiry:       v.ExpiryDate.UTC().Format("2006-01-02"),
		Status:       string(v.Status),
	}
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// FailedTransferID is set when a commit fault left a FAILED ledger
	// record the caller should reconcile against.
	FailedTransferID string `json:"failed_transfer_id,omitempty"`
}
