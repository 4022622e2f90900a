/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: The domain model behind them
*/
package api

import (
	"time"

	"github.com/warp/coin-ledger/engine"
	"github.com/warp/coin-ledger/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// BalanceDTO represents a wallet balance.
type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	AsOf    string `json:"as_of"`
}

// TransactionDTO represents one ledger entry.
type TransactionDTO struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Delta          int64             `json:"delta"`
	Reason         string            `json:"reason"`
	IdempotencyKey string            `json:"idempotency_key"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// DailyLoginDTO is the response to a daily-login claim.
type DailyLoginDTO struct {
	Claimed bool  `json:"claimed"`
	Streak  int   `json:"streak"`
	Reward  int64 `json:"reward"`
	Balance int64 `json:"balance"`
}

// EventRequest is one inbound earn event.
type EventRequest struct {
	UserID   string `json:"user_id"`
	EventKey string `json:"event_key"`
	EventID  string `json:"event_id"`
}

// TaskDTO describes a claimable task.
type TaskDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	EventKey string `json:"event_key"`
	Target   int64  `json:"target"`
	Reward   int64  `json:"reward"`
	Progress int64  `json:"progress,omitempty"`
}

// TaskClaimDTO is the response to a task claim.
type TaskClaimDTO struct {
	Claimed        bool  `json:"claimed"`
	AlreadyClaimed bool  `json:"already_claimed"`
	Reward         int64 `json:"reward"`
	Balance        int64 `json:"balance"`
	Progress       int64 `json:"progress"`
	Target         int64 `json:"target"`
}

// ItemDTO describes a shop item.
type ItemDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Owned bool   `json:"owned,omitempty"`
}

// PurchaseRequest buys a shop item.
type PurchaseRequest struct {
	ItemID         string `json:"item_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PurchaseDTO is the response to a purchase.
type PurchaseDTO struct {
	Purchased    bool   `json:"purchased"`
	AlreadyOwned bool   `json:"already_owned"`
	Rejected     bool   `json:"rejected"`
	ItemID       string `json:"item_id"`
	Price        int64  `json:"price"`
	Balance      int64  `json:"balance"`
}

// AdminAdjustRequest grants or revokes currency.
type AdminAdjustRequest struct {
	ActorID        string `json:"actor_id"`
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AdminAdjustDTO is the response to a grant or revoke.
type AdminAdjustDTO struct {
	Outcome       string `json:"outcome"` // applied, duplicate, insufficient_funds
	Idempotent    bool   `json:"idempotent,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Balance       int64  `json:"balance"`
}

// AuditDTO represents one admin audit entry.
type AuditDTO struct {
	ActorID   string `json:"actor_id"`
	TargetID  string `json:"target_id"`
	Action    string `json:"action"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		UserID:         string(tx.UserID),
		Delta:          tx.Delta,
		Reason:         string(tx.Reason),
		IdempotencyKey: tx.IdempotencyKey,
		Meta:           tx.Meta,
		CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toTaskDTO(t engine.Task) TaskDTO {
	return TaskDTO{
		ID:       t.ID,
		Name:     t.Name,
		EventKey: t.EventKey,
		Target:   t.Target,
		Reward:   t.Reward,
	}
}

func toAuditDTOs(records []ledger.AuditRecord) []AuditDTO {
	dtos := make([]AuditDTO, len(records))
	for i, rec := range records {
		dtos[i] = AuditDTO{
			ActorID:   rec.ActorID,
			TargetID:  string(rec.TargetID),
			Action:    rec.Action,
			Amount:    rec.Amount,
			Reason:    rec.Reason,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}
