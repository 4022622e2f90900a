/*
handlers.go - HTTP API handlers for the currency service

PURPOSE:
  Exposes the wallet, reward, and shop engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Wallet:
    GET  /api/users/{id}/balance        Current balance
    GET  /api/users/{id}/transactions   Transaction history (newest first)

  Rewards:
    POST /api/users/{id}/daily-login    Claim the daily-login reward
    POST /api/events                    Ingest an earn event (202, async)
    GET  /api/users/{id}/tasks          Tasks with today's progress
    POST /api/users/{id}/tasks/{task}/claim  Claim a completed task

  Shop:
    GET  /api/shop/items                Catalog
    POST /api/users/{id}/purchases      Buy an item

  Admin:
    POST /api/admin/grants              Credit a wallet
    POST /api/admin/revokes             Debit a wallet
    GET  /api/admin/users/{id}/audits   Grant/revoke trail

ERROR HANDLING:
  Domain rejections (insufficient funds, already owned, duplicate) are
  200-level responses with a tagged body, not errors - the request was
  handled, the answer is "no". HTTP errors are reserved for bad input
  (400), unknown resources (404), rate limits (429), and store trouble
  (503 transient, 500 otherwise).

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public;
  the admin routes in particular need a gateway in front.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - engine: The domain logic behind every route
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
	log "github.com/sirupsen/logrus"

	"github.com/warp/coin-ledger/engine"
	"github.com/warp/coin-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *ledger.Ledger
	DailyLogin *engine.DailyLogin
	Progress   *engine.Progress
	Tasks      *engine.Tasks
	Shop       *engine.Shop
	Admin      *engine.Admin
	Catalog    *engine.Catalog
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetBalance returns the user's current balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:  string(userID),
		Balance: balance,
		AsOf:    time.Now().UTC().Format(time.RFC3339),
	})
}

// GetTransactions returns the user's history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	txs, err := h.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// ClaimDailyLogin claims today's login reward.
func (h *Handler) ClaimDailyLogin(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	res, err := h.DailyLogin.Claim(r.Context(), userID, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DailyLoginDTO{
		Claimed: res.Claimed,
		Streak:  res.Streak,
		Reward:  res.Reward,
		Balance: res.Balance,
	})
}

// IngestEvent accepts an earn event and processes it asynchronously. The
// producer gets a 202 immediately; a dropped event costs at most one
// progress tick, never currency.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ev := engine.Event{
		UserID:   ledger.UserID(req.UserID),
		EventKey: req.EventKey,
		EventID:  req.EventID,
	}
	if req.UserID == "" || req.EventKey == "" || req.EventID == "" {
		writeError(w, http.StatusBadRequest, "user_id, event_key, and event_id are required", nil)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := h.Progress.Track(ctx, ev, time.Now()); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"user_id":   ev.UserID,
				"event_key": ev.EventKey,
				"event_id":  ev.EventID,
			}).Error("event tracking failed")
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// ListTasks returns the task catalog with the user's progress for today.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	day := ledger.Today()

	dtos := make([]TaskDTO, 0)
	for _, task := range h.Catalog.Tasks() {
		dto := toTaskDTO(task)
		progress, err := h.Progress.TaskProgress(r.Context(), userID, task.ID, day)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		dto.Progress = progress
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ClaimTask pays out a completed task.
func (h *Handler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	taskID := chi.URLParam(r, "task")

	res, err := h.Tasks.Claim(r.Context(), userID, taskID, time.Now())
	if err != nil {
		if errors.Is(err, engine.ErrTaskIncomplete) {
			writeJSON(w, http.StatusConflict, ErrorResponse{
				Error: "Task target not reached",
				Code:  "task_incomplete",
				Details: map[string]int64{
					"progress": res.Progress,
					"target":   res.Target,
				},
			})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskClaimDTO{
		Claimed:        res.Claimed,
		AlreadyClaimed: res.AlreadyClaimed,
		Reward:         res.Reward,
		Balance:        res.Balance,
		Progress:       res.Progress,
		Target:         res.Target,
	})
}

// =============================================================================
// SHOP HANDLERS
// =============================================================================

// ListItems returns the purchasable catalog.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ItemDTO, 0)
	for _, item := range h.Catalog.Items() {
		if !item.Enabled {
			continue
		}
		dtos = append(dtos, ItemDTO{ID: item.ID, Name: item.Name, Price: item.Price})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Purchase buys an item for the user.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Shop.Purchase(r.Context(), userID, req.ItemID, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseDTO{
		Purchased:    res.Purchased,
		AlreadyOwned: res.AlreadyOwned,
		Rejected:     res.Rejected,
		ItemID:       req.ItemID,
		Price:        res.Price,
		Balance:      res.Balance,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Grant credits a user's wallet. The amount may be given explicitly or
// resolved from a configured preset named by reason (e.g. "event_prize").
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, true, h.Admin.Grant)
}

// Revoke debits a user's wallet.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, false, h.Admin.Revoke)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, grant bool, fn func(context.Context, engine.AdminInput) (ledger.Result, error)) {
	var req AdminAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if grant && req.Amount == 0 {
		if preset, ok := h.Catalog.GrantAmount(req.Reason); ok {
			req.Amount = preset
		}
	}

	res, err := fn(r.Context(), engine.AdminInput{
		ActorID:        req.ActorID,
		TargetID:       ledger.UserID(req.UserID),
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AdminAdjustDTO{
		Outcome:       string(res.Outcome),
		Idempotent:    res.Idempotent,
		TransactionID: string(res.TransactionID),
		Balance:       res.Balance,
	})
}

// GetAudits returns the grant/revoke trail for a user.
func (h *Handler) GetAudits(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := h.Admin.Audits(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(records))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// writeDomainError maps ledger/engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case errors.Is(err, ledger.ErrWalletNotFound):
		writeError(w, http.StatusNotFound, "Wallet not found", err)
	case errors.Is(err, engine.ErrUnknownTask), errors.Is(err, engine.ErrItemUnavailable):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrDailyLimitReached):
		writeError(w, http.StatusTooManyRequests, "Daily limit reached", err)
	case errors.Is(err, ledger.ErrTransientConflict):
		writeError(w, http.StatusServiceUnavailable, "Temporary store conflict, retry", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
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
