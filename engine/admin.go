/*
admin.go - Manual grants and revokes

PURPOSE:
  The same ledger path with admin:* reason codes, plus an audit record
  keyed by the same idempotency key: a retried admin action can neither
  double-apply nor double-log. The caller's identity arrives
  pre-authorized from the routing layer; no authorization happens here.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warp/coin-ledger/ledger"
)

// Admin applies manual balance adjustments.
type Admin struct {
	coord *ledger.Coordinator
	state ledger.StateStore
}

func NewAdmin(coord *ledger.Coordinator, state ledger.StateStore) *Admin {
	return &Admin{coord: coord, state: state}
}

// AdminInput is one grant or revoke request.
type AdminInput struct {
	ActorID        string
	TargetID       ledger.UserID
	Amount         int64 // always positive; Revoke negates it
	Reason         string
	IdempotencyKey string
}

func (in AdminInput) validate() error {
	if in.ActorID == "" || in.TargetID == "" {
		return fmt.Errorf("%w: actor and target required", ledger.ErrInvalidInput)
	}
	if in.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	if in.IdempotencyKey == "" {
		return fmt.Errorf("%w: empty idempotency key", ledger.ErrInvalidInput)
	}
	return nil
}

// Grant credits the target's wallet.
func (a *Admin) Grant(ctx context.Context, in AdminInput) (ledger.Result, error) {
	return a.apply(ctx, in, "grant", in.Amount, ledger.ReasonAdminGrant)
}

// Revoke debits the target's wallet. An insufficient balance surfaces as an
// InsufficientFunds outcome, same as any other spend.
func (a *Admin) Revoke(ctx context.Context, in AdminInput) (ledger.Result, error) {
	return a.apply(ctx, in, "revoke", -in.Amount, ledger.ReasonAdminRevoke)
}

func (a *Admin) apply(ctx context.Context, in AdminInput, action string, delta int64, reason ledger.ReasonCode) (ledger.Result, error) {
	if err := in.validate(); err != nil {
		return ledger.Result{}, err
	}

	var res ledger.Result
	err := a.coord.Execute(ctx, func(s ledger.Store) error {
		var applyErr error
		res, applyErr = ledger.NewLedger(s).ApplyDelta(ctx, ledger.ApplyInput{
			UserID:         in.TargetID,
			Delta:          delta,
			Reason:         reason,
			IdempotencyKey: in.IdempotencyKey,
			Meta:           ledger.Meta{"actor": in.ActorID, "reason": in.Reason},
		})
		if applyErr != nil {
			return applyErr
		}
		if res.Outcome == ledger.OutcomeInsufficientFunds {
			return nil // rejected: nothing to audit beyond the attempt row
		}

		st, ok := s.(ledger.StateStore)
		if !ok {
			return fmt.Errorf("%w: audit log requires StateStore", ledger.ErrStoreRequired)
		}
		auditErr := st.InsertAuditRecord(ctx, ledger.AuditRecord{
			ActorID:        in.ActorID,
			TargetID:       in.TargetID,
			Action:         action,
			Amount:         in.Amount,
			Reason:         in.Reason,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      time.Now().UTC(),
		})
		if auditErr != nil && !errors.Is(auditErr, ledger.ErrDuplicateIdempotencyKey) {
			return auditErr
		}
		return nil
	})
	if err != nil {
		return ledger.Result{}, err
	}

	log.WithFields(log.Fields{
		"actor":   in.ActorID,
		"target":  in.TargetID,
		"action":  action,
		"amount":  in.Amount,
		"outcome": res.Outcome,
	}).Info("admin ledger operation")

	return res, nil
}

// Audits returns the audit trail for a target user, newest first.
func (a *Admin) Audits(ctx context.Context, target ledger.UserID, limit int) ([]ledger.AuditRecord, error) {
	return a.state.AuditRecords(ctx, target, limit)
}
