/*
tasks.go - Task/mission claims

PURPOSE:
  Pays out a task reward once its progress counter reaches the target.
  A claim is unique per (user, task, day): the idempotency key carries all
  three, and a dedupe key of (task, day) rides the ledger's per-user
  dedupe invariant so no second claim can pay out, whatever idempotency
  key it arrives with.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/coin-ledger/ledger"
)

var (
	// ErrUnknownTask is returned for a task id not in the catalog.
	ErrUnknownTask = errors.New("unknown task")

	// ErrTaskIncomplete is returned when the progress counter has not
	// reached the task target yet.
	ErrTaskIncomplete = errors.New("task target not reached")
)

// Tasks claims task rewards against the ledger.
type Tasks struct {
	coord   *ledger.Coordinator
	limiter *ledger.RateLimiter
	catalog *Catalog
}

func NewTasks(coord *ledger.Coordinator, limiter *ledger.RateLimiter, catalog *Catalog) *Tasks {
	return &Tasks{coord: coord, limiter: limiter, catalog: catalog}
}

// TaskClaimResult reports one claim attempt.
type TaskClaimResult struct {
	Claimed        bool
	AlreadyClaimed bool
	Reward         int64
	Balance        int64
	Progress       int64
	Target         int64
}

// Claim pays the task reward for the calendar day containing now.
func (e *Tasks) Claim(ctx context.Context, userID ledger.UserID, taskID string, now time.Time) (TaskClaimResult, error) {
	if userID == "" {
		return TaskClaimResult{}, fmt.Errorf("%w: empty user id", ledger.ErrInvalidInput)
	}
	task, ok := e.catalog.Task(taskID)
	if !ok {
		return TaskClaimResult{}, fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}
	day := ledger.DayKeyAt(now)

	progress, err := e.limiter.Count(ctx, "progress", string(userID), task.ID, day)
	if err != nil {
		return TaskClaimResult{}, fmt.Errorf("read progress: %w", err)
	}
	if progress < task.Target {
		return TaskClaimResult{Progress: progress, Target: task.Target},
			fmt.Errorf("%w: %d/%d", ErrTaskIncomplete, progress, task.Target)
	}

	var res ledger.Result
	err = e.coord.Execute(ctx, func(s ledger.Store) error {
		var applyErr error
		res, applyErr = ledger.NewLedger(s).ApplyDelta(ctx, ledger.ApplyInput{
			UserID:         userID,
			Delta:          task.Reward,
			Reason:         ledger.ReasonEarnTask,
			IdempotencyKey: fmt.Sprintf("task:%s:%s:%s", task.ID, userID, day),
			DedupeKey:      fmt.Sprintf("task:%s:%s", task.ID, day),
			Meta:           ledger.Meta{"task_id": task.ID, "day": string(day)},
		})
		return applyErr
	})
	if err != nil {
		return TaskClaimResult{}, err
	}

	out := TaskClaimResult{
		Balance:  res.Balance,
		Progress: progress,
		Target:   task.Target,
	}
	switch res.Outcome {
	case ledger.OutcomeApplied:
		out.Claimed = true
		out.Reward = task.Reward
	case ledger.OutcomeDuplicate:
		out.AlreadyClaimed = true
	}
	return out, nil
}
