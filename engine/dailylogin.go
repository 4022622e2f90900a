/*
dailylogin.go - Daily-login streak claims

PURPOSE:
  Implements the claim state machine:

    NeverClaimed           -> Claimed(today, streak=1)
    Claimed(today)         -> Claimed(today)            same-day no-op
    Claimed(yesterday)     -> Claimed(today, streak+1)  capped
    Claimed(older)         -> Claimed(today, streak=1)

  Concurrent same-day claims are serialized by a CAS on the stored
  LastClaimDay; the payout itself is additionally protected by a day-keyed
  idempotency/dedupe key, so a retried claim cannot double-pay even if the
  state write and the payout race. A same-day retry still attempts the
  idempotent payout: normally a no-op, it repairs a claim that advanced
  the state but died before paying.
*/
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/warp/coin-ledger/ledger"
)

// DefaultStreakCap bounds the streak counter (and therefore the reward).
const DefaultStreakCap = 30

// streakRewards maps streak day -> reward; streaks beyond the table earn the
// last entry.
var streakRewards = []int64{10, 10, 15, 15, 20, 20, 30}

// RewardForStreak returns the payout for the given streak day (1-based).
func RewardForStreak(streak int) int64 {
	if streak <= 0 {
		return 0
	}
	if streak > len(streakRewards) {
		return streakRewards[len(streakRewards)-1]
	}
	return streakRewards[streak-1]
}

// DailyLogin claims the once-per-day login reward.
type DailyLogin struct {
	coord     *ledger.Coordinator
	state     ledger.StateStore
	streakCap int
}

func NewDailyLogin(coord *ledger.Coordinator, state ledger.StateStore, streakCap int) *DailyLogin {
	if streakCap <= 0 {
		streakCap = DefaultStreakCap
	}
	return &DailyLogin{coord: coord, state: state, streakCap: streakCap}
}

// ClaimResult reports one claim attempt. Claimed=false means the day was
// already claimed (same-day retry or a lost race); Streak and Balance still
// reflect the current state.
type ClaimResult struct {
	Claimed bool
	Streak  int
	Reward  int64
	Balance int64
}

// Claim processes a daily-login claim for the calendar day containing now.
func (e *DailyLogin) Claim(ctx context.Context, userID ledger.UserID, now time.Time) (ClaimResult, error) {
	if userID == "" {
		return ClaimResult{}, fmt.Errorf("%w: empty user id", ledger.ErrInvalidInput)
	}
	day := ledger.DayKeyAt(now)

	st, err := e.state.GetLoginState(ctx, userID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("read login state: %w", err)
	}
	if st.LastClaimDay == day {
		return e.alreadyClaimed(ctx, userID, day, st.Streak)
	}

	streak := 1
	if st.LastClaimDay == day.Prev() {
		streak = st.Streak + 1
		if streak > e.streakCap {
			streak = e.streakCap
		}
	}

	advanced, err := e.state.SetLoginState(ctx, userID, ledger.LoginState{LastClaimDay: day, Streak: streak}, st.LastClaimDay)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("advance login state: %w", err)
	}
	if !advanced {
		// A concurrent claim won the CAS; report the state it produced.
		current, err := e.state.GetLoginState(ctx, userID)
		if err != nil {
			return ClaimResult{}, err
		}
		return e.alreadyClaimed(ctx, userID, day, current.Streak)
	}

	res, err := e.payout(ctx, userID, day, streak)
	if err != nil {
		return ClaimResult{}, err
	}

	claimed := res.Outcome == ledger.OutcomeApplied
	out := ClaimResult{
		Claimed: claimed,
		Streak:  streak,
		Balance: res.Balance,
	}
	if claimed {
		out.Reward = RewardForStreak(streak)
	}
	return out, nil
}

// payout credits the streak reward for the day, at most once: the day-keyed
// idempotency and dedupe keys absorb replays.
func (e *DailyLogin) payout(ctx context.Context, userID ledger.UserID, day ledger.DayKey, streak int) (ledger.Result, error) {
	var res ledger.Result
	err := e.coord.Execute(ctx, func(s ledger.Store) error {
		var applyErr error
		res, applyErr = ledger.NewLedger(s).ApplyDelta(ctx, ledger.ApplyInput{
			UserID:         userID,
			Delta:          RewardForStreak(streak),
			Reason:         ledger.ReasonEarnDailyLogin,
			IdempotencyKey: fmt.Sprintf("daily_login:%s:%s", userID, day),
			DedupeKey:      fmt.Sprintf("daily_login:%s", day),
			Meta:           ledger.Meta{"streak": strconv.Itoa(streak)},
		})
		return applyErr
	})
	return res, err
}

// Streak returns the current streak without claiming.
func (e *DailyLogin) Streak(ctx context.Context, userID ledger.UserID) (ledger.LoginState, error) {
	return e.state.GetLoginState(ctx, userID)
}

// alreadyClaimed handles a claim for a day the state already records. The
// idempotent payout is still attempted: normally it resolves as a duplicate,
// but it repairs a claim that advanced the state and then died before the
// reward was credited.
func (e *DailyLogin) alreadyClaimed(ctx context.Context, userID ledger.UserID, day ledger.DayKey, streak int) (ClaimResult, error) {
	res, err := e.payout(ctx, userID, day, streak)
	if err != nil {
		return ClaimResult{}, err
	}
	claimed := res.Outcome == ledger.OutcomeApplied
	out := ClaimResult{Claimed: claimed, Streak: streak, Balance: res.Balance}
	if claimed {
		out.Reward = RewardForStreak(streak)
	}
	return out, nil
}
