/*
progress.go - Event-based earn tracking

PURPOSE:
  Consumes fire-and-forget notifications from the chat/call layer
  ({userID, eventKey, eventID}) and advances task progress counters.

  Events NEVER touch the wallet. Payout happens only through an explicit
  task claim (tasks.go) once a counter reaches its target, so a client can
  always reconcile what it was paid for.

GATES (in order):
  1. Per-event dedup: a limit-1 counter keyed by the event id absorbs
     re-delivered events.
  2. Daily cap: at most DailyCap qualifying events per (user, eventKey)
     per calendar day.
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

// DefaultDailyEventCap caps qualifying events per (user, eventKey) per day.
const DefaultDailyEventCap = 50

// Event is one inbound earn notification.
type Event struct {
	UserID   ledger.UserID
	EventKey string // "message", "call", ...
	EventID  string // sender-assigned, stable across re-deliveries
}

func (ev Event) validate() error {
	if ev.UserID == "" || ev.EventKey == "" || ev.EventID == "" {
		return fmt.Errorf("%w: event requires user, key, and id", ledger.ErrInvalidInput)
	}
	return nil
}

// TrackStatus tags the outcome of one tracked event.
type TrackStatus string

const (
	TrackAccepted     TrackStatus = "accepted"
	TrackDuplicate    TrackStatus = "duplicate"     // re-delivered event, ignored
	TrackLimitReached TrackStatus = "limit_reached" // daily cap hit
)

// TrackResult reports what an event did.
type TrackResult struct {
	Status   TrackStatus
	DayCount int64            // accepted events today for this (user, eventKey)
	Progress map[string]int64 // taskID -> progress count after this event
}

// Progress tracks earn events against the daily counters.
type Progress struct {
	limiter *ledger.RateLimiter
	catalog *Catalog
	cap     int64
}

func NewProgress(limiter *ledger.RateLimiter, catalog *Catalog, dailyCap int64) *Progress {
	if dailyCap <= 0 {
		dailyCap = DefaultDailyEventCap
	}
	return &Progress{limiter: limiter, catalog: catalog, cap: dailyCap}
}

// Track processes one event for the calendar day containing now.
func (p *Progress) Track(ctx context.Context, ev Event, now time.Time) (TrackResult, error) {
	if err := ev.validate(); err != nil {
		return TrackResult{}, err
	}
	day := ledger.DayKeyAt(now)

	first, err := p.limiter.MarkOnce(ctx, "dedupe", string(ev.UserID), "earn:"+ev.EventKey, ev.EventID)
	if err != nil {
		return TrackResult{}, fmt.Errorf("event dedup: %w", err)
	}
	if !first {
		return TrackResult{Status: TrackDuplicate}, nil
	}

	count, err := p.limiter.IncrementDaily(ctx, "earn", string(ev.UserID), ev.EventKey, day, p.cap)
	if err != nil {
		if errors.Is(err, ledger.ErrDailyLimitReached) {
			return TrackResult{Status: TrackLimitReached, DayCount: count}, nil
		}
		return TrackResult{}, fmt.Errorf("daily cap: %w", err)
	}

	progress := make(map[string]int64)
	for _, task := range p.catalog.TasksForEvent(ev.EventKey) {
		n, err := p.limiter.Increment(ctx, "progress", string(ev.UserID), task.ID, day)
		if err != nil {
			// Progress counters are best-effort per task: log and keep
			// going so one failed counter doesn't drop the others.
			log.WithError(err).WithFields(log.Fields{
				"user_id": ev.UserID,
				"task_id": task.ID,
			}).Error("progress increment failed")
			continue
		}
		progress[task.ID] = n
	}

	return TrackResult{Status: TrackAccepted, DayCount: count, Progress: progress}, nil
}

// TaskProgress reads a task's counter for the given day without advancing it.
func (p *Progress) TaskProgress(ctx context.Context, userID ledger.UserID, taskID string, day ledger.DayKey) (int64, error) {
	return p.limiter.Count(ctx, "progress", string(userID), taskID, day)
}
