/*
Package jobs runs the scheduled maintenance work.

PURPOSE:
  The janitor sweeps expired counter buckets from the primary store on a
  cron schedule. Buckets carry their own expiry, so a missed sweep never
  affects correctness - reads treat expired buckets as absent - it only
  delays space reclamation. On Redis-backed counters the sweep is a no-op.
*/
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/warp/coin-ledger/ledger"
)

// Janitor owns the cron scheduler.
type Janitor struct {
	counters ledger.CounterStore
	cron     *cron.Cron
}

func NewJanitor(counters ledger.CounterStore) *Janitor {
	return &Janitor{
		counters: counters,
		cron:     cron.New(),
	}
}

// Start registers the sweep on the given cron spec and starts the scheduler.
func (j *Janitor) Start(spec string) error {
	_, err := j.cron.AddFunc(spec, j.sweep)
	if err != nil {
		return err
	}
	j.cron.Start()
	log.WithField("spec", spec).Info("janitor scheduled")
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	purged, err := j.counters.PurgeExpiredCounters(ctx, time.Now().UTC())
	if err != nil {
		log.WithError(err).Error("counter sweep failed")
		return
	}
	if purged > 0 {
		log.WithField("purged", purged).Info("swept expired counters")
	}
}
