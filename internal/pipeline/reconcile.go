package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"wagateway/internal/queue"
)

const sweepBatch = 100

// Reconciler re-enqueues log records that were written but never got a job,
// which happens when the process dies between the insert and the enqueue.
type Reconciler struct {
	store    LogStore
	queue    JobQueue
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
}

func NewReconciler(s LogStore, q JobQueue, interval, grace time.Duration) *Reconciler {
	if grace <= 0 {
		grace = time.Minute
	}
	return &Reconciler{store: s, queue: q, interval: interval, grace: grace, now: time.Now}
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	log.Info().Dur("interval", r.interval).Dur("grace", r.grace).Msg("Orphan reconciler started")

	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Orphan sweep failed")
			}
		}
	}
}

// Sweep enqueues orphans older than the grace period and returns how many
// were recovered.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	orphans, err := r.store.Orphans(ctx, r.now().Add(-r.grace), sweepBatch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, rec := range orphans {
		jobID, err := r.queue.Enqueue(ctx, queue.JobData{
			LogID: rec.ID,
			To:    rec.ToNumber,
			JID:   rec.JID,
			Text:  rec.Text,
		})
		if err != nil {
			return recovered, err
		}
		if err := r.store.SetJobID(ctx, rec.ID, jobID); err != nil {
			return recovered, err
		}
		log.Info().Int64("logID", rec.ID).Str("jobID", jobID).Msg("Re-enqueued orphan log record")
		recovered++
	}
	return recovered, nil
}
