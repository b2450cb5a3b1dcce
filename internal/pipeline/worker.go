package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"wagateway/internal/errdefs"
	"wagateway/internal/metrics"
	"wagateway/internal/queue"
	"wagateway/internal/relay"
	"wagateway/internal/session"
)

const (
	defaultSendTimeout = 60 * time.Second
	reserveRetryDelay  = time.Second
)

// WorkerOptions sets the global send rate: at most RateMax jobs per RateSpan.
type WorkerOptions struct {
	RateMax     int
	RateSpan    time.Duration
	SendTimeout time.Duration
}

// Worker is the single consumer of the send queue.
type Worker struct {
	queue    JobQueue
	store    LogStore
	sender   Sender
	notifier Notifier
	limiter  *rate.Limiter
	timeout  time.Duration
	now      func() time.Time
}

func NewWorker(q JobQueue, s LogStore, sender Sender, notifier Notifier, opts WorkerOptions) *Worker {
	if opts.RateMax <= 0 {
		opts.RateMax = 1
	}
	if opts.RateSpan <= 0 {
		opts.RateSpan = time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	every := opts.RateSpan / time.Duration(opts.RateMax)
	return &Worker{
		queue:    q,
		store:    s,
		sender:   sender,
		notifier: notifier,
		limiter:  rate.NewLimiter(rate.Every(every), opts.RateMax),
		timeout:  opts.SendTimeout,
		now:      time.Now,
	}
}

// Run executes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Float64("ratePerSecond", float64(w.limiter.Limit())).Int("burst", w.limiter.Burst()).Msg("Send worker started")
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		job, err := w.queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to reserve job")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reserveRetryDelay):
			}
			continue
		}
		w.execute(ctx, job)
	}
}

func (w *Worker) execute(ctx context.Context, job *queue.Job) {
	attempt := job.AttemptsMade + 1
	logID := job.Data.LogID

	sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
	start := time.Now()
	remoteID, err := w.sender.Send(sendCtx, job.Data.JID, session.TextPayload(job.Data.Text))
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		// shutting down; the job stays active and is recovered on restart
		log.Warn().Str("jobID", job.ID).Int64("logID", logID).Msg("Send interrupted by shutdown")
		return
	}

	// persistence uses its own context so a late shutdown does not lose the outcome
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer pcancel()

	if err == nil {
		w.succeeded(pctx, job, attempt, remoteID)
		return
	}
	w.failed(pctx, job, attempt, err)
}

func (w *Worker) succeeded(ctx context.Context, job *queue.Job, attempt int, remoteID string) {
	logID := job.Data.LogID
	if err := w.store.MarkSent(ctx, logID, attempt, w.now()); err != nil {
		log.Error().Err(err).Int64("logID", logID).Msg("Message sent but log record not updated")
	}
	if err := w.queue.Complete(ctx, job); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to acknowledge job")
	}
	metrics.JobsTotal.WithLabelValues("sent").Inc()
	log.Info().Int64("logID", logID).Str("jobID", job.ID).Str("remoteID", remoteID).Int("attempt", attempt).Msg("Message delivered to session")

	w.notifier.Notify(relay.EventMessageSent, map[string]any{
		"logId":    logID,
		"jobId":    job.ID,
		"to":       job.Data.To,
		"jid":      job.Data.JID,
		"text":     job.Data.Text,
		"remoteId": remoteID,
		"attempts": attempt,
	})
}

func (w *Worker) failed(ctx context.Context, job *queue.Job, attempt int, cause error) {
	logID := job.Data.LogID
	permanent := notRetryable(cause)
	final := permanent || attempt >= job.MaxAttempts
	msg := cause.Error()

	var err error
	if final {
		err = w.store.MarkFailed(ctx, logID, attempt, msg, w.now())
	} else {
		err = w.store.MarkRetrying(ctx, logID, attempt, msg)
	}
	if err != nil {
		log.Error().Err(err).Int64("logID", logID).Bool("final", final).Msg("Failed to record attempt")
	}

	if permanent {
		err = w.queue.Discard(ctx, job, cause)
	} else {
		_, err = w.queue.Fail(ctx, job, cause)
	}
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to reschedule job")
	}

	if !final {
		metrics.JobsTotal.WithLabelValues("retrying").Inc()
		log.Warn().Err(cause).Int64("logID", logID).Str("jobID", job.ID).Int("attempt", attempt).Int("maxAttempts", job.MaxAttempts).Msg("Send failed, will retry")
		return
	}

	metrics.JobsTotal.WithLabelValues("failed").Inc()
	log.Error().Err(cause).Int64("logID", logID).Str("jobID", job.ID).Int("attempts", attempt).Msg("Send failed permanently")
	w.notifier.Notify(relay.EventMessageFailed, map[string]any{
		"logId":    logID,
		"jobId":    job.ID,
		"to":       job.Data.To,
		"jid":      job.Data.JID,
		"text":     job.Data.Text,
		"attempts": attempt,
		"error":    msg,
		"kind":     kindOf(cause),
	})
}

// notRetryable reports errors that another attempt cannot fix: a malformed
// request or a session that needs to be paired again.
func notRetryable(err error) bool {
	return errors.Is(err, errdefs.ErrValidation) || errors.Is(err, errdefs.ErrTerminalAuth)
}

func kindOf(err error) string {
	if k := errdefs.Kind(err); k != nil {
		return k.Error()
	}
	return "unknown"
}
