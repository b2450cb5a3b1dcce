// Package pipeline turns send requests into durable jobs and executes them
// one at a time against the live session.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"wagateway/internal/queue"
	"wagateway/internal/session"
	"wagateway/internal/store"
)

// LogStore is the subset of the message log the pipeline writes.
type LogStore interface {
	Insert(ctx context.Context, r store.NewRecord) (int64, error)
	SetJobID(ctx context.Context, id int64, jobID string) error
	MarkSent(ctx context.Context, id int64, attempt int, at time.Time) error
	MarkRetrying(ctx context.Context, id int64, attempt int, lastErr string) error
	MarkFailed(ctx context.Context, id int64, attempt int, lastErr string, at time.Time) error
	Orphans(ctx context.Context, before time.Time, limit int) ([]store.Record, error)
}

// JobQueue is the durable queue contract.
type JobQueue interface {
	Enqueue(ctx context.Context, data queue.JobData) (string, error)
	Reserve(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) (bool, error)
	Discard(ctx context.Context, job *queue.Job, cause error) error
}

// Sender sends over the current session.
type Sender interface {
	Send(ctx context.Context, jid string, p session.Payload) (string, error)
}

// Notifier receives terminal job outcomes.
type Notifier interface {
	Notify(event string, data any)
}

// SubmitRequest is one outbound text send.
type SubmitRequest struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	Source    string `json:"source,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type SubmitResult struct {
	LogID int64  `json:"logId"`
	JobID string `json:"jobId"`
}

type Pipeline struct {
	store LogStore
	queue JobQueue
	now   func() time.Time
}

func New(s LogStore, q JobQueue) *Pipeline {
	return &Pipeline{store: s, queue: q, now: time.Now}
}

// Submit validates the request, writes the log record and then enqueues the
// job, in that order. A job never exists without its record. If enqueueing
// fails the record stays queued without a job id.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	digits, err := session.NormalizeAddress(req.To)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := session.TextPayload(req.Text).Validate(); err != nil {
		return SubmitResult{}, err
	}
	jid := session.CanonicalAddress(digits)

	logID, err := p.store.Insert(ctx, store.NewRecord{
		Source:    strings.TrimSpace(req.Source),
		RequestID: strings.TrimSpace(req.RequestID),
		ToNumber:  digits,
		JID:       jid,
		Text:      req.Text,
		QueuedAt:  p.now(),
	})
	if err != nil {
		return SubmitResult{}, err
	}

	jobID, err := p.queue.Enqueue(ctx, queue.JobData{LogID: logID, To: digits, JID: jid, Text: req.Text})
	if err != nil {
		log.Error().Err(err).Int64("logID", logID).Msg("Enqueue failed, log record left queued without a job")
		return SubmitResult{}, err
	}

	if err := p.store.SetJobID(ctx, logID, jobID); err != nil {
		log.Error().Err(err).Int64("logID", logID).Str("jobID", jobID).Msg("Could not back-fill job id")
	}

	log.Info().Int64("logID", logID).Str("jobID", jobID).Str("to", digits).Str("source", req.Source).Msg("Message queued")
	return SubmitResult{LogID: logID, JobID: jobID}, nil
}
