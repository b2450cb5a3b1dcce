// Package queue is a durable job queue on Redis with per-job retry policy.
//
// Layout under the queue prefix:
//
//	wait     list of job ids ready to run (LPUSH in, RPOPLPUSH out)
//	active   list of job ids handed to a consumer
//	delayed  zset of job ids scored by the unix millis they become due
//	failed   zset of job ids that exhausted their attempts
//	job:<id> hash with data, attemptsMade, maxAttempts, backoffMs, state
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"wagateway/internal/errdefs"
)

// Job states stored in the job hash.
const (
	StateWaiting = "waiting"
	StateActive  = "active"
	StateDelayed = "delayed"
	StateFailed  = "failed"
)

// JobData is the payload of one outbound send.
type JobData struct {
	LogID int64  `json:"logId"`
	To    string `json:"to"`
	JID   string `json:"jid"`
	Text  string `json:"text"`
}

// Job is a reserved unit of work.
type Job struct {
	ID           string
	Data         JobData
	AttemptsMade int
	MaxAttempts  int
	Backoff      time.Duration
}

// RetryPolicy controls how many times a job runs and how long it waits
// between runs. The n-th retry waits Backoff * 2^(n-1).
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Options configures a Queue.
type Options struct {
	Retry        RetryPolicy
	KeepFailed   int
	PollInterval time.Duration
}

// Queue is safe for concurrent producers and a single consumer.
type Queue struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
	now    func() time.Time
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// New returns a queue named name. Zero options get the gateway defaults.
func New(rdb redis.UniversalClient, name string, opts Options) *Queue {
	if opts.Retry.Attempts <= 0 {
		opts.Retry.Attempts = 5
	}
	if opts.Retry.Backoff <= 0 {
		opts.Retry.Backoff = 2 * time.Second
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = 500
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Queue{
		rdb:    rdb,
		prefix: "queue:" + name + ":",
		opts:   opts,
		now:    time.Now,
	}
}

func (q *Queue) key(name string) string {
	return q.prefix + name
}

func (q *Queue) jobKey(id string) string {
	return q.prefix + "job:" + id
}

// Enqueue stores the job and makes it ready to run.
func (q *Queue) Enqueue(ctx context.Context, data JobData) (string, error) {
	return q.EnqueueWithPolicy(ctx, data, q.opts.Retry)
}

// EnqueueWithPolicy is Enqueue with an explicit retry policy.
func (q *Queue) EnqueueWithPolicy(ctx context.Context, data JobData, policy RetryPolicy) (string, error) {
	if policy.Attempts <= 0 {
		policy.Attempts = q.opts.Retry.Attempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = q.opts.Retry.Backoff
	}

	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}

	n, err := q.rdb.Incr(ctx, q.key("id")).Result()
	if err != nil {
		return "", errdefs.Persistence("allocate job id", err)
	}
	id := strconv.FormatInt(n, 10)

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobKey(id), map[string]any{
			"data":         body,
			"attemptsMade": 0,
			"maxAttempts":  policy.Attempts,
			"backoffMs":    policy.Backoff.Milliseconds(),
			"state":        StateWaiting,
			"createdAt":    q.now().UnixMilli(),
		})
		p.LPush(ctx, q.key("wait"), id)
		return nil
	})
	if err != nil {
		return "", errdefs.Persistence("enqueue job", err)
	}
	return id, nil
}

// Reserve blocks until a job is ready or ctx is done. Due delayed jobs are
// promoted before each poll.
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	for {
		if err := q.promote(ctx); err != nil {
			return nil, err
		}

		id, err := q.rdb.RPopLPush(ctx, q.key("wait"), q.key("active")).Result()
		switch {
		case errors.Is(err, redis.Nil):
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(q.opts.PollInterval):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errdefs.Persistence("reserve job", err)
		}

		job, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			log.Warn().Str("jobID", id).Msg("Dropping queue entry without job data")
			q.rdb.LRem(ctx, q.key("active"), 1, id)
			continue
		}
		q.rdb.HSet(ctx, q.jobKey(id), "state", StateActive)
		return job, nil
	}
}

func (q *Queue) promote(ctx context.Context) error {
	keys := []string{q.key("delayed"), q.key("wait")}
	err := promoteScript.Run(ctx, q.rdb, keys, q.now().UnixMilli(), q.prefix+"job:").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errdefs.Persistence("promote delayed jobs", err)
	}
	return nil
}

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errdefs.Persistence("load job", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &Job{ID: id}
	if err := json.Unmarshal([]byte(fields["data"]), &job.Data); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attemptsMade"])
	job.MaxAttempts, _ = strconv.Atoi(fields["maxAttempts"])
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.Retry.Attempts
	}
	backoffMs, _ := strconv.ParseInt(fields["backoffMs"], 10, 64)
	job.Backoff = time.Duration(backoffMs) * time.Millisecond
	if job.Backoff <= 0 {
		job.Backoff = q.opts.Retry.Backoff
	}
	return job, nil
}

// Complete acknowledges a job and removes it from the queue.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("active"), 1, job.ID)
		p.Del(ctx, q.jobKey(job.ID))
		return nil
	})
	if err != nil {
		return errdefs.Persistence("complete job", err)
	}
	return nil
}

// Fail records a failed attempt. It reschedules the job with exponential
// backoff, or moves it to the failed set once its attempts are spent and
// reports final=true.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (final bool, err error) {
	final = job.AttemptsMade+1 >= job.MaxAttempts
	return final, q.fail(ctx, job, cause, final)
}

// Discard records a failed attempt and moves the job straight to the
// failed set, whatever attempts it has left.
func (q *Queue) Discard(ctx context.Context, job *Job, cause error) error {
	return q.fail(ctx, job, cause, true)
}

func (q *Queue) fail(ctx context.Context, job *Job, cause error, final bool) error {
	attempts := job.AttemptsMade + 1
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	now := q.now()

	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("active"), 1, job.ID)
		if final {
			p.HSet(ctx, q.jobKey(job.ID), map[string]any{
				"attemptsMade": attempts,
				"state":        StateFailed,
				"failedReason": reason,
				"finishedOn":   now.UnixMilli(),
			})
			p.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
			return nil
		}
		due := now.Add(Backoff(job.Backoff, attempts))
		p.HSet(ctx, q.jobKey(job.ID), map[string]any{
			"attemptsMade": attempts,
			"state":        StateDelayed,
			"failedReason": reason,
		})
		p.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return errdefs.Persistence("fail job", err)
	}
	job.AttemptsMade = attempts

	if final {
		q.trimFailed(ctx)
	}
	return nil
}

// Backoff is the wait before the retry that follows the given attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

func (q *Queue) trimFailed(ctx context.Context) {
	n, err := q.rdb.ZCard(ctx, q.key("failed")).Result()
	if err != nil || n <= int64(q.opts.KeepFailed) {
		return
	}
	ids, err := q.rdb.ZRange(ctx, q.key("failed"), 0, n-int64(q.opts.KeepFailed)-1).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.Del(ctx, q.jobKey(id))
			p.ZRem(ctx, q.key("failed"), id)
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("Could not trim failed jobs")
	}
}

// Recover moves jobs left active by a previous process back to wait.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		id, err := q.rdb.RPopLPush(ctx, q.key("active"), q.key("wait")).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, errdefs.Persistence("recover active jobs", err)
		}
		q.rdb.HSet(ctx, q.jobKey(id), "state", StateWaiting)
		moved++
	}
}

// Counts reports the size of each job set.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var (
		wait, active, delayed, failed *redis.IntCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		wait = p.LLen(ctx, q.key("wait"))
		active = p.LLen(ctx, q.key("active"))
		delayed = p.ZCard(ctx, q.key("delayed"))
		failed = p.ZCard(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, errdefs.Persistence("count jobs", err)
	}
	return Counts{
		Waiting: wait.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}
