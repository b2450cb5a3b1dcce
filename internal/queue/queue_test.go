package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagateway/internal/errdefs"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	q := New(rdb, "test-send", opts)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.now = clock.now
	return q, mr, clock
}

func reserve(t *testing.T, q *Queue) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	return job
}

func TestEnqueueReserveComplete(t *testing.T) {
	q, mr, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, JobData{LogID: 1, To: "5511999998888", JID: "5511999998888@s.whatsapp.net", Text: "hi"})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, JobData{LogID: 2, To: "5511999997777", Text: "second"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	job := reserve(t, q)
	assert.Equal(t, id1, job.ID, "FIFO order")
	assert.Equal(t, int64(1), job.Data.LogID)
	assert.Equal(t, "hi", job.Data.Text)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, 2*time.Second, job.Backoff)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1, Active: 1}, counts)

	require.NoError(t, q.Complete(ctx, job))
	assert.False(t, mr.Exists(q.jobKey(id1)), "completed job data is removed")

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1}, counts)
}

func TestFailReschedulesWithBackoff(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{Retry: RetryPolicy{Attempts: 3, Backoff: 2 * time.Second}})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, JobData{LogID: 7, Text: "x"})
	require.NoError(t, err)

	job := reserve(t, q)
	final, err := q.Fail(ctx, job, errors.New("socket closed"))
	require.NoError(t, err)
	assert.False(t, final)

	// not due yet
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, err = q.Reserve(short)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clock.t = clock.t.Add(2 * time.Second)
	job = reserve(t, q)
	assert.Equal(t, 1, job.AttemptsMade)

	final, err = q.Fail(ctx, job, errors.New("socket closed"))
	require.NoError(t, err)
	assert.False(t, final)

	// second retry waits 4s
	clock.t = clock.t.Add(3 * time.Second)
	short, cancel = context.WithTimeout(ctx, 30*time.Millisecond)
	_, err = q.Reserve(short)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clock.t = clock.t.Add(time.Second)
	job = reserve(t, q)
	assert.Equal(t, 2, job.AttemptsMade)

	final, err = q.Fail(ctx, job, errors.New("socket closed"))
	require.NoError(t, err)
	assert.True(t, final)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)
}

func TestDiscardSkipsRemainingAttempts(t *testing.T) {
	q, mr, _ := newTestQueue(t, Options{Retry: RetryPolicy{Attempts: 5, Backoff: time.Millisecond}})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobData{LogID: 3, Text: "x"})
	require.NoError(t, err)

	job := reserve(t, q)
	require.NoError(t, q.Discard(ctx, job, errors.New("session logged out")))
	assert.Equal(t, 1, job.AttemptsMade)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)
	assert.Equal(t, StateFailed, mr.HGet(q.jobKey(id), "state"))
	assert.Equal(t, "session logged out", mr.HGet(q.jobKey(id), "failedReason"))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Reserve(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a discarded job is never redelivered")
}

func TestFailedSetIsTrimmed(t *testing.T) {
	q, mr, clock := newTestQueue(t, Options{Retry: RetryPolicy{Attempts: 1}, KeepFailed: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, JobData{LogID: int64(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for range ids {
		job := reserve(t, q)
		clock.t = clock.t.Add(time.Millisecond)
		final, err := q.Fail(ctx, job, errors.New("nope"))
		require.NoError(t, err)
		require.True(t, final)
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Failed)
	assert.False(t, mr.Exists(q.jobKey(ids[0])), "oldest failed job is dropped")
	assert.True(t, mr.Exists(q.jobKey(ids[2])))
}

func TestRecoverRedeliversActiveJobs(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobData{LogID: 3})
	require.NoError(t, err)
	job := reserve(t, q)
	require.Equal(t, id, job.ID)

	// the consumer crashed here
	moved, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	again := reserve(t, q)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 0, again.AttemptsMade)
}

func TestReserveRespectsContext(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Reserve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnqueueUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	q := New(rdb, "down", Options{})

	_, err := q.Enqueue(context.Background(), JobData{LogID: 1})
	assert.ErrorIs(t, err, errdefs.ErrPersistence)
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, 2))
	assert.Equal(t, 16*time.Second, Backoff(base, 4))
	assert.Equal(t, 2*time.Second, Backoff(base, 0))
}
