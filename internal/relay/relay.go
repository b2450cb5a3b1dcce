package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"wagateway/internal/metrics"
	"wagateway/internal/session"
)

// Event names sent to downstream consumers.
const (
	EventMessage       = "message"
	EventMessageSent   = "message.sent"
	EventMessageFailed = "message.failed"
	EventMessageUpdate = "message.update"
	EventStatus        = "status"
)

const (
	DefaultBufferSize  = 500
	DefaultRecentLimit = 50
	MaxRecentLimit     = 200
	DefaultTimeout     = 5 * time.Second

	dedupeWindow = 10 * time.Minute
)

var receiptStatus = map[int]string{
	2: "delivered",
	3: "read",
	4: "played",
}

// Envelope is the body delivered to every sink.
type Envelope struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Sink delivers an envelope somewhere outside the process.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// Archiver stores inbound media and returns where it can be fetched.
type Archiver interface {
	Archive(ctx context.Context, rec InboundRecord, data []byte, mimeType, fileName string) (MediaInfo, error)
}

// Options configures a Relay.
type Options struct {
	BufferSize int
	Timeout    time.Duration
	Sinks      []Sink
	Archiver   Archiver
}

type archiveTask struct {
	rec   InboundRecord
	media *session.Media
}

// Relay buffers inbound messages and fans notifications out to its sinks.
// Notify never blocks on, or reports, sink failures.
type Relay struct {
	ring     *ring
	seen     *cache.Cache
	sinks    []Sink
	archiver Archiver
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	pending  atomic.Int64

	archiveQueue chan archiveTask
	archiveDone  chan struct{}
	stopArchive  context.CancelFunc
	started      bool
	draining     bool
}

// New creates a relay. With an archiver configured, Start runs the
// archival worker; media recorded before Start waits in the queue.
func New(opts Options) *Relay {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	r := &Relay{
		ring:     newRing(opts.BufferSize),
		seen:     cache.New(dedupeWindow, 2*dedupeWindow),
		sinks:    opts.Sinks,
		archiver: opts.Archiver,
		timeout:  opts.Timeout,
		now:      time.Now,
	}
	if r.archiver != nil {
		r.archiveQueue = make(chan archiveTask, 256)
		r.archiveDone = make(chan struct{})
	}
	return r
}

// Start launches the ordered archival worker. Cancelling ctx does not stop
// it; the worker drains its queue and exits on Close.
func (r *Relay) Start(ctx context.Context) {
	if r.archiver == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startLocked(ctx)
}

func (r *Relay) startLocked(ctx context.Context) {
	if r.started {
		return
	}
	r.started = true
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.stopArchive = cancel

	go func() {
		defer close(r.archiveDone)
		defer cancel()
		for task := range r.archiveQueue {
			r.archive(actx, task)
		}
	}()
}

// RecordInbound buffers a received message and notifies the sinks.
// Our own messages and redeliveries of an id already seen are ignored.
func (r *Relay) RecordInbound(ev session.Inbound) {
	if ev.FromMe {
		return
	}
	if ev.ID != "" {
		if err := r.seen.Add(ev.ID, struct{}{}, cache.DefaultExpiration); err != nil {
			log.Debug().Str("messageID", ev.ID).Msg("Ignoring duplicate inbound message")
			return
		}
	}

	sender := ev.PushName
	if sender == "" {
		sender = ev.Chat
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	kind := ev.Kind
	if kind == "" {
		kind = "unknown"
	}

	rec := r.ring.push(InboundRecord{
		ID:        ev.ID,
		From:      ev.Chat,
		Sender:    sender,
		Timestamp: ts.UTC(),
		Type:      kind,
		Text:      ev.Text,
	})
	metrics.InboundTotal.Inc()

	text := "[" + kind + "]"
	if rec.Text != nil {
		text = *rec.Text
	}
	log.Info().Str("sender", sender).Str("from", rec.From).Str("messageID", rec.ID).Msg("Inbound message: " + text)

	if ev.Media != nil && r.archiver != nil && r.enqueueArchive(archiveTask{rec: rec, media: ev.Media}) {
		return
	}
	r.Notify(EventMessage, rec)
}

// enqueueArchive hands a task to the archival worker. It refuses once Close
// has started or when the queue is full.
func (r *Relay) enqueueArchive(task archiveTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	select {
	case r.archiveQueue <- task:
		return true
	default:
		log.Warn().Str("messageID", task.rec.ID).Msg("Archive queue full, notifying without media")
		return false
	}
}

func (r *Relay) archive(ctx context.Context, task archiveTask) {
	rec := task.rec
	actx, cancel := context.WithTimeout(ctx, 4*r.timeout)
	defer cancel()

	data, err := task.media.Fetch(actx)
	if err == nil {
		var info MediaInfo
		info, err = r.archiver.Archive(actx, rec, data, task.media.MimeType, task.media.FileName)
		if err == nil {
			rec.Media = &info
			r.ring.update(rec.Seq, func(stored *InboundRecord) { stored.Media = &info })
		}
	}
	if err != nil {
		log.Error().Err(err).Str("messageID", rec.ID).Msg("Failed to archive inbound media")
	}
	r.Notify(EventMessage, rec)
}

// RecordReceipt relays delivery status updates. Unknown codes are dropped.
func (r *Relay) RecordReceipt(ev session.Receipt) {
	status, ok := receiptStatus[ev.Code]
	if !ok {
		return
	}
	for _, id := range ev.IDs {
		r.Notify(EventMessageUpdate, map[string]any{
			"id":        id,
			"remoteJid": ev.Chat,
			"fromMe":    ev.FromMe,
			"status":    status,
		})
	}
}

// Recent returns up to limit buffered messages, newest first.
func (r *Relay) Recent(limit int) []InboundRecord {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	return r.ring.recent(limit)
}

// Buffered is the number of messages currently held.
func (r *Relay) Buffered() int {
	return r.ring.len()
}

// Notify hands the event to every sink in a detached goroutine bounded by
// the relay timeout. It returns immediately.
func (r *Relay) Notify(event string, data any) {
	if len(r.sinks) == 0 {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Debug().Str("event", event).Msg("Relay closed, dropping notification")
		return
	}
	r.inflight.Add(1)
	r.pending.Add(1)
	r.mu.Unlock()

	env := Envelope{
		Event:     event,
		Timestamp: r.now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
	go func() {
		defer r.inflight.Done()
		defer r.pending.Add(-1)
		r.dispatch(env)
	}()
}

// Pending is the number of notifications still being delivered.
func (r *Relay) Pending() int {
	return int(r.pending.Load())
}

type deliveryResult struct {
	sink     string
	err      error
	duration time.Duration
}

func (r *Relay) dispatch(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	results := make(chan deliveryResult, len(r.sinks))
	var wg sync.WaitGroup
	for _, s := range r.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			start := time.Now()
			err := safeDeliver(ctx, s, env)
			results <- deliveryResult{sink: s.Name(), err: err, duration: time.Since(start)}
		}(s)
	}
	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil {
			metrics.WebhookTotal.WithLabelValues(env.Event, "error").Inc()
			log.Warn().Err(res.err).Str("event", env.Event).Str("sink", res.sink).Msg("Notification delivery failed")
			continue
		}
		metrics.WebhookTotal.WithLabelValues(env.Event, "ok").Inc()
		log.Debug().Str("event", env.Event).Str("sink", res.sink).Int64("durationMs", res.duration.Milliseconds()).Msg("Notification delivered")
	}
}

func safeDeliver(ctx context.Context, s Sink, env Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panic: %v", rec)
		}
	}()
	return s.Deliver(ctx, env)
}

// Close stops archival intake, lets queued media finish and notify, then
// stops accepting notifications and waits for in-flight ones. All of it is
// bounded by ctx.
func (r *Relay) Close(ctx context.Context) error {
	if r.archiver != nil {
		r.mu.Lock()
		if !r.draining {
			r.draining = true
			r.startLocked(context.Background())
			close(r.archiveQueue)
		}
		r.mu.Unlock()

		select {
		case <-r.archiveDone:
		case <-ctx.Done():
			r.stopArchive()
			r.markClosed()
			return ctx.Err()
		}
	}
	r.markClosed()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
