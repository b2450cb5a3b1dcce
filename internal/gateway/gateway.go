// Package gateway is the read and submit surface used by the HTTP layer.
// It holds no state of its own beyond the process start time.
package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"wagateway/internal/connection"
	"wagateway/internal/pipeline"
	"wagateway/internal/queue"
	"wagateway/internal/relay"
	"wagateway/internal/session"
	"wagateway/internal/store"
)

type Connection interface {
	Status() connection.Status
	CurrentQR() string
	Send(ctx context.Context, jid string, p session.Payload) (string, error)
}

type Inbox interface {
	Recent(limit int) []relay.InboundRecord
	Buffered() int
	Pending() int
}

type LogReader interface {
	Query(ctx context.Context, status store.Status, limit int) ([]store.Record, error)
}

type Submitter interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.SubmitResult, error)
}

type QueueStats interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Deps wires a Gateway. Queue may be nil.
type Deps struct {
	Connection Connection
	Inbox      Inbox
	Log        LogReader
	Submitter  Submitter
	Queue      QueueStats
}

type Gateway struct {
	deps    Deps
	started time.Time
	now     func() time.Time
}

func New(deps Deps) *Gateway {
	return &Gateway{deps: deps, started: time.Now(), now: time.Now}
}

func (g *Gateway) Status() connection.Status {
	return g.deps.Connection.Status()
}

// CurrentQR returns the pending QR data URL and whether one is pending.
func (g *Gateway) CurrentQR() (string, bool) {
	qr := g.deps.Connection.CurrentQR()
	return qr, qr != ""
}

func (g *Gateway) RecentInbound(limit int) []relay.InboundRecord {
	return g.deps.Inbox.Recent(limit)
}

// QueryLog lists log records, newest first. status may be empty.
func (g *Gateway) QueryLog(ctx context.Context, status string, limit int) ([]store.Record, error) {
	st, err := store.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return g.deps.Log.Query(ctx, st, limit)
}

func (g *Gateway) Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.SubmitResult, error) {
	return g.deps.Submitter.Submit(ctx, req)
}

// DirectResult is returned by SendDirect.
type DirectResult struct {
	To        string `json:"to"`
	JID       string `json:"jid"`
	MessageID string `json:"messageId"`
}

// SendDirect sends a payload synchronously, bypassing the queue.
func (g *Gateway) SendDirect(ctx context.Context, to string, p session.Payload) (DirectResult, error) {
	digits, err := session.NormalizeAddress(to)
	if err != nil {
		return DirectResult{}, err
	}
	if err := p.Validate(); err != nil {
		return DirectResult{}, err
	}
	jid := session.CanonicalAddress(digits)

	id, err := g.deps.Connection.Send(ctx, jid, p)
	if err != nil {
		log.Warn().Err(err).Str("to", digits).Str("kind", p.Kind).Msg("Direct send failed")
		return DirectResult{}, err
	}
	log.Info().Str("to", digits).Str("kind", p.Kind).Str("messageID", id).Msg("Direct send delivered to session")
	return DirectResult{To: digits, JID: jid, MessageID: id}, nil
}

// Health reports whether the session is usable.
type Health struct {
	Healthy              bool          `json:"healthy"`
	Session              string        `json:"session"`
	ReconnectAttempts    int           `json:"reconnectAttempts"`
	Queue                *queue.Counts `json:"queue,omitempty"`
	BufferedInbound      int           `json:"bufferedInbound"`
	PendingNotifications int           `json:"pendingNotifications"`
}

func (g *Gateway) Health(ctx context.Context) Health {
	st := g.deps.Connection.Status()
	h := Health{
		Healthy:              st.Ready,
		Session:              st.State,
		ReconnectAttempts:    st.ReconnectAttempts,
		BufferedInbound:      g.deps.Inbox.Buffered(),
		PendingNotifications: g.deps.Inbox.Pending(),
	}
	if g.deps.Queue != nil {
		counts, err := g.deps.Queue.Counts(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Could not read queue counts")
		} else {
			h.Queue = &counts
		}
	}
	return h
}

// Liveness only says the process is up.
type Liveness struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func (g *Gateway) Liveness() Liveness {
	return Liveness{Status: "ok", UptimeSeconds: int64(g.now().Sub(g.started).Seconds())}
}
