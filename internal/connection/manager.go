// Package connection owns the lifetime of the single chat session: it dials,
// follows the session's events, reconnects with capped exponential backoff
// and stops for good on logout or once its reconnect budget is spent.
//
// Only the Manager replaces the session handle. Readers take snapshots
// through Status, CurrentQR and Session; sends go through Send, which
// allows one in-flight send at a time.
package connection

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"

	"wagateway/internal/errdefs"
	"wagateway/internal/metrics"
	"wagateway/internal/session"
)

// ErrReconnectExhausted is returned by Run when the reconnect budget is
// spent. The process is expected to exit non-zero and be restarted.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

const (
	DefaultBase        = 2 * time.Second
	DefaultCap         = 60 * time.Second
	DefaultMaxAttempts = 10

	statusEvent = "status"
)

// State of the connection.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingQR
	StateConnecting
	StateReady
	StateLoggedOut
	StateReconnectExhausted
)

func (s State) String() string {
	switch s {
	case StateAwaitingQR:
		return "awaiting_qr"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateLoggedOut:
		return "logged_out"
	case StateReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "disconnected"
	}
}

// Relay receives what the session produces.
type Relay interface {
	Notify(event string, data any)
	RecordInbound(ev session.Inbound)
	RecordReceipt(ev session.Receipt)
}

// Options configures reconnect behavior.
type Options struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	QRTerminal  bool
}

// Status is the non-blocking readiness snapshot.
type Status struct {
	Ready             bool   `json:"ready"`
	HasQR             bool   `json:"hasQr"`
	State             string `json:"state"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

type Manager struct {
	dialer session.Dialer
	relay  Relay
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	state    State
	attempts int
	qr       string
	handle   session.Handle

	sendMu sync.Mutex
}

func NewManager(dialer session.Dialer, relay Relay, opts Options) *Manager {
	if opts.Base <= 0 {
		opts.Base = DefaultBase
	}
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		dialer: dialer,
		relay:  relay,
		opts:   opts,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff is min(base * 2^(attempt-1), cap).
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// Run dials and keeps the session alive until ctx is done. After a logout
// it stays idle until ctx is done. It returns ErrReconnectExhausted once
// more than MaxAttempts consecutive connections fail.
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.setState(StateConnecting)

		var closed session.Closed
		h, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to dial session")
			closed = session.Closed{Reason: session.ReasonDialFailed, Detail: err.Error()}
		} else {
			m.install(h)
			closed, err = m.consume(ctx, h)
			m.teardown(h)
			if err != nil {
				m.setState(StateDisconnected)
				return err
			}
		}

		if closed.Reason.IsLogout() {
			m.loggedOut(closed)
			<-ctx.Done()
			return ctx.Err()
		}

		attempt := m.nextAttempt()
		willReconnect := attempt <= m.opts.MaxAttempts
		m.setState(StateDisconnected)
		log.Warn().
			Str("reason", closed.Reason.String()).
			Str("detail", closed.Detail).
			Int("attempt", attempt).
			Bool("willReconnect", willReconnect).
			Msg("Session closed")
		m.relay.Notify(statusEvent, map[string]any{
			"status":        "disconnected",
			"statusCode":    closed.Reason.Code(),
			"reason":        closed.Reason.String(),
			"willReconnect": willReconnect,
		})

		if !willReconnect {
			m.setState(StateReconnectExhausted)
			log.Error().Int("attempts", attempt-1).Msg("Reconnect attempts exhausted, giving up")
			m.relay.Notify(statusEvent, map[string]any{
				"status":   "reconnect_exhausted",
				"attempts": attempt - 1,
			})
			return ErrReconnectExhausted
		}

		delay := Backoff(m.opts.Base, m.opts.Cap, attempt)
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling reconnect")
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// consume drains h in arrival order until it closes.
func (m *Manager) consume(ctx context.Context, h session.Handle) (session.Closed, error) {
	events := h.Events()
	for {
		select {
		case <-ctx.Done():
			return session.Closed{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return session.Closed{Reason: session.ReasonConnectionLost, Detail: "event stream ended"}, nil
			}
			switch e := ev.(type) {
			case session.QR:
				m.onQR(e.Code)
			case session.Opened:
				m.onOpened()
			case session.Closed:
				return e, nil
			case session.Inbound:
				m.relay.RecordInbound(e)
			case session.Receipt:
				m.relay.RecordReceipt(e)
			default:
				log.Debug().Str("event", session.Name(ev)).Msg("Ignoring session event")
			}
		}
	}
}

func (m *Manager) install(h session.Handle) {
	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
}

// teardown drops the handle reference before closing it so no reader can
// pick up a dying handle.
func (m *Manager) teardown(h session.Handle) {
	m.mu.Lock()
	if m.handle == h {
		m.handle = nil
	}
	m.qr = ""
	m.mu.Unlock()

	if err := h.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing session handle")
	}
}

func (m *Manager) onQR(code string) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	var payload string
	if err != nil {
		log.Error().Err(err).Msg("Failed to render QR code")
		payload = code
	} else {
		payload = dataurl.New(png, "image/png").String()
	}

	m.mu.Lock()
	m.qr = payload
	m.state = StateAwaitingQR
	m.mu.Unlock()
	metrics.SessionState.Set(float64(StateAwaitingQR))

	if m.opts.QRTerminal {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}
	log.Info().Msg("QR code received, scan it to pair")
	m.relay.Notify(statusEvent, map[string]any{"status": "qr", "hasQr": true})
}

func (m *Manager) onOpened() {
	m.mu.Lock()
	m.state = StateReady
	m.qr = ""
	m.attempts = 0
	m.mu.Unlock()
	metrics.SessionState.Set(float64(StateReady))
	metrics.ReconnectAttempts.Set(0)

	log.Info().Msg("Session connected")
	m.relay.Notify(statusEvent, map[string]any{"status": "connected"})
}

func (m *Manager) loggedOut(closed session.Closed) {
	m.setState(StateLoggedOut)
	log.Error().Str("detail", closed.Detail).Msg("Session logged out. Clear the stored credentials and restart to pair again")
	m.relay.Notify(statusEvent, map[string]any{
		"status":     "logged_out",
		"statusCode": closed.Reason.Code(),
	})
}

func (m *Manager) nextAttempt() int {
	m.mu.Lock()
	m.attempts++
	n := m.attempts
	m.mu.Unlock()
	metrics.ReconnectAttempts.Set(float64(n))
	return n
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	if s != StateAwaitingQR {
		m.qr = ""
	}
	m.mu.Unlock()
	metrics.SessionState.Set(float64(s))
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Ready:             m.state == StateReady,
		HasQR:             m.qr != "",
		State:             m.state.String(),
		ReconnectAttempts: m.attempts,
	}
}

// CurrentQR returns the pending QR as a PNG data URL, or "" when none.
func (m *Manager) CurrentQR() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.qr
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// Session returns the live handle when the session is ready.
func (m *Manager) Session() (session.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.state == StateLoggedOut:
		return nil, errdefs.ErrTerminalAuth
	case m.state != StateReady || m.handle == nil:
		return nil, errdefs.SessionUnavailable(m.state.String())
	}
	return m.handle, nil
}

// Send serializes sends over the current session.
func (m *Manager) Send(ctx context.Context, jid string, p session.Payload) (string, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	h, err := m.Session()
	if err != nil {
		return "", err
	}
	return h.Send(ctx, jid, p)
}
