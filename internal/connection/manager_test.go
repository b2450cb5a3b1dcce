package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagateway/internal/errdefs"
	"wagateway/internal/session"
)

type fakeHandle struct {
	events chan session.Event
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	sends []string
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan session.Event, 16), closed: make(chan struct{})}
}

func (h *fakeHandle) Send(_ context.Context, jid string, p session.Payload) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends = append(h.sends, jid+":"+p.Text)
	return "remote-1", nil
}

func (h *fakeHandle) Events() <-chan session.Event { return h.events }

func (h *fakeHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out scripted handles. When script runs out it returns
// handles that close immediately with a connection-lost reason.
type fakeDialer struct {
	mu      sync.Mutex
	script  []func() (session.Handle, error)
	handles []*fakeHandle
	dials   int
}

func (d *fakeDialer) Dial(context.Context) (session.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.script) > 0 {
		next := d.script[0]
		d.script = d.script[1:]
		h, err := next()
		if fh, ok := h.(*fakeHandle); ok {
			d.handles = append(d.handles, fh)
		}
		return h, err
	}
	h := newFakeHandle()
	h.events <- session.Closed{Reason: session.ReasonConnectionLost}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingRelay struct {
	mu       sync.Mutex
	statuses []map[string]any
	inbound  []session.Inbound
	receipts []session.Receipt
}

func (r *recordingRelay) Notify(event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event == statusEvent {
		r.statuses = append(r.statuses, data.(map[string]any))
	}
}

func (r *recordingRelay) RecordInbound(ev session.Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = append(r.inbound, ev)
}

func (r *recordingRelay) RecordReceipt(ev session.Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, ev)
}

func (r *recordingRelay) statusNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.statuses {
		out = append(out, s["status"].(string))
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestManager(d session.Dialer, relay Relay) (*Manager, *sleepRecorder) {
	m := NewManager(d, relay, Options{})
	rec := &sleepRecorder{}
	m.sleep = rec.sleep
	return m, rec
}

func TestBackoff(t *testing.T) {
	base, ceiling := 2*time.Second, 60*time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, ceiling, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, ceiling, 2))
	assert.Equal(t, 32*time.Second, Backoff(base, ceiling, 5))
	assert.Equal(t, 60*time.Second, Backoff(base, ceiling, 6))
	assert.Equal(t, 60*time.Second, Backoff(base, ceiling, 40))
}

func TestReconnectExhaustedAfterElevenFailures(t *testing.T) {
	d := &fakeDialer{}
	relay := &recordingRelay{}
	m, rec := newTestManager(d, relay)

	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)

	assert.Equal(t, 11, d.dialCount())
	assert.Equal(t, StateReconnectExhausted, m.State())
	assert.False(t, m.Status().Ready)

	delays := rec.recorded()
	require.Len(t, delays, 10)
	assert.Equal(t, 2*time.Second, delays[0])
	assert.Equal(t, 4*time.Second, delays[1])
	assert.Equal(t, 8*time.Second, delays[2])
	assert.Equal(t, 60*time.Second, delays[9])

	names := relay.statusNames()
	assert.Equal(t, "reconnect_exhausted", names[len(names)-1])
	assert.Equal(t, false, relay.statuses[len(relay.statuses)-2]["willReconnect"])

	for _, h := range d.handles {
		assert.True(t, h.isClosed(), "every handle is torn down")
	}
}

func TestDialFailuresCountTowardsBudget(t *testing.T) {
	d := &fakeDialer{}
	for i := 0; i < 11; i++ {
		d.script = append(d.script, func() (session.Handle, error) { return nil, errors.New("no route") })
	}
	relay := &recordingRelay{}
	m, _ := newTestManager(d, relay)

	require.ErrorIs(t, m.Run(context.Background()), ErrReconnectExhausted)
	assert.Equal(t, 11, d.dialCount())
	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Equal(t, 503, relay.statuses[0]["statusCode"])
}

func TestLogoutIsTerminal(t *testing.T) {
	d := &fakeDialer{script: []func() (session.Handle, error){
		func() (session.Handle, error) {
			h := newFakeHandle()
			h.events <- session.Opened{}
			h.events <- session.Closed{Reason: session.ReasonLoggedOut}
			return h, nil
		},
	}}
	relay := &recordingRelay{}
	m, rec := newTestManager(d, relay)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.State() == StateLoggedOut }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "no reconnect after logout")
	assert.Empty(t, rec.recorded())
	assert.False(t, m.Status().Ready)

	_, err := m.Session()
	assert.ErrorIs(t, err, errdefs.ErrTerminalAuth)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"connected", "logged_out"}, relay.statusNames())
}

func TestQRClearedWhenOpened(t *testing.T) {
	h := newFakeHandle()
	d := &fakeDialer{script: []func() (session.Handle, error){
		func() (session.Handle, error) { return h, nil },
	}}
	relay := &recordingRelay{}
	m, _ := newTestManager(d, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	h.events <- session.QR{Code: "2@abc,def,ghi"}
	require.Eventually(t, func() bool { return m.Status().HasQR }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateAwaitingQR, m.State())
	assert.True(t, strings.HasPrefix(m.CurrentQR(), "data:image/png;base64,"))

	h.events <- session.Opened{}
	require.Eventually(t, func() bool { return m.Status().Ready }, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.CurrentQR())
	assert.False(t, m.Status().HasQR)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, h.isClosed())
}

func TestOpenResetsAttempts(t *testing.T) {
	lost := func() (session.Handle, error) {
		h := newFakeHandle()
		h.events <- session.Closed{Reason: session.ReasonConnectionLost}
		return h, nil
	}
	ready := newFakeHandle()
	d := &fakeDialer{script: []func() (session.Handle, error){
		lost, lost, lost,
		func() (session.Handle, error) { return ready, nil },
	}}
	relay := &recordingRelay{}
	m, rec := newTestManager(d, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Attempts() == 3 }, time.Second, 5*time.Millisecond)
	ready.events <- session.Opened{}
	require.Eventually(t, func() bool { return m.Status().Ready }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Attempts())

	// the next drop starts the backoff over
	ready.events <- session.Closed{Reason: session.ReasonReplaced}
	require.Eventually(t, func() bool { return len(rec.recorded()) >= 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2*time.Second, rec.recorded()[3])

	cancel()
	<-done
}

func TestInboundAndReceiptsForwardedInOrder(t *testing.T) {
	h := newFakeHandle()
	d := &fakeDialer{script: []func() (session.Handle, error){
		func() (session.Handle, error) { return h, nil },
	}}
	relay := &recordingRelay{}
	m, _ := newTestManager(d, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	h.events <- session.Opened{}
	h.events <- session.Inbound{ID: "1"}
	h.events <- session.Receipt{IDs: []string{"x"}, Code: 2}
	h.events <- session.Inbound{ID: "2"}

	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.inbound) == 2 && len(relay.receipts) == 1
	}, time.Second, 5*time.Millisecond)
	relay.mu.Lock()
	assert.Equal(t, "1", relay.inbound[0].ID)
	assert.Equal(t, "2", relay.inbound[1].ID)
	relay.mu.Unlock()

	cancel()
	<-done
}

func TestSendRequiresReadySession(t *testing.T) {
	h := newFakeHandle()
	d := &fakeDialer{script: []func() (session.Handle, error){
		func() (session.Handle, error) { return h, nil },
	}}
	m, _ := newTestManager(d, &recordingRelay{})

	_, err := m.Send(context.Background(), "5511999998888@s.whatsapp.net", session.TextPayload("hi"))
	assert.ErrorIs(t, err, errdefs.ErrSessionUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	h.events <- session.Opened{}
	require.Eventually(t, func() bool { return m.Status().Ready }, time.Second, 5*time.Millisecond)

	id, err := m.Send(context.Background(), "5511999998888@s.whatsapp.net", session.TextPayload("hi"))
	require.NoError(t, err)
	assert.Equal(t, "remote-1", id)
	assert.Equal(t, []string{"5511999998888@s.whatsapp.net:hi"}, h.sends)

	cancel()
	<-done
}
