package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagateway/internal/connection"
	"wagateway/internal/errdefs"
	"wagateway/internal/gateway"
	"wagateway/internal/pipeline"
	"wagateway/internal/queue"
	"wagateway/internal/relay"
	"wagateway/internal/session"
	"wagateway/internal/store"
)

const testKey = "secret-key"

type fakeGateway struct {
	status    connection.Status
	qr        string
	inbound   []relay.InboundRecord
	logStatus string
	logLimit  int
	logErr    error
	submitted []pipeline.SubmitRequest
	submitErr error
	direct    []session.Payload
	directErr error
	healthy   bool
}

func (f *fakeGateway) Status() connection.Status { return f.status }

func (f *fakeGateway) CurrentQR() (string, bool) { return f.qr, f.qr != "" }

func (f *fakeGateway) RecentInbound(limit int) []relay.InboundRecord {
	return f.inbound[:min(limit, len(f.inbound))]
}

func (f *fakeGateway) QueryLog(_ context.Context, status string, limit int) ([]store.Record, error) {
	f.logStatus, f.logLimit = status, limit
	if f.logErr != nil {
		return nil, f.logErr
	}
	return []store.Record{{ID: 7, ToNumber: "5511999998888", Status: store.StatusSent}}, nil
}

func (f *fakeGateway) Submit(_ context.Context, req pipeline.SubmitRequest) (pipeline.SubmitResult, error) {
	if f.submitErr != nil {
		return pipeline.SubmitResult{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return pipeline.SubmitResult{LogID: 42, JobID: "17"}, nil
}

func (f *fakeGateway) SendDirect(_ context.Context, to string, p session.Payload) (gateway.DirectResult, error) {
	if f.directErr != nil {
		return gateway.DirectResult{}, f.directErr
	}
	f.direct = append(f.direct, p)
	return gateway.DirectResult{To: "5511999998888", JID: "5511999998888@s.whatsapp.net", MessageID: "3EB0"}, nil
}

func (f *fakeGateway) Health(context.Context) gateway.Health {
	return gateway.Health{Healthy: f.healthy, Queue: &queue.Counts{Waiting: 1}, BufferedInbound: len(f.inbound)}
}

func (f *fakeGateway) Liveness() gateway.Liveness {
	return gateway.Liveness{Status: "ok", UptimeSeconds: 12}
}

func newTestHandler(gw *fakeGateway) http.Handler {
	return NewHandler(gw, Options{APIKey: testKey, RateLimitPerMinute: 1000})
}

func do(t *testing.T, h http.Handler, method, path, body string, key string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestAuthRequired(t *testing.T) {
	h := newTestHandler(&fakeGateway{})

	for _, key := range []string{"", "wrong", testKey + "x"} {
		rec, body := do(t, h, http.MethodGet, "/status", "", key)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, key)
		assert.Equal(t, "unauthorized", body["error"])
	}

	rec, body := do(t, h, http.MethodGet, "/status", "", testKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", body["state"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestEmptyAPIKeyRejectsEverything(t *testing.T) {
	h := NewHandler(&fakeGateway{}, Options{})
	rec, _ := do(t, h, http.MethodGet, "/status", "", "anything")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthRoutesAreOpen(t *testing.T) {
	gw := &fakeGateway{status: connection.Status{Ready: true, State: "ready"}, healthy: true}
	h := newTestHandler(gw)

	rec, body := do(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	rec, body = do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, serviceName, body["service"])
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "ready", body["state"])
	assert.EqualValues(t, 12, body["uptime"])
	assert.NotNil(t, body["queue"])

	gw.healthy = false
	gw.status = connection.Status{State: "connecting"}
	rec, body = do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["ready"])

	rec, _ = do(t, h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQR(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(gw)

	rec, body := do(t, h, http.MethodGet, "/qr", "", testKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "qr_not_available", body["error"])

	gw.qr = "data:image/png;base64,AAAA"
	rec, body = do(t, h, http.MethodGet, "/qr", "", testKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gw.qr, body["qr"])
}

func TestSendQueuesText(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(gw)

	rec, body := do(t, h, http.MethodPost, "/send", `{"to":"+55 11 99999-8888","text":"hi","source":"crm","request_id":"abc"}`, testKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["queued"])
	assert.EqualValues(t, 42, body["logId"])
	assert.Equal(t, "17", body["jobId"])
	require.Len(t, gw.submitted, 1)
	assert.Equal(t, pipeline.SubmitRequest{To: "+55 11 99999-8888", Text: "hi", Source: "crm", RequestID: "abc"}, gw.submitted[0])
}

func TestSendUsesRequestIDHeaderWhenBodyOmitsIt(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(gw)

	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"to":"5511999998888","text":"hi"}`))
	req.Header.Set("X-Api-Key", testKey)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
	require.Len(t, gw.submitted, 1)
	assert.Equal(t, "req-123", gw.submitted[0].RequestID)
}

func TestSendValidation(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(gw)

	cases := []struct {
		body string
		code string
	}{
		{`{"to":"5511999998888"}`, "to_and_text_required"},
		{`{"text":"hi"}`, "to_and_text_required"},
		{`{"to":"123","text":"hi"}`, "invalid_phone_number"},
		{`{"to":`, "invalid_json"},
	}
	for _, tc := range cases {
		rec, body := do(t, h, http.MethodPost, "/send", tc.body, testKey)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.body)
		assert.Equal(t, tc.code, body["error"], tc.body)
	}
	assert.Empty(t, gw.submitted)
}

func TestSendPersistenceFailure(t *testing.T) {
	gw := &fakeGateway{submitErr: errdefs.Persistence("insert log record", errors.New("connection refused"))}
	h := newTestHandler(gw)

	rec, body := do(t, h, http.MethodPost, "/send", `{"to":"5511999998888","text":"hi"}`, testKey)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "queue_failed", body["error"])
	assert.Contains(t, body["message"], "connection refused")
}

func TestBodyLimit(t *testing.T) {
	h := newTestHandler(&fakeGateway{})
	big := `{"to":"5511999998888","text":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec, body := do(t, h, http.MethodPost, "/send", big, testKey)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", body["error"])
}

func TestLogs(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(gw)

	req := httptest.NewRequest(http.MethodGet, "/logs?status=failed&limit=500", nil)
	req.Header.Set("X-Api-Key", testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var recs []store.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, int64(7), recs[0].ID)
	assert.Equal(t, "failed", gw.logStatus)
	assert.Equal(t, maxLimit, gw.logLimit)

	do(t, h, http.MethodGet, "/logs?limit=abc", "", testKey)
	assert.Equal(t, defaultLimit, gw.logLimit)

	gw.logErr = errdefs.Validation("unknown status %q", "bogus")
	rec, body := do(t, h, http.MethodGet, "/logs?status=bogus", "", testKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", body["error"])
}

func TestMessages(t *testing.T) {
	gw := &fakeGateway{inbound: []relay.InboundRecord{{ID: "c"}, {ID: "b"}, {ID: "a"}}}
	h := newTestHandler(gw)

	rec, body := do(t, h, http.MethodGet, "/messages?limit=2", "", testKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c", msgs[0].(map[string]any)["id"])
}

func TestSendMediaKinds(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(gw)

	rec, body := do(t, h, http.MethodPost, "/send/image", `{"to":"5511999998888","url":"https://x/a.png","caption":"look"}`, testKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "3EB0", body["messageId"])
	assert.Equal(t, "5511999998888@s.whatsapp.net", body["jid"])

	do(t, h, http.MethodPost, "/send/document", `{"to":"5511999998888","url":"https://x/a.pdf","filename":"a.pdf","caption":"c"}`, testKey)
	do(t, h, http.MethodPost, "/send/audio", `{"to":"5511999998888","url":"https://x/a.ogg","ptt":true,"caption":"ignored"}`, testKey)
	do(t, h, http.MethodPost, "/send/video", `{"to":"5511999998888","url":"https://x/a.mp4"}`, testKey)
	do(t, h, http.MethodPost, "/send/location", `{"to":"5511999998888","latitude":-23.5,"longitude":-46.6,"name":"SP"}`, testKey)

	require.Len(t, gw.direct, 5)
	assert.Equal(t, session.Payload{Kind: session.KindImage, URL: "https://x/a.png", Caption: "look"}, gw.direct[0])
	assert.Equal(t, session.Payload{Kind: session.KindDocument, URL: "https://x/a.pdf", FileName: "a.pdf", Caption: "c"}, gw.direct[1])
	assert.Equal(t, session.Payload{Kind: session.KindAudio, URL: "https://x/a.ogg", PTT: true}, gw.direct[2])
	assert.Equal(t, session.KindVideo, gw.direct[3].Kind)
	loc := gw.direct[4]
	assert.Equal(t, session.KindLocation, loc.Kind)
	require.NotNil(t, loc.Latitude)
	assert.InDelta(t, -23.5, *loc.Latitude, 1e-9)
	assert.Equal(t, "SP", loc.Name)
}

func TestSendMediaErrors(t *testing.T) {
	gw := &fakeGateway{}
	h := newTestHandler(gw)

	rec, body := do(t, h, http.MethodPost, "/send/image", `{"to":"5511999998888"}`, testKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "to_and_url_required", body["error"])

	rec, body = do(t, h, http.MethodPost, "/send/location", `{"to":"5511999998888","latitude":1}`, testKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "to_latitude_longitude_required", body["error"])

	rec, body = do(t, h, http.MethodPost, "/send/video", `{"to":"12","url":"https://x"}`, testKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_phone_number", body["error"])

	gw.directErr = errdefs.SessionUnavailable("connecting")
	rec, body = do(t, h, http.MethodPost, "/send/image", `{"to":"5511999998888","url":"https://x/a.png"}`, testKey)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "session_unavailable", body["error"])

	gw.directErr = errdefs.TransientSend(errors.New("upload failed"))
	rec, body = do(t, h, http.MethodPost, "/send/image", `{"to":"5511999998888","url":"https://x/a.png"}`, testKey)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "send_failed", body["error"])

	gw.directErr = errdefs.ErrTerminalAuth
	rec, body = do(t, h, http.MethodPost, "/send/image", `{"to":"5511999998888","url":"https://x/a.png"}`, testKey)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "logged_out", body["error"])
}

func TestRateLimitSkipsHealth(t *testing.T) {
	h := NewHandler(&fakeGateway{healthy: true}, Options{APIKey: testKey, RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodGet, "/status", "", testKey)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := do(t, h, http.MethodGet, "/status", "", testKey)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "too_many_requests", body["error"])

	for i := 0; i < 5; i++ {
		rec, _ := do(t, h, http.MethodGet, "/healthz", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := &server{}
	h := s.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_server_error")
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 50, parseLimit(""))
	assert.Equal(t, 50, parseLimit("0"))
	assert.Equal(t, 50, parseLimit("-3"))
	assert.Equal(t, 10, parseLimit("10"))
	assert.Equal(t, 200, parseLimit("1000"))
}
