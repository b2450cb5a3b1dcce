package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/hlog"

	"wagateway/internal/connection"
	"wagateway/internal/errdefs"
	"wagateway/internal/gateway"
	"wagateway/internal/pipeline"
	"wagateway/internal/queue"
	"wagateway/internal/session"
)

func (s *server) GetStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, s.gw.Status())
	}
}

func (s *server) GetQR() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qr, ok := s.gw.CurrentQR()
		if !ok {
			s.Respond(w, r, http.StatusNotFound, apiError{
				Code:    "qr_not_available",
				Message: "no QR code pending, the session may already be paired",
			})
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"qr": qr})
	}
}

func (s *server) GetLogs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		recs, err := s.gw.QueryLog(r.Context(), q.Get("status"), parseLimit(q.Get("limit")))
		if err != nil {
			s.fail(w, r, err, "query_failed")
			return
		}
		s.Respond(w, r, http.StatusOK, recs)
	}
}

func (s *server) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs := s.gw.RecentInbound(parseLimit(r.URL.Query().Get("limit")))
		s.Respond(w, r, http.StatusOK, map[string]any{"count": len(msgs), "messages": msgs})
	}
}

type sendTextRequest struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	Source    string `json:"source"`
	RequestID string `json:"request_id"`
}

type queuedResponse struct {
	OK     bool   `json:"ok"`
	Queued bool   `json:"queued"`
	LogID  int64  `json:"logId"`
	JobID  string `json:"jobId"`
}

// SendText queues a text message.
func (s *server) SendText() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendTextRequest
		if !s.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Text) == "" {
			s.Respond(w, r, http.StatusBadRequest, "to_and_text_required")
			return
		}
		if _, err := session.NormalizeAddress(req.To); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "invalid_phone_number")
			return
		}
		if req.RequestID == "" {
			req.RequestID = requestIDFrom(r.Context())
		}

		res, err := s.gw.Submit(r.Context(), pipeline.SubmitRequest{
			To:        req.To,
			Text:      req.Text,
			Source:    req.Source,
			RequestID: req.RequestID,
		})
		if err != nil {
			s.fail(w, r, err, "queue_failed")
			return
		}
		s.Respond(w, r, http.StatusOK, queuedResponse{OK: true, Queued: true, LogID: res.LogID, JobID: res.JobID})
	}
}

type mediaRequest struct {
	To       string `json:"to"`
	URL      string `json:"url"`
	Caption  string `json:"caption"`
	FileName string `json:"filename"`
	MimeType string `json:"mimetype"`
	PTT      bool   `json:"ptt"`
}

type locationRequest struct {
	To        string   `json:"to"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Name      string   `json:"name"`
}

type directResponse struct {
	OK bool `json:"ok"`
	gateway.DirectResult
}

// SendMedia sends one media kind synchronously.
func (s *server) SendMedia(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mediaRequest
		if !s.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.URL) == "" {
			s.Respond(w, r, http.StatusBadRequest, "to_and_url_required")
			return
		}
		p := session.Payload{Kind: kind, URL: req.URL, MimeType: req.MimeType}
		switch kind {
		case session.KindAudio:
			p.PTT = req.PTT
		case session.KindDocument:
			p.FileName = req.FileName
			p.Caption = req.Caption
		default:
			p.Caption = req.Caption
		}
		s.direct(w, r, req.To, p)
	}
}

func (s *server) SendLocation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req locationRequest
		if !s.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.To) == "" || req.Latitude == nil || req.Longitude == nil {
			s.Respond(w, r, http.StatusBadRequest, "to_latitude_longitude_required")
			return
		}
		s.direct(w, r, req.To, session.Payload{
			Kind:      session.KindLocation,
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			Name:      req.Name,
		})
	}
}

func (s *server) direct(w http.ResponseWriter, r *http.Request, to string, p session.Payload) {
	if _, err := session.NormalizeAddress(to); err != nil {
		s.Respond(w, r, http.StatusBadRequest, "invalid_phone_number")
		return
	}
	res, err := s.gw.SendDirect(r.Context(), to, p)
	if err != nil {
		s.fail(w, r, err, "send_failed")
		return
	}
	s.Respond(w, r, http.StatusOK, directResponse{OK: true, DirectResult: res})
}

func (s *server) Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := s.gw.Liveness()
		s.Respond(w, r, http.StatusOK, map[string]any{"ok": true, "uptime": l.UptimeSeconds})
	}
}

type healthResponse struct {
	Service string `json:"service"`
	Uptime  int64  `json:"uptime"`
	connection.Status
	Queue                *queue.Counts `json:"queue,omitempty"`
	BufferedInbound      int           `json:"bufferedInbound"`
	PendingNotifications int           `json:"pendingNotifications"`
}

// Health answers 200 when the session is ready and 503 otherwise.
func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := s.gw.Health(r.Context())
		resp := healthResponse{
			Service:              serviceName,
			Uptime:               s.gw.Liveness().UptimeSeconds,
			Status:               s.gw.Status(),
			Queue:                h.Queue,
			BufferedInbound:      h.BufferedInbound,
			PendingNotifications: h.PendingNotifications,
		}
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		s.Respond(w, r, status, resp)
	}
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.Respond(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
			return false
		}
		s.Respond(w, r, http.StatusBadRequest, apiError{Code: "invalid_json", Message: err.Error()})
		return false
	}
	return true
}

// fail maps an error kind to a status. Unclassified and persistence
// errors keep the endpoint's own code.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error, code string) {
	status := http.StatusInternalServerError
	switch errdefs.Kind(err) {
	case errdefs.ErrValidation:
		status, code = http.StatusBadRequest, "validation_error"
	case errdefs.ErrSessionUnavailable:
		status, code = http.StatusServiceUnavailable, "session_unavailable"
	case errdefs.ErrTerminalAuth:
		status, code = http.StatusServiceUnavailable, "logged_out"
	case errdefs.ErrNotFound:
		status, code = http.StatusNotFound, "not_found"
	case errdefs.ErrTransientSend:
		status = http.StatusBadGateway
	}
	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Str("code", code).Msg("Request failed")
	s.Respond(w, r, status, apiError{Code: code, Message: err.Error()})
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}
