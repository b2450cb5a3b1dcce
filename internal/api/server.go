// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"wagateway/internal/connection"
	"wagateway/internal/gateway"
	"wagateway/internal/metrics"
	"wagateway/internal/pipeline"
	"wagateway/internal/relay"
	"wagateway/internal/session"
	"wagateway/internal/store"
)

const (
	serviceName  = "whatsapp-gateway"
	maxBodyBytes = 1 << 20
	defaultLimit = 50
	maxLimit     = 200
)

// Gateway is what the handlers read from and submit to.
type Gateway interface {
	Status() connection.Status
	CurrentQR() (string, bool)
	RecentInbound(limit int) []relay.InboundRecord
	QueryLog(ctx context.Context, status string, limit int) ([]store.Record, error)
	Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.SubmitResult, error)
	SendDirect(ctx context.Context, to string, p session.Payload) (gateway.DirectResult, error)
	Health(ctx context.Context) gateway.Health
	Liveness() gateway.Liveness
}

type Options struct {
	APIKey             string
	RateLimitPerMinute int
}

type server struct {
	gw       Gateway
	apiKey   string
	perMin   int
	router   *mux.Router
	limiters *cache.Cache
}

// NewHandler builds the router with its middleware chains.
func NewHandler(gw Gateway, opts Options) http.Handler {
	s := &server{
		gw:       gw,
		apiKey:   opts.APIKey,
		perMin:   opts.RateLimitPerMinute,
		router:   mux.NewRouter(),
		limiters: cache.New(2*time.Minute, 5*time.Minute),
	}
	if s.perMin <= 0 {
		s.perMin = 60
	}
	if s.apiKey == "" {
		log.Warn().Msg("API_KEY is empty, every authenticated route will answer 401")
	}
	s.routes()
	return s.router
}

func (s *server) routes() {
	open := alice.New(
		hlog.NewHandler(log.Logger),
		s.requestID,
		hlog.AccessHandler(accessLog),
		s.recoverer,
	)
	authed := open.Append(s.limit, s.authalice)

	s.router.Handle("/healthz", open.Then(s.Liveness())).Methods(http.MethodGet)
	s.router.Handle("/health", open.Then(s.Health())).Methods(http.MethodGet)
	s.router.Handle("/metrics", open.Then(metrics.Handler())).Methods(http.MethodGet)

	s.router.Handle("/status", authed.Then(s.GetStatus())).Methods(http.MethodGet)
	s.router.Handle("/qr", authed.Then(s.GetQR())).Methods(http.MethodGet)
	s.router.Handle("/logs", authed.Then(s.GetLogs())).Methods(http.MethodGet)
	s.router.Handle("/messages", authed.Then(s.GetMessages())).Methods(http.MethodGet)

	s.router.Handle("/send", authed.Then(s.SendText())).Methods(http.MethodPost)
	s.router.Handle("/send/image", authed.Then(s.SendMedia(session.KindImage))).Methods(http.MethodPost)
	s.router.Handle("/send/document", authed.Then(s.SendMedia(session.KindDocument))).Methods(http.MethodPost)
	s.router.Handle("/send/audio", authed.Then(s.SendMedia(session.KindAudio))).Methods(http.MethodPost)
	s.router.Handle("/send/video", authed.Then(s.SendMedia(session.KindVideo))).Methods(http.MethodPost)
	s.router.Handle("/send/location", authed.Then(s.SendLocation())).Methods(http.MethodPost)

	s.router.NotFoundHandler = open.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusNotFound, apiError{Code: "not_found"})
	}))
}

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Respond writes data as JSON. A bare string is sent as an error code.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	switch v := data.(type) {
	case string:
		data = apiError{Code: v}
	case error:
		data = apiError{Code: "internal_server_error", Message: v.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to encode response")
	}
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	ev := hlog.FromRequest(r).Info()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Warn()
	}
	ev.Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("HTTP request")
}
