package whatsapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"wagateway/internal/errdefs"
	"wagateway/internal/session"
)

// Handle wraps one whatsmeow client. Events are delivered in the order the
// client dispatched them.
type Handle struct {
	client *whatsmeow.Client
	media  *resty.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	events chan session.Event
	done   chan struct{}
	once   sync.Once
}

func newHandle(client *whatsmeow.Client, media *resty.Client, buffer int) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		client: client,
		media:  media,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan session.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (h *Handle) Events() <-chan session.Event {
	return h.events
}

// emit blocks until the consumer takes the event or the handle closes.
func (h *Handle) emit(ev session.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	select {
	case <-h.done:
	default:
		select {
		case h.events <- ev:
		case <-h.done:
		}
	}
}

func (h *Handle) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			h.emit(session.QR{Code: item.Code})
		case whatsmeow.QRChannelTimeout.Event:
			h.emit(session.Closed{Reason: session.ReasonQRTimeout, Detail: "QR code was not scanned in time"})
		case whatsmeow.QRChannelSuccess.Event:
			log.Info().Msg("QR pairing successful")
		case whatsmeow.QRChannelEventError:
			detail := "pairing error"
			if item.Error != nil {
				detail = item.Error.Error()
			}
			h.emit(session.Closed{Reason: session.ReasonConnectFailure, Detail: detail})
		default:
			h.emit(session.Closed{Reason: session.ReasonConnectFailure, Detail: item.Event})
		}
	}
}

// Send delivers p to jid and returns the id assigned to the message.
func (h *Handle) Send(ctx context.Context, jid string, p session.Payload) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", errdefs.Validation("invalid jid %q: %v", jid, err)
	}
	if !h.client.IsConnected() || !h.client.IsLoggedIn() {
		return "", errdefs.SessionUnavailable("client is not connected")
	}

	msg, err := h.buildMessage(ctx, p)
	if err != nil {
		return "", err
	}

	resp, err := h.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", errdefs.TransientSend(err)
	}
	log.Debug().Str("jid", jid).Str("messageID", resp.ID).Str("kind", p.Kind).Msg("Message sent")
	return resp.ID, nil
}

// Close releases any emit waiting on the consumer, then detaches the event
// handler, disconnects and closes the event stream. done must close before
// RemoveEventHandlers, which waits for running handlers to return.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.cancel()
		close(h.done)

		h.client.RemoveEventHandlers()
		h.client.Disconnect()

		h.mu.Lock()
		close(h.events)
		h.mu.Unlock()
	})
	return nil
}

func (h *Handle) uploadFailed(kind string, err error) error {
	return errdefs.TransientSend(fmt.Errorf("upload %s: %w", kind, err))
}

var _ session.Handle = (*Handle)(nil)

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
