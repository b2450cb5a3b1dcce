// Package whatsapp implements the session capability on top of whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"wagateway/internal/session"
)

const (
	defaultEventBuffer = 256
	mediaFetchTimeout  = 60 * time.Second
)

// Dialer keeps the device store open and builds a new client per Dial.
type Dialer struct {
	container *sqlstore.Container
	media     *resty.Client
	logger    waLog.Logger
}

// NewDialer opens the auth-state store. dialect is "sqlite" or "postgres".
func NewDialer(ctx context.Context, dialect, dsn string) (*Dialer, error) {
	logger := NewLogger(log.Logger, "whatsmeow")
	container, err := sqlstore.New(ctx, dialect, dsn, logger.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}
	return &Dialer{
		container: container,
		media:     resty.New().SetTimeout(mediaFetchTimeout),
		logger:    logger,
	}, nil
}

// Dial connects a fresh client. When the device is not paired the handle
// starts emitting QR events.
func (d *Dialer) Dial(ctx context.Context) (session.Handle, error) {
	device, err := d.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, d.logger.Sub("Client"))
	client.EnableAutoReconnect = false

	h := newHandle(client, d.media, defaultEventBuffer)
	client.AddEventHandler(h.handleEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(h.ctx)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("request QR channel: %w", err)
		}
		go h.pumpQR(qrChan)
		log.Info().Msg("Device not paired, waiting for QR scan")
	}

	if err := client.Connect(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return h, nil
}

// Close releases the auth-state store.
func (d *Dialer) Close() error {
	return d.container.Close()
}
