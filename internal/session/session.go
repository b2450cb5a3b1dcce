// Package session describes the capability the gateway needs from a chat
// connection: dial it, send through it, and read its events in order.
package session

import (
	"context"
	"time"
)

// Handle is one live connection. Events is closed after Close returns.
type Handle interface {
	Send(ctx context.Context, jid string, p Payload) (remoteID string, err error)
	Events() <-chan Event
	Close() error
}

// Dialer creates a fresh Handle using the persisted auth state.
type Dialer interface {
	Dial(ctx context.Context) (Handle, error)
}

// Event is one of QR, Opened, Closed, Inbound or Receipt.
type Event interface {
	eventName() string
}

// QR carries a pairing challenge that must be scanned by the phone.
type QR struct {
	Code string
}

// Opened signals the session is authenticated and usable.
type Opened struct{}

// Closed signals the transport went away. Reason decides whether to reconnect.
type Closed struct {
	Reason Reason
	Detail string
}

// Inbound is a message received from someone else.
type Inbound struct {
	ID        string
	Chat      string
	Sender    string
	PushName  string
	FromMe    bool
	Timestamp time.Time
	Kind      string
	Text      *string
	Media     *Media
}

// Media describes an inbound attachment that can be fetched lazily.
type Media struct {
	MimeType string
	FileName string
	Fetch    func(ctx context.Context) ([]byte, error)
}

// Receipt is a delivery status update for messages we sent.
// Code follows the 2=delivered, 3=read, 4=played convention.
type Receipt struct {
	IDs    []string
	Chat   string
	FromMe bool
	Code   int
}

func (QR) eventName() string      { return "qr" }
func (Opened) eventName() string  { return "opened" }
func (Closed) eventName() string  { return "closed" }
func (Inbound) eventName() string { return "inbound" }
func (Receipt) eventName() string { return "receipt" }

// Name returns a short label for logging.
func Name(e Event) string {
	if e == nil {
		return "nil"
	}
	return e.eventName()
}

// Reason is why a connection closed.
type Reason int

const (
	ReasonConnectionLost Reason = iota
	ReasonLoggedOut
	ReasonReplaced
	ReasonQRTimeout
	ReasonConnectFailure
	ReasonBanned
	ReasonDialFailed
)

// Code is the numeric status reported to webhook consumers.
func (r Reason) Code() int {
	switch r {
	case ReasonLoggedOut:
		return 401
	case ReasonReplaced:
		return 440
	case ReasonQRTimeout:
		return 408
	case ReasonBanned:
		return 403
	case ReasonConnectFailure:
		return 500
	case ReasonDialFailed:
		return 503
	default:
		return 428
	}
}

func (r Reason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonReplaced:
		return "connection_replaced"
	case ReasonQRTimeout:
		return "qr_timeout"
	case ReasonConnectFailure:
		return "connect_failure"
	case ReasonBanned:
		return "temporary_ban"
	case ReasonDialFailed:
		return "dial_failed"
	default:
		return "connection_lost"
	}
}

// IsLogout reports whether the credentials are no longer valid.
func (r Reason) IsLogout() bool {
	return r == ReasonLoggedOut
}
