package session

import (
	"strings"
	"unicode"

	"wagateway/internal/errdefs"
)

// UserServer is the domain suffix of a canonical user address.
const UserServer = "s.whatsapp.net"

const (
	minAddressDigits = 10
	maxAddressDigits = 15
)

// Payload kinds.
const (
	KindText     = "text"
	KindImage    = "image"
	KindDocument = "document"
	KindAudio    = "audio"
	KindVideo    = "video"
	KindLocation = "location"
)

// Payload is what gets sent to an address.
type Payload struct {
	Kind      string   `json:"kind"`
	Text      string   `json:"text,omitempty"`
	URL       string   `json:"url,omitempty"`
	Caption   string   `json:"caption,omitempty"`
	FileName  string   `json:"filename,omitempty"`
	MimeType  string   `json:"mimetype,omitempty"`
	PTT       bool     `json:"ptt,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// TextPayload is shorthand for a plain text message.
func TextPayload(text string) Payload {
	return Payload{Kind: KindText, Text: text}
}

// Validate checks that the fields required by Kind are present.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindText:
		if strings.TrimSpace(p.Text) == "" {
			return errdefs.Validation("text is required")
		}
	case KindImage, KindDocument, KindAudio, KindVideo:
		if strings.TrimSpace(p.URL) == "" {
			return errdefs.Validation("url is required for %s", p.Kind)
		}
	case KindLocation:
		if p.Latitude == nil || p.Longitude == nil {
			return errdefs.Validation("latitude and longitude are required")
		}
		if *p.Latitude < -90 || *p.Latitude > 90 || *p.Longitude < -180 || *p.Longitude > 180 {
			return errdefs.Validation("coordinates out of range")
		}
	default:
		return errdefs.Validation("unsupported payload kind %q", p.Kind)
	}
	return nil
}

// NormalizeAddress strips everything but digits and checks the length.
func NormalizeAddress(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)
	if len(digits) < minAddressDigits || len(digits) > maxAddressDigits {
		return "", errdefs.Validation("invalid phone number %q", raw)
	}
	return digits, nil
}

// CanonicalAddress turns normalized digits into the address used for sends.
func CanonicalAddress(digits string) string {
	return digits + "@" + UserServer
}
