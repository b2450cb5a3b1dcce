package whatsapp

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"path"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"wagateway/internal/errdefs"
	"wagateway/internal/session"
)

const thumbnailSize = 72

func (h *Handle) buildMessage(ctx context.Context, p session.Payload) (*waE2E.Message, error) {
	switch p.Kind {
	case session.KindText:
		return &waE2E.Message{Conversation: proto.String(p.Text)}, nil

	case session.KindLocation:
		return &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude:  p.Latitude,
			DegreesLongitude: p.Longitude,
			Name:             optString(p.Name),
		}}, nil

	case session.KindImage, session.KindVideo, session.KindAudio, session.KindDocument:
		data, mimeType, err := fetchMedia(ctx, h.media, p.URL)
		if err != nil {
			return nil, err
		}
		if p.MimeType != "" {
			mimeType = p.MimeType
		}
		return h.mediaMessage(ctx, p, data, mimeType)
	}
	return nil, errdefs.Validation("unsupported payload kind %q", p.Kind)
}

func (h *Handle) mediaMessage(ctx context.Context, p session.Payload, data []byte, mimeType string) (*waE2E.Message, error) {
	switch p.Kind {
	case session.KindImage:
		up, err := h.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, h.uploadFailed(p.Kind, err)
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optString(p.Caption),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			JPEGThumbnail: thumbnail(data),
		}}, nil

	case session.KindVideo:
		up, err := h.client.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return nil, h.uploadFailed(p.Kind, err)
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optString(p.Caption),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil

	case session.KindAudio:
		up, err := h.client.Upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			return nil, h.uploadFailed(p.Kind, err)
		}
		msg := &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(p.PTT),
		}
		if p.PTT {
			msg.Mimetype = proto.String("audio/ogg; codecs=opus")
			meta := probeVoiceNote(ctx, data)
			if meta.Seconds > 0 {
				msg.Seconds = proto.Uint32(meta.Seconds)
			}
			msg.Waveform = meta.Waveform
		}
		return &waE2E.Message{AudioMessage: msg}, nil

	default:
		up, err := h.client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, h.uploadFailed(p.Kind, err)
		}
		fileName := documentName(p.FileName, p.URL)
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optString(p.Caption),
			Title:         proto.String(fileName),
			FileName:      proto.String(fileName),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
}

// fetchMedia downloads a media URL. A non-2xx answer is the caller's fault
// and is reported as a validation error.
func fetchMedia(ctx context.Context, client *resty.Client, url string) ([]byte, string, error) {
	resp, err := client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, "", errdefs.TransientSend(err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, "", errdefs.Validation("media url responded %d", resp.StatusCode())
	}
	data := resp.Body()
	if len(data) == 0 {
		return nil, "", errdefs.Validation("media url returned an empty body")
	}

	mimeType := resp.Header().Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// thumbnail returns a small JPEG preview, or nil when data is not an image.
func thumbnail(data []byte) []byte {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Msg("Could not decode image for thumbnail")
		return nil
	}
	thumb := resize.Thumbnail(thumbnailSize, thumbnailSize, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 75}); err != nil {
		return nil
	}
	return buf.Bytes()
}

func documentName(fileName, url string) string {
	if fileName != "" {
		return fileName
	}
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if base := path.Base(url); base != "" && base != "." && base != "/" {
		return base
	}
	return "document"
}
