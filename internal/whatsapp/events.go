package whatsapp

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wagateway/internal/session"
)

func (h *Handle) handleEvent(rawEvt interface{}) {
	ev := h.translate(rawEvt)
	if ev == nil {
		return
	}
	h.emit(ev)
}

// translate maps a whatsmeow event to a session event, or nil to drop it.
func (h *Handle) translate(rawEvt interface{}) session.Event {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		return session.Opened{}

	case *events.LoggedOut:
		return session.Closed{Reason: session.ReasonLoggedOut, Detail: evt.Reason.String()}

	case *events.StreamReplaced:
		return session.Closed{Reason: session.ReasonReplaced, Detail: "another client connected with the same credentials"}

	case *events.TemporaryBan:
		return session.Closed{Reason: session.ReasonBanned, Detail: evt.String()}

	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return session.Closed{Reason: session.ReasonLoggedOut, Detail: evt.Reason.String()}
		}
		return session.Closed{Reason: session.ReasonConnectFailure, Detail: evt.Reason.String()}

	case *events.ClientOutdated:
		return session.Closed{Reason: session.ReasonConnectFailure, Detail: "client outdated"}

	case *events.Disconnected:
		return session.Closed{Reason: session.ReasonConnectionLost}

	case *events.KeepAliveTimeout:
		log.Warn().Int("errorCount", evt.ErrorCount).Time("lastSuccess", evt.LastSuccess).Msg("Keepalive timeout")
		return session.Closed{Reason: session.ReasonConnectionLost, Detail: "keepalive timeout"}

	case *events.Message:
		return h.inbound(evt)

	case *events.Receipt:
		return receipt(evt)

	case *events.PairSuccess:
		log.Info().Str("jid", evt.ID.String()).Str("platform", evt.Platform).Msg("Device paired")
	}
	return nil
}

func (h *Handle) inbound(evt *events.Message) session.Event {
	if evt.Info.Chat == types.StatusBroadcastJID {
		return nil
	}
	msg := unwrap(evt.Message)
	if msg == nil {
		return nil
	}
	if msg.GetProtocolMessage() != nil {
		return nil
	}

	kind, text := describe(msg)
	if kind == "unknown" && msg.GetSenderKeyDistributionMessage() != nil {
		return nil
	}
	out := session.Inbound{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.String(),
		PushName:  evt.Info.PushName,
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
		Kind:      kind,
		Text:      text,
	}
	if m, mimeType, fileName := downloadable(msg); m != nil {
		client := h.client
		out.Media = &session.Media{
			MimeType: mimeType,
			FileName: fileName,
			Fetch: func(ctx context.Context) ([]byte, error) {
				return client.Download(ctx, m)
			},
		}
	}
	return out
}

// unwrap strips the containers that carry the real message.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for i := 0; msg != nil && i < 4; i++ {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

// describe returns the message kind and its text, if any.
func describe(msg *waE2E.Message) (string, *string) {
	switch {
	case msg.Conversation != nil:
		return "text", optText(msg.GetConversation())
	case msg.ExtendedTextMessage != nil:
		return "text", optText(msg.GetExtendedTextMessage().GetText())
	case msg.ImageMessage != nil:
		return "image", optText(msg.GetImageMessage().GetCaption())
	case msg.VideoMessage != nil:
		return "video", optText(msg.GetVideoMessage().GetCaption())
	case msg.DocumentMessage != nil:
		return "document", optText(msg.GetDocumentMessage().GetCaption())
	case msg.AudioMessage != nil:
		return "audio", nil
	case msg.StickerMessage != nil:
		return "sticker", nil
	case msg.LocationMessage != nil:
		return "location", optText(msg.GetLocationMessage().GetName())
	case msg.ContactMessage != nil:
		return "contact", optText(msg.GetContactMessage().GetDisplayName())
	case msg.ReactionMessage != nil:
		return "reaction", optText(msg.GetReactionMessage().GetText())
	}
	return "unknown", nil
}

func downloadable(msg *waE2E.Message) (whatsmeow.DownloadableMessage, string, string) {
	switch {
	case msg.ImageMessage != nil:
		return msg.ImageMessage, msg.ImageMessage.GetMimetype(), ""
	case msg.VideoMessage != nil:
		return msg.VideoMessage, msg.VideoMessage.GetMimetype(), ""
	case msg.AudioMessage != nil:
		return msg.AudioMessage, msg.AudioMessage.GetMimetype(), ""
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage, msg.DocumentMessage.GetMimetype(), msg.DocumentMessage.GetFileName()
	case msg.StickerMessage != nil:
		return msg.StickerMessage, msg.StickerMessage.GetMimetype(), ""
	}
	return nil, "", ""
}

// receipt maps delivery receipts to the 2/3/4 status codes.
// FromMe is true when the receipted messages are ours.
func receipt(evt *events.Receipt) session.Event {
	var code int
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		code = 2
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		code = 3
	case types.ReceiptTypePlayed, types.ReceiptTypePlayedSelf:
		code = 4
	default:
		return nil
	}
	ids := make([]string, len(evt.MessageIDs))
	copy(ids, evt.MessageIDs)
	return session.Receipt{
		IDs:    ids,
		Chat:   evt.Chat.String(),
		FromMe: !evt.IsFromMe,
		Code:   code,
	}
}

func optText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
