package whatsapp

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"whatsapp-gateway/session"
	"whatsapp-gateway/types"
)

type downloader func(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)

// translate maps one whatsmeow event to the session events it implies.
// Events the gateway does not care about map to nothing.
func translate(raw any, device *store.Device, download downloader) []session.Event {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		return []session.Event{session.AuthenticatedEvent{
			Address: evt.ID.String(),
			Creds:   &Credentials{Device: device},
		}}
	case *events.PairError:
		return []session.Event{session.AuthFailureEvent{Reason: fmt.Sprint(evt.Error)}}
	case *events.Connected:
		return []session.Event{session.ReadyEvent{}}
	case *events.OfflineSyncPreview:
		return []session.Event{session.LoadingEvent{
			Percent: 0,
			Message: fmt.Sprintf("Sincronizando %d mensagens", evt.Messages),
		}}
	case *events.OfflineSyncCompleted:
		return []session.Event{session.LoadingEvent{Percent: 100, Message: "Sincronização concluída"}}
	case *events.KeepAliveTimeout:
		return []session.Event{session.StateEvent{State: "TIMEOUT"}}
	case *events.KeepAliveRestored:
		return []session.Event{session.StateEvent{State: "CONNECTED"}}
	case *events.StreamReplaced:
		return []session.Event{
			session.StateEvent{State: "CONFLICT"},
			session.DisconnectedEvent{Reason: session.ReasonTransient, Cause: "stream replaced"},
		}
	case *events.LoggedOut:
		return []session.Event{session.DisconnectedEvent{
			Reason: session.ReasonLoggedOut,
			Cause:  fmt.Sprintf("logged out: %v", evt.Reason),
		}}
	case *events.TemporaryBan:
		return []session.Event{session.DisconnectedEvent{Reason: session.ReasonForbidden, Cause: evt.String()}}
	case *events.ConnectFailure:
		return []session.Event{connectFailure(evt)}
	case *events.ClientOutdated:
		return []session.Event{session.DisconnectedEvent{Reason: session.ReasonTransient, Cause: "client outdated"}}
	case *events.Disconnected:
		return []session.Event{session.DisconnectedEvent{Reason: session.ReasonTransient, Cause: "connection closed"}}
	case *events.Message:
		if msg, ok := translateMessage(evt, download); ok {
			return []session.Event{msg}
		}
	case *events.Receipt:
		if ack, ok := translateReceipt(evt); ok {
			return []session.Event{ack}
		}
	}
	return nil
}

func connectFailure(evt *events.ConnectFailure) session.DisconnectedEvent {
	cause := fmt.Sprintf("connect failure %d: %s", int(evt.Reason), evt.Message)
	switch {
	case evt.Reason.IsLoggedOut():
		return session.DisconnectedEvent{Reason: session.ReasonLoggedOut, Cause: cause}
	case evt.Reason == events.ConnectFailureTempBanned:
		return session.DisconnectedEvent{Reason: session.ReasonForbidden, Cause: cause}
	default:
		return session.DisconnectedEvent{Reason: session.ReasonTransient, Cause: cause}
	}
}

func translateMessage(evt *events.Message, download downloader) (session.MessageEvent, bool) {
	info := evt.Info
	out := session.MessageEvent{
		ID:        info.ID,
		From:      info.Chat.ToNonAD().String(),
		Chat:      info.Chat.String(),
		Timestamp: info.Timestamp,
		FromMe:    info.IsFromMe,
		IsGroup:   info.IsGroup,
		Type:      types.TextMessage,
	}
	msg := evt.Message
	if msg == nil {
		return out, false
	}

	attach := func(m whatsmeow.DownloadableMessage) {
		if download != nil {
			out.Download = func(ctx context.Context) ([]byte, error) { return download(ctx, m) }
		}
	}

	if text := msg.GetConversation(); text != "" {
		out.Body = text
	} else if ext := msg.GetExtendedTextMessage(); ext != nil {
		out.Body = ext.GetText()
		out.ContextID = ext.GetContextInfo().GetStanzaID()
	} else if img := msg.GetImageMessage(); img != nil {
		out.Type = types.ImageMessage
		out.Body = img.GetCaption()
		out.Mimetype = img.GetMimetype()
		out.ContextID = img.GetContextInfo().GetStanzaID()
		attach(img)
	} else if vid := msg.GetVideoMessage(); vid != nil {
		out.Type = types.VideoMessage
		out.Body = vid.GetCaption()
		out.Mimetype = vid.GetMimetype()
		out.ContextID = vid.GetContextInfo().GetStanzaID()
		attach(vid)
	} else if aud := msg.GetAudioMessage(); aud != nil {
		out.Type = types.AudioMessage
		out.Mimetype = aud.GetMimetype()
		out.ContextID = aud.GetContextInfo().GetStanzaID()
		attach(aud)
	} else if doc := msg.GetDocumentMessage(); doc != nil {
		out.Type = types.DocumentMessage
		out.Body = doc.GetCaption()
		out.Mimetype = doc.GetMimetype()
		out.Filename = doc.GetFileName()
		out.ContextID = doc.GetContextInfo().GetStanzaID()
		attach(doc)
	} else if st := msg.GetStickerMessage(); st != nil {
		out.Type = types.StickerMessage
		out.Mimetype = st.GetMimetype()
		attach(st)
	} else {
		return out, false
	}
	return out, true
}

func translateReceipt(evt *events.Receipt) (session.AckEvent, bool) {
	if evt.Type == watypes.ReceiptTypeRetry {
		return session.AckEvent{}, false
	}
	return session.AckEvent{
		IDs:       append([]string(nil), evt.MessageIDs...),
		From:      evt.Chat.String(),
		Timestamp: evt.Timestamp,
		Status:    ackStatus(evt.Type),
	}, true
}

func ackStatus(t watypes.ReceiptType) session.AckStatus {
	switch t {
	case watypes.ReceiptTypeDelivered:
		return session.AckDelivered
	case watypes.ReceiptTypeRead, watypes.ReceiptTypeReadSelf, watypes.ReceiptTypePlayed, watypes.ReceiptTypePlayedSelf:
		return session.AckRead
	case watypes.ReceiptTypeSender:
		return session.AckPending
	default:
		return session.AckUnknown
	}
}
