package whatsapp

import (
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"google.golang.org/protobuf/proto"

	"whatsapp-gateway/session"
)

// textMessage builds a plain text message, switching to an extended text
// message when mentions must be attached.
func textMessage(text string, mentions []string) *waProto.Message {
	if len(mentions) == 0 {
		return &waProto.Message{Conversation: proto.String(text)}
	}
	return &waProto.Message{
		ExtendedTextMessage: &waProto.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waProto.ContextInfo{
				MentionedJID: mentions,
			},
		},
	}
}

func uploadType(kind session.MediaKind) whatsmeow.MediaType {
	switch kind {
	case session.MediaImage:
		return whatsmeow.MediaImage
	case session.MediaVideo:
		return whatsmeow.MediaVideo
	case session.MediaAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// mediaMessage wraps an uploaded attachment in the message type matching
// its kind.
func mediaMessage(m session.OutgoingMedia, up whatsmeow.UploadResponse) *waProto.Message {
	switch m.Kind {
	case session.MediaImage:
		return &waProto.Message{
			ImageMessage: &waProto.ImageMessage{
				Caption:       optional(m.Caption),
				Mimetype:      proto.String(m.Mimetype),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(up.FileLength),
			},
		}
	case session.MediaVideo:
		return &waProto.Message{
			VideoMessage: &waProto.VideoMessage{
				Caption:       optional(m.Caption),
				Mimetype:      proto.String(m.Mimetype),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(up.FileLength),
			},
		}
	case session.MediaAudio:
		return &waProto.Message{
			AudioMessage: &waProto.AudioMessage{
				Mimetype:      proto.String(m.Mimetype),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(up.FileLength),
				PTT:           proto.Bool(m.VoiceNote),
			},
		}
	default:
		return &waProto.Message{
			DocumentMessage: &waProto.DocumentMessage{
				Title:         proto.String(m.Filename),
				FileName:      proto.String(m.Filename),
				Caption:       optional(m.Caption),
				Mimetype:      proto.String(m.Mimetype),
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				MediaKey:      up.MediaKey,
				FileEncSHA256: up.FileEncSHA256,
				FileSHA256:    up.FileSHA256,
				FileLength:    proto.Uint64(up.FileLength),
			},
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
