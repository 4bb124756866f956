// Package router turns inbound WhatsApp events into at most one command
// invocation or a round of ambient handling, after moderation.
package router

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wabot/internal/chat"
)

// Normalize converts a message event into an envelope. Wrappers are
// unwrapped so the inner payload is treated as the message.
func Normalize(evt *events.Message) *chat.Envelope {
	env := &chat.Envelope{
		ID:         evt.Info.ID,
		Chat:       evt.Info.Chat,
		Sender:     evt.Info.Sender.ToNonAD(),
		PushName:   evt.Info.PushName,
		IsGroup:    evt.Info.IsGroup,
		IsFromSelf: evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp,
	}
	if alt := evt.Info.SenderAlt; alt.Server == types.DefaultUserServer {
		env.SenderPhone = alt.ToNonAD()
	}
	msg := unwrap(evt.Message)
	if msg == nil {
		return env
	}

	if pm := msg.GetProtocolMessage(); pm != nil {
		if pm.GetType() == waE2E.ProtocolMessage_REVOKE {
			env.Kind = chat.KindRevoke
			env.Quoted = &chat.Quoted{ID: pm.GetKey().GetID()}
		}
		return env
	}

	if id := buttonReply(msg); id != "" {
		env.Kind = chat.KindButtonReply
		env.Text = id
	} else {
		env.Text = DisplayText(msg)
		env.Media = mediaOf(msg)
		switch {
		case env.Media != nil:
			env.Kind = chat.KindMedia
		case env.Text != "":
			env.Kind = chat.KindText
		}
	}

	if ci := contextInfo(msg); ci != nil {
		for _, s := range ci.GetMentionedJID() {
			if j, err := types.ParseJID(s); err == nil {
				env.Mentions = append(env.Mentions, j)
			}
		}
		if qm := ci.GetQuotedMessage(); qm != nil {
			q := &chat.Quoted{ID: ci.GetStanzaID()}
			if p := ci.GetParticipant(); p != "" {
				if j, err := types.ParseJID(p); err == nil {
					q.Sender = j.ToNonAD()
				}
			}
			inner := unwrap(qm)
			q.Text = DisplayText(inner)
			q.Media = mediaOf(inner)
			env.Quoted = q
		}
	}
	return env
}

// unwrap strips ephemeral, view-once and document-with-caption wrappers.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for i := 0; msg != nil && i < 4; i++ {
		switch {
		case msg.GetEphemeralMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetViewOnceMessageV2Extension() != nil:
			msg = msg.GetViewOnceMessageV2Extension().GetMessage()
		case msg.GetDocumentWithCaptionMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

// DisplayText is the text a user sees: the body of a text message or the
// caption of a media message.
func DisplayText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func buttonReply(msg *waE2E.Message) string {
	if b := msg.GetButtonsResponseMessage(); b != nil {
		return b.GetSelectedButtonID()
	}
	if t := msg.GetTemplateButtonReplyMessage(); t != nil {
		return t.GetSelectedID()
	}
	if l := msg.GetListResponseMessage(); l != nil {
		return l.GetSingleSelectReply().GetSelectedRowID()
	}
	return ""
}

func mediaOf(msg *waE2E.Message) *chat.Media {
	if msg == nil {
		return nil
	}
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return &chat.Media{Type: chat.MediaImage, MimeType: m.GetMimetype(), Source: m}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return &chat.Media{Type: chat.MediaVideo, MimeType: m.GetMimetype(), Seconds: m.GetSeconds(), Animated: m.GetGifPlayback(), Source: m}
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return &chat.Media{Type: chat.MediaSticker, MimeType: m.GetMimetype(), Animated: m.GetIsAnimated(), Source: m}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return &chat.Media{Type: chat.MediaAudio, MimeType: m.GetMimetype(), Seconds: m.GetSeconds(), Source: m}
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return &chat.Media{Type: chat.MediaDocument, MimeType: m.GetMimetype(), Source: m}
	}
	return nil
}

func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetContextInfo()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetContextInfo()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetContextInfo()
	}
	return nil
}
