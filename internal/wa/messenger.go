package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"wabot/internal/chat"
	"wabot/internal/errors"
)

const defaultSendTimeout = 20 * time.Second

// bound applies the send timeout and waits for the rate limiter.
func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc, error) {
	timeout := c.cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	if err := c.limiter.Wait(ctx); err != nil {
		cancel()
		return nil, nil, errors.NewTransient("rate limit wait", err)
	}
	return ctx, cancel, nil
}

func (c *Client) send(ctx context.Context, to types.JID, msg *waE2E.Message) (string, error) {
	ctx, cancel, err := c.bound(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	resp, err := c.wm.SendMessage(ctx, to, msg)
	if err != nil {
		return "", errors.NewTransient("send to "+to.String(), err)
	}
	return resp.ID, nil
}

func jidStrings(js []types.JID) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.String()
	}
	return out
}

// SendText sends text, tagging mentions when given.
func (c *Client) SendText(ctx context.Context, to types.JID, text string, mentions ...types.JID) (string, error) {
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if len(mentions) > 0 {
		msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: &waE2E.ContextInfo{MentionedJID: jidStrings(mentions)},
		}}
	}
	return c.send(ctx, to, msg)
}

// Reply sends text quoting env.
func (c *Client) Reply(ctx context.Context, env *chat.Envelope, text string) error {
	msg := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text: proto.String(text),
		ContextInfo: &waE2E.ContextInfo{
			StanzaID:      proto.String(env.ID),
			Participant:   proto.String(env.Sender.String()),
			QuotedMessage: &waE2E.Message{Conversation: proto.String(env.Text)},
		},
	}}
	_, err := c.send(ctx, env.Chat, msg)
	return err
}

// SendSticker uploads a 512x512 WebP and sends it as a sticker.
func (c *Client) SendSticker(ctx context.Context, to types.JID, webp []byte, animated bool) error {
	uctx, cancel, err := c.bound(ctx)
	if err != nil {
		return err
	}
	up, err := c.wm.Upload(uctx, webp, whatsmeow.MediaImage)
	cancel()
	if err != nil {
		return errors.NewTransient("upload sticker", err)
	}
	_, err = c.send(ctx, to, &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		Mimetype:      proto.String("image/webp"),
		FileLength:    proto.Uint64(up.FileLength),
		FileSHA256:    up.FileSHA256,
		FileEncSHA256: up.FileEncSHA256,
		MediaKey:      up.MediaKey,
		IsAnimated:    proto.Bool(animated),
	}})
	return err
}

func chatPresence(p chat.ChatPresence) (types.ChatPresence, types.ChatPresenceMedia) {
	switch p {
	case chat.Composing:
		return types.ChatPresenceComposing, types.ChatPresenceMediaText
	case chat.Recording:
		return types.ChatPresenceComposing, types.ChatPresenceMediaAudio
	default:
		return types.ChatPresencePaused, types.ChatPresenceMediaText
	}
}

// SendChatPresence shows typing, recording or nothing in one chat.
func (c *Client) SendChatPresence(ctx context.Context, to types.JID, p chat.ChatPresence) error {
	ctx, cancel, err := c.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	state, media := chatPresence(p)
	if err := c.wm.SendChatPresence(ctx, to, state, media); err != nil {
		return errors.NewTransient("chat presence", err)
	}
	return nil
}

// SendPresence sets the account-wide online state.
func (c *Client) SendPresence(ctx context.Context, available bool) error {
	ctx, cancel, err := c.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	p := types.PresenceUnavailable
	if available {
		p = types.PresenceAvailable
	}
	if err := c.wm.SendPresence(ctx, p); err != nil {
		return errors.NewTransient("presence", err)
	}
	return nil
}

// SubscribePresence asks the server for who's presence updates.
func (c *Client) SubscribePresence(ctx context.Context, who types.JID) error {
	ctx, cancel, err := c.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := c.wm.SubscribePresence(ctx, who); err != nil {
		return errors.NewTransient("subscribe presence", err)
	}
	return nil
}

// GroupInfo returns group metadata, cached for the configured TTL.
func (c *Client) GroupInfo(ctx context.Context, group types.JID) (*chat.GroupInfo, error) {
	return c.groups.Get(ctx, group, func(ctx context.Context) (*chat.GroupInfo, error) {
		ctx, cancel, err := c.bound(ctx)
		if err != nil {
			return nil, err
		}
		defer cancel()
		info, err := c.wm.GetGroupInfo(ctx, group)
		if err != nil {
			return nil, errors.NewTransient("group info "+group.String(), err)
		}
		return toGroupInfo(info), nil
	})
}

func toGroupInfo(info *types.GroupInfo) *chat.GroupInfo {
	g := &chat.GroupInfo{JID: info.JID, Name: info.Name}
	for _, p := range info.Participants {
		g.Participants = append(g.Participants, chat.Participant{
			JID:          p.JID,
			LID:          p.LID,
			Phone:        p.PhoneNumber,
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
	}
	return g
}

// Delete revokes env for everyone.
func (c *Client) Delete(ctx context.Context, env *chat.Envelope) error {
	sender := env.Sender
	if env.IsFromSelf {
		sender = types.EmptyJID
	}
	_, err := c.send(ctx, env.Chat, c.wm.BuildRevoke(env.Chat, sender, env.ID))
	return err
}

// RemoveParticipants kicks users from group.
func (c *Client) RemoveParticipants(ctx context.Context, group types.JID, users ...types.JID) error {
	ctx, cancel, err := c.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.groups.Invalidate(group)
	if _, err := c.wm.UpdateGroupParticipants(ctx, group, users, whatsmeow.ParticipantChangeRemove); err != nil {
		return errors.NewTransient("remove participants", err)
	}
	return nil
}

// React puts emoji on env.
func (c *Client) React(ctx context.Context, env *chat.Envelope, emoji string) error {
	_, err := c.send(ctx, env.Chat, c.wm.BuildReaction(env.Chat, env.Sender, env.ID, emoji))
	return err
}

// MarkRead sends a read receipt for env.
func (c *Client) MarkRead(ctx context.Context, env *chat.Envelope) error {
	ctx, cancel, err := c.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := c.wm.MarkRead(ctx, []types.MessageID{env.ID}, time.Now(), env.Chat, env.Sender); err != nil {
		return errors.NewTransient("mark read", err)
	}
	return nil
}

// Download fetches and decrypts an attachment.
func (c *Client) Download(ctx context.Context, m *chat.Media) ([]byte, error) {
	if m == nil || m.Source == nil {
		return nil, errors.NewTransient("download", errNoMedia)
	}
	data, err := c.wm.Download(ctx, m.Source)
	if err != nil {
		return nil, errors.NewTransient("download "+string(m.Type), err)
	}
	return data, nil
}

// Self returns the phone JID and, when known, the LID of the account.
func (c *Client) Self() []types.JID {
	var out []types.JID
	if id := c.wm.Store.ID; id != nil {
		out = append(out, id.ToNonAD())
	}
	if lid := c.wm.Store.LID; !lid.IsEmpty() {
		out = append(out, lid.ToNonAD())
	}
	return out
}

var _ chat.Messenger = (*Client)(nil)
