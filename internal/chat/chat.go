// Package chat holds the protocol-neutral message envelope and the outbound
// messaging contract shared by the router, the commands and the engines
// that react to messages.
package chat

import (
	"context"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
)

// Kind tags what an envelope carries.
type Kind int

const (
	KindEmpty Kind = iota
	KindText
	KindMedia
	KindButtonReply
	KindRevoke
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindMedia:
		return "media"
	case KindButtonReply:
		return "button"
	case KindRevoke:
		return "revoke"
	default:
		return "empty"
	}
}

// MediaType names the attachment kind.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaSticker  MediaType = "sticker"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// Media describes an attachment. Source is what the adapter downloads.
type Media struct {
	Type     MediaType
	MimeType string
	Seconds  uint32
	Animated bool
	Source   whatsmeow.DownloadableMessage
}

// Quoted is the message an envelope replies to.
type Quoted struct {
	ID     string
	Sender types.JID
	Text   string
	Media  *Media
}

// Envelope is one normalized inbound message.
type Envelope struct {
	ID        string
	Chat      types.JID
	Sender    types.JID
	// SenderPhone is the phone-number JID when Sender is a LID.
	SenderPhone types.JID
	PushName    string
	IsGroup     bool
	IsFromSelf  bool
	Kind        Kind
	Text        string
	Media       *Media
	Mentions    []types.JID
	Quoted      *Quoted
	Timestamp   time.Time
}

// IsStatus reports whether the envelope is a status broadcast.
func (e *Envelope) IsStatus() bool {
	return e.Chat.Server == types.BroadcastServer && e.Chat.User == types.StatusBroadcastJID.User
}

// SenderNumber is the sender's phone number when known, else the user part.
func (e *Envelope) SenderNumber() string {
	if !e.SenderPhone.IsEmpty() {
		return e.SenderPhone.User
	}
	return e.Sender.User
}

// ChatPresence is the per-chat indicator sent to a conversation.
type ChatPresence int

const (
	Paused ChatPresence = iota
	Composing
	Recording
)

func (p ChatPresence) String() string {
	switch p {
	case Composing:
		return "composing"
	case Recording:
		return "recording"
	default:
		return "paused"
	}
}

// Participant is one group member with every identity the server reported.
type Participant struct {
	JID          types.JID
	LID          types.JID
	Phone        types.JID
	IsAdmin      bool
	IsSuperAdmin bool
}

// GroupInfo is the subset of group metadata the bot uses.
type GroupInfo struct {
	JID          types.JID
	Name         string
	Participants []Participant
}

// IsAdmin reports whether any identity of who is an admin of the group.
func (g *GroupInfo) IsAdmin(who ...types.JID) bool {
	for _, p := range g.Participants {
		if !p.IsAdmin && !p.IsSuperAdmin {
			continue
		}
		for _, w := range who {
			if w.IsEmpty() {
				continue
			}
			if SameUser(p.JID, w) || SameUser(p.LID, w) || SameUser(p.Phone, w) {
				return true
			}
		}
	}
	return false
}

// Messenger is everything the bot sends. Implementations rate limit and
// bound every call with a timeout.
type Messenger interface {
	SendText(ctx context.Context, to types.JID, text string, mentions ...types.JID) (string, error)
	Reply(ctx context.Context, env *Envelope, text string) error
	SendSticker(ctx context.Context, to types.JID, webp []byte, animated bool) error
	SendChatPresence(ctx context.Context, to types.JID, p ChatPresence) error
	SendPresence(ctx context.Context, available bool) error
	SubscribePresence(ctx context.Context, who types.JID) error
	GroupInfo(ctx context.Context, group types.JID) (*GroupInfo, error)
	Delete(ctx context.Context, env *Envelope) error
	RemoveParticipants(ctx context.Context, group types.JID, users ...types.JID) error
	React(ctx context.Context, env *Envelope, emoji string) error
	MarkRead(ctx context.Context, env *Envelope) error
	Download(ctx context.Context, m *Media) ([]byte, error)
	// Self returns the bot's own identities (phone JID, then LID).
	Self() []types.JID
}

// SameUser compares the user part of two JIDs, ignoring device and server
// suffix differences.
func SameUser(a, b types.JID) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return false
	}
	return a.User == b.User
}

// IsSelf reports whether who is one of the bot's identities.
func IsSelf(m Messenger, who types.JID) bool {
	for _, s := range m.Self() {
		if SameUser(s, who) {
			return true
		}
	}
	return false
}

// UserJID turns a bare number or a full JID string into a user JID.
func UserJID(s string) (types.JID, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "@"))
	if s == "" {
		return types.EmptyJID, false
	}
	if strings.Contains(s, "@") {
		j, err := types.ParseJID(s)
		if err != nil || j.User == "" {
			return types.EmptyJID, false
		}
		return j.ToNonAD(), true
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return types.EmptyJID, false
	}
	return types.NewJID(digits, types.DefaultUserServer), true
}
