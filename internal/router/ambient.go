package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
	"wabot/internal/commands"
	"wabot/internal/moderation"
)

const ambientTimeout = 10 * time.Second

// MentionsBot reports whether env tags the bot, by mention or by number.
func MentionsBot(m chat.Messenger, env *chat.Envelope) bool {
	for _, j := range env.Mentions {
		if chat.IsSelf(m, j) {
			return true
		}
	}
	for _, self := range m.Self() {
		if !self.IsEmpty() && strings.Contains(env.Text, "@"+self.User) {
			return true
		}
	}
	return false
}

// AutoReader marks messages read when auto-read is on. Messages that tag
// the bot stay unread so the owner notices them.
type AutoReader struct {
	Settings  *commands.Settings
	Messenger chat.Messenger
	Log       zerolog.Logger
}

// OnMessage implements Ambient.
func (a *AutoReader) OnMessage(env *chat.Envelope) {
	if env.IsFromSelf || !a.Settings.AutoRead() || MentionsBot(a.Messenger, env) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ambientTimeout)
	defer cancel()
	if err := a.Messenger.MarkRead(ctx, env); err != nil {
		a.Log.Debug().Err(err).Str("chat", env.Chat.String()).Msg("auto-read failed")
	}
}

// OnStatus views status updates when auto-read is on.
func (a *AutoReader) OnStatus(ctx context.Context, env *chat.Envelope) {
	if env.IsFromSelf || !a.Settings.AutoRead() {
		return
	}
	if err := a.Messenger.MarkRead(ctx, env); err != nil {
		a.Log.Debug().Err(err).Str("sender", env.Sender.String()).Msg("viewing status failed")
	}
}

// ParticipantsUpdate is a group membership change.
type ParticipantsUpdate struct {
	Group  types.JID
	Joined []types.JID
	Left   []types.JID
}

// HandleParticipants greets joiners and says goodbye to leavers in groups
// with welcome enabled.
func (d *Dispatcher) HandleParticipants(ctx context.Context, u ParticipantsUpdate) {
	st := d.svc.Moderation.ChatSettings(u.Group)
	if !st.Welcome {
		return
	}
	joined := withoutSelf(d.svc.Messenger, u.Joined)
	left := withoutSelf(d.svc.Messenger, u.Left)
	if len(joined) > 0 {
		name := ""
		if g, err := d.svc.Messenger.GroupInfo(ctx, u.Group); err == nil {
			name = g.Name
		}
		d.announce(ctx, u.Group, joined, welcomeText(joined, name))
	}
	if len(left) > 0 {
		d.announce(ctx, u.Group, left, goodbyeText(left))
	}
}

func (d *Dispatcher) announce(ctx context.Context, group types.JID, who []types.JID, text string) {
	if _, err := d.svc.Messenger.SendText(ctx, group, text, who...); err != nil {
		d.log.Warn().Err(err).Str("chat", group.String()).Msg("sending membership notice")
	}
}

func withoutSelf(m chat.Messenger, in []types.JID) []types.JID {
	out := make([]types.JID, 0, len(in))
	for _, j := range in {
		if !chat.IsSelf(m, j) {
			out = append(out, j)
		}
	}
	return out
}

func mentionList(who []types.JID) string {
	parts := make([]string, len(who))
	for i, j := range who {
		parts[i] = "@" + j.User
	}
	return strings.Join(parts, ", ")
}

func welcomeText(who []types.JID, group string) string {
	if group == "" {
		group = "the group"
	}
	return fmt.Sprintf("👋 Welcome %s to *%s*!\nPlease read the group description and be respectful.", mentionList(who), group)
}

func goodbyeText(who []types.JID) string {
	return fmt.Sprintf("👋 Goodbye %s. Take care!", mentionList(who))
}

var _ Ambient = (*AutoReader)(nil)
var _ StatusHandler = (*AutoReader)(nil)
var _ Moderator = (*moderation.Pipeline)(nil)
