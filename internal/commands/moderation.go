package commands

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
	"wabot/internal/moderation"
)

func moderationCommands() []Descriptor {
	return []Descriptor{
		{
			Name:                "ban",
			Description:         "Ban a user from using the bot and remove them from the group",
			Usage:               "@user",
			Category:            CategoryModeration,
			RequiresGroup:       true,
			RequiresBotAdmin:    true,
			RequiresSenderAdmin: true,
			Handler:             ban,
		},
		{
			Name:          "unban",
			Description:   "Lift a ban",
			Usage:         "@user|number",
			Category:      CategoryModeration,
			RequiresOwner: true,
			Handler:       unban,
		},
		{
			Name:          "banlist",
			Description:   "List banned users",
			Category:      CategoryModeration,
			RequiresOwner: true,
			Handler:       banList,
		},
		{
			Name:                "kick",
			Aliases:             []string{"remove"},
			Description:         "Remove a member from the group",
			Usage:               "@user",
			Category:            CategoryModeration,
			RequiresGroup:       true,
			RequiresBotAdmin:    true,
			RequiresSenderAdmin: true,
			Handler:             kick,
		},
		{
			Name:                "warn",
			Description:         "Warn a member; the limit gets them removed",
			Usage:               "@user",
			Category:            CategoryModeration,
			RequiresGroup:       true,
			RequiresSenderAdmin: true,
			Handler:             warn,
		},
		{
			Name:                "resetwarn",
			Aliases:             []string{"unwarn", "clearwarn"},
			Description:         "Clear a member's warnings",
			Usage:               "@user",
			Category:            CategoryModeration,
			RequiresGroup:       true,
			RequiresSenderAdmin: true,
			Handler:             resetWarn,
		},
		{
			Name:          "warnings",
			Aliases:       []string{"warns"},
			Description:   "Show a member's warnings",
			Usage:         "[@user]",
			Category:      CategoryModeration,
			RequiresGroup: true,
			Handler:       warnings,
		},
		{
			Name:                "antilink",
			Description:         "Delete links posted by non-admins",
			Usage:               "[on|off]",
			Category:            CategoryModeration,
			RequiresGroup:       true,
			RequiresSenderAdmin: true,
			Handler:             chatSwitch("Antilink", func(s *moderation.Settings) *bool { return &s.AntiLink }),
		},
		{
			Name:                "antitag",
			Description:         "Delete mass mentions by non-admins",
			Usage:               "[on|off]",
			Category:            CategoryModeration,
			RequiresGroup:       true,
			RequiresSenderAdmin: true,
			Handler:             chatSwitch("Antitag", func(s *moderation.Settings) *bool { return &s.AntiTag }),
		},
		{
			Name:                "antibadword",
			Description:         "Delete messages with bad words and warn the sender",
			Usage:               "[on|off]",
			Category:            CategoryModeration,
			RequiresGroup:       true,
			RequiresSenderAdmin: true,
			Handler:             chatSwitch("Antibadword", func(s *moderation.Settings) *bool { return &s.AntiBadword }),
		},
		{
			Name:                "welcome",
			Description:         "Greet members who join and say goodbye to those who leave",
			Usage:               "[on|off]",
			Category:            CategoryModeration,
			RequiresGroup:       true,
			RequiresSenderAdmin: true,
			Handler:             chatSwitch("Welcome", func(s *moderation.Settings) *bool { return &s.Welcome }),
		},
	}
}

func (c *Context) targetOrUsage(ctx context.Context) (types.JID, bool, error) {
	who, ok := c.Target()
	if !ok {
		return who, false, c.Reply(ctx, fmt.Sprintf("Mention a user, reply to their message or give their number.\nUsage: %s%s @user", c.Prefix(), c.Name))
	}
	return who, true, nil
}

// protected reports whether who may not be acted on, with the reason.
func (c *Context) protected(who types.JID) (string, bool) {
	if chat.IsSelf(c.Messenger, who) {
		return "I can't do that to myself.", true
	}
	if c.isOperator(who) {
		return "The bot owner can't be targeted.", true
	}
	if p, ok := c.member(who); ok && p.IsSuperAdmin {
		return "The group creator can't be targeted.", true
	}
	return "", false
}

// rosterJID is who as the group roster knows them, for removal.
func (c *Context) rosterJID(who types.JID) types.JID {
	if p, ok := c.member(who); ok {
		return p.JID
	}
	return who
}

func ban(ctx context.Context, c *Context) error {
	who, ok, err := c.targetOrUsage(ctx)
	if !ok {
		return err
	}
	if why, no := c.protected(who); no {
		return c.Reply(ctx, "❌ "+why)
	}
	if c.Moderation.IsBanned(who.User) {
		return c.Reply(ctx, fmt.Sprintf("%s is already banned.", who.User))
	}
	if err := c.Moderation.Ban(who.User, c.Env.SenderNumber()); err != nil {
		return err
	}
	if err := c.Messenger.RemoveParticipants(ctx, c.Env.Chat, c.rosterJID(who)); err != nil {
		c.Log.Warn().Err(err).Str("user", who.String()).Msg("removing banned user")
	}
	_, err = c.Messenger.SendText(ctx, c.Env.Chat, fmt.Sprintf("🚫 %s has been banned.", mention(who)), who)
	return err
}

func unban(ctx context.Context, c *Context) error {
	who, ok, err := c.targetOrUsage(ctx)
	if !ok {
		return err
	}
	existed, err := c.Moderation.Unban(who.User)
	if err != nil {
		return err
	}
	if !existed {
		return c.Reply(ctx, fmt.Sprintf("%s is not banned.", who.User))
	}
	return c.Reply(ctx, fmt.Sprintf("✅ %s has been unbanned.", who.User))
}

func banList(ctx context.Context, c *Context) error {
	banned := c.Moderation.Banned()
	if len(banned) == 0 {
		return c.Reply(ctx, "No banned users.")
	}
	return c.Reply(ctx, "*Banned users*\n\n• "+strings.Join(banned, "\n• "))
}

func kick(ctx context.Context, c *Context) error {
	who, ok, err := c.targetOrUsage(ctx)
	if !ok {
		return err
	}
	if why, no := c.protected(who); no {
		return c.Reply(ctx, "❌ "+why)
	}
	if err := c.Messenger.RemoveParticipants(ctx, c.Env.Chat, c.rosterJID(who)); err != nil {
		return err
	}
	_, err = c.Messenger.SendText(ctx, c.Env.Chat, fmt.Sprintf("👢 %s has been removed.", mention(who)), who)
	return err
}

func warn(ctx context.Context, c *Context) error {
	who, ok, err := c.targetOrUsage(ctx)
	if !ok {
		return err
	}
	if why, no := c.protected(who); no {
		return c.Reply(ctx, "❌ "+why)
	}
	n, err := c.Moderation.Warn(c.Env.Chat, who.User)
	if err != nil {
		return err
	}
	limit := c.Config.Moderation.WarnLimit
	if n >= limit && c.Perms.IsBotAdmin {
		if err := c.Messenger.RemoveParticipants(ctx, c.Env.Chat, c.rosterJID(who)); err != nil {
			c.Log.Warn().Err(err).Str("user", who.String()).Msg("removing warned user")
		} else {
			_, err = c.Messenger.SendText(ctx, c.Env.Chat,
				fmt.Sprintf("🚫 %s reached %d warnings and has been removed.", mention(who), n), who)
			return err
		}
	}
	_, err = c.Messenger.SendText(ctx, c.Env.Chat, fmt.Sprintf("⚠️ %s has been warned (%d/%d).", mention(who), n, limit), who)
	return err
}

func resetWarn(ctx context.Context, c *Context) error {
	who, ok, err := c.targetOrUsage(ctx)
	if !ok {
		return err
	}
	if err := c.Moderation.ResetWarnings(c.Env.Chat, who.User); err != nil {
		return err
	}
	_, err = c.Messenger.SendText(ctx, c.Env.Chat, fmt.Sprintf("✅ Warnings for %s have been cleared.", mention(who)), who)
	return err
}

func warnings(ctx context.Context, c *Context) error {
	who, ok := c.Target()
	if !ok {
		who = c.canonical(c.Env.Sender.ToNonAD())
		if !c.Env.SenderPhone.IsEmpty() {
			who = c.Env.SenderPhone.ToNonAD()
		}
	}
	n := c.Moderation.Warnings(c.Env.Chat, who.User)
	_, err := c.Messenger.SendText(ctx, c.Env.Chat,
		fmt.Sprintf("%s has %d/%d warnings.", mention(who), n, c.Config.Moderation.WarnLimit), who)
	return err
}

// chatSwitch toggles one per-chat moderation flag.
func chatSwitch(label string, field func(*moderation.Settings) *bool) Handler {
	return func(ctx context.Context, c *Context) error {
		current := c.Moderation.ChatSettings(c.Env.Chat)
		on, ok := parseSwitch(c.Args, *field(&current))
		if !ok {
			return c.Reply(ctx, fmt.Sprintf("❌ Invalid option! Use: %s%s on/off", c.Prefix(), c.Name))
		}
		if _, err := c.Moderation.UpdateChatSettings(c.Env.Chat, func(s *moderation.Settings) { *field(s) = on }); err != nil {
			return err
		}
		return c.Reply(ctx, fmt.Sprintf("✅ %s is now %s in this group.", label, onOff(on)))
	}
}
