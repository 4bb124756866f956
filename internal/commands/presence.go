package commands

import (
	"context"
	"fmt"

	"wabot/internal/presence"
)

func presenceCommands() []Descriptor {
	return []Descriptor{
		{
			Name:          "autotyping",
			Description:   "Show typing in chats that message the bot",
			Usage:         "[on|off]",
			Category:      CategoryPresence,
			RequiresOwner: true,
			Handler:       presenceSwitch(presence.Typing, "Auto-typing"),
		},
		{
			Name:          "autorecording",
			Description:   "Show recording audio in chats that message the bot",
			Usage:         "[on|off]",
			Category:      CategoryPresence,
			RequiresOwner: true,
			Handler:       presenceSwitch(presence.Recording, "Auto-recording"),
		},
		{
			Name:          "alwaysonline",
			Description:   "Keep the account shown as online",
			Usage:         "[on|off]",
			Category:      CategoryPresence,
			RequiresOwner: true,
			Handler:       presenceSwitch(presence.Online, "Always-online"),
		},
		{
			Name:          "alwaysoffline",
			Description:   "Stop every presence simulation and appear offline",
			Category:      CategoryPresence,
			RequiresOwner: true,
			Handler:       alwaysOffline,
		},
		{
			Name:          "presence",
			Description:   "Set the presence mode",
			Usage:         "<online|typing|recording|off>",
			Category:      CategoryPresence,
			RequiresOwner: true,
			Handler:       setPresence,
		},
	}
}

// presenceSwitch toggles one mode. Turning a mode on replaces whichever
// other mode was active; turning it off only applies when it is the
// active one.
func presenceSwitch(mode presence.Mode, label string) Handler {
	return func(ctx context.Context, c *Context) error {
		active := c.Presence.Mode() == mode
		on, ok := parseSwitch(c.Args, active)
		if !ok {
			return c.Reply(ctx, fmt.Sprintf("❌ Invalid option! Use: %s%s on/off", c.Prefix(), c.Name))
		}
		switch {
		case on:
			if _, err := c.Presence.SetMode(mode); err != nil {
				return err
			}
		case active:
			if _, err := c.Presence.SetMode(presence.Off); err != nil {
				return err
			}
		}
		state := "disabled"
		if on {
			state = "enabled"
		}
		return c.Reply(ctx, fmt.Sprintf("✅ %s has been %s!", label, state))
	}
}

func alwaysOffline(ctx context.Context, c *Context) error {
	if _, err := c.Presence.SetMode(presence.Off); err != nil {
		return err
	}
	if err := c.Messenger.SendPresence(ctx, false); err != nil {
		c.Log.Warn().Err(err).Msg("sending unavailable presence")
	}
	return c.Reply(ctx, "✅ Presence simulation stopped, the bot now appears offline.")
}

func setPresence(ctx context.Context, c *Context) error {
	if len(c.Args) == 0 {
		return c.Reply(ctx, fmt.Sprintf("Current presence: *%s*\nUsage: %spresence online | typing | recording | off", c.Presence.Mode(), c.Prefix()))
	}
	mode, ok := presence.ParseMode(c.Args[0])
	if !ok {
		return c.Reply(ctx, fmt.Sprintf("Usage: %spresence online | typing | recording | off", c.Prefix()))
	}
	if _, err := c.Presence.SetMode(mode); err != nil {
		return err
	}
	if mode == presence.Off {
		return c.Reply(ctx, "Presence disabled.")
	}
	return c.Reply(ctx, fmt.Sprintf("Presence set to %s", mode))
}
