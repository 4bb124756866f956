package commands

import (
	"context"
	"fmt"
	"strings"

	"wabot/internal/config"
)

func ownerCommands() []Descriptor {
	return []Descriptor{
		{
			Name:          "mode",
			Description:   "Let everyone or only the owner use the bot",
			Usage:         "<public|private>",
			Category:      CategoryOwner,
			RequiresOwner: true,
			Handler:       setMode,
		},
		{
			Name:          "autoread",
			Description:   "Mark incoming messages as read",
			Usage:         "[on|off]",
			Category:      CategoryOwner,
			RequiresOwner: true,
			Handler:       autoRead,
		},
		{
			Name:          "settings",
			Aliases:       []string{"getsettings"},
			Description:   "Show the current settings",
			Category:      CategoryOwner,
			RequiresOwner: true,
			Handler:       showSettings,
		},
	}
}

func setMode(ctx context.Context, c *Context) error {
	if len(c.Args) == 0 {
		return c.Reply(ctx, fmt.Sprintf("Current mode: *%s*\nUsage: %smode public | private", c.Settings.Mode(), c.Prefix()))
	}
	mode := strings.ToLower(c.Args[0])
	switch mode {
	case "self":
		mode = config.ModePrivate
	case config.ModePublic, config.ModePrivate:
	default:
		return c.Reply(ctx, fmt.Sprintf("❌ Invalid mode! Use: %smode public | private", c.Prefix()))
	}
	if err := c.Settings.SetMode(mode); err != nil {
		return err
	}
	return c.Reply(ctx, fmt.Sprintf("✅ Bot is now in *%s* mode.", mode))
}

func autoRead(ctx context.Context, c *Context) error {
	on, ok := parseSwitch(c.Args, c.Settings.AutoRead())
	if !ok {
		return c.Reply(ctx, fmt.Sprintf("❌ Invalid option! Use: %sautoread on/off", c.Prefix()))
	}
	if err := c.Settings.SetAutoRead(on); err != nil {
		return err
	}
	state := "disabled"
	if on {
		state = "enabled"
	}
	return c.Reply(ctx, fmt.Sprintf("✅ Auto-read has been %s!", state))
}

func showSettings(ctx context.Context, c *Context) error {
	rt := c.Settings.Snapshot()
	t := c.Presence.Toggle()

	var b strings.Builder
	fmt.Fprintf(&b, "*Bot Settings*\n\n")
	fmt.Fprintf(&b, "• Mode: %s\n", rt.Mode)
	fmt.Fprintf(&b, "• Auto Read: %s\n", onOff(rt.AutoRead))
	fmt.Fprintf(&b, "• Auto Typing: %s\n", onOff(t.AutoTyping))
	fmt.Fprintf(&b, "• Auto Recording: %s\n", onOff(t.AutoRecording))
	fmt.Fprintf(&b, "• Always Online: %s\n", onOff(t.AlwaysOnline))
	if c.Env.IsGroup {
		s := c.Moderation.ChatSettings(c.Env.Chat)
		fmt.Fprintf(&b, "\n*This group*\n")
		fmt.Fprintf(&b, "• Antilink: %s\n", onOff(s.AntiLink))
		fmt.Fprintf(&b, "• Antitag: %s\n", onOff(s.AntiTag))
		fmt.Fprintf(&b, "• Antibadword: %s\n", onOff(s.AntiBadword))
		fmt.Fprintf(&b, "• Welcome: %s\n", onOff(s.Welcome))
	}
	if c.Chatbot != nil {
		fmt.Fprintf(&b, "• Chatbot: %s\n", onOff(c.Chatbot.Enabled(c.Env.Chat)))
	}
	return c.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}
