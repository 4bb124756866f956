package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types"
)

func utilityCommands() []Descriptor {
	return []Descriptor{
		{Name: "ping", Description: "Check the bot's response time", Handler: ping},
		{Name: "alive", Description: "Show bot status and uptime", Handler: alive},
		{Name: "menu", Aliases: []string{"help", "list"}, Description: "List the commands", Handler: menu},
		{Name: "owner", Description: "Show the owner's contact", Handler: owner},
		{
			Name:          "topmembers",
			Aliases:       []string{"top"},
			Description:   "Rank the most active members of this group",
			RequiresGroup: true,
			Handler:       topMembers,
		},
	}
}

func ping(ctx context.Context, c *Context) error {
	latency := time.Duration(0)
	if !c.Env.Timestamp.IsZero() {
		latency = time.Since(c.Env.Timestamp)
	}
	return c.Reply(ctx, fmt.Sprintf("🏓 Pong! %dms", latency.Milliseconds()))
}

func alive(ctx context.Context, c *Context) error {
	uptime := time.Since(c.Started).Truncate(time.Second)
	text := fmt.Sprintf("*%s is active!* ✅\n\n• Version: %s\n• Mode: %s\n• Uptime: %s\n• Prefix: %s",
		c.Config.BotName, c.Version, c.Settings.Mode(), uptime, c.Prefix())
	return c.Reply(ctx, text)
}

func menu(ctx context.Context, c *Context) error {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s commands*\n", c.Config.BotName)
	category := ""
	for _, d := range c.Registry.List() {
		if d.Category != category {
			category = d.Category
			fmt.Fprintf(&b, "\n*%s*\n", strings.ToUpper(category))
		}
		fmt.Fprintf(&b, "• %s%s", c.Prefix(), d.Name)
		if d.Usage != "" {
			fmt.Fprintf(&b, " %s", d.Usage)
		}
		if d.Description != "" {
			fmt.Fprintf(&b, " – %s", d.Description)
		}
		b.WriteByte('\n')
	}
	return c.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func owner(ctx context.Context, c *Context) error {
	number := c.Config.OwnerNumber
	_, err := c.Messenger.SendText(ctx, c.Env.Chat, fmt.Sprintf("👑 Owner: @%s\nwa.me/%s", number, number),
		types.NewJID(number, types.DefaultUserServer))
	return err
}

func topMembers(ctx context.Context, c *Context) error {
	top := c.Counters.Top(c.Env.Chat, 10)
	if len(top) == 0 {
		return c.Reply(ctx, "No messages counted in this group yet.")
	}
	var b strings.Builder
	b.WriteString("*Most active members*\n")
	mentions := make([]types.JID, 0, len(top))
	for i, m := range top {
		j := types.NewJID(m.User, types.DefaultUserServer)
		mentions = append(mentions, j)
		fmt.Fprintf(&b, "\n%d. %s – %d messages", i+1, mention(j), m.Count)
	}
	_, err := c.Messenger.SendText(ctx, c.Env.Chat, b.String(), mentions...)
	return err
}
