package commands

import (
	"context"
	stderrors "errors"
	"fmt"

	"wabot/internal/assistant"
	"wabot/internal/chat"
)

func assistantCommands() []Descriptor {
	return []Descriptor{
		{
			Name:        "ai",
			Aliases:     []string{"gpt", "ask"},
			Description: "Ask the assistant a question",
			Usage:       "<question>",
			Category:    CategoryAI,
			Handler:     ask,
		},
		{
			Name:                "chatbot",
			Description:         "Let the assistant answer messages in this chat",
			Usage:               "[on|off]",
			Category:            CategoryAI,
			RequiresSenderAdmin: true,
			Handler:             chatbotSwitch,
		},
	}
}

func ask(ctx context.Context, c *Context) error {
	if c.Assistant == nil {
		return c.Reply(ctx, "The assistant is not configured.")
	}
	prompt := c.ArgText()
	if prompt == "" {
		return c.Reply(ctx, fmt.Sprintf("Please provide a question after %s%s\n\nExample: %s%s write a basic html code",
			c.Prefix(), c.Name, c.Prefix(), c.Name))
	}
	if err := c.Messenger.SendChatPresence(ctx, c.Env.Chat, chat.Composing); err != nil {
		c.Log.Debug().Err(err).Msg("sending composing presence")
	}
	defer func() { _ = c.Messenger.SendChatPresence(ctx, c.Env.Chat, chat.Paused) }()

	answer, err := c.Assistant.Ask(ctx, prompt)
	if stderrors.Is(err, assistant.ErrRejected) {
		return c.Reply(ctx, "🤔 I can't help with that one.")
	}
	if err != nil {
		return err
	}
	return c.Reply(ctx, answer)
}

func chatbotSwitch(ctx context.Context, c *Context) error {
	if c.Chatbot == nil {
		return c.Reply(ctx, "The assistant is not configured.")
	}
	on, ok := parseSwitch(c.Args, c.Chatbot.Enabled(c.Env.Chat))
	if !ok {
		return c.Reply(ctx, fmt.Sprintf("❌ Invalid option! Use: %schatbot on/off", c.Prefix()))
	}
	if err := c.Chatbot.SetEnabled(c.Env.Chat, on); err != nil {
		return err
	}
	return c.Reply(ctx, fmt.Sprintf("✅ Chatbot is now %s in this chat.", onOff(on)))
}
