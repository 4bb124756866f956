package commands

import (
	"context"
	"fmt"

	"wabot/internal/chat"
	"wabot/internal/transcode"
)

func mediaCommands() []Descriptor {
	return []Descriptor{
		{
			Name:        "sticker",
			Aliases:     []string{"s"},
			Description: "Turn an image or short video into a sticker",
			Usage:       "(reply to media)",
			Category:    CategoryMedia,
			Handler:     stickerHandler(false),
		},
		{
			Name:        "crop",
			Aliases:     []string{"stickercrop"},
			Description: "Like sticker, cropped to a square",
			Usage:       "(reply to media)",
			Category:    CategoryMedia,
			Handler:     stickerHandler(true),
		},
	}
}

// sourceMedia is the attachment of the command message itself, else of
// the message it quotes.
func (c *Context) sourceMedia() *chat.Media {
	if c.Env.Media != nil {
		return c.Env.Media
	}
	if c.Env.Quoted != nil {
		return c.Env.Quoted.Media
	}
	return nil
}

func stickerHandler(crop bool) Handler {
	return func(ctx context.Context, c *Context) error {
		m := c.sourceMedia()
		if m == nil || (m.Type != chat.MediaImage && m.Type != chat.MediaVideo && m.Type != chat.MediaSticker) {
			return c.Reply(ctx, fmt.Sprintf("Please reply to an image, video or sticker with %s%s, or send one with %s%s as the caption.",
				c.Prefix(), c.Name, c.Prefix(), c.Name))
		}
		data, err := c.Messenger.Download(ctx, m)
		if err != nil {
			c.Log.Error().Err(err).Str("chat", c.Env.Chat.String()).Msg("downloading sticker source")
			return c.Reply(ctx, "❌ Failed to download the media. Try again.")
		}
		animated := m.Type == chat.MediaVideo || m.Animated
		webp, err := c.Transcoder.Transcode(ctx, data, transcode.StickerWebP, transcode.Options{Animated: animated, Crop: crop})
		if err != nil {
			c.Log.Error().Err(err).Str("chat", c.Env.Chat.String()).Msg("creating sticker")
			return c.Reply(ctx, "❌ Failed to create sticker! Try again.")
		}
		return c.Messenger.SendSticker(ctx, c.Env.Chat, webp, animated)
	}
}
