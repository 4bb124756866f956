package assistant

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
	"wabot/internal/kvstore"
)

const chatbotNamespace = "chatbot"

type toggle struct {
	Enabled bool `json:"enabled"`
}

type conversation struct {
	history []Message
	timer   *time.Timer
}

// Chatbot replies to ordinary messages in chats where it is enabled. A
// burst of messages is answered once, after ReplyDelay of quiet.
type Chatbot struct {
	assistant  *Assistant
	msgr       chat.Messenger
	store      *kvstore.Store
	delay      time.Duration
	maxHistory int
	log        zerolog.Logger

	mu     sync.Mutex
	convos map[types.JID]*conversation
	closed bool
}

// NewChatbot creates a Chatbot. delay is the quiet period before replying.
func NewChatbot(a *Assistant, msgr chat.Messenger, store *kvstore.Store, delay time.Duration, maxHistory int, log zerolog.Logger) *Chatbot {
	if maxHistory <= 0 {
		maxHistory = 30
	}
	return &Chatbot{
		assistant:  a,
		msgr:       msgr,
		store:      store,
		delay:      delay,
		maxHistory: maxHistory,
		log:        log,
		convos:     make(map[types.JID]*conversation),
	}
}

// Enabled reports whether auto-reply is on for c.
func (b *Chatbot) Enabled(c types.JID) bool {
	var t toggle
	_, _ = b.store.Read(chatbotNamespace, c.User, &t)
	return t.Enabled
}

// SetEnabled switches auto-reply for c. Disabling drops the history.
func (b *Chatbot) SetEnabled(c types.JID, on bool) error {
	if err := b.store.Write(chatbotNamespace, c.User, toggle{Enabled: on}); err != nil {
		return err
	}
	if !on {
		b.mu.Lock()
		if cv, ok := b.convos[c]; ok {
			if cv.timer != nil {
				cv.timer.Stop()
			}
			delete(b.convos, c)
		}
		b.mu.Unlock()
	}
	return nil
}

// addressed reports whether the bot should answer env: always in direct
// chats, in groups only when mentioned or replied to.
func (b *Chatbot) addressed(env *chat.Envelope) bool {
	if !env.IsGroup {
		return true
	}
	for _, m := range env.Mentions {
		if chat.IsSelf(b.msgr, m) {
			return true
		}
	}
	return env.Quoted != nil && chat.IsSelf(b.msgr, env.Quoted.Sender)
}

// OnMessage is the ambient hook for non-command text.
func (b *Chatbot) OnMessage(env *chat.Envelope) {
	if env.IsFromSelf || env.Text == "" || !b.Enabled(env.Chat) || !b.addressed(env) {
		return
	}
	text, injected := Sanitize(env.Text)
	if injected {
		b.log.Warn().Str("chat", env.Chat.String()).Str("sender", env.Sender.String()).
			Str("text", truncate(env.Text, 100)).Msg("injection attempt ignored")
		return
	}
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	cv, ok := b.convos[env.Chat]
	if !ok {
		cv = &conversation{}
		b.convos[env.Chat] = cv
	}
	cv.history = append(cv.history, Message{Role: RoleUser, Text: text})
	if over := len(cv.history) - b.maxHistory; over > 0 {
		cv.history = append([]Message(nil), cv.history[over:]...)
	}

	if cv.timer != nil {
		cv.timer.Stop()
	}
	go func() {
		defer b.recoverPanic(env.Chat, "composing indicator")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = b.msgr.SendChatPresence(ctx, env.Chat, chat.Composing)
	}()
	c := env.Chat
	cv.timer = time.AfterFunc(b.delay, func() { b.respond(c) })
}

func (b *Chatbot) respond(c types.JID) {
	defer b.recoverPanic(c, "reply")
	b.mu.Lock()
	cv, ok := b.convos[c]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	cv.timer = nil
	history := append([]Message(nil), cv.history...)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	reply, err := b.assistant.Reply(ctx, history)
	if err != nil {
		b.log.Error().Err(err).Str("chat", c.String()).Msg("chatbot reply failed")
		_ = b.msgr.SendChatPresence(ctx, c, chat.Paused)
		return
	}
	if _, err := b.msgr.SendText(ctx, c, reply); err != nil {
		b.log.Error().Err(err).Str("chat", c.String()).Msg("chatbot send failed")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cv, ok := b.convos[c]; ok {
		cv.history = append(cv.history, Message{Role: RoleAssistant, Text: reply})
	}
}

// recoverPanic logs a panic from a detached reply goroutine. The
// conversation is kept, so the next message retries.
func (b *Chatbot) recoverPanic(c types.JID, what string) {
	if r := recover(); r != nil {
		b.log.Error().Interface("panic", r).Str("chat", c.String()).Str("stack", string(debug.Stack())).
			Msgf("chatbot %s panicked", what)
	}
}

// History returns a copy of the conversation kept for c.
func (b *Chatbot) History(c types.JID) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cv, ok := b.convos[c]; ok {
		return append([]Message(nil), cv.history...)
	}
	return nil
}

// Close cancels pending replies.
func (b *Chatbot) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, cv := range b.convos {
		if cv.timer != nil {
			cv.timer.Stop()
		}
	}
}
