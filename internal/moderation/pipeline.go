// Package moderation runs the per-message group safety checks (ban,
// bad words, links, mass tagging) ahead of any command or ambient handling.
package moderation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"wabot/internal/chat"
	"wabot/internal/config"
	"wabot/internal/errors"
)

// Check names, in pipeline order.
const (
	CheckBan     = "ban"
	CheckBadword = "badword"
	CheckLink    = "antilink"
	CheckTag     = "antitag"
)

var linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|chat\.whatsapp\.com/\S+|\b[a-z0-9-]+\.(com|net|org|io|me|ly|gg|xyz|co|app|link|info)\b)`)

var massTagPattern = regexp.MustCompile(`(?i)(^|\s)@(everyone|all|here)\b`)

// Config holds the pipeline policy.
type Config struct {
	BanNoticeRate float64
	WarnLimit     int
	BadWords      []string
	LinkAction    string
	TagLimit      int
}

// ConfigFrom extracts the pipeline policy from the process configuration.
func ConfigFrom(c config.ModerationConfig) Config {
	return Config{
		BanNoticeRate: c.BanNoticeRate,
		WarnLimit:     c.WarnLimit,
		BadWords:      c.BadWords,
		LinkAction:    c.LinkAction,
		TagLimit:      c.TagLimit,
	}
}

// Message is what the checks look at.
type Message struct {
	Env *chat.Envelope
	// Command is the parsed command name when the text is a command.
	Command string
	// IsOperator is true for the owner and sudo users.
	IsOperator bool
}

// Verdict is the pipeline result. Stop means the message must not reach
// commands or ambient handlers.
type Verdict struct {
	Stop  bool
	Check string
}

// Pipeline runs the checks.
type Pipeline struct {
	msgr    chat.Messenger
	state   *State
	cfg     Config
	log     zerolog.Logger
	badword *regexp.Regexp
	rand    func() float64
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithRand replaces the sampling source used for ban notices.
func WithRand(fn func() float64) Option {
	return func(p *Pipeline) { p.rand = fn }
}

// New builds a pipeline.
func New(msgr chat.Messenger, state *State, cfg Config, log zerolog.Logger, opts ...Option) *Pipeline {
	if cfg.WarnLimit <= 0 {
		cfg.WarnLimit = 3
	}
	if cfg.TagLimit <= 0 {
		cfg.TagLimit = 5
	}
	if cfg.LinkAction == "" {
		cfg.LinkAction = config.LinkActionDelete
	}
	p := &Pipeline{
		msgr:    msgr,
		state:   state,
		cfg:     cfg,
		log:     log,
		badword: compileWords(cfg.BadWords),
		rand:    rand.Float64,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func compileWords(words []string) *regexp.Regexp {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

// State exposes the persisted moderation state.
func (p *Pipeline) State() *State {
	return p.state
}

// Run executes the checks in order and stops at the first violation. The
// ban check applies to every chat, the others to groups only. A check that
// fails to execute counts as no violation.
func (p *Pipeline) Run(ctx context.Context, msg Message) Verdict {
	env := msg.Env
	if env == nil || env.IsFromSelf {
		return Verdict{}
	}
	rc := &runCtx{Pipeline: p, msg: msg}

	if p.safe(ctx, CheckBan, msg, rc.ban) {
		return Verdict{Stop: true, Check: CheckBan}
	}
	if !env.IsGroup || msg.IsOperator {
		return Verdict{}
	}

	settings := p.state.ChatSettings(env.Chat)
	checks := []struct {
		name    string
		enabled bool
		fn      func(context.Context) (bool, error)
	}{
		{CheckBadword, settings.AntiBadword, rc.badwords},
		{CheckLink, settings.AntiLink, rc.links},
		{CheckTag, settings.AntiTag, rc.tags},
	}
	for _, c := range checks {
		if !c.enabled {
			continue
		}
		if p.safe(ctx, c.name, msg, c.fn) {
			return Verdict{Stop: true, Check: c.name}
		}
	}
	return Verdict{}
}

// safe runs one check behind a recover boundary.
func (p *Pipeline) safe(ctx context.Context, name string, msg Message, fn func(context.Context) (bool, error)) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.NewModerationFailed(name, fmt.Errorf("panic: %v", r))
			p.log.Error().Err(err).Str("chat", msg.Env.Chat.String()).Msg("moderation check crashed")
			stop = false
		}
	}()
	stop, err := fn(ctx)
	if err != nil {
		p.log.Warn().Err(errors.NewModerationFailed(name, err)).Str("chat", msg.Env.Chat.String()).
			Msg("moderation check failed, treating as no violation")
		return false
	}
	return stop
}

// runCtx caches the group lookup across the checks of one message.
type runCtx struct {
	*Pipeline
	msg     Message
	group   *chat.GroupInfo
	fetched bool
}

func (r *runCtx) groupInfo(ctx context.Context) *chat.GroupInfo {
	if !r.fetched {
		r.fetched = true
		g, err := r.msgr.GroupInfo(ctx, r.msg.Env.Chat)
		if err != nil {
			r.log.Debug().Err(err).Str("chat", r.msg.Env.Chat.String()).Msg("group lookup failed")
		}
		r.group = g
	}
	return r.group
}

func (r *runCtx) senderIsAdmin(ctx context.Context) bool {
	g := r.groupInfo(ctx)
	return g != nil && g.IsAdmin(r.msg.Env.Sender, r.msg.Env.SenderPhone)
}

func (r *runCtx) botIsAdmin(ctx context.Context) bool {
	g := r.groupInfo(ctx)
	return g != nil && g.IsAdmin(r.msgr.Self()...)
}

func (r *runCtx) ban(ctx context.Context) (bool, error) {
	env := r.msg.Env
	if !r.state.IsBannedAny(env.Sender, env.SenderPhone) || r.msg.Command == "unban" {
		return false, nil
	}
	if r.rand() < r.cfg.BanNoticeRate {
		if err := r.msgr.Reply(ctx, env, "❌ You are banned from using this bot."); err != nil {
			r.log.Debug().Err(err).Msg("ban notice not sent")
		}
	}
	return true, nil
}

func (r *runCtx) badwords(ctx context.Context) (bool, error) {
	if r.badword == nil || !r.badword.MatchString(r.msg.Env.Text) {
		return false, nil
	}
	r.remove(ctx)
	return true, r.warn(ctx, "bad language")
}

func (r *runCtx) links(ctx context.Context) (bool, error) {
	if !linkPattern.MatchString(r.msg.Env.Text) || r.senderIsAdmin(ctx) {
		return false, nil
	}
	r.remove(ctx)
	switch r.cfg.LinkAction {
	case config.LinkActionWarn:
		return true, r.warn(ctx, "links are not allowed")
	case config.LinkActionKick:
		return true, r.kick(ctx, "posting links")
	}
	return true, r.notify(ctx, "🔗 Links are not allowed in this group.")
}

func (r *runCtx) tags(ctx context.Context) (bool, error) {
	env := r.msg.Env
	if len(env.Mentions) < r.cfg.TagLimit && !massTagPattern.MatchString(env.Text) {
		return false, nil
	}
	if r.senderIsAdmin(ctx) {
		return false, nil
	}
	r.remove(ctx)
	return true, r.warn(ctx, "mass tagging")
}

// remove deletes the offending message when the bot can.
func (r *runCtx) remove(ctx context.Context) {
	if !r.botIsAdmin(ctx) {
		r.log.Debug().Str("chat", r.msg.Env.Chat.String()).Msg("cannot delete, bot is not admin")
		return
	}
	if err := r.msgr.Delete(ctx, r.msg.Env); err != nil {
		r.log.Warn().Err(err).Str("chat", r.msg.Env.Chat.String()).Msg("delete failed")
	}
}

// warn adds one warning and kicks at the limit.
func (r *runCtx) warn(ctx context.Context, why string) error {
	env := r.msg.Env
	n, err := r.state.Warn(env.Chat, env.SenderNumber())
	if err != nil {
		return err
	}
	if n >= r.cfg.WarnLimit {
		return r.kick(ctx, fmt.Sprintf("%d warnings", n))
	}
	return r.notify(ctx, fmt.Sprintf("⚠️ @%s warning %d/%d: %s.", env.Sender.User, n, r.cfg.WarnLimit, why))
}

func (r *runCtx) kick(ctx context.Context, why string) error {
	env := r.msg.Env
	if !r.botIsAdmin(ctx) {
		return r.notify(ctx, fmt.Sprintf("⚠️ @%s should be removed (%s) but the bot is not an admin.", env.Sender.User, why))
	}
	if err := r.msgr.RemoveParticipants(ctx, env.Chat, env.Sender); err != nil {
		r.log.Warn().Err(err).Str("chat", env.Chat.String()).Msg("kick failed")
		return nil
	}
	return r.notify(ctx, fmt.Sprintf("🚫 @%s was removed: %s.", env.Sender.User, why))
}

// notify is best-effort: the violation stands even if the chat never sees
// the notice.
func (r *runCtx) notify(ctx context.Context, text string) error {
	if _, err := r.msgr.SendText(ctx, r.msg.Env.Chat, text, r.msg.Env.Sender); err != nil {
		r.log.Debug().Err(err).Str("chat", r.msg.Env.Chat.String()).Msg("moderation notice not sent")
	}
	return nil
}
