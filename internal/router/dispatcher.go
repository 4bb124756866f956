package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wabot/internal/chat"
	"wabot/internal/commands"
	"wabot/internal/errors"
	"wabot/internal/moderation"
)

// Denial messages, one per gate.
const (
	DenyPrivate     = "🔒 The bot is in private mode. Only the owner can use commands."
	DenyOwner       = "❌ This command is only available for the owner!"
	DenyGroup       = "❌ This command can only be used in groups."
	DenyBotAdmin    = "❌ Please make the bot an admin first to use this command."
	DenySenderAdmin = "❌ Only group admins can use this command."
	FailedToProcess = "❌ Failed to process command. Please try again later."
)

const (
	commandTimeout = 2 * time.Minute
	queueSize      = 256
)

// Moderator runs the group safety checks.
type Moderator interface {
	Run(ctx context.Context, msg moderation.Message) moderation.Verdict
}

// Ambient receives non-command messages that passed moderation.
type Ambient interface {
	OnMessage(env *chat.Envelope)
}

// AmbientFunc adapts a function to Ambient.
type AmbientFunc func(env *chat.Envelope)

// OnMessage implements Ambient.
func (f AmbientFunc) OnMessage(env *chat.Envelope) { f(env) }

// StatusHandler receives status broadcast updates.
type StatusHandler interface {
	OnStatus(ctx context.Context, env *chat.Envelope)
}

// Pulser emits the short typing cycle after a command.
type Pulser interface {
	Pulse(ctx context.Context, c types.JID) error
}

// Options configures a Dispatcher.
type Options struct {
	Ambient []Ambient
	Status  StatusHandler
	Pulser  Pulser
	// Reaction acknowledges a successful command; empty disables it.
	Reaction string
	// OnPanic is called with anything that escapes the worker's handlers.
	OnPanic func(r any)
	// ResolvePhone maps a LID sender to its phone-number JID, returning the
	// empty JID when unknown.
	ResolvePhone func(ctx context.Context, lid types.JID) types.JID
}

// Dispatcher routes envelopes. Handle processes one synchronously; Submit
// queues work for the single worker started by Run, preserving order.
type Dispatcher struct {
	svc  *commands.Services
	reg  *commands.Registry
	mod  Moderator
	opts Options
	log  zerolog.Logger

	queue chan func(context.Context)
}

// New creates a Dispatcher over the services' registry.
func New(svc *commands.Services, mod Moderator, opts Options, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		svc:   svc,
		reg:   svc.Registry,
		mod:   mod,
		opts:  opts,
		log:   log,
		queue: make(chan func(context.Context), queueSize),
	}
}

// Run processes queued work until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.runJob(ctx, job)
		}
	}
}

func (d *Dispatcher) runJob(ctx context.Context, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("router worker panicked")
			if d.opts.OnPanic != nil {
				d.opts.OnPanic(r)
			}
		}
	}()
	job(ctx)
}

func (d *Dispatcher) enqueue(job func(context.Context)) {
	select {
	case d.queue <- job:
	default:
		d.log.Warn().Int("capacity", queueSize).Msg("router queue full, waiting")
		d.queue <- job
	}
}

// Submit queues a message event.
func (d *Dispatcher) Submit(evt *events.Message) {
	d.enqueue(func(ctx context.Context) {
		env := Normalize(evt)
		if env.Sender.Server == types.HiddenUserServer && env.SenderPhone.IsEmpty() && d.opts.ResolvePhone != nil {
			env.SenderPhone = d.opts.ResolvePhone(ctx, env.Sender)
		}
		d.Handle(ctx, env)
	})
}

// SubmitParticipants queues a group membership change.
func (d *Dispatcher) SubmitParticipants(u ParticipantsUpdate) {
	d.enqueue(func(ctx context.Context) { d.HandleParticipants(ctx, u) })
}

// isOperator reports whether the envelope's author is the owner or a sudo
// user, by either of their identities.
func (d *Dispatcher) isOperator(env *chat.Envelope) bool {
	for _, op := range d.svc.Config.Operators() {
		if env.Sender.User == op || env.SenderPhone.User == op {
			return true
		}
	}
	return false
}

// Handle runs the routing steps for one envelope.
func (d *Dispatcher) Handle(ctx context.Context, env *chat.Envelope) {
	if env == nil || env.Kind == chat.KindEmpty || env.Kind == chat.KindRevoke {
		return
	}
	if env.IsStatus() {
		if d.opts.Status != nil {
			d.opts.Status.OnStatus(ctx, env)
		}
		return
	}
	operator := d.isOperator(env)
	if env.IsFromSelf && d.svc.Settings.IsPrivate() && !operator {
		return
	}

	name, args, isCommand := ParseCommand(env.Text, d.svc.Config.Prefix)
	if env.Kind == chat.KindButtonReply {
		isCommand = false
	}

	verdict := d.mod.Run(ctx, moderation.Message{Env: env, Command: name, IsOperator: operator || env.IsFromSelf})
	if verdict.Stop {
		d.log.Debug().Str("chat", env.Chat.String()).Str("sender", env.Sender.String()).
			Str("check", verdict.Check).Msg("message stopped by moderation")
		return
	}
	if env.IsGroup && !env.IsFromSelf && d.svc.Counters != nil {
		d.svc.Counters.Increment(env.Chat, env.SenderNumber())
	}

	if !isCommand {
		for _, a := range d.opts.Ambient {
			d.ambient(a, env)
		}
		return
	}

	desc, ok := d.reg.Lookup(name)
	if !ok {
		return
	}
	d.dispatch(ctx, env, desc, name, args, operator)
}

// ambient runs one ambient handler so that its failure cannot affect the
// others.
func (d *Dispatcher) ambient(a Ambient, env *chat.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("chat", env.Chat.String()).Msg("ambient handler panicked")
		}
	}()
	a.OnMessage(env)
}

func (d *Dispatcher) dispatch(ctx context.Context, env *chat.Envelope, desc commands.Descriptor, name string, args []string, operator bool) {
	log := d.log.With().Str("command", desc.Name).Str("chat", env.Chat.String()).Str("sender", env.Sender.String()).Logger()
	perms := commands.Permissions{IsOwner: operator || env.IsFromSelf}

	deny := func(text, gate string) {
		log.Info().Err(errors.NewPermissionDenied(gate)).Msg("command denied")
		if err := d.svc.Messenger.Reply(ctx, env, text); err != nil {
			log.Warn().Err(err).Msg("sending denial")
		}
	}

	if d.svc.Settings.IsPrivate() && !perms.IsOwner {
		deny(DenyPrivate, "mode")
		return
	}
	if desc.RequiresOwner && !perms.IsOwner {
		deny(DenyOwner, "owner")
		return
	}
	if desc.RequiresGroup && !env.IsGroup {
		deny(DenyGroup, "group")
		return
	}

	var group *chat.GroupInfo
	if env.IsGroup {
		g, err := d.svc.Messenger.GroupInfo(ctx, env.Chat)
		if err != nil {
			log.Warn().Err(err).Msg("group info lookup failed")
		} else {
			group = g
			perms.IsSenderAdmin = g.IsAdmin(env.Sender, env.SenderPhone)
			perms.IsBotAdmin = g.IsAdmin(d.svc.Messenger.Self()...)
		}
	}

	if desc.RequiresBotAdmin && !perms.IsBotAdmin {
		deny(DenyBotAdmin, "bot-admin")
		return
	}
	if desc.RequiresSenderAdmin && !perms.IsSenderAdmin && !perms.IsOwner {
		if env.IsGroup {
			deny(DenySenderAdmin, "sender-admin")
		} else {
			deny(DenyOwner, "sender-admin")
		}
		return
	}

	c := &commands.Context{
		Services: d.svc,
		Env:      env,
		Name:     name,
		Args:     args,
		RawText:  env.Text,
		Perms:    perms,
		Group:    group,
	}
	if err := d.invoke(ctx, desc, c); err != nil {
		log.Error().Err(err).Msg("command failed")
		if rerr := d.svc.Messenger.Reply(ctx, env, FailedToProcess); rerr != nil {
			log.Warn().Err(rerr).Msg("sending failure notice")
		}
		return
	}
	log.Debug().Msg("command handled")
	go d.acknowledge(env)
}

// invoke runs the handler behind a recover boundary.
func (d *Dispatcher) invoke(ctx context.Context, desc commands.Descriptor, c *commands.Context) (err error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("stack", string(debug.Stack())).Msg("command panicked")
			err = errors.NewHandlerFailed(desc.Name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := desc.Handler(ctx, c); err != nil {
		return errors.NewHandlerFailed(desc.Name, err)
	}
	return nil
}

// acknowledge sends the post-command pulse and reaction. Both are best
// effort.
func (d *Dispatcher) acknowledge(env *chat.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("command acknowledgement panicked")
			if d.opts.OnPanic != nil {
				d.opts.OnPanic(r)
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if d.opts.Reaction != "" {
		if err := d.svc.Messenger.React(ctx, env, d.opts.Reaction); err != nil {
			d.log.Debug().Err(err).Msg("command reaction failed")
		}
	}
	if d.opts.Pulser != nil {
		if err := d.opts.Pulser.Pulse(ctx, env.Chat); err != nil {
			d.log.Debug().Err(err).Msg("command pulse failed")
		}
	}
}

// ParseCommand splits a prefixed message into the command name and its
// arguments. Repeated prefix characters (".. ping", "...ping") are
// tolerated.
func ParseCommand(text, prefix string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	for strings.HasPrefix(text, prefix) {
		text = strings.TrimPrefix(text, prefix)
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}
	name = strings.ToLower(fields[0])
	name = strings.TrimRight(name, ".")
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}
