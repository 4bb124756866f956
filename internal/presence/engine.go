// Package presence simulates human presence: a single installation-wide
// mode (online, typing, recording or off) drives per-chat refresh loops
// that keep the indicator alive until the mode changes or the chat idles.
package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
	"wabot/internal/kvstore"
)

const (
	namespace = "presence"
	recordKey = "global"

	DefaultInterval      = 4500 * time.Millisecond
	DefaultIdleWindow    = 5 * time.Minute
	DefaultPulseDuration = time.Second
	sendTimeout          = 10 * time.Second
)

// Mode is the active presence simulation.
type Mode string

const (
	Off       Mode = "off"
	Online    Mode = "online"
	Typing    Mode = "typing"
	Recording Mode = "recording"
)

// ParseMode accepts the mode names and the legacy toggle names.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none", "disable":
		return Off, true
	case "online", "alwaysonline", "available":
		return Online, true
	case "typing", "autotyping", "composing":
		return Typing, true
	case "recording", "autorecording":
		return Recording, true
	}
	return Off, false
}

// Toggle is the persisted record. The three booleans mirror Mode so that
// at most one of them is ever true.
type Toggle struct {
	Mode          Mode `json:"mode"`
	AutoTyping    bool `json:"autotyping"`
	AutoRecording bool `json:"autorecording"`
	AlwaysOnline  bool `json:"alwaysonline"`
}

// ToggleFor builds the record for m.
func ToggleFor(m Mode) Toggle {
	return Toggle{
		Mode:          m,
		AutoTyping:    m == Typing,
		AutoRecording: m == Recording,
		AlwaysOnline:  m == Online,
	}
}

// normalize derives the mode from a record written by an older version
// that only carried the booleans.
func (t Toggle) normalize() Mode {
	if m, ok := ParseMode(string(t.Mode)); ok && t.Mode != "" {
		return m
	}
	switch {
	case t.AlwaysOnline:
		return Online
	case t.AutoTyping:
		return Typing
	case t.AutoRecording:
		return Recording
	}
	return Off
}

// Options configures an Engine.
type Options struct {
	Interval      time.Duration
	IdleWindow    time.Duration
	PulseDuration time.Duration
	Now           func() time.Time
}

// onlineKey keys the installation-wide online loop in the arena.
var onlineKey = types.EmptyJID

type loop struct {
	chat       types.JID
	mode       Mode
	stopCh     chan struct{}
	done       chan struct{}
	once       sync.Once
	lastActive time.Time
}

// Engine owns the toggle record and the arena of running loops.
type Engine struct {
	msgr  chat.Messenger
	store *kvstore.Store
	opts  Options
	log   zerolog.Logger

	mu    sync.Mutex
	mode  Mode
	loops map[types.JID]*loop
}

// New loads the persisted mode; a missing record means Off.
func New(msgr chat.Messenger, store *kvstore.Store, opts Options, log zerolog.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.IdleWindow <= 0 {
		opts.IdleWindow = DefaultIdleWindow
	}
	if opts.PulseDuration <= 0 {
		opts.PulseDuration = DefaultPulseDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		msgr:  msgr,
		store: store,
		opts:  opts,
		log:   log,
		mode:  Off,
		loops: make(map[types.JID]*loop),
	}
	var t Toggle
	if ok, err := store.Read(namespace, recordKey, &t); err != nil {
		log.Warn().Err(err).Msg("presence record unreadable, using off")
	} else if ok {
		e.mode = t.normalize()
	}
	return e
}

// Mode returns the active mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Toggle returns the record for the active mode.
func (e *Engine) Toggle() Toggle {
	return ToggleFor(e.Mode())
}

// SetMode persists m, replacing whichever mode was active. Every running
// loop is stopped on a change; typing and recording loops restart lazily on
// the next message, the online loop starts immediately.
func (e *Engine) SetMode(m Mode) (Mode, error) {
	if _, ok := ParseMode(string(m)); !ok {
		return Off, fmt.Errorf("unknown presence mode %q", m)
	}
	e.mu.Lock()
	prev := e.mode
	if err := e.store.Write(namespace, recordKey, ToggleFor(m)); err != nil {
		e.mu.Unlock()
		return prev, err
	}
	e.mode = m
	e.mu.Unlock()

	if prev != m {
		e.log.Info().Str("from", string(prev)).Str("to", string(m)).Msg("presence mode changed")
		e.StopAll()
		if m == Online {
			e.startLoop(onlineKey, Online)
		}
	}
	return prev, nil
}

// Resume starts the online loop after (re)connecting when that mode is
// active. Other modes wait for messages.
func (e *Engine) Resume() {
	if e.Mode() == Online {
		e.startLoop(onlineKey, Online)
	}
}

// OnMessage is the ambient hook: in typing or recording mode it starts (or
// refreshes) the loop for the message's chat.
func (e *Engine) OnMessage(env *chat.Envelope) {
	if env.IsFromSelf || env.IsStatus() {
		return
	}
	switch e.Mode() {
	case Typing, Recording:
		e.StartLoop(env.Chat)
	case Online:
		e.Touch(onlineKey)
	}
}

// StartLoop starts the refresh loop for chat in the current mode and
// returns its stop function. A second call while the loop runs only marks
// activity and returns the same stop function.
func (e *Engine) StartLoop(c types.JID) (stop func()) {
	mode := e.Mode()
	if mode == Off {
		return func() {}
	}
	if mode == Online {
		c = onlineKey
	}
	return e.startLoop(c, mode)
}

func (e *Engine) startLoop(c types.JID, mode Mode) func() {
	e.mu.Lock()
	if l, ok := e.loops[c]; ok {
		l.lastActive = e.opts.Now()
		e.mu.Unlock()
		return func() { e.stop(l) }
	}
	l := &loop{
		chat:       c,
		mode:       mode,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		lastActive: e.opts.Now(),
	}
	e.loops[c] = l
	e.mu.Unlock()

	e.log.Debug().Str("chat", c.String()).Str("mode", string(mode)).Msg("presence loop started")
	go e.run(l)
	return func() { e.stop(l) }
}

// Touch records activity so the reaper keeps the chat's loop.
func (e *Engine) Touch(c types.JID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.loops[c]; ok {
		l.lastActive = e.opts.Now()
	}
}

// StopLoop stops the chat's loop, if any.
func (e *Engine) StopLoop(c types.JID) {
	e.mu.Lock()
	l, ok := e.loops[c]
	e.mu.Unlock()
	if ok {
		e.stop(l)
	}
}

// StopAll stops every running loop.
func (e *Engine) StopAll() {
	e.mu.Lock()
	all := make([]*loop, 0, len(e.loops))
	for _, l := range e.loops {
		all = append(all, l)
	}
	e.mu.Unlock()
	for _, l := range all {
		e.stop(l)
	}
}

// Running returns the number of live loops.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.loops)
}

// IsRunning reports whether chat has a live loop.
func (e *Engine) IsRunning(c types.JID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loops[c]
	return ok
}

// stop is safe to call any number of times; only the first call acts.
func (e *Engine) stop(l *loop) {
	l.once.Do(func() {
		e.mu.Lock()
		if cur, ok := e.loops[l.chat]; ok && cur == l {
			delete(e.loops, l.chat)
		}
		e.mu.Unlock()
		close(l.stopCh)
	})
}

func (e *Engine) run(l *loop) {
	defer close(l.done)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("chat", l.chat.String()).Msg("presence loop crashed")
			e.stop(l)
		}
	}()

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	// The indicator goes out first; a slow subscribe must not delay it.
	e.refresh(l)
	if l.mode != Online {
		e.call(l, "subscribe", func(ctx context.Context) error {
			return e.msgr.SubscribePresence(ctx, l.chat)
		})
	}
	for {
		select {
		case <-l.stopCh:
			e.final(l)
			e.log.Debug().Str("chat", l.chat.String()).Msg("presence loop stopped")
			return
		case <-ticker.C:
			e.refresh(l)
		}
	}
}

func (e *Engine) refresh(l *loop) {
	switch l.mode {
	case Online:
		e.call(l, "available", func(ctx context.Context) error {
			return e.msgr.SendPresence(ctx, true)
		})
	case Typing:
		e.call(l, "composing", func(ctx context.Context) error {
			return e.msgr.SendChatPresence(ctx, l.chat, chat.Composing)
		})
	case Recording:
		e.call(l, "recording", func(ctx context.Context) error {
			return e.msgr.SendChatPresence(ctx, l.chat, chat.Recording)
		})
	}
}

func (e *Engine) final(l *loop) {
	if l.mode == Online {
		e.call(l, "unavailable", func(ctx context.Context) error {
			return e.msgr.SendPresence(ctx, false)
		})
		return
	}
	e.call(l, "paused", func(ctx context.Context) error {
		return e.msgr.SendChatPresence(ctx, l.chat, chat.Paused)
	})
}

// call runs one presence update with a timeout. Failures are logged and
// retried on the next tick.
func (e *Engine) call(l *loop, what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.log.Debug().Err(err).Str("chat", l.chat.String()).Str("update", what).Msg("presence update failed")
	}
}

// Pulse shows a brief typing indicator in chat, for use after a command.
func (e *Engine) Pulse(ctx context.Context, c types.JID) error {
	if err := e.msgr.SendChatPresence(ctx, c, chat.Composing); err != nil {
		return err
	}
	t := time.NewTimer(e.opts.PulseDuration)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	pctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return e.msgr.SendChatPresence(pctx, c, chat.Paused)
}

// Reap stops loops whose chat has been idle longer than the idle window
// and returns how many it stopped. The online loop is never reaped.
func (e *Engine) Reap() int {
	cutoff := e.opts.Now().Add(-e.opts.IdleWindow)
	e.mu.Lock()
	var stale []*loop
	for c, l := range e.loops {
		if c != onlineKey && l.lastActive.Before(cutoff) {
			stale = append(stale, l)
		}
	}
	e.mu.Unlock()
	for _, l := range stale {
		e.stop(l)
	}
	if len(stale) > 0 {
		e.log.Debug().Int("reaped", len(stale)).Msg("stopped idle presence loops")
	}
	return len(stale)
}

// RunReaper calls Reap periodically until ctx is done, then stops every
// loop.
func (e *Engine) RunReaper(ctx context.Context) {
	every := e.opts.IdleWindow / 2
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.StopAll()
			return
		case <-ticker.C:
			e.Reap()
		}
	}
}
