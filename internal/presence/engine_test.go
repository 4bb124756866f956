package presence

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
	"wabot/internal/chat/chattest"
	"wabot/internal/kvstore"
)

var groupChat = types.NewJID("120363000000000001", types.GroupServer)

func newEngine(t *testing.T, dir string, msgr chat.Messenger, opts Options) *Engine {
	t.Helper()
	store, err := kvstore.Open(dir, kvstore.Options{}, zerolog.Nop())
	require.NoError(t, err)
	if opts.Interval == 0 {
		opts.Interval = 10 * time.Millisecond
	}
	return New(msgr, store, opts, zerolog.Nop())
}

func countPresence(m *chattest.Messenger, p chat.ChatPresence) int {
	n := 0
	for _, c := range m.Ops("chatpresence") {
		if c.Presence == p {
			n++
		}
	}
	return n
}

func TestDefaultModeIsOff(t *testing.T) {
	e := newEngine(t, t.TempDir(), chattest.New("1"), Options{})
	assert.Equal(t, Off, e.Mode())
	assert.Equal(t, Toggle{Mode: Off}, e.Toggle())

	stop := e.StartLoop(groupChat)
	stop()
	assert.Equal(t, 0, e.Running())
}

func TestToggleRoundTripAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t, dir, chattest.New("1"), Options{})
	_, err := e.SetMode(Recording)
	require.NoError(t, err)

	reloaded := newEngine(t, dir, chattest.New("1"), Options{})
	assert.Equal(t, Recording, reloaded.Mode())

	tg := reloaded.Toggle()
	assert.True(t, tg.AutoRecording)
	assert.False(t, tg.AutoTyping)
	assert.False(t, tg.AlwaysOnline)
}

func TestSetModeIsMutuallyExclusive(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t, dir, chattest.New("1"), Options{})

	prev, err := e.SetMode(Typing)
	require.NoError(t, err)
	assert.Equal(t, Off, prev)

	prev, err = e.SetMode(Recording)
	require.NoError(t, err)
	assert.Equal(t, Typing, prev)

	store, err := kvstore.Open(dir, kvstore.Options{}, zerolog.Nop())
	require.NoError(t, err)
	var persisted Toggle
	ok, err := store.Read("presence", "global", &persisted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ToggleFor(Recording), persisted)

	for _, m := range []Mode{Off, Online, Typing, Recording} {
		tg := ToggleFor(m)
		on := 0
		for _, b := range []bool{tg.AutoTyping, tg.AutoRecording, tg.AlwaysOnline} {
			if b {
				on++
			}
		}
		if m == Off {
			assert.Equal(t, 0, on)
		} else {
			assert.Equal(t, 1, on, "mode %s", m)
		}
	}

	_, err = e.SetMode("dancing")
	assert.Error(t, err)
}

func TestLegacyBooleanRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := kvstore.Open(dir, kvstore.Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Write("presence", "global", map[string]bool{"autotyping": true}))

	e := newEngine(t, dir, chattest.New("1"), Options{})
	assert.Equal(t, Typing, e.Mode())
}

func TestStartLoopIsIdempotent(t *testing.T) {
	msgr := chattest.New("1")
	e := newEngine(t, t.TempDir(), msgr, Options{})
	_, err := e.SetMode(Typing)
	require.NoError(t, err)

	stop1 := e.StartLoop(groupChat)
	stop2 := e.StartLoop(groupChat)
	assert.Equal(t, 1, e.Running())
	assert.True(t, e.IsRunning(groupChat))

	assert.Eventually(t, func() bool { return countPresence(msgr, chat.Composing) >= 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, msgr.Ops("subscribe"), 1)

	stop1()
	stop2()
	stop1()
	assert.Equal(t, 0, e.Running())
	assert.Eventually(t, func() bool { return countPresence(msgr, chat.Paused) == 1 }, time.Second, 5*time.Millisecond)

	// No orphaned ticker keeps sending after stop.
	before := countPresence(msgr, chat.Composing)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, before, countPresence(msgr, chat.Composing))
}

func TestConcurrentStartsYieldOneLoop(t *testing.T) {
	e := newEngine(t, t.TempDir(), chattest.New("1"), Options{})
	_, err := e.SetMode(Recording)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.StartLoop(groupChat)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.Running())
	e.StopAll()
	assert.Equal(t, 0, e.Running())
}

func TestSendFailuresDoNotStopLoop(t *testing.T) {
	msgr := chattest.New("1")
	msgr.PresenceErr = stderrors.New("socket closed")
	e := newEngine(t, t.TempDir(), msgr, Options{})
	_, err := e.SetMode(Typing)
	require.NoError(t, err)

	e.StartLoop(groupChat)
	assert.Eventually(t, func() bool { return countPresence(msgr, chat.Composing) >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, e.IsRunning(groupChat))
	e.StopAll()
}

func TestModeChangeStopsLoops(t *testing.T) {
	msgr := chattest.New("1")
	e := newEngine(t, t.TempDir(), msgr, Options{})
	_, err := e.SetMode(Typing)
	require.NoError(t, err)
	e.OnMessage(&chat.Envelope{Chat: groupChat, Sender: types.NewJID("2", types.DefaultUserServer)})
	require.Equal(t, 1, e.Running())

	_, err = e.SetMode(Off)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Running())
	assert.Eventually(t, func() bool { return countPresence(msgr, chat.Paused) == 1 }, time.Second, 5*time.Millisecond)

	e.OnMessage(&chat.Envelope{Chat: groupChat})
	assert.Equal(t, 0, e.Running())
}

func TestOnlineUsesSingleLoop(t *testing.T) {
	msgr := chattest.New("1")
	e := newEngine(t, t.TempDir(), msgr, Options{})
	_, err := e.SetMode(Online)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Running())

	e.StartLoop(groupChat)
	e.StartLoop(types.NewJID("3", types.DefaultUserServer))
	assert.Equal(t, 1, e.Running())

	assert.Eventually(t, func() bool { return len(msgr.Ops("presence")) >= 2 }, time.Second, 5*time.Millisecond)
	_, err = e.SetMode(Off)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		ops := msgr.Ops("presence")
		return len(ops) > 0 && ops[len(ops)-1].Text == "unavailable"
	}, time.Second, 5*time.Millisecond)
}

func TestIgnoresSelfAndStatus(t *testing.T) {
	e := newEngine(t, t.TempDir(), chattest.New("1"), Options{})
	_, err := e.SetMode(Typing)
	require.NoError(t, err)

	e.OnMessage(&chat.Envelope{Chat: groupChat, IsFromSelf: true})
	e.OnMessage(&chat.Envelope{Chat: types.StatusBroadcastJID})
	assert.Equal(t, 0, e.Running())
}

func TestReapStopsIdleChats(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	e := newEngine(t, t.TempDir(), chattest.New("1"), Options{IdleWindow: time.Minute, Now: clock, Interval: time.Hour})
	_, err := e.SetMode(Typing)
	require.NoError(t, err)

	busy := types.NewJID("4", types.DefaultUserServer)
	e.StartLoop(groupChat)
	e.StartLoop(busy)

	advance(45 * time.Second)
	e.Touch(busy)
	assert.Equal(t, 0, e.Reap())

	advance(30 * time.Second)
	assert.Equal(t, 1, e.Reap())
	assert.False(t, e.IsRunning(groupChat))
	assert.True(t, e.IsRunning(busy))
	e.StopAll()
}

func TestPulse(t *testing.T) {
	msgr := chattest.New("1")
	e := newEngine(t, t.TempDir(), msgr, Options{PulseDuration: 5 * time.Millisecond})

	require.NoError(t, e.Pulse(context.Background(), groupChat))
	ops := msgr.Ops("chatpresence")
	require.Len(t, ops, 2)
	assert.Equal(t, chat.Composing, ops[0].Presence)
	assert.Equal(t, chat.Paused, ops[1].Presence)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"ONLINE": Online, "autotyping": Typing, "recording": Recording, "off": Off,
	} {
		got, ok := ParseMode(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseMode("sleeping")
	assert.False(t, ok)
}

// slowSubscriber holds SubscribePresence until released.
type slowSubscriber struct {
	*chattest.Messenger
	release chan struct{}
}

func (s slowSubscriber) SubscribePresence(ctx context.Context, c types.JID) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Messenger.SubscribePresence(ctx, c)
}

func TestIndicatorIsSentBeforeSubscribe(t *testing.T) {
	msgr := slowSubscriber{Messenger: chattest.New("1"), release: make(chan struct{})}
	e := newEngine(t, t.TempDir(), msgr, Options{Interval: time.Hour})
	_, err := e.SetMode(Typing)
	require.NoError(t, err)

	stop := e.StartLoop(groupChat)
	assert.Eventually(t, func() bool { return countPresence(msgr.Messenger, chat.Composing) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, msgr.Ops("subscribe"))

	close(msgr.release)
	assert.Eventually(t, func() bool { return len(msgr.Ops("subscribe")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "chatpresence", msgr.Calls()[0].Op)
	stop()
}
