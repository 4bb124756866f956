package commands

import (
	"context"
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
	"wabot/internal/chat/chattest"
	"wabot/internal/config"
	"wabot/internal/kvstore"
	"wabot/internal/moderation"
	"wabot/internal/presence"
	"wabot/internal/transcode"
)

var (
	groupJID  = types.NewJID("120363000000000003", types.GroupServer)
	botJID    = types.NewJID("15550000001", types.DefaultUserServer)
	ownerJID  = types.NewJID("15550000002", types.DefaultUserServer)
	adminJID  = types.NewJID("15550000003", types.DefaultUserServer)
	memberJID = types.NewJID("15550000004", types.DefaultUserServer)
	memberLID = types.NewJID("88000000000004", types.HiddenUserServer)
)

type fixture struct {
	svc   *Services
	msgr  *chattest.Messenger
	store *kvstore.Store
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := kvstore.Open(dir, kvstore.Options{}, zerolog.Nop())
	require.NoError(t, err)

	cfg := &config.Config{
		Prefix:      ".",
		Mode:        config.ModePublic,
		OwnerNumber: ownerJID.User,
		BotName:     "wabot",
		Moderation:  config.ModerationConfig{WarnLimit: 3},
	}
	msgr := chattest.New(botJID.User)
	msgr.SetGroup(&chat.GroupInfo{JID: groupJID, Participants: []chat.Participant{
		{JID: botJID, IsAdmin: true},
		{JID: adminJID, IsAdmin: true},
		{JID: memberLID, LID: memberLID, Phone: memberJID},
	}})
	settings, err := LoadSettings(store, cfg)
	require.NoError(t, err)
	engine := presence.New(msgr, store, presence.Options{Interval: time.Hour}, zerolog.Nop())
	t.Cleanup(engine.StopAll)

	return &fixture{
		svc: &Services{
			Config:     cfg,
			Messenger:  msgr,
			Store:      store,
			Settings:   settings,
			Counters:   NewCounters(store, zerolog.Nop()),
			Presence:   engine,
			Moderation: moderation.NewState(store),
			Registry:   NewBuiltinRegistry(),
			Version:    "test",
			Started:    time.Now(),
			Log:        zerolog.Nop(),
		},
		msgr:  msgr,
		store: store,
		dir:   dir,
	}
}

// run invokes the named command the way the router does after gating.
func (f *fixture) run(t *testing.T, env *chat.Envelope, name string, args ...string) error {
	t.Helper()
	d, ok := f.svc.Registry.Lookup(name)
	require.True(t, ok, "command %s", name)
	c := &Context{
		Services: f.svc,
		Env:      env,
		Name:     name,
		Args:     args,
		Perms:    Permissions{IsOwner: true, IsSenderAdmin: true, IsBotAdmin: true},
	}
	if env.IsGroup {
		c.Group, _ = f.msgr.GroupInfo(context.Background(), env.Chat)
		f.msgr.Reset()
	}
	return d.Handler(context.Background(), c)
}

func dmEnv() *chat.Envelope {
	return &chat.Envelope{ID: "D1", Chat: ownerJID, Sender: ownerJID, Kind: chat.KindText}
}

func groupEnv(sender types.JID) *chat.Envelope {
	return &chat.Envelope{ID: "G1", Chat: groupJID, Sender: sender, IsGroup: true, Kind: chat.KindText}
}

func noop(context.Context, *Context) error { return nil }

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "Sticker", Aliases: []string{"s"}, Handler: noop}))

	assert.Error(t, r.Register(Descriptor{Name: "sticker", Handler: noop}), "name clash")
	assert.Error(t, r.Register(Descriptor{Name: "s", Handler: noop}), "name clashes with alias")
	assert.Error(t, r.Register(Descriptor{Name: "other", Aliases: []string{"STICKER"}, Handler: noop}), "alias clashes with name")
	assert.Error(t, r.Register(Descriptor{Name: "", Handler: noop}))
	assert.Error(t, r.Register(Descriptor{Name: "nohandler"}))

	d, ok := r.Lookup("S")
	require.True(t, ok)
	assert.Equal(t, "sticker", d.Name)

	_, ok = r.Lookup("other")
	assert.False(t, ok)
}

func TestFrozenRegistry(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	assert.Error(t, r.Register(Descriptor{Name: "late", Handler: noop}))
}

func TestBuiltinsRegisterCleanly(t *testing.T) {
	assert.NotPanics(t, func() { NewBuiltinRegistry() })

	r := NewBuiltinRegistry()
	list := r.List()
	require.NotEmpty(t, list)
	assert.Equal(t, CategoryGeneral, list[0].Category)

	ban, ok := r.Lookup("ban")
	require.True(t, ok)
	assert.True(t, ban.RequiresGroup)
	assert.True(t, ban.RequiresBotAdmin)
	assert.True(t, ban.RequiresSenderAdmin)
	assert.False(t, ban.RequiresOwner)

	_, ok = r.Lookup("unwarn")
	assert.True(t, ok)
}

func TestParseSwitch(t *testing.T) {
	tests := []struct {
		args    []string
		current bool
		want    bool
		ok      bool
	}{
		{nil, false, true, true},
		{nil, true, false, true},
		{[]string{"on"}, true, true, true},
		{[]string{"OFF"}, true, false, true},
		{[]string{"enable"}, false, true, true},
		{[]string{"maybe"}, true, true, false},
	}
	for _, tt := range tests {
		got, ok := parseSwitch(tt.args, tt.current)
		assert.Equal(t, tt.ok, ok, "%v", tt.args)
		assert.Equal(t, tt.want, got, "%v", tt.args)
	}
}

func persistedToggle(t *testing.T, dir string) presence.Toggle {
	t.Helper()
	reopened, err := kvstore.Open(dir, kvstore.Options{}, zerolog.Nop())
	require.NoError(t, err)
	var tg presence.Toggle
	ok, err := reopened.Read("presence", "global", &tg)
	require.NoError(t, err)
	require.True(t, ok)
	return tg
}

func TestPresenceTogglesAreMutuallyExclusive(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, dmEnv(), "autotyping", "on"))
	require.NoError(t, f.run(t, dmEnv(), "autorecording", "on"))

	tg := persistedToggle(t, f.dir)
	assert.True(t, tg.AutoRecording)
	assert.False(t, tg.AutoTyping)
	assert.False(t, tg.AlwaysOnline)
	assert.Equal(t, presence.Recording, f.svc.Presence.Mode())
}

func TestPresenceOffOnlyAffectsActiveMode(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, dmEnv(), "autorecording", "on"))
	require.NoError(t, f.run(t, dmEnv(), "autotyping", "off"))
	assert.Equal(t, presence.Recording, f.svc.Presence.Mode())

	require.NoError(t, f.run(t, dmEnv(), "autorecording"))
	assert.Equal(t, presence.Off, f.svc.Presence.Mode())
}

func TestPresenceCommandUsage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, dmEnv(), "presence", "dancing"))
	assert.Contains(t, f.msgr.Texts()[0], "Usage")
	assert.Equal(t, presence.Off, f.svc.Presence.Mode())

	require.NoError(t, f.run(t, dmEnv(), "presence", "typing"))
	assert.Equal(t, presence.Typing, f.svc.Presence.Mode())
}

func TestModeAndAutoreadPersist(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, dmEnv(), "mode", "private"))
	require.NoError(t, f.run(t, dmEnv(), "autoread", "on"))

	reloaded, err := LoadSettings(f.store, f.svc.Config)
	require.NoError(t, err)
	assert.True(t, reloaded.IsPrivate())
	assert.True(t, reloaded.AutoRead())

	require.NoError(t, f.run(t, dmEnv(), "mode", "sideways"))
	assert.True(t, f.svc.Settings.IsPrivate())
}

type failingRunner struct{ called bool }

func (r *failingRunner) Run(context.Context, string, ...string) ([]byte, error) {
	r.called = true
	return []byte("Invalid data found when processing input"), stderrors.New("exit status 1")
}

func TestStickerTranscodeFailureRepliesAndCleansUp(t *testing.T) {
	f := newFixture(t)
	tmp := t.TempDir()
	runner := &failingRunner{}
	f.svc.Transcoder = transcode.New("ffmpeg", tmp, zerolog.Nop(), transcode.WithRunner(runner))
	f.msgr.MediaBuf = []byte("not really a jpeg")

	env := dmEnv()
	env.Kind = chat.KindMedia
	env.Media = &chat.Media{Type: chat.MediaImage, MimeType: "image/jpeg"}
	require.NoError(t, f.run(t, env, "sticker"))

	assert.True(t, runner.called)
	assert.Empty(t, f.msgr.Ops("sticker"))
	require.Len(t, f.msgr.Ops("reply"), 1)
	assert.Contains(t, f.msgr.Ops("reply")[0].Text, "Failed to create sticker")

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type fakeTranscoder struct{ opts transcode.Options }

func (f *fakeTranscoder) Transcode(_ context.Context, _ []byte, _ transcode.Format, opts transcode.Options) ([]byte, error) {
	f.opts = opts
	return []byte("RIFFwebp"), nil
}

func TestStickerFromQuotedVideo(t *testing.T) {
	f := newFixture(t)
	tr := &fakeTranscoder{}
	f.svc.Transcoder = tr
	f.msgr.MediaBuf = []byte("mp4")

	env := dmEnv()
	env.Quoted = &chat.Quoted{ID: "Q", Sender: memberJID, Media: &chat.Media{Type: chat.MediaVideo}}
	require.NoError(t, f.run(t, env, "crop"))

	assert.True(t, tr.opts.Animated)
	assert.True(t, tr.opts.Crop)
	assert.Len(t, f.msgr.Ops("sticker"), 1)
}

func TestStickerWithoutMediaShowsUsage(t *testing.T) {
	f := newFixture(t)
	f.svc.Transcoder = &fakeTranscoder{}
	require.NoError(t, f.run(t, dmEnv(), "s"))
	assert.Contains(t, f.msgr.Texts()[0], "reply to an image")
}

func TestTargetResolution(t *testing.T) {
	f := newFixture(t)
	group, err := f.msgr.GroupInfo(context.Background(), groupJID)
	require.NoError(t, err)

	env := groupEnv(adminJID)
	env.Mentions = []types.JID{botJID, memberLID}
	c := &Context{Services: f.svc, Env: env, Group: group}
	who, ok := c.Target()
	require.True(t, ok)
	assert.Equal(t, memberJID, who, "LID mapped to phone")

	env = groupEnv(adminJID)
	env.Quoted = &chat.Quoted{ID: "Q", Sender: adminJID}
	c = &Context{Services: f.svc, Env: env, Group: group}
	who, ok = c.Target()
	require.True(t, ok)
	assert.Equal(t, adminJID, who)

	c = &Context{Services: f.svc, Env: groupEnv(adminJID), Args: []string{"+1 (555) 000-0004"}}
	who, ok = c.Target()
	require.True(t, ok)
	assert.Equal(t, memberJID, who)

	c = &Context{Services: f.svc, Env: groupEnv(adminJID), Args: []string{"on"}}
	_, ok = c.Target()
	assert.False(t, ok)
}

func TestBanRecordsAndRemoves(t *testing.T) {
	f := newFixture(t)
	env := groupEnv(adminJID)
	env.Mentions = []types.JID{memberLID}
	require.NoError(t, f.run(t, env, "ban"))

	assert.True(t, f.svc.Moderation.IsBanned(memberJID.User))
	kicks := f.msgr.Ops("kick")
	require.Len(t, kicks, 1)
	assert.Equal(t, []types.JID{memberLID}, kicks[0].Users)
}

func TestBanRefusesOwnerAndSelf(t *testing.T) {
	f := newFixture(t)
	env := groupEnv(adminJID)
	env.Mentions = []types.JID{ownerJID}
	require.NoError(t, f.run(t, env, "ban"))
	assert.False(t, f.svc.Moderation.IsBanned(ownerJID.User))

	env = groupEnv(adminJID)
	env.Quoted = &chat.Quoted{ID: "Q", Sender: botJID}
	require.NoError(t, f.run(t, env, "kick"))
	assert.Empty(t, f.msgr.Ops("kick"))
}

func TestUnban(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Moderation.Ban(memberJID.User, ownerJID.User))

	require.NoError(t, f.run(t, dmEnv(), "unban", memberJID.User))
	assert.False(t, f.svc.Moderation.IsBanned(memberJID.User))
	assert.Contains(t, f.msgr.Texts()[0], "unbanned")

	require.NoError(t, f.run(t, dmEnv(), "unban", memberJID.User))
	assert.Contains(t, f.msgr.Texts()[1], "not banned")
}

func TestWarnKicksAtLimitWithoutReset(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		env := groupEnv(adminJID)
		env.Mentions = []types.JID{memberJID}
		require.NoError(t, f.run(t, env, "warn"))
	}
	assert.Equal(t, 3, f.svc.Moderation.Warnings(groupJID, memberJID.User))
	assert.Len(t, f.msgr.Ops("kick"), 1)

	env := groupEnv(adminJID)
	env.Mentions = []types.JID{memberJID}
	require.NoError(t, f.run(t, env, "resetwarn"))
	assert.Zero(t, f.svc.Moderation.Warnings(groupJID, memberJID.User))
}

func TestChatSwitches(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, groupEnv(adminJID), "antilink", "on"))
	require.NoError(t, f.run(t, groupEnv(adminJID), "antitag"))
	require.NoError(t, f.run(t, groupEnv(adminJID), "welcome", "bogus"))

	s := f.svc.Moderation.ChatSettings(groupJID)
	assert.True(t, s.AntiLink)
	assert.True(t, s.AntiTag)
	assert.False(t, s.AntiBadword)
	assert.False(t, s.Welcome)
}

type fakeAsker struct{ err error }

func (a fakeAsker) Ask(_ context.Context, prompt string) (string, error) {
	return "answer to " + prompt, a.err
}

func TestAsk(t *testing.T) {
	f := newFixture(t)
	f.svc.Assistant = fakeAsker{}
	require.NoError(t, f.run(t, dmEnv(), "ai", "what", "is", "go"))
	assert.Equal(t, []string{"answer to what is go"}, f.msgr.Texts())

	f.msgr.Reset()
	require.NoError(t, f.run(t, dmEnv(), "ai"))
	assert.Contains(t, f.msgr.Texts()[0], "Please provide a question")
}

func TestTopMembers(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.svc.Counters.Increment(groupJID, adminJID.User)
	}
	f.svc.Counters.Increment(groupJID, memberJID.User)

	top := f.svc.Counters.Top(groupJID, 10)
	require.Len(t, top, 2)
	assert.Equal(t, MemberCount{User: adminJID.User, Count: 3}, top[0])

	require.NoError(t, f.run(t, groupEnv(memberJID), "topmembers"))
	texts := f.msgr.Texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "1. @"+adminJID.User+" – 3 messages")
}

func TestMenuListsCommands(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, dmEnv(), "help"))
	text := f.msgr.Texts()[0]
	assert.Contains(t, text, ".sticker")
	assert.Contains(t, text, ".antilink [on|off]")
	assert.Contains(t, text, "*MODERATION*")
}
