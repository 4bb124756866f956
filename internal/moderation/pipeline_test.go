package moderation

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
	"wabot/internal/chat/chattest"
	"wabot/internal/config"
	"wabot/internal/kvstore"
)

var (
	group   = types.NewJID("120363000000000002", types.GroupServer)
	botJID  = types.NewJID("10000", types.DefaultUserServer)
	admin   = types.NewJID("20000", types.DefaultUserServer)
	member  = types.NewJID("30000", types.DefaultUserServer)
	testCfg = Config{
		BanNoticeRate: 0.10,
		WarnLimit:     3,
		BadWords:      []string{"darn", "heck"},
		LinkAction:    config.LinkActionDelete,
		TagLimit:      3,
	}
)

type fixture struct {
	msgr  *chattest.Messenger
	state *State
	p     *Pipeline
}

func newFixture(t *testing.T, botAdmin bool, opts ...Option) *fixture {
	t.Helper()
	store, err := kvstore.Open(t.TempDir(), kvstore.Options{}, zerolog.Nop())
	require.NoError(t, err)
	msgr := chattest.New(botJID.User)
	msgr.SetGroup(&chat.GroupInfo{JID: group, Participants: []chat.Participant{
		{JID: botJID, IsAdmin: botAdmin},
		{JID: admin, IsAdmin: true},
		{JID: member},
	}})
	state := NewState(store)
	return &fixture{msgr: msgr, state: state, p: New(msgr, state, testCfg, zerolog.Nop(), opts...)}
}

func groupMsg(sender types.JID, text string) Message {
	return Message{Env: &chat.Envelope{ID: "M1", Chat: group, Sender: sender, IsGroup: true, Kind: chat.KindText, Text: text}}
}

func (f *fixture) enable(t *testing.T, fn func(*Settings)) {
	t.Helper()
	_, err := f.state.UpdateChatSettings(group, fn)
	require.NoError(t, err)
}

func TestCleanMessagePasses(t *testing.T) {
	f := newFixture(t, true)
	f.enable(t, func(s *Settings) { s.AntiBadword, s.AntiLink, s.AntiTag = true, true, true })

	v := f.p.Run(context.Background(), groupMsg(member, "good morning everyone"))
	assert.False(t, v.Stop)
	assert.Empty(t, f.msgr.Calls())
}

func TestBannedSenderIsStopped(t *testing.T) {
	draws := []float64{0.05, 0.5, 0.9}
	i := 0
	f := newFixture(t, true, WithRand(func() float64 {
		d := draws[i%len(draws)]
		i++
		return d
	}))
	require.NoError(t, f.state.Ban(member.User, admin.User))

	for range draws {
		v := f.p.Run(context.Background(), groupMsg(member, "hello"))
		assert.True(t, v.Stop)
		assert.Equal(t, CheckBan, v.Check)
	}
	assert.Len(t, f.msgr.Ops("reply"), 1, "only sampled attempts get a notice")

	msg := groupMsg(member, ".unban")
	msg.Command = "unban"
	assert.False(t, f.p.Run(context.Background(), msg).Stop)
}

func TestBanAppliesInDirectChats(t *testing.T) {
	f := newFixture(t, false, WithRand(func() float64 { return 1 }))
	require.NoError(t, f.state.Ban(member.User, "owner"))

	msg := Message{Env: &chat.Envelope{Chat: member, Sender: member, Text: ".menu"}, Command: "menu"}
	assert.True(t, f.p.Run(context.Background(), msg).Stop)
	assert.Empty(t, f.msgr.Calls())
}

func TestBadwordIncrementsWarningsByOne(t *testing.T) {
	f := newFixture(t, true)
	f.enable(t, func(s *Settings) { s.AntiBadword = true })

	v := f.p.Run(context.Background(), groupMsg(member, "well HECK, heck and darn"))
	assert.True(t, v.Stop)
	assert.Equal(t, CheckBadword, v.Check)
	assert.Equal(t, 1, f.state.Warnings(group, member.User))
	assert.Len(t, f.msgr.Ops("delete"), 1)

	v = f.p.Run(context.Background(), groupMsg(member, "no bad words here"))
	assert.False(t, v.Stop)
	assert.Equal(t, 1, f.state.Warnings(group, member.User))

	f.p.Run(context.Background(), groupMsg(member, "darn"))
	assert.Equal(t, 2, f.state.Warnings(group, member.User))
}

func TestBadwordMatchesWholeWordsOnly(t *testing.T) {
	f := newFixture(t, true)
	f.enable(t, func(s *Settings) { s.AntiBadword = true })

	assert.False(t, f.p.Run(context.Background(), groupMsg(member, "darning socks in heckington")).Stop)
	assert.Equal(t, 0, f.state.Warnings(group, member.User))
}

func TestBadwordDisabledByDefault(t *testing.T) {
	f := newFixture(t, true)
	assert.False(t, f.p.Run(context.Background(), groupMsg(member, "heck")).Stop)
	assert.Equal(t, 0, f.state.Warnings(group, member.User))
}

func TestWarnLimitKicksWithoutResetting(t *testing.T) {
	f := newFixture(t, true)
	f.enable(t, func(s *Settings) { s.AntiBadword = true })

	for i := 0; i < 3; i++ {
		f.p.Run(context.Background(), groupMsg(member, "heck"))
	}
	kicks := f.msgr.Ops("kick")
	require.Len(t, kicks, 1)
	assert.Equal(t, []types.JID{member}, kicks[0].Users)
	assert.Equal(t, 3, f.state.Warnings(group, member.User))

	require.NoError(t, f.state.ResetWarnings(group, member.User))
	assert.Equal(t, 0, f.state.Warnings(group, member.User))
}

func TestWithoutBotAdminNothingIsDeleted(t *testing.T) {
	f := newFixture(t, false)
	f.enable(t, func(s *Settings) { s.AntiBadword = true })

	for i := 0; i < 3; i++ {
		assert.True(t, f.p.Run(context.Background(), groupMsg(member, "heck")).Stop)
	}
	assert.Empty(t, f.msgr.Ops("delete"))
	assert.Empty(t, f.msgr.Ops("kick"))
	assert.Equal(t, 3, f.state.Warnings(group, member.User))
}

func TestAntiLink(t *testing.T) {
	tests := []struct {
		name   string
		sender types.JID
		text   string
		stop   bool
	}{
		{"url", member, "join https://example.org/x", true},
		{"invite", member, "chat.whatsapp.com/AbCdEf", true},
		{"bare domain", member, "visit spam.xyz now", true},
		{"admin exempt", admin, "https://example.org", false},
		{"no link", member, "meet at 5.30", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.enable(t, func(s *Settings) { s.AntiLink = true })
			v := f.p.Run(context.Background(), groupMsg(tt.sender, tt.text))
			assert.Equal(t, tt.stop, v.Stop)
			if tt.stop {
				assert.Equal(t, CheckLink, v.Check)
				assert.Len(t, f.msgr.Ops("delete"), 1)
			}
		})
	}
}

func TestAntiLinkKickAction(t *testing.T) {
	f := newFixture(t, true)
	f.p.cfg.LinkAction = config.LinkActionKick
	f.enable(t, func(s *Settings) { s.AntiLink = true })

	f.p.Run(context.Background(), groupMsg(member, "https://example.org"))
	assert.Len(t, f.msgr.Ops("kick"), 1)
}

func TestAntiTag(t *testing.T) {
	f := newFixture(t, true)
	f.enable(t, func(s *Settings) { s.AntiTag = true })

	msg := groupMsg(member, "hey")
	msg.Env.Mentions = []types.JID{admin, botJID, types.NewJID("40000", types.DefaultUserServer)}
	v := f.p.Run(context.Background(), msg)
	assert.True(t, v.Stop)
	assert.Equal(t, CheckTag, v.Check)

	assert.True(t, f.p.Run(context.Background(), groupMsg(member, "@everyone look")).Stop)
	assert.False(t, f.p.Run(context.Background(), groupMsg(admin, "@everyone look")).Stop)
	assert.Equal(t, 2, f.state.Warnings(group, member.User))
}

func TestOperatorsAndSelfAreExempt(t *testing.T) {
	f := newFixture(t, true)
	f.enable(t, func(s *Settings) { s.AntiBadword = true })

	msg := groupMsg(member, "heck")
	msg.IsOperator = true
	assert.False(t, f.p.Run(context.Background(), msg).Stop)

	msg = groupMsg(botJID, "heck")
	msg.Env.IsFromSelf = true
	assert.False(t, f.p.Run(context.Background(), msg).Stop)
}

type panickyMessenger struct {
	*chattest.Messenger
}

func (panickyMessenger) GroupInfo(context.Context, types.JID) (*chat.GroupInfo, error) {
	panic("metadata cache corrupted")
}

func TestCrashingCheckIsNoViolation(t *testing.T) {
	store, err := kvstore.Open(t.TempDir(), kvstore.Options{}, zerolog.Nop())
	require.NoError(t, err)
	state := NewState(store)
	p := New(panickyMessenger{chattest.New(botJID.User)}, state, testCfg, zerolog.Nop())
	_, err = state.UpdateChatSettings(group, func(s *Settings) { s.AntiLink = true })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		v := p.Run(context.Background(), groupMsg(member, "https://example.org"))
		assert.False(t, v.Stop)
	})
}

func TestFailingSendStillStops(t *testing.T) {
	f := newFixture(t, true)
	f.msgr.SendErr = stderrors.New("rate limited")
	f.enable(t, func(s *Settings) { s.AntiBadword = true })

	assert.True(t, f.p.Run(context.Background(), groupMsg(member, "heck")).Stop)
	assert.Equal(t, 1, f.state.Warnings(group, member.User))
}

func TestStatePersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := kvstore.Open(dir, kvstore.Options{}, zerolog.Nop())
	require.NoError(t, err)
	s := NewState(store)
	require.NoError(t, s.Ban("555", "owner"))
	_, err = s.UpdateChatSettings(group, func(st *Settings) { st.Welcome = true })
	require.NoError(t, err)

	reopened, err := kvstore.Open(dir, kvstore.Options{}, zerolog.Nop())
	require.NoError(t, err)
	s2 := NewState(reopened)
	assert.True(t, s2.IsBanned("555"))
	assert.Equal(t, []string{"555"}, s2.Banned())
	assert.True(t, s2.ChatSettings(group).Welcome)

	ok, err := s2.Unban("555")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s2.Unban("555")
	require.NoError(t, err)
	assert.False(t, ok)
}
