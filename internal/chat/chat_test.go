package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/whatsmeow/types"
)

func TestGroupInfoIsAdmin(t *testing.T) {
	admin := types.NewJID("111", types.DefaultUserServer)
	adminLID := types.NewJID("9001", types.HiddenUserServer)
	member := types.NewJID("222", types.DefaultUserServer)

	g := &GroupInfo{Participants: []Participant{
		{JID: adminLID, LID: adminLID, Phone: admin, IsAdmin: true},
		{JID: member, Phone: member},
	}}

	assert.True(t, g.IsAdmin(admin))
	assert.True(t, g.IsAdmin(adminLID))
	assert.True(t, g.IsAdmin(types.EmptyJID, types.NewJID("111", types.DefaultUserServer)))
	assert.False(t, g.IsAdmin(member))
	assert.False(t, g.IsAdmin(types.EmptyJID))
}

func TestUserJID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+1 (555) 010-2030", "15550102030@s.whatsapp.net", true},
		{"@15550102030", "15550102030@s.whatsapp.net", true},
		{"9001@lid", "9001@lid", true},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := UserJID(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.String())
			}
		})
	}
}

func TestEnvelopeHelpers(t *testing.T) {
	env := &Envelope{Chat: types.StatusBroadcastJID, Sender: types.NewJID("9001", types.HiddenUserServer)}
	assert.True(t, env.IsStatus())
	assert.Equal(t, "9001", env.SenderNumber())

	env.SenderPhone = types.NewJID("15550102030", types.DefaultUserServer)
	assert.Equal(t, "15550102030", env.SenderNumber())

	env.Chat = types.NewJID("120363000000000000", types.GroupServer)
	assert.False(t, env.IsStatus())
}
