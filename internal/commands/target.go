package commands

import (
	"strings"

	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
)

// Target resolves the user a moderation command acts on: the first
// mention, else the author of the quoted message, else a number in the
// arguments. LIDs are mapped to phone JIDs through the group roster when
// the roster knows both.
func (c *Context) Target() (types.JID, bool) {
	var who types.JID
	for _, m := range c.Env.Mentions {
		if !chat.IsSelf(c.Messenger, m) {
			who = m
			break
		}
	}
	if who.IsEmpty() && c.Env.Quoted != nil && !c.Env.Quoted.Sender.IsEmpty() {
		who = c.Env.Quoted.Sender
	}
	if who.IsEmpty() {
		for _, a := range c.Args {
			if j, ok := chat.UserJID(a); ok && len(j.User) >= 7 {
				who = j
				break
			}
		}
	}
	if who.IsEmpty() {
		return types.EmptyJID, false
	}
	return c.canonical(who.ToNonAD()), true
}

// canonical prefers the phone identity of a group member.
func (c *Context) canonical(who types.JID) types.JID {
	if who.Server != types.HiddenUserServer || c.Group == nil {
		return who
	}
	for _, p := range c.Group.Participants {
		if chat.SameUser(p.LID, who) || chat.SameUser(p.JID, who) {
			if !p.Phone.IsEmpty() {
				return p.Phone.ToNonAD()
			}
			if p.JID.Server == types.DefaultUserServer {
				return p.JID.ToNonAD()
			}
		}
	}
	return who
}

// member returns the roster entry for who, if any.
func (c *Context) member(who types.JID) (chat.Participant, bool) {
	if c.Group == nil {
		return chat.Participant{}, false
	}
	for _, p := range c.Group.Participants {
		if chat.SameUser(p.JID, who) || chat.SameUser(p.LID, who) || chat.SameUser(p.Phone, who) {
			return p, true
		}
	}
	return chat.Participant{}, false
}

// isOperator reports whether who is the owner or a sudo user.
func (c *Context) isOperator(who types.JID) bool {
	for _, op := range c.Config.Operators() {
		if who.User == op {
			return true
		}
	}
	return false
}

// parseSwitch reads an on/off argument. With no argument the current value
// is flipped.
func parseSwitch(args []string, current bool) (value, ok bool) {
	if len(args) == 0 {
		return !current, true
	}
	switch strings.ToLower(args[0]) {
	case "on", "enable", "enabled", "true", "1", "yes":
		return true, true
	case "off", "disable", "disabled", "false", "0", "no":
		return false, true
	}
	return current, false
}

func onOff(b bool) string {
	if b {
		return "ON ✅"
	}
	return "OFF ❌"
}

func mention(j types.JID) string {
	return "@" + j.User
}
