// Package chattest provides a recording Messenger for tests.
package chattest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
)

// Call is one recorded outbound operation.
type Call struct {
	Op       string
	To       types.JID
	Text     string
	Presence chat.ChatPresence
	Users    []types.JID
	MsgID    string
}

// Messenger records every call. Set the Err fields to make operations fail.
type Messenger struct {
	mu    sync.Mutex
	calls []Call
	seq   int

	SelfIDs  []types.JID
	Groups   map[types.JID]*chat.GroupInfo
	MediaBuf []byte

	SendErr     error
	PresenceErr error
	GroupErr    error
	DownloadErr error
}

// New returns a Messenger whose own identity is selfNumber.
func New(selfNumber string) *Messenger {
	return &Messenger{
		SelfIDs: []types.JID{types.NewJID(selfNumber, types.DefaultUserServer)},
		Groups:  make(map[types.JID]*chat.GroupInfo),
	}
}

func (m *Messenger) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Calls returns a copy of the recorded calls.
func (m *Messenger) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Ops returns the calls with the given op.
func (m *Messenger) Ops(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Texts returns the text of every SendText and Reply call in order.
func (m *Messenger) Texts() []string {
	var out []string
	for _, c := range m.Calls() {
		if c.Op == "text" || c.Op == "reply" {
			out = append(out, c.Text)
		}
	}
	return out
}

// Reset drops the recorded calls.
func (m *Messenger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Messenger) SendText(_ context.Context, to types.JID, text string, mentions ...types.JID) (string, error) {
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("OUT%d", m.seq)
	m.mu.Unlock()
	m.record(Call{Op: "text", To: to, Text: text, Users: mentions, MsgID: id})
	return id, nil
}

func (m *Messenger) Reply(_ context.Context, env *chat.Envelope, text string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.record(Call{Op: "reply", To: env.Chat, Text: text, MsgID: env.ID})
	return nil
}

func (m *Messenger) SendSticker(_ context.Context, to types.JID, webp []byte, animated bool) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.record(Call{Op: "sticker", To: to, Text: fmt.Sprintf("%d bytes animated=%t", len(webp), animated)})
	return nil
}

func (m *Messenger) SendChatPresence(_ context.Context, to types.JID, p chat.ChatPresence) error {
	m.record(Call{Op: "chatpresence", To: to, Presence: p})
	return m.PresenceErr
}

func (m *Messenger) SendPresence(_ context.Context, available bool) error {
	text := "unavailable"
	if available {
		text = "available"
	}
	m.record(Call{Op: "presence", Text: text})
	return m.PresenceErr
}

func (m *Messenger) SubscribePresence(_ context.Context, who types.JID) error {
	m.record(Call{Op: "subscribe", To: who})
	return m.PresenceErr
}

func (m *Messenger) GroupInfo(_ context.Context, group types.JID) (*chat.GroupInfo, error) {
	m.record(Call{Op: "groupinfo", To: group})
	if m.GroupErr != nil {
		return nil, m.GroupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.Groups[group]
	if !ok {
		return nil, errors.New("group not found")
	}
	return g, nil
}

func (m *Messenger) Delete(_ context.Context, env *chat.Envelope) error {
	m.record(Call{Op: "delete", To: env.Chat, MsgID: env.ID, Users: []types.JID{env.Sender}})
	return m.SendErr
}

func (m *Messenger) RemoveParticipants(_ context.Context, group types.JID, users ...types.JID) error {
	m.record(Call{Op: "kick", To: group, Users: users})
	return m.SendErr
}

func (m *Messenger) React(_ context.Context, env *chat.Envelope, emoji string) error {
	m.record(Call{Op: "react", To: env.Chat, Text: emoji, MsgID: env.ID})
	return m.SendErr
}

func (m *Messenger) MarkRead(_ context.Context, env *chat.Envelope) error {
	m.record(Call{Op: "read", To: env.Chat, MsgID: env.ID})
	return nil
}

func (m *Messenger) Download(_ context.Context, media *chat.Media) ([]byte, error) {
	m.record(Call{Op: "download", Text: string(media.Type)})
	if m.DownloadErr != nil {
		return nil, m.DownloadErr
	}
	return m.MediaBuf, nil
}

func (m *Messenger) Self() []types.JID {
	return m.SelfIDs
}

// SetGroup registers group metadata returned by GroupInfo.
func (m *Messenger) SetGroup(g *chat.GroupInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Groups[g.JID] = g
}

var _ chat.Messenger = (*Messenger)(nil)
