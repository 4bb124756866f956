package moderation

import (
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"

	"wabot/internal/kvstore"
)

const (
	nsBans     = "bans"
	nsWarnings = "warnings"
	nsSettings = "moderation"
)

// Settings are the per-chat moderation toggles.
type Settings struct {
	AntiLink    bool `json:"antilink"`
	AntiTag     bool `json:"antitag"`
	AntiBadword bool `json:"antibadword"`
	Welcome     bool `json:"welcome"`
}

// Ban is the persisted ban record, keyed by the banned user's number.
type Ban struct {
	By string    `json:"by"`
	At time.Time `json:"at"`
}

// State is the persisted moderation state: bans are global, warnings are
// per chat and user, settings are per chat.
type State struct {
	store *kvstore.Store
	// mu serializes read-modify-write sequences on the counters.
	mu sync.Mutex
}

// NewState wraps store.
func NewState(store *kvstore.Store) *State {
	return &State{store: store}
}

// Ban marks user as banned.
func (s *State) Ban(user, by string) error {
	return s.store.Write(nsBans, user, Ban{By: by, At: time.Now().UTC()})
}

// Unban lifts a ban and reports whether one existed.
func (s *State) Unban(user string) (bool, error) {
	if !s.store.Exists(nsBans, user) {
		return false, nil
	}
	return true, s.store.Delete(nsBans, user)
}

// IsBanned reports whether user is banned.
func (s *State) IsBanned(user string) bool {
	return s.store.Exists(nsBans, user)
}

// IsBannedAny reports whether any of the identities is banned.
func (s *State) IsBannedAny(ids ...types.JID) bool {
	for _, id := range ids {
		if !id.IsEmpty() && s.IsBanned(id.User) {
			return true
		}
	}
	return false
}

// Banned lists banned users.
func (s *State) Banned() []string {
	return s.store.Keys(nsBans)
}

func warnKey(c types.JID, user string) string {
	return c.User + ":" + user
}

// Warn adds exactly one warning and returns the new count.
func (s *State) Warn(c types.JID, user string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := warnKey(c, user)
	var n int
	if _, err := s.store.Read(nsWarnings, key, &n); err != nil {
		return 0, err
	}
	n++
	if err := s.store.Write(nsWarnings, key, n); err != nil {
		return n - 1, err
	}
	return n, nil
}

// Warnings returns the user's count in chat.
func (s *State) Warnings(c types.JID, user string) int {
	var n int
	_, _ = s.store.Read(nsWarnings, warnKey(c, user), &n)
	return n
}

// ResetWarnings clears the user's count in chat.
func (s *State) ResetWarnings(c types.JID, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(nsWarnings, warnKey(c, user))
}

// ChatSettings returns the toggles for chat; all off by default.
func (s *State) ChatSettings(c types.JID) Settings {
	var st Settings
	_, _ = s.store.Read(nsSettings, c.User, &st)
	return st
}

// UpdateChatSettings applies fn to the chat's toggles and persists them.
func (s *State) UpdateChatSettings(c types.JID, fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ChatSettings(c)
	fn(&st)
	return st, s.store.Write(nsSettings, c.User, st)
}
