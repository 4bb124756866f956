package commands

import (
	"fmt"
	"sync"

	"wabot/internal/config"
	"wabot/internal/kvstore"
)

const (
	settingsNamespace = "settings"
	settingsKey       = "global"
)

// Runtime is the persisted, command-editable part of the configuration.
type Runtime struct {
	Mode     string `json:"mode"`
	AutoRead bool   `json:"autoread"`
}

// Settings serves Runtime from memory and writes every change through to
// the store. The configured mode is the default until a command changes it.
type Settings struct {
	store *kvstore.Store
	mu    sync.RWMutex
	cur   Runtime
}

// LoadSettings reads the persisted runtime settings.
func LoadSettings(store *kvstore.Store, cfg *config.Config) (*Settings, error) {
	s := &Settings{store: store, cur: Runtime{Mode: cfg.Mode}}
	var rt Runtime
	ok, err := store.Read(settingsNamespace, settingsKey, &rt)
	if err != nil {
		return s, err
	}
	if ok {
		if rt.Mode != config.ModePublic && rt.Mode != config.ModePrivate {
			rt.Mode = cfg.Mode
		}
		s.cur = rt
	}
	return s, nil
}

// Snapshot returns the current values.
func (s *Settings) Snapshot() Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Mode is public or private.
func (s *Settings) Mode() string {
	return s.Snapshot().Mode
}

// IsPrivate reports whether only operators may run commands.
func (s *Settings) IsPrivate() bool {
	return s.Mode() == config.ModePrivate
}

// AutoRead reports whether incoming messages are marked read.
func (s *Settings) AutoRead() bool {
	return s.Snapshot().AutoRead
}

// SetMode switches between public and private.
func (s *Settings) SetMode(mode string) error {
	if mode != config.ModePublic && mode != config.ModePrivate {
		return fmt.Errorf("unknown mode %q", mode)
	}
	return s.update(func(rt *Runtime) { rt.Mode = mode })
}

// SetAutoRead switches auto-read.
func (s *Settings) SetAutoRead(on bool) error {
	return s.update(func(rt *Runtime) { rt.AutoRead = on })
}

func (s *Settings) update(fn func(*Runtime)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	fn(&next)
	if err := s.store.Write(settingsNamespace, settingsKey, next); err != nil {
		return err
	}
	s.cur = next
	return nil
}
