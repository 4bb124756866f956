// Package commands holds the command registry and the built-in command
// handlers. Gating (mode, owner, group, admin) is applied by the router
// before a handler runs; handlers only implement the command itself.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
	"wabot/internal/config"
	"wabot/internal/kvstore"
	"wabot/internal/moderation"
	"wabot/internal/presence"
	"wabot/internal/transcode"
)

// Handler runs one invocation.
type Handler func(ctx context.Context, c *Context) error

// Descriptor describes a command and the checks the router applies first.
type Descriptor struct {
	Name        string
	Aliases     []string
	Description string
	Category    string
	// Usage is shown after the prefixed name in the menu.
	Usage string

	RequiresOwner       bool
	RequiresGroup       bool
	RequiresSenderAdmin bool
	RequiresBotAdmin    bool

	Handler Handler
}

// Categories in menu order.
const (
	CategoryGeneral    = "general"
	CategoryOwner      = "owner"
	CategoryPresence   = "presence"
	CategoryModeration = "moderation"
	CategoryMedia      = "media"
	CategoryAI         = "ai"
)

var categoryOrder = []string{CategoryGeneral, CategoryOwner, CategoryPresence, CategoryModeration, CategoryMedia, CategoryAI}

// Registry maps names and aliases to descriptors. It is read-only once
// frozen.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Descriptor
	byAlias map[string]*Descriptor
	order   []*Descriptor
	frozen  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Descriptor),
		byAlias: make(map[string]*Descriptor),
	}
}

// Register adds d. Names and aliases are case-insensitive and must not
// collide with any registered name or alias.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", d.Name)
	}
	name := strings.ToLower(strings.TrimSpace(d.Name))
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("command %q has no handler", name)
	}
	if r.taken(name) {
		return fmt.Errorf("command %q already registered", name)
	}
	d.Name = name
	aliases := make([]string, 0, len(d.Aliases))
	for _, a := range d.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || a == name {
			continue
		}
		if r.taken(a) {
			return fmt.Errorf("alias %q of %q already registered", a, name)
		}
		aliases = append(aliases, a)
	}
	d.Aliases = aliases
	if d.Category == "" {
		d.Category = CategoryGeneral
	}

	desc := &d
	r.byName[name] = desc
	for _, a := range aliases {
		r.byAlias[a] = desc
	}
	r.order = append(r.order, desc)
	return nil
}

func (r *Registry) taken(s string) bool {
	_, n := r.byName[s]
	_, a := r.byAlias[s]
	return n || a
}

// MustRegister is Register for the built-in table.
func (r *Registry) MustRegister(ds ...Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup resolves name, then alias.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name = strings.ToLower(name)
	if d, ok := r.byName[name]; ok {
		return *d, true
	}
	if d, ok := r.byAlias[name]; ok {
		return *d, true
	}
	return Descriptor{}, false
}

// List returns descriptors sorted by category, then name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.order))
	for _, d := range r.order {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	rank := make(map[string]int, len(categoryOrder))
	for i, c := range categoryOrder {
		rank[c] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Category]
		rj, jok := rank[out[j].Category]
		if !iok {
			ri = len(categoryOrder)
		}
		if !jok {
			rj = len(categoryOrder)
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Permissions are resolved by the router for each invocation.
type Permissions struct {
	// IsOwner is true for the owner, sudo users and the bot itself.
	IsOwner       bool
	IsSenderAdmin bool
	IsBotAdmin    bool
}

// Transcoder converts media for the sticker commands.
type Transcoder interface {
	Transcode(ctx context.Context, input []byte, target transcode.Format, opts transcode.Options) ([]byte, error)
}

// Asker answers a one-off prompt.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// ChatbotSwitch toggles the per-chat auto-reply.
type ChatbotSwitch interface {
	Enabled(c types.JID) bool
	SetEnabled(c types.JID, on bool) error
}

// Services are the dependencies shared by every handler.
type Services struct {
	Config     *config.Config
	Messenger  chat.Messenger
	Store      *kvstore.Store
	Settings   *Settings
	Counters   *Counters
	Presence   *presence.Engine
	Moderation *moderation.State
	Transcoder Transcoder
	Assistant  Asker
	Chatbot    ChatbotSwitch
	Registry   *Registry
	Version    string
	Started    time.Time
	Log        zerolog.Logger
}

// Context is one command invocation.
type Context struct {
	*Services

	Env *chat.Envelope
	// Name is the name as typed, which may be an alias.
	Name    string
	Args    []string
	RawText string
	Perms   Permissions
	// Group is the chat's metadata for group invocations, when it could be
	// fetched.
	Group *chat.GroupInfo
}

// Reply answers the invoking message.
func (c *Context) Reply(ctx context.Context, text string) error {
	return c.Messenger.Reply(ctx, c.Env, text)
}

// ArgText is everything after the command name.
func (c *Context) ArgText() string {
	return strings.Join(c.Args, " ")
}

// Prefix is the configured command prefix.
func (c *Context) Prefix() string {
	return c.Config.Prefix
}
