package commands

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/kvstore"
)

const countersNamespace = "counters"

// MemberCount is one row of a chat's activity ranking.
type MemberCount struct {
	User  string
	Count int
}

// Counters tracks how many messages each member sent per group. Counts are
// high frequency, so they go through the store's debounced write path.
type Counters struct {
	store *kvstore.Store
	log   zerolog.Logger
	mu    sync.Mutex
}

// NewCounters wraps store.
func NewCounters(store *kvstore.Store, log zerolog.Logger) *Counters {
	return &Counters{store: store, log: log}
}

// Increment adds one message by user in c.
func (k *Counters) Increment(c types.JID, user string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	counts := make(map[string]int)
	if _, err := k.store.Read(countersNamespace, c.User, &counts); err != nil {
		k.log.Warn().Err(err).Str("chat", c.String()).Msg("reading message counters")
	}
	counts[user]++
	if err := k.store.WriteDebounced(countersNamespace, c.User, counts); err != nil {
		k.log.Warn().Err(err).Str("chat", c.String()).Msg("updating message counters")
	}
}

// Count returns user's message count in c.
func (k *Counters) Count(c types.JID, user string) int {
	counts := make(map[string]int)
	_, _ = k.store.Read(countersNamespace, c.User, &counts)
	return counts[user]
}

// Top returns the n most active members of c.
func (k *Counters) Top(c types.JID, n int) []MemberCount {
	counts := make(map[string]int)
	_, _ = k.store.Read(countersNamespace, c.User, &counts)
	out := make([]MemberCount, 0, len(counts))
	for u, v := range counts {
		out = append(out, MemberCount{User: u, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].User < out[j].User
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
