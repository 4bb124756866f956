package wa

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"

	"wabot/internal/chat"
)

var errNoMedia = stderrors.New("message has no downloadable media")

const defaultGroupTTL = 5 * time.Minute

type cachedGroup struct {
	info    *chat.GroupInfo
	fetched time.Time
}

// groupCache keeps group metadata for a TTL. Membership events and kicks
// invalidate entries early.
type groupCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[types.JID]cachedGroup
}

func newGroupCache(ttl time.Duration) *groupCache {
	if ttl <= 0 {
		ttl = defaultGroupTTL
	}
	return &groupCache{ttl: ttl, now: time.Now, entries: make(map[types.JID]cachedGroup)}
}

func (g *groupCache) Get(ctx context.Context, group types.JID, fetch func(context.Context) (*chat.GroupInfo, error)) (*chat.GroupInfo, error) {
	g.mu.Lock()
	e, ok := g.entries[group]
	g.mu.Unlock()
	if ok && g.now().Sub(e.fetched) < g.ttl {
		return e.info, nil
	}

	info, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.entries[group] = cachedGroup{info: info, fetched: g.now()}
	g.mu.Unlock()
	return info, nil
}

func (g *groupCache) Invalidate(group types.JID) {
	g.mu.Lock()
	delete(g.entries, group)
	g.mu.Unlock()
}
