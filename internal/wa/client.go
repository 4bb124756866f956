// Package wa adapts whatsmeow to the bot: it owns the device store and the
// socket, implements chat.Messenger, and translates whatsmeow events into
// session and router calls.
package wa

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"golang.org/x/time/rate"

	"wabot/internal/config"
	"wabot/internal/errors"
	"wabot/internal/logging"
	"wabot/internal/session"
)

// Hooks receive translated events. They run on whatsmeow's event goroutine
// and must not block.
type Hooks struct {
	Open         func()
	Close        func(r session.Reason)
	Message      func(evt *events.Message)
	Participants func(group types.JID, joined, left []types.JID)
}

// Client is the WhatsApp connection plus its persisted device.
type Client struct {
	wm        *whatsmeow.Client
	container *sqlstore.Container
	cfg       *config.Config
	log       zerolog.Logger
	limiter   *rate.Limiter
	groups    *groupCache

	mu    sync.RWMutex
	hooks Hooks
}

// Open loads (or creates) the device from the session database. The
// credentials are never deleted by the bot; a logged-out device has to be
// re-paired by the operator.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.SessionDB), 0o700); err != nil {
		return nil, errors.NewPersistence(cfg.SessionDB, err)
	}
	dbLog := logging.WhatsApp(log, "Database", cfg.Log.DBLevel)
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+cfg.SessionDB+"?_foreign_keys=on", dbLog)
	if err != nil {
		return nil, errors.NewPersistence(cfg.SessionDB, err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, errors.NewPersistence(cfg.SessionDB, err)
	}

	wm := whatsmeow.NewClient(device, logging.WhatsApp(log, "Client", cfg.Log.DBLevel))
	// The session manager owns reconnects.
	wm.EnableAutoReconnect = false

	c := &Client{
		wm:        wm,
		container: container,
		cfg:       cfg,
		log:       logging.Component(log, "wa"),
		limiter:   newLimiter(cfg.Send),
		groups:    newGroupCache(cfg.GroupCacheTTL),
	}
	wm.AddEventHandler(c.handle)
	return c, nil
}

func newLimiter(s config.SendConfig) *rate.Limiter {
	r, burst := s.RatePerSecond, s.Burst
	if r <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

// SetHooks installs the event receivers. Call before the first Connect.
func (c *Client) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

func (c *Client) currentHooks() Hooks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hooks
}

// IsPaired reports whether the device store holds credentials.
func (c *Client) IsPaired() bool {
	return c.wm.Store.ID != nil
}

// Connect implements session.Adapter.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsPaired() {
		return errors.NewLoggedOut("device is not paired")
	}
	err := c.wm.Connect()
	if stderrors.Is(err, whatsmeow.ErrAlreadyConnected) {
		return nil
	}
	if err != nil {
		return errors.NewTransient("connect", err)
	}
	return nil
}

// Disconnect implements session.Adapter.
func (c *Client) Disconnect() {
	c.wm.Disconnect()
}

// Close disconnects and releases the session database.
func (c *Client) Close() error {
	c.wm.Disconnect()
	if err := c.container.Close(); err != nil {
		return fmt.Errorf("close session db: %w", err)
	}
	return nil
}

// ResolvePhone maps a LID to the phone-number JID the device store knows
// for it.
func (c *Client) ResolvePhone(ctx context.Context, lid types.JID) types.JID {
	if c.wm.Store.LIDs == nil {
		return types.EmptyJID
	}
	pn, err := c.wm.Store.LIDs.GetPNForLID(ctx, lid)
	if err != nil {
		c.log.Debug().Err(err).Str("lid", lid.String()).Msg("could not resolve LID")
		return types.EmptyJID
	}
	return pn
}

func (c *Client) handle(evt any) {
	h := c.currentHooks()
	switch v := evt.(type) {
	case *events.Connected:
		c.log.Info().Msg("connected")
		if h.Open != nil {
			h.Open()
		}
	case *events.Message:
		if h.Message != nil {
			h.Message(v)
		}
	case *events.GroupInfo:
		c.groups.Invalidate(v.JID)
		if h.Participants != nil && len(v.Join)+len(v.Leave) > 0 {
			h.Participants(v.JID, v.Join, v.Leave)
		}
	case *events.PairSuccess:
		c.log.Info().Str("jid", v.ID.String()).Str("platform", v.Platform).Msg("paired")
	default:
		r, ok := closeReason(evt)
		if !ok {
			return
		}
		ev := c.log.Warn()
		if r.LoggedOut {
			ev = c.log.Error()
		}
		ev.Str("reason", r.String()).Msg("connection closed")
		if h.Close != nil {
			h.Close(r)
		}
	}
}

// closeReason translates the whatsmeow events that end a connection.
func closeReason(evt any) (session.Reason, bool) {
	switch v := evt.(type) {
	case *events.LoggedOut:
		return session.Reason{Code: int(v.Reason), Message: "logged out: " + v.Reason.String(), LoggedOut: true}, true
	case *events.Disconnected:
		return session.Reason{Message: "disconnected"}, true
	case *events.StreamReplaced:
		return session.Reason{Message: "stream replaced"}, true
	case *events.KeepAliveTimeout:
		return session.Reason{Message: fmt.Sprintf("keepalive timeout (%d failures)", v.ErrorCount)}, true
	case *events.ConnectFailure:
		return session.Reason{Code: int(v.Reason), Message: v.Message}, true
	case *events.TemporaryBan:
		return session.Reason{Code: int(v.Code), Message: v.String()}, true
	case *events.StreamError:
		return session.Reason{Message: "stream error " + v.Code}, true
	case *events.ClientOutdated:
		return session.Reason{Code: 405, Message: "client outdated"}, true
	}
	return session.Reason{}, false
}

var _ session.Adapter = (*Client)(nil)
