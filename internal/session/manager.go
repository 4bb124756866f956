// Package session owns the single WhatsApp connection: it drives the
// connect / open / close / backoff / terminal state machine and makes sure
// only one connection attempt and one pending restart exist at a time.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wabot/internal/errors"
)

// State is the connection state. Only the Manager mutates it.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Terminal
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason describes why the adapter closed the connection.
type Reason struct {
	// Code is the protocol status code when one is known.
	Code int
	// Message is a human-readable description.
	Message string
	// LoggedOut is set by the adapter when the server invalidated the
	// credentials (device unlinked, session removed).
	LoggedOut bool
}

// IsLoggedOut reports whether the close is terminal.
func (r Reason) IsLoggedOut() bool {
	return r.LoggedOut
}

func (r Reason) String() string {
	switch {
	case r.Code != 0 && r.Message != "":
		return fmt.Sprintf("%d %s", r.Code, r.Message)
	case r.Code != 0:
		return fmt.Sprintf("%d", r.Code)
	case r.Message != "":
		return r.Message
	default:
		return "unknown"
	}
}

// Adapter is the slice of the protocol client the manager drives.
type Adapter interface {
	// Connect opens the transport. Success means the socket is up; the
	// manager still waits for HandleOpen before reporting Open.
	Connect(ctx context.Context) error
	// Disconnect closes the transport without emitting a close event.
	Disconnect()
}

// Timer is the part of *time.Timer the manager uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests replace it to observe delays.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures a Manager.
type Options struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
	AfterFunc      AfterFunc
}

const (
	defaultBaseDelay      = 2 * time.Second
	defaultMaxDelay       = 60 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Manager is the session lifecycle state machine.
type Manager struct {
	adapter Adapter
	opts    Options
	log     zerolog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	starting  bool
	stopped   bool
	pending   Timer
	watchdog  Timer
	attempt   uint64
	observers []func(from, to State)
	termErr   error
	done      chan struct{}
}

// New creates a manager in the Disconnected state.
func New(adapter Adapter, opts Options, log zerolog.Logger) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxDelay > defaultMaxDelay {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.BaseDelay > opts.MaxDelay {
		opts.BaseDelay = opts.MaxDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	return &Manager{
		adapter: adapter,
		opts:    opts,
		log:     log,
		done:    make(chan struct{}),
	}
}

// OnTransition registers an observer. Observers run with the manager's
// lock held and must not call back into the manager.
func (m *Manager) OnTransition(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failures returns the number of consecutive failed attempts.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Terminated is closed once the manager reaches Terminal.
func (m *Manager) Terminated() <-chan struct{} {
	return m.done
}

// Err returns the terminal error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.termErr
}

// Delay returns the backoff before the n-th consecutive retry (n >= 1).
func (m *Manager) Delay(n int) time.Duration {
	return backoff(m.opts.BaseDelay, m.opts.MaxDelay, n)
}

func backoff(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (m *Manager) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	for _, fn := range m.observers {
		fn(from, to)
	}
}

// Start opens the connection. It is a no-op while an attempt is in flight,
// while the session is open, or after Stop. In Terminal it returns the
// terminal error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Terminal {
		err := m.termErr
		m.mu.Unlock()
		return err
	}
	if m.stopped || m.starting || m.state == Open {
		m.mu.Unlock()
		return nil
	}
	m.starting = true
	m.attempt++
	attempt := m.attempt
	m.setState(Connecting)
	m.log.Info().Int("failures", m.failures).Msg("connecting")
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	err := m.adapter.Connect(cctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.starting = false

	// A close handled while Connect was in flight wins.
	if m.state == Terminal {
		return m.termErr
	}
	if m.stopped {
		return nil
	}

	if err != nil {
		if errors.Is(err, errors.ErrLoggedOut) {
			m.terminateLocked(Reason{Message: err.Error(), LoggedOut: true})
			return m.termErr
		}
		if stderrors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("connect timed out after %s: %w", m.opts.ConnectTimeout, err)
		}
		m.closeLocked(Reason{Message: err.Error()})
		return errors.NewTransient("connect", err)
	}

	if m.state == Connecting && !m.stopped {
		m.watchdog = m.opts.AfterFunc(m.opts.ConnectTimeout, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.attempt != attempt || m.state != Connecting {
				return
			}
			m.watchdog = nil
			m.log.Warn().Dur("timeout", m.opts.ConnectTimeout).Msg("no open event after connect")
			m.closeLocked(Reason{Message: "open timeout"})
			go m.adapter.Disconnect()
		})
	}
	return nil
}

// HandleOpen records a successful open and resets the backoff.
func (m *Manager) HandleOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Terminal || m.stopped {
		return
	}
	m.stopTimer(&m.watchdog)
	m.stopTimer(&m.pending)
	m.failures = 0
	m.setState(Open)
	m.log.Info().Msg("open")
}

// HandleClose records a close event from the adapter and either schedules
// a reconnect or, for invalidated credentials, goes Terminal.
func (m *Manager) HandleClose(r Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Terminal || m.stopped {
		return
	}
	m.stopTimer(&m.watchdog)
	if r.IsLoggedOut() {
		m.terminateLocked(r)
		return
	}
	m.closeLocked(r)
}

// RequestRestart drops the current connection and schedules a reconnect.
// Concurrent calls collapse into one pending restart.
func (m *Manager) RequestRestart(reason string) {
	m.mu.Lock()
	if m.state == Terminal || m.stopped || m.pending != nil || m.starting {
		m.mu.Unlock()
		return
	}
	m.stopTimer(&m.watchdog)
	m.closeLocked(Reason{Message: reason})
	m.mu.Unlock()
	m.adapter.Disconnect()
}

// Recover is deferred at goroutine boundaries. A recovered panic becomes a
// restart request instead of a crash, except in Terminal.
func (m *Manager) Recover() {
	if r := recover(); r != nil {
		m.log.Error().Interface("panic", r).Msg("recovered panic, requesting restart")
		m.RequestRestart(fmt.Sprintf("panic: %v", r))
	}
}

// Stop cancels pending restarts and closes the connection for good.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.stopTimer(&m.pending)
	m.stopTimer(&m.watchdog)
	if m.state != Terminal {
		m.setState(Disconnected)
	}
	m.mu.Unlock()
	m.adapter.Disconnect()
}

// closeLocked moves to Closing and schedules exactly one reconnect.
func (m *Manager) closeLocked(r Reason) {
	m.setState(Closing)
	if m.pending != nil {
		return
	}
	m.failures++
	d := backoff(m.opts.BaseDelay, m.opts.MaxDelay, m.failures)
	m.log.Warn().Str("reason", r.String()).Int("failures", m.failures).Dur("retry_in", d).
		Msgf("closing: %s", r)
	m.pending = m.opts.AfterFunc(d, func() {
		m.mu.Lock()
		m.pending = nil
		stop := m.stopped || m.state == Terminal
		m.mu.Unlock()
		if stop {
			return
		}
		if err := m.Start(context.Background()); err != nil {
			m.log.Debug().Err(err).Msg("reconnect attempt failed")
		}
	})
}

func (m *Manager) terminateLocked(r Reason) {
	m.stopTimer(&m.pending)
	m.stopTimer(&m.watchdog)
	m.setState(Closing)
	m.termErr = errors.NewLoggedOut(r.String())
	m.setState(Terminal)
	m.log.Error().Str("reason", r.String()).Msg("terminal: manual re-auth required")
	close(m.done)
}

func (m *Manager) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
