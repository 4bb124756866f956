// Package kvstore is the bot's durable state: one human-readable JSON file
// per namespace, rewritten atomically, with optional debounced flushing for
// high-frequency counters.
package kvstore

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wabot/internal/errors"
)

// DefaultFlushInterval is the debounce window when Options leaves it unset.
const DefaultFlushInterval = 10 * time.Second

var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Options configures a Store.
type Options struct {
	FlushInterval time.Duration
}

// Store maps namespace/key pairs to JSON values.
type Store struct {
	dir      string
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	data   map[string]map[string]json.RawMessage
	dirty  map[string]bool
	timers map[string]*time.Timer
	closed bool

	unreadable map[string]error
}

// Open prepares dir for namespace files. Namespaces load lazily.
func Open(dir string, opts Options, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewPersistence(dir, err)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	return &Store{
		dir:      dir,
		interval: opts.FlushInterval,
		log:      log,
		data:     make(map[string]map[string]json.RawMessage),
		dirty:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),

		unreadable: make(map[string]error),
	}, nil
}

// Dir returns the directory holding the namespace files.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(ns string) string {
	return filepath.Join(s.dir, ns+".json")
}

// namespace returns the in-memory map for ns, loading it on first use.
// Callers hold s.mu.
func (s *Store) namespace(ns string) (map[string]json.RawMessage, error) {
	if !namespacePattern.MatchString(ns) {
		return nil, fmt.Errorf("kvstore: invalid namespace %q", ns)
	}
	if m, ok := s.data[ns]; ok {
		return m, nil
	}

	m := make(map[string]json.RawMessage)
	path := s.path(ns)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) > 0 {
			if jerr := json.Unmarshal(raw, &m); jerr != nil {
				m = make(map[string]json.RawMessage)
				backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
				s.log.Error().Err(jerr).Str("namespace", ns).Str("backup", backup).
					Msg("corrupt state file, using defaults")
				if rerr := os.Rename(path, backup); rerr != nil {
					s.log.Warn().Err(rerr).Str("namespace", ns).Msg("could not move corrupt state file aside")
				}
			}
		}
	case stderrors.Is(err, os.ErrNotExist):
	default:
		// Writes stay refused so the unreadable file is never overwritten.
		s.unreadable[ns] = errors.NewPersistence(path, fmt.Errorf("unreadable state file: %w", err))
		s.log.Error().Err(err).Str("namespace", ns).Msg("unreadable state file, using defaults and refusing writes")
	}
	s.data[ns] = m
	return m, nil
}

// Read decodes the value at ns/key into out. It reports false when the key
// is absent or the file is missing, unreadable or corrupt.
func (s *Store) Read(ns, key string, out any) (bool, error) {
	s.mu.Lock()
	m, err := s.namespace(ns)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	raw, ok := m[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.Warn().Err(err).Str("namespace", ns).Str("key", key).Msg("undecodable state value, using default")
		return false, nil
	}
	return true, nil
}

// Exists reports whether ns/key holds a value.
func (s *Store) Exists(ns, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.namespace(ns)
	if err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// Keys returns the sorted keys of ns.
func (s *Store) Keys(ns string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.namespace(ns)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// set replaces ns/key in memory and returns the previous value so a failed
// flush can put it back.
func (s *Store) set(ns, key string, v any) (prev json.RawMessage, had bool, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: encode %s/%s: %w", ns, key, err)
	}
	m, err := s.namespace(ns)
	if err != nil {
		return nil, false, err
	}
	if err := s.unreadable[ns]; err != nil {
		return nil, false, err
	}
	prev, had = m[key]
	m[key] = raw
	return prev, had, nil
}

// restore undoes a set or delete whose flush failed.
func (s *Store) restore(ns, key string, prev json.RawMessage, had bool) {
	if had {
		s.data[ns][key] = prev
	} else {
		delete(s.data[ns], key)
	}
}

// Write stores v and persists the namespace before returning. Use it for
// toggles whose loss on crash would be visible to users.
func (s *Store) Write(ns, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had, err := s.set(ns, key, v)
	if err != nil {
		return err
	}
	if err := s.flushLocked(ns); err != nil {
		s.restore(ns, key, prev, had)
		return err
	}
	return nil
}

// WriteDebounced stores v in memory and schedules the namespace flush after
// a quiet period; every further write restarts the window.
func (s *Store) WriteDebounced(ns, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, _, err := s.set(ns, key, v); err != nil {
		return err
	}
	s.dirty[ns] = true
	if s.closed {
		return s.flushLocked(ns)
	}
	if t, ok := s.timers[ns]; ok {
		t.Stop()
	}
	s.timers[ns] = time.AfterFunc(s.interval, func() {
		defer s.recoverFlush(ns)
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, ns)
		if !s.dirty[ns] {
			return
		}
		if err := s.flushLocked(ns); err != nil {
			s.log.Error().Err(err).Str("namespace", ns).Msg("debounced flush failed")
		}
	})
	return nil
}

// Delete removes ns/key and persists the namespace.
func (s *Store) Delete(ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.namespace(ns)
	if err != nil {
		return err
	}
	if err := s.unreadable[ns]; err != nil {
		return err
	}
	prev, ok := m[key]
	if !ok {
		return nil
	}
	delete(m, key)
	if err := s.flushLocked(ns); err != nil {
		s.restore(ns, key, prev, true)
		return err
	}
	return nil
}

// recoverFlush keeps a panicking timer flush from taking the process down.
// The namespace stays dirty for the next Flush or Close.
func (s *Store) recoverFlush(ns string) {
	if r := recover(); r != nil {
		s.log.Error().Interface("panic", r).Str("namespace", ns).Msg("debounced flush panicked")
	}
}

// Flush persists every namespace with pending debounced writes.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for ns := range s.dirty {
		if err := s.flushLocked(ns); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops pending timers and flushes. Writes after Close are persisted
// synchronously.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for ns, t := range s.timers {
		t.Stop()
		delete(s.timers, ns)
	}
	s.mu.Unlock()
	return s.Flush()
}

func (s *Store) flushLocked(ns string) error {
	if t, ok := s.timers[ns]; ok {
		t.Stop()
		delete(s.timers, ns)
	}
	content, err := json.MarshalIndent(s.data[ns], "", "  ")
	if err != nil {
		return fmt.Errorf("kvstore: encode namespace %s: %w", ns, err)
	}
	if err := writeAtomic(s.path(ns), append(content, '\n')); err != nil {
		return err
	}
	delete(s.dirty, ns)
	return nil
}

// writeAtomic writes content to a temp file in the same directory, syncs it
// and renames it over path so readers never see a truncated file.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.NewPersistence(path, fmt.Errorf("create temp: %w", err))
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		return errors.NewPersistence(path, fmt.Errorf("write temp: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return errors.NewPersistence(path, fmt.Errorf("sync temp: %w", err))
	}
	if err := tmp.Chmod(0o644); err != nil {
		return errors.NewPersistence(path, fmt.Errorf("chmod temp: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return errors.NewPersistence(path, fmt.Errorf("close temp: %w", err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.NewPersistence(path, fmt.Errorf("rename temp: %w", err))
	}
	return nil
}
