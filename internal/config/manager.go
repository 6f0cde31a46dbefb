package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	logx "specrun/pkg/logx"
)

// Manager owns the committed Settings and knows how to re-read them.
//
// Load is used once at startup and its failure is fatal to the caller.
// Reload never replaces the committed Settings unless the new file parses,
// resolves and passes the validator.
type Manager struct {
	path string
	cpus CPUCounter

	mu  sync.RWMutex
	cur *Settings

	// lastHash tracks the last committed file content so unchanged rewrites
	// do not produce a reload log line.
	lastHash uint64

	// changed is set by Watch when the file is touched and cleared by Reload.
	changed atomic.Bool

	log       logx.Logger
	validator func(s *Settings) error
}

type Option func(*Manager)

// WithCPUCounter overrides the host CPU probe.
func WithCPUCounter(c CPUCounter) Option { return func(m *Manager) { m.cpus = c } }

// WithLogger sets the logger used by Watch and Reload.
func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{path: path, cpus: HostCPUs}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a check run by Load and Reload before committing.
func (m *Manager) SetValidator(fn func(s *Settings) error) {
	m.validator = fn
}

// Parse reads, decodes, resolves and validates the file without committing.
func (m *Manager) Parse() (*Settings, uint64, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, errors.WithHint(errors.Wrapf(err, "read config %s", m.path),
			"pass the path of an existing configuration file")
	}
	m.loadDotEnv()

	jb, _, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "parse %s", m.path)
	}
	f, err := Decode(jb, m.path)
	if err != nil {
		return nil, 0, err
	}
	s, err := Resolve(f, m.path, m.cpus)
	if err != nil {
		return nil, 0, err
	}
	if m.validator != nil {
		if err := m.validator(s); err != nil {
			return nil, 0, err
		}
	}
	return s, hashSettings(s), nil
}

// loadDotEnv applies a .env file beside the config, never overriding set variables.
func (m *Manager) loadDotEnv() {
	p := filepath.Join(filepath.Dir(m.path), ".env")
	if _, err := os.Stat(p); err != nil {
		return
	}
	if err := godotenv.Load(p); err != nil && !m.log.IsZero() {
		m.log.Warn("dotenv load failed", logx.String("path", p), logx.Err(err))
	}
}

func (m *Manager) Commit(s *Settings, h uint64) {
	m.mu.Lock()
	m.cur = s
	m.lastHash = h
	m.mu.Unlock()
}

func (m *Manager) Load() (*Settings, error) {
	s, h, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(s, h)
	return s, nil
}

func (m *Manager) Get() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Changed reports whether Watch has seen the file change since the last Reload.
func (m *Manager) Changed() bool { return m.changed.Load() }

// Reload re-reads the file. On error the committed Settings stay in force and are
// returned alongside the error. updated is false when the content hash is unchanged.
func (m *Manager) Reload() (s *Settings, updated bool, err error) {
	m.changed.Store(false)

	next, h, err := m.Parse()
	if err != nil {
		return m.Get(), false, err
	}

	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return m.Get(), false, nil
	}
	m.Commit(next, h)
	return next, true, nil
}

func hashSettings(s *Settings) uint64 {
	if s == nil {
		return 0
	}
	b, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Watch marks the config as changed whenever the file is written, created or replaced.
// It returns when ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	// When fsnotify gets into a bad state the watcher may stop delivering events
	// or close its channels. Recreate it with a small exponential backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		if !m.log.IsZero() {
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		}

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if !m.changed.Swap(true) && !m.log.IsZero() {
						m.log.Debug("config change detected", logx.String("path", m.path))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; assume a change.
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.changed.Store(true)
					continue
				}
				if !m.log.IsZero() {
					m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		if !m.log.IsZero() {
			m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
