package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 500 * time.Millisecond

// Status describes the loaded configuration.
type Status struct {
	Path        string    `json:"path"`
	Checksum    string    `json:"checksum"`
	LoadedAt    time.Time `json:"loaded_at"`
	ReloadCount int64     `json:"reload_count"`
	LastError   string    `json:"last_error,omitempty"`
}

// Manager holds the current configuration behind an atomic pointer and
// reloads it when the file changes. A file that fails to parse or validate
// leaves the previous configuration in place.
type Manager struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	config atomic.Pointer[Config]

	mu        sync.Mutex
	status    Status
	onChange  []func(*Config)
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
}

// NewManager loads path and returns a manager for it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:     path,
		logger:   logger,
		debounce: DefaultDebounce,
		status:   Status{Path: path},
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Status returns metadata about the loaded configuration.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnChange registers fn to run after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Reload reads the file now. Listeners run only when the content changed.
func (m *Manager) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return m.fail(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return m.fail(err)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	m.mu.Lock()
	changed := checksum != m.status.Checksum
	m.status.Checksum = checksum
	m.status.LoadedAt = time.Now()
	m.status.ReloadCount++
	m.status.LastError = ""
	listeners := append([]func(*Config)(nil), m.onChange...)
	m.mu.Unlock()

	m.config.Store(cfg)
	if changed {
		for _, fn := range listeners {
			fn(cfg)
		}
	}
	return nil
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.status.LastError = err.Error()
	m.mu.Unlock()
	return err
}

// Watch reloads the configuration whenever the file is written or replaced
// until ctx is done. The parent directory is watched so that editors which
// save by rename are noticed too.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	target := filepath.Clean(m.path)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		_ = m.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(m.debounce, func() {
				if err := m.Reload(); err != nil {
					m.logger.Error("failed to reload config, keeping current", "path", m.path, "error", err)
					return
				}
				m.logger.Info("configuration reloaded", "path", m.path, "checksum", m.Status().Checksum[:12])
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	w := m.watcher
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	var err error
	m.closeOnce.Do(func() { err = w.Close() })
	return err
}
