package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configYAML(port int) string {
	return "server:\n  port: " + strconv.Itoa(port) + "\n" + minimalYAML
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llmguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerStatus(t *testing.T) {
	path := writeConfigFile(t, configYAML(8080))
	mgr, err := NewManager(path, quietLogger())
	require.NoError(t, err)

	status := mgr.Status()
	assert.Equal(t, path, status.Path)
	assert.Len(t, status.Checksum, 64)
	assert.False(t, status.LoadedAt.IsZero())
	assert.Equal(t, int64(1), status.ReloadCount)
	assert.Empty(t, status.LastError)
}

func TestManagerReload(t *testing.T) {
	path := writeConfigFile(t, configYAML(8080))
	mgr, err := NewManager(path, quietLogger())
	require.NoError(t, err)

	var notified atomic.Int32
	mgr.OnChange(func(cfg *Config) { notified.Add(1) })

	before := mgr.Status()
	require.NoError(t, os.WriteFile(path, []byte(configYAML(9090)), 0o644))
	require.NoError(t, mgr.Reload())

	after := mgr.Status()
	assert.NotEqual(t, before.Checksum, after.Checksum)
	assert.Equal(t, before.ReloadCount+1, after.ReloadCount)
	assert.Equal(t, 9090, mgr.Get().Server.Port)
	assert.Equal(t, int32(1), notified.Load())

	require.NoError(t, mgr.Reload())
	assert.Equal(t, int32(1), notified.Load(), "unchanged content does not notify")
}

func TestManagerReload_InvalidKeepsCurrent(t *testing.T) {
	path := writeConfigFile(t, configYAML(8080))
	mgr, err := NewManager(path, quietLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8081\n"), 0o644))
	require.Error(t, mgr.Reload())

	assert.Equal(t, 8080, mgr.Get().Server.Port)
	assert.Contains(t, mgr.Status().LastError, "requests_per_window")
}

func TestNewManager_InvalidFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 8080\n")
	_, err := NewManager(path, quietLogger())
	assert.Error(t, err)
}

func TestManagerWatch(t *testing.T) {
	path := writeConfigFile(t, configYAML(8080))
	mgr, err := NewManager(path, quietLogger())
	require.NoError(t, err)
	mgr.debounce = 20 * time.Millisecond

	changed := make(chan int, 4)
	mgr.OnChange(func(cfg *Config) { changed <- cfg.Server.Port })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Watch(ctx))

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(configYAML(9191)), 0o644))

	select {
	case port := <-changed:
		assert.Equal(t, 9191, port)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
	assert.Equal(t, 9191, mgr.Get().Server.Port)
}
