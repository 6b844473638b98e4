package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/sparky/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
persona:
  voice: Zephyr
`

const watcherUpdatedYAML = `
server:
  log_level: debug
persona:
  voice: Puck
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

type change struct{ old, new *config.Config }

func startWatcher(t *testing.T, content string) (string, *config.Watcher, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sparky.yaml")
	writeFile(t, path, content)

	changes := make(chan change, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changes <- change{old, new}
	}, config.WithDebounce(20*time.Millisecond), config.WithEnv(withKey))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, changes
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watcherValidYAML)
	cfg := w.Current()
	if cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v", cfg)
	}
	if cfg.Providers.Live.APIKey != "g-key" {
		t.Errorf("env overlay not applied: %q", cfg.Providers.Live.APIKey)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path, w, changes := startWatcher(t, watcherValidYAML)
	writeFile(t, path, watcherUpdatedYAML)

	select {
	case c := <-changes:
		if c.old.Persona.Voice != "Zephyr" || c.new.Persona.Voice != "Puck" {
			t.Errorf("change = %s -> %s", c.old.Persona.Voice, c.new.Persona.Voice)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current not updated: %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_DetectsRenameOverFile(t *testing.T) {
	t.Parallel()
	path, _, changes := startWatcher(t, watcherValidYAML)

	tmp := path + ".tmp"
	writeFile(t, tmp, watcherUpdatedYAML)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if c.new.Persona.Voice != "Puck" {
			t.Errorf("voice = %q", c.new.Persona.Voice)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload after rename")
	}
}

func TestWatcher_InvalidKeepsPrevious(t *testing.T) {
	t.Parallel()
	path, w, changes := startWatcher(t, watcherValidYAML)
	writeFile(t, path, watcherInvalidYAML)

	select {
	case <-changes:
		t.Fatal("invalid config must not trigger onChange")
	case <-time.After(300 * time.Millisecond):
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current changed to %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_SameContentNoCallback(t *testing.T) {
	t.Parallel()
	path, _, changes := startWatcher(t, watcherValidYAML)
	writeFile(t, path, watcherValidYAML)

	select {
	case <-changes:
		t.Fatal("identical content must not trigger onChange")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_InitialLoadError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sparky.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil, config.WithEnv(withKey)); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watcherValidYAML)
	w.Stop()
	w.Stop()
}
