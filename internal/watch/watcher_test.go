package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type change struct {
	name string
	path string
}

// startWatcher builds a running watcher over fresh config and plugin
// directories and returns channels carrying the routed callbacks.
func startWatcher(t *testing.T) (configDir, pluginsDir string, configs, plugins <-chan change) {
	t.Helper()

	configDir = t.TempDir()
	pluginsDir = t.TempDir()

	w, err := New(configDir, pluginsDir, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	cfgCh := make(chan change, 16)
	plugCh := make(chan change, 16)
	w.OnConfigChange = func(botID, path string) { cfgCh <- change{botID, path} }
	w.OnPluginChange = func(name, path string) { plugCh <- change{name, path} }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return configDir, pluginsDir, cfgCh, plugCh
}

func awaitChange(t *testing.T, ch <-chan change) change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(3 * time.Second):
		t.Fatalf("no change routed within 3s")
		return change{}
	}
}

func expectQuiet(t *testing.T, ch <-chan change, wait time.Duration) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected change routed: %+v", c)
	case <-time.After(wait):
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// TestWatcherRoutesConfigChange verifies that a YAML write under the
// config directory reaches OnConfigChange with the filename stem as
// the bot id.
func TestWatcherRoutesConfigChange(t *testing.T) {
	configDir, _, configs, plugins := startWatcher(t)

	path := filepath.Join(configDir, "alpha.yaml")
	writeFile(t, path, "id: alpha\n")

	got := awaitChange(t, configs)
	if got.name != "alpha" {
		t.Errorf("bot id = %q, want %q", got.name, "alpha")
	}
	if got.path != path {
		t.Errorf("path = %q, want %q", got.path, path)
	}
	expectQuiet(t, plugins, 200*time.Millisecond)
}

// TestWatcherRoutesPluginChange verifies descriptor routing and that
// hidden, backup, and underscore-prefixed files never trigger a
// reload.
func TestWatcherRoutesPluginChange(t *testing.T) {
	_, pluginsDir, configs, plugins := startWatcher(t)

	writeFile(t, filepath.Join(pluginsDir, ".draft.yaml"), "x")
	writeFile(t, filepath.Join(pluginsDir, "old.yaml~"), "x")
	writeFile(t, filepath.Join(pluginsDir, "_disabled.yaml"), "x")
	writeFile(t, filepath.Join(pluginsDir, "horoscope.yaml"), "plugin:\n  name: horoscope\n")

	got := awaitChange(t, plugins)
	if got.name != "horoscope" {
		t.Errorf("plugin name = %q, want %q", got.name, "horoscope")
	}
	expectQuiet(t, plugins, 200*time.Millisecond)
	expectQuiet(t, configs, 50*time.Millisecond)
}

// TestWatcherDebounceBatches verifies that a burst of writes to one
// file settles into a single callback.
func TestWatcherDebounceBatches(t *testing.T) {
	configDir, _, configs, _ := startWatcher(t)

	path := filepath.Join(configDir, "beta.yml")
	for i := 0; i < 3; i++ {
		writeFile(t, path, "id: beta\n")
		time.Sleep(5 * time.Millisecond)
	}

	got := awaitChange(t, configs)
	if got.name != "beta" {
		t.Errorf("bot id = %q, want %q", got.name, "beta")
	}
	expectQuiet(t, configs, 250*time.Millisecond)
}

// TestWatcherIgnoresNonYAML verifies that only YAML files route; the
// later YAML write proves the watcher stayed live.
func TestWatcherIgnoresNonYAML(t *testing.T) {
	configDir, _, configs, _ := startWatcher(t)

	writeFile(t, filepath.Join(configDir, "notes.txt"), "scratch")
	writeFile(t, filepath.Join(configDir, "gamma.yaml"), "id: gamma\n")

	got := awaitChange(t, configs)
	if got.name != "gamma" {
		t.Errorf("bot id = %q, want %q", got.name, "gamma")
	}
	expectQuiet(t, configs, 200*time.Millisecond)
}

// TestWatcherDeletionLogsOnly verifies that removing a config file
// does not trigger a reload.
func TestWatcherDeletionLogsOnly(t *testing.T) {
	configDir, _, configs, _ := startWatcher(t)

	path := filepath.Join(configDir, "delta.yaml")
	writeFile(t, path, "id: delta\n")
	awaitChange(t, configs)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	expectQuiet(t, configs, 300*time.Millisecond)
}

// TestWatcherNewSubdirectory verifies that files inside a directory
// created after startup are still observed.
func TestWatcherNewSubdirectory(t *testing.T) {
	_, pluginsDir, _, plugins := startWatcher(t)

	sub := filepath.Join(pluginsDir, "weather")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Give the event loop a beat to pick up the new watch.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(sub, "plugin.yaml"), "plugin:\n  name: weather\n")

	got := awaitChange(t, plugins)
	if got.name != "weather" {
		t.Errorf("plugin name = %q, want %q", got.name, "weather")
	}
}

func TestWithin(t *testing.T) {
	cases := []struct {
		path, dir string
		want      bool
	}{
		{"/etc/bots/alpha.yaml", "/etc/bots", true},
		{"/etc/bots/sub/alpha.yaml", "/etc/bots", true},
		{"/etc/plugins/alpha.yaml", "/etc/bots", false},
		{"/etc/bots-old/alpha.yaml", "/etc/bots", false},
		{"/etc/bots/alpha.yaml", "", false},
	}
	for _, tc := range cases {
		if got := within(tc.path, tc.dir); got != tc.want {
			t.Errorf("within(%q, %q) = %v, want %v", tc.path, tc.dir, got, tc.want)
		}
	}
}

func TestDescriptorStem(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/plugins/horoscope.yaml", "horoscope"},
		{"/plugins/weather/plugin.yaml", "weather"},
		{"/plugins/echo.yml", "echo"},
	}
	for _, tc := range cases {
		if got := descriptorStem(tc.path); got != tc.want {
			t.Errorf("descriptorStem(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
