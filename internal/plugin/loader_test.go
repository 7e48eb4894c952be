package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/multibot-io/multibot/internal/errs"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderBindsByStem(t *testing.T) {
	r := catalog(t, ctor("horoscope"))
	l := NewLoader(r)

	path := filepath.Join(t.TempDir(), "horoscope.yaml")
	writeFile(t, path, "config:\n  timezone: Europe/Berlin\n  cost: 2\n")

	name, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if name != "horoscope" {
		t.Errorf("bound to %q", name)
	}
	if !l.IsLoaded("horoscope") {
		t.Error("IsLoaded should report the descriptor")
	}
	defaults := r.Defaults("horoscope")
	if defaults["timezone"] != "Europe/Berlin" {
		t.Errorf("defaults = %v", defaults)
	}
}

func TestLoaderExplicitPluginKey(t *testing.T) {
	r := catalog(t, ctor("horoscope"))
	l := NewLoader(r)

	path := filepath.Join(t.TempDir(), "daily-stars.yaml")
	writeFile(t, path, "plugin: horoscope\nconfig:\n  cost: 1\n")

	name, err := l.Load(path)
	if err != nil || name != "horoscope" {
		t.Fatalf("Load = (%q, %v)", name, err)
	}
}

func TestLoaderRejectsUnknownPlugin(t *testing.T) {
	r := catalog(t, ctor("start"))
	l := NewLoader(r)

	path := filepath.Join(t.TempDir(), "weather.yaml")
	writeFile(t, path, "config: {}\n")

	_, err := l.Load(path)
	var loadErr *errs.PluginLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("err = %v, want load error", err)
	}
	if !errors.Is(err, errs.ErrPluginNotFound) {
		t.Errorf("err should wrap the not-found kind, got %v", err)
	}
}

func TestLoaderUnload(t *testing.T) {
	r := catalog(t, ctor("billing"))
	l := NewLoader(r)

	path := filepath.Join(t.TempDir(), "billing.yaml")
	writeFile(t, path, "config:\n  free_tokens: 10\n")
	if _, err := l.Load(path); err != nil {
		t.Fatal(err)
	}

	l.Unload("billing")
	if l.IsLoaded("billing") {
		t.Error("descriptor should be gone")
	}
	if r.Defaults("billing") != nil {
		t.Error("defaults should be cleared")
	}
	if !r.Has("billing") {
		t.Error("the compiled-in plugin itself must survive an unload")
	}
}

func TestLoaderReloadPicksUpChanges(t *testing.T) {
	r := catalog(t, ctor("help"))
	l := NewLoader(r)

	path := filepath.Join(t.TempDir(), "help.yaml")
	writeFile(t, path, "config:\n  footer: old\n")
	if _, err := l.Load(path); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "config:\n  footer: new\n")
	if err := l.Reload("help"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := r.Defaults("help")["footer"]; got != "new" {
		t.Errorf("footer = %v, want new", got)
	}

	if err := l.Reload("never-loaded"); err == nil {
		t.Error("reloading an untracked plugin should fail")
	}
}

func TestLoaderDiscover(t *testing.T) {
	r := catalog(t, ctor("good"), ctor("pkg"))
	l := NewLoader(r)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.yaml"), "config:\n  a: 1\n")
	writeFile(t, filepath.Join(dir, "_draft.yaml"), "config: {}\n")
	writeFile(t, filepath.Join(dir, ".hidden.yaml"), "config: {}\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a descriptor")
	writeFile(t, filepath.Join(dir, "broken.yaml"), "config: [odd\n")
	writeFile(t, filepath.Join(dir, "pkg", "plugin.yaml"), "config:\n  b: 2\n")

	loaded, failures := l.Discover(dir)
	if loaded != 2 {
		t.Errorf("loaded = %d, want good and pkg", loaded)
	}
	if len(failures) != 1 {
		t.Errorf("failures = %v, want just the broken file", failures)
	}
	if r.Defaults("pkg")["b"] != 2 {
		t.Errorf("package descriptor defaults = %v", r.Defaults("pkg"))
	}

	// A missing directory warns but neither loads nor fails anything.
	loaded, failures = l.Discover(filepath.Join(dir, "nope"))
	if loaded != 0 || len(failures) != 0 {
		t.Errorf("missing dir: loaded=%d failures=%v", loaded, failures)
	}
}
