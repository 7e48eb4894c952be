package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/multibot-io/multibot/internal/errs"
)

// Descriptor is the YAML shape of a plugin file. Plugin code is
// compiled in; a descriptor only binds a catalog name to default
// config overrides for every bot that enables it.
type Descriptor struct {
	// Plugin is the catalog name. Empty means the file stem.
	Plugin string `yaml:"plugin"`
	// Config is overlaid under each bot's own plugin config.
	Config map[string]any `yaml:"config"`
}

// Loader tracks which descriptor files feed which catalog plugins so
// hot reload can re-read them by name.
type Loader struct {
	registry *Registry

	mu    sync.Mutex
	paths map[string]string
}

func NewLoader(registry *Registry) *Loader {
	return &Loader{
		registry: registry,
		paths:    make(map[string]string),
	}
}

// Load reads one descriptor file and applies its defaults. It returns
// the catalog plugin name the file bound to.
func (l *Loader) Load(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", &errs.PluginLoadError{Path: path, Reason: "read descriptor", Err: err}
	}
	var desc Descriptor
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return "", &errs.PluginLoadError{Path: path, Reason: "parse descriptor", Err: err}
	}

	name := desc.Plugin
	if name == "" {
		name = stem(path)
	}
	if !l.registry.Has(name) {
		return "", &errs.PluginLoadError{
			Path:   path,
			Reason: fmt.Sprintf("no plugin %q in the catalog", name),
			Err:    errs.ErrPluginNotFound,
		}
	}

	l.registry.SetDefaults(name, desc.Config)
	l.mu.Lock()
	l.paths[name] = path
	l.mu.Unlock()

	slog.Debug("plugin descriptor loaded", "plugin", name, "path", path)
	return name, nil
}

// Reload re-reads the descriptor last loaded for name.
func (l *Loader) Reload(name string) error {
	l.mu.Lock()
	path, ok := l.paths[name]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no descriptor loaded for plugin %q", name)
	}
	_, err := l.Load(path)
	return err
}

// Unload drops the descriptor defaults for name. The compiled-in
// plugin itself stays registered.
func (l *Loader) Unload(name string) {
	l.mu.Lock()
	delete(l.paths, name)
	l.mu.Unlock()
	l.registry.SetDefaults(name, nil)
}

// IsLoaded reports whether a descriptor is active for name.
func (l *Loader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.paths[name]
	return ok
}

// Discover scans directories for descriptors: *.yaml / *.yml files
// whose stem does not start with "_", plus subdirectories exposing a
// plugin.yaml. One broken file never stops the rest; failures come
// back collected.
func (l *Loader) Discover(dirs ...string) (int, []error) {
	var loaded int
	var failures []error

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("plugin directory not found", "dir", dir)
				continue
			}
			failures = append(failures, fmt.Errorf("scan %s: %w", dir, err))
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
				continue
			}
			path := filepath.Join(dir, name)
			if entry.IsDir() {
				path = filepath.Join(path, "plugin.yaml")
				if _, err := os.Stat(path); err != nil {
					continue
				}
			} else if !isDescriptorFile(name) {
				continue
			}

			if _, err := l.Load(path); err != nil {
				slog.Error("plugin descriptor rejected", "path", path, "error", err)
				failures = append(failures, err)
				continue
			}
			loaded++
		}
	}

	slog.Info("plugin discovery finished",
		"loaded", loaded, "failed", len(failures), "dirs", len(dirs))
	return loaded, failures
}

func isDescriptorFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// stem derives the catalog name from the file path. A package-style
// descriptor (<name>/plugin.yaml) takes its directory's name.
func stem(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "plugin" {
		if parent := filepath.Base(filepath.Dir(path)); parent != "." && parent != "/" {
			return parent
		}
	}
	return name
}
