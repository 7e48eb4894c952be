package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/multibot-io/multibot/internal/errs"
)

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate replaces ${VAR} references with values from the process
// environment. Unset variables become empty strings.
func Interpolate(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// interpolateNode rewrites every string scalar in the document so env
// references resolve before decoding, including inside maps and lists.
func interpolateNode(n *yaml.Node) {
	if n == nil {
		return
	}
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Value = Interpolate(n.Value)
	}
	for _, c := range n.Content {
		interpolateNode(c)
	}
}

// ParseBot decodes one bot definition, resolving env references first.
func ParseBot(data []byte) (*BotConfig, error) {
	cfg, _, err := decodeBot(data)
	return cfg, err
}

// decodeBot also returns the raw, uninterpolated token string so the
// directory loader can hint which env var is missing.
func decodeBot(data []byte) (*BotConfig, string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("parse yaml: %w", err)
	}
	if doc.Kind == 0 {
		return nil, "", &errs.ConfigValidationError{Field: "id", Reason: "empty document"}
	}

	rawToken := scalarValue(&doc, "token")
	interpolateNode(&doc)

	cfg := BotConfig{Enabled: true}
	if err := doc.Decode(&cfg); err != nil {
		return nil, "", fmt.Errorf("decode bot config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, rawToken, nil
}

func scalarValue(doc *yaml.Node, key string) string {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return ""
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			return root.Content[i+1].Value
		}
	}
	return ""
}

// LoadBot reads and decodes a single YAML file.
func LoadBot(path string) (*BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.ConfigFileMissingError{Path: path}
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, _, err := decodeBot(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// LoadDir loads every *.yaml and *.yml file in dir. Files whose token
// resolves empty are skipped with a notice; decode failures are logged
// and never abort the scan. Disabled bots are kept so the supervisor
// registers them in the stopped state.
func LoadDir(dir string) (map[string]*BotConfig, error) {
	configs := make(map[string]*BotConfig)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("bot config directory does not exist", "dir", dir)
			return configs, nil
		}
		return nil, fmt.Errorf("read config dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("failed to read bot config", "file", name, "error", err)
			continue
		}
		cfg, rawToken, err := decodeBot(data)
		if err != nil {
			slog.Error("failed to load bot config", "file", name, "error", err)
			continue
		}
		if cfg.Token == "" {
			args := []any{"file", name}
			if m := envRef.FindStringSubmatch(rawToken); m != nil {
				args = append(args, "set_env", m[1])
			}
			slog.Warn("skipping bot config: token not configured", args...)
			continue
		}
		if prev, ok := configs[cfg.ID]; ok {
			slog.Warn("duplicate bot id in config dir", "bot_id", cfg.ID, "replacing", prev.Name)
		}
		configs[cfg.ID] = cfg
		slog.Info("loaded bot config", "bot_id", cfg.ID, "name", cfg.Name, "mode", cfg.Mode, "enabled", cfg.Enabled)
	}
	return configs, nil
}

// FindBotFile locates <dir>/<id>.yaml, falling back to the .yml suffix.
func FindBotFile(dir, botID string) (string, bool) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(dir, botID+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}
