// Package config loads supervisor settings from the environment and
// per-bot definitions from YAML files in the config directory.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/multibot-io/multibot/internal/errs"
)

// Update delivery modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Session scope strategies. They decide which key a bot's conversation
// state is stored under.
const (
	StrategyUserInChat = "user_in_chat"
	StrategyUser       = "user"
	StrategyChat       = "chat"
	StrategyGlobalUser = "global_user"
)

// BotConfig describes one bot instance, one YAML file per bot.
// A file whose token resolves empty is skipped at load time, never
// treated as invalid.
type BotConfig struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Token        string         `yaml:"token"`
	Enabled      bool           `yaml:"enabled"`
	Mode         string         `yaml:"mode"`
	Webhook      BotWebhook     `yaml:"webhook"`
	Settings     map[string]any `yaml:"settings"`
	Plugins      []PluginRef    `yaml:"plugins"`
	Access       AccessList     `yaml:"access"`
	RateLimiting *RateLimit     `yaml:"rate_limiting"`
	FSMStrategy  string         `yaml:"fsm_strategy"`
}

// BotWebhook carries the per-bot webhook registration detail.
type BotWebhook struct {
	Path           string `yaml:"path"`
	Secret         string `yaml:"secret"`
	MaxConnections int    `yaml:"max_connections"`
}

// PluginRef enables one plugin for a bot and carries its free-form
// config map. A bare string in the plugins list is shorthand for
// {name: <string>, enabled: true}.
type PluginRef struct {
	Name    string         `yaml:"name"`
	Enabled bool           `yaml:"enabled"`
	Config  map[string]any `yaml:"config"`
}

func (p *PluginRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Name = value.Value
		p.Enabled = true
		return nil
	}
	type plain PluginRef
	tmp := plain{Enabled: true}
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	*p = PluginRef(tmp)
	return nil
}

// AccessList is the per-bot allow/block/admin sets. An empty allowed
// list admits everyone who is not blocked.
type AccessList struct {
	AllowedUsers []int64 `yaml:"allowed_users"`
	BlockedUsers []int64 `yaml:"blocked_users"`
	AdminUsers   []int64 `yaml:"admin_users"`
}

// IsAllowed reports whether the user may talk to the bot.
func (a *AccessList) IsAllowed(userID int64) bool {
	for _, id := range a.BlockedUsers {
		if id == userID {
			return false
		}
	}
	if len(a.AllowedUsers) == 0 {
		return true
	}
	for _, id := range a.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user is in the bot's admin set.
func (a *AccessList) IsAdmin(userID int64) bool {
	for _, id := range a.AdminUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// RateLimit overrides the default per-user token bucket for one bot.
// DefaultRate counts admitted updates per minute.
type RateLimit struct {
	Enabled     bool `yaml:"enabled"`
	DefaultRate int  `yaml:"default_rate"`
	BurstSize   int  `yaml:"burst_size"`
}

func (r *RateLimit) UnmarshalYAML(value *yaml.Node) error {
	type plain RateLimit
	tmp := plain{Enabled: true}
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	*r = RateLimit(tmp)
	return nil
}

func (c *BotConfig) normalize() {
	c.Mode = strings.ToLower(c.Mode)
	if c.Mode == "" {
		c.Mode = ModePolling
	}
	c.FSMStrategy = strings.ToLower(c.FSMStrategy)
	if c.FSMStrategy == "" {
		c.FSMStrategy = StrategyUserInChat
	}
	if c.Webhook.MaxConnections <= 0 {
		c.Webhook.MaxConnections = 40
	}
	if c.RateLimiting != nil {
		if c.RateLimiting.DefaultRate <= 0 {
			c.RateLimiting.DefaultRate = 30
		}
		if c.RateLimiting.BurstSize <= 0 {
			c.RateLimiting.BurstSize = 10
		}
	}
}

// Validate checks structural fields. Token is deliberately not checked
// here; an empty token means skip, decided by the directory loader.
func (c *BotConfig) Validate() error {
	if c.ID == "" {
		return &errs.ConfigValidationError{Field: "id", Reason: "must not be empty"}
	}
	if c.Name == "" {
		return &errs.ConfigValidationError{Field: "name", Reason: "must not be empty"}
	}
	if c.Mode != ModePolling && c.Mode != ModeWebhook {
		return &errs.ConfigValidationError{
			Field:  "mode",
			Reason: fmt.Sprintf("must be %q or %q", ModePolling, ModeWebhook),
		}
	}
	switch c.FSMStrategy {
	case StrategyUserInChat, StrategyUser, StrategyChat, StrategyGlobalUser:
	default:
		return &errs.ConfigValidationError{Field: "fsm_strategy", Reason: "unknown strategy"}
	}
	return nil
}

// EnabledPlugins returns the names of enabled plugins in declared order.
func (c *BotConfig) EnabledPlugins() []string {
	names := make([]string, 0, len(c.Plugins))
	for _, p := range c.Plugins {
		if p.Enabled {
			names = append(names, p.Name)
		}
	}
	return names
}

// PluginConfig returns the config map declared for the named plugin,
// or nil when the plugin is not listed.
func (c *BotConfig) PluginConfig(name string) map[string]any {
	for _, p := range c.Plugins {
		if p.Name == name {
			return p.Config
		}
	}
	return nil
}

// HasPlugin reports whether the named plugin is listed and enabled.
func (c *BotConfig) HasPlugin(name string) bool {
	for _, p := range c.Plugins {
		if p.Name == name && p.Enabled {
			return true
		}
	}
	return false
}
