package dispatch

import (
	"context"
	"time"

	"github.com/multibot-io/multibot/internal/billing"
	"github.com/multibot-io/multibot/internal/session"
	"github.com/multibot-io/multibot/internal/store"
	"github.com/multibot-io/multibot/internal/telegram"
)

// Plugin is the contract every bot feature implements. Instances are
// per bot: the factory creates a fresh one for each dispatcher build,
// so a reload never shares state with the previous graph.
type Plugin interface {
	Name() string
	Version() string
	// Dependencies lists plugin names that must be attached before
	// this one.
	Dependencies() []string
	SupportsHotReload() bool
	// Init receives the per-bot wiring. It runs after Routes, before
	// the dispatcher serves its first update.
	Init(ctx context.Context, pc InstanceContext) error
	// Routes registers the plugin's handlers on its own sub-router.
	Routes(r *Router)
}

// Runner is implemented by plugins that need a background task, such
// as scheduled deliveries. Run blocks until ctx is cancelled; the bot
// manager ties the task to the bot's lifetime.
type Runner interface {
	Run(ctx context.Context)
}

// Closer is implemented by plugins holding external resources that
// outlive a single request.
type Closer interface {
	Close() error
}

// BotSnapshot is one managed bot as fleet tooling sees it, a
// point-in-time copy with no handle on the live instance.
type BotSnapshot struct {
	ID          string
	Name        string
	Description string
	State       string
	Mode        string
	Enabled     bool
	// StartedAt is zero unless the bot is running.
	StartedAt time.Time
	LastError string
	Plugins   []string
}

// Supervisor exposes the bot manager's live view to plugins that
// operate on the whole fleet rather than a single bot.
type Supervisor interface {
	Snapshot() []BotSnapshot
	Bot(botID string) (BotSnapshot, bool)
}

// InstanceContext is the wiring a plugin instance receives at Init.
type InstanceContext struct {
	BotID    string
	BotName  string
	Store    store.Store
	Client   *telegram.Client
	Sessions session.Store
	// Ledger is nil when the bot runs without the billing plugin.
	Ledger *billing.Ledger
	// Supervisor is nil outside a managed deployment, plugins needing
	// the fleet view must tolerate that.
	Supervisor Supervisor
	// Config is the plugin's own config map from the bot file.
	Config map[string]any
	// Settings is the bot-level free-form settings map.
	Settings map[string]any
	// AdminIDs are the bot's admin users plus the process-wide ones.
	AdminIDs []int64
}

// ConfigString reads a string key from the plugin config with a
// default.
func (pc InstanceContext) ConfigString(key, def string) string {
	if v, ok := pc.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigInt reads an integer key from the plugin config with a
// default. YAML numbers decode as int, large ones as int64.
func (pc InstanceContext) ConfigInt(key string, def int64) int64 {
	switch v := pc.Config[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return def
	}
}

// ConfigBool reads a boolean key from the plugin config with a
// default.
func (pc InstanceContext) ConfigBool(key string, def bool) bool {
	if v, ok := pc.Config[key].(bool); ok {
		return v
	}
	return def
}

// Registry resolves plugin names into ready instances. The plugin
// package implements it; the factory consumes it.
type Registry interface {
	// Resolve returns the requested names plus their transitive
	// dependencies in an order where every dependency precedes its
	// dependents.
	Resolve(requested []string) ([]string, error)
	// Instantiate builds a fresh, uninitialized instance.
	Instantiate(name string) (Plugin, error)
	// Defaults returns the config overrides a descriptor file declared
	// for the plugin, nil when there is none. Bot config wins over
	// these.
	Defaults(name string) map[string]any
}
