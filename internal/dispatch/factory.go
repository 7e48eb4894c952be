package dispatch

import (
	"context"
	"log/slog"

	"github.com/multibot-io/multibot/internal/billing"
	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/session"
	"github.com/multibot-io/multibot/internal/stats"
	"github.com/multibot-io/multibot/internal/store"
	"github.com/multibot-io/multibot/internal/telegram"
)

// defaultPlugins is what a bot gets when its file lists none.
var defaultPlugins = []string{"start", "help", "error_handler"}

// Factory assembles per-bot dispatchers: resolved plugin graph wrapped
// in the middleware chain. One factory serves all bots; everything
// per-bot lives in the dispatcher it returns.
type Factory struct {
	Registry  Registry
	Store     store.Store
	Collector *stats.Collector
	Sessions  session.Store
	// Supervisor is the manager's fleet view, handed to plugins.
	Supervisor Supervisor
	// AdminUsers are process-wide admins merged into every bot's list.
	AdminUsers []int64
}

// Build creates the dispatcher and the loaded plugin instances for one
// bot. Plugin failures degrade the bot, never fail the build: a plugin
// that cannot load is logged and skipped, matching the rest of the
// supervisor's isolation stance.
func (f *Factory) Build(ctx context.Context, cfg *config.BotConfig, client *telegram.Client) (*Dispatcher, []Plugin) {
	enabled := cfg.EnabledPlugins()
	if len(enabled) == 0 {
		enabled = append(enabled, defaultPlugins...)
	}

	ordered, err := f.Registry.Resolve(enabled)
	if err != nil {
		slog.Error("plugin dependency resolution failed, loading in declared order",
			"bot_id", cfg.ID, "error", err)
		ordered = enabled
	}

	var ledger *billing.Ledger
	if cfg.HasPlugin("billing") {
		cat, err := billing.ParseCatalog(f.pluginConfig(cfg, "billing"))
		if err != nil {
			slog.Error("billing config invalid, using defaults",
				"bot_id", cfg.ID, "error", err)
		}
		ledger = billing.NewLedger(f.Store, cfg.ID, cat.FreeTokens, cat.ActionCosts, cat.Packages)
	}

	root := NewRouter("main_" + cfg.ID)
	var loaded []Plugin
	for _, name := range ordered {
		p, err := f.Registry.Instantiate(name)
		if err != nil {
			slog.Error("plugin failed to load",
				"bot_id", cfg.ID, "plugin", name, "error", err)
			continue
		}
		sub := NewRouter(name)
		p.Routes(sub)
		root.Include(sub)
		loaded = append(loaded, p)
		slog.Debug("plugin attached", "bot_id", cfg.ID, "plugin", name)
	}

	admins := mergeIDs(cfg.Access.AdminUsers, f.AdminUsers)
	for _, p := range loaded {
		ic := InstanceContext{
			BotID:      cfg.ID,
			BotName:    cfg.Name,
			Store:      f.Store,
			Client:     client,
			Sessions:   f.Sessions,
			Ledger:     ledger,
			Supervisor: f.Supervisor,
			Config:     f.pluginConfig(cfg, p.Name()),
			Settings:   cfg.Settings,
			AdminIDs:   admins,
		}
		if err := p.Init(ctx, ic); err != nil {
			slog.Error("plugin init failed",
				"bot_id", cfg.ID, "plugin", p.Name(), "error", err)
		}
	}

	// A nil *Collector must stay a nil interface inside the chain.
	var rec StatsRecorder
	if f.Collector != nil {
		rec = f.Collector
	}

	mws := []Middleware{LoggingMiddleware()}
	if rec != nil {
		mws = append(mws, StatsMiddleware(rec))
	}
	if f.Store != nil {
		mws = append(mws, SessionMiddleware(f.Store, rec))
	}
	if ledger != nil {
		mws = append(mws, TokenMiddleware(ledger))
	}
	if rl := cfg.RateLimiting; rl != nil && rl.Enabled {
		mws = append(mws, RateLimitMiddleware(rl.DefaultRate, rl.BurstSize))
	}
	mws = append(mws, ErrorMiddleware(errorOptions(cfg)))

	slog.Info("dispatcher ready",
		"bot_id", cfg.ID, "plugins", len(loaded), "middlewares", len(mws))
	return NewDispatcher(cfg, client, root, f.Sessions, mws...), loaded
}

// pluginConfig overlays the bot's plugin config onto the descriptor
// defaults from the registry.
func (f *Factory) pluginConfig(cfg *config.BotConfig, name string) map[string]any {
	defaults := f.Registry.Defaults(name)
	overrides := cfg.PluginConfig(name)
	if len(defaults) == 0 {
		return overrides
	}
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// errorOptions reads the error_handler plugin config block, falling
// back to defaults when the bot does not list the plugin.
func errorOptions(cfg *config.BotConfig) ErrorOptions {
	opts := DefaultErrorOptions()
	pc := cfg.PluginConfig("error_handler")
	if pc == nil {
		return opts
	}
	if v, ok := pc["user_message"].(string); ok && v != "" {
		opts.UserMessage = v
	}
	if v, ok := pc["show_error_id"].(bool); ok {
		opts.ShowErrorID = v
	}
	if v, ok := pc["notify_admins"].(bool); ok {
		opts.NotifyAdmins = v
	}
	opts.AdminChatIDs = int64List(pc["admin_chat_ids"])
	return opts
}

// mergeIDs unions two id lists preserving first-seen order.
func mergeIDs(a, b []int64) []int64 {
	if len(b) == 0 {
		return a
	}
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// int64List coerces a YAML sequence of numbers. Anything else yields
// nil.
func int64List(v any) []int64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, item := range raw {
		switch n := item.(type) {
		case int:
			out = append(out, int64(n))
		case int64:
			out = append(out, n)
		case float64:
			out = append(out, int64(n))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
