package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/multibot-io/multibot/internal/bots"
	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/health"
	"github.com/multibot-io/multibot/internal/plugin"
	"github.com/multibot-io/multibot/internal/session"
	"github.com/multibot-io/multibot/internal/stats"
	"github.com/multibot-io/multibot/internal/store"
	"github.com/multibot-io/multibot/internal/store/pg"
	"github.com/multibot-io/multibot/internal/store/sqlite"
	"github.com/multibot-io/multibot/internal/tracing"
	"github.com/multibot-io/multibot/internal/watch"
	"github.com/multibot-io/multibot/internal/webhook"
)

// adminBotID is the reserved id of the fleet-control bot. A file named
// admin.yaml in the config dir overrides the synthesized one.
const adminBotID = "admin"

// sessionTTL bounds Redis-backed dialog state. Memory sessions live
// until their flow clears them.
const sessionTTL = 24 * time.Hour

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor (default when no command is given)",
		Run: func(cmd *cobra.Command, args []string) {
			runSupervisor()
		},
	}
}

// runSupervisor wires the whole process: store, sessions, stats,
// plugin registry, bot manager, HTTP surfaces, and the file watcher.
// It blocks until SIGINT/SIGTERM and exits non-zero only when a
// component fails to come up.
func runSupervisor() {
	app := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     app.Tracing.Enabled,
		Endpoint:    app.Tracing.Endpoint,
		ServiceName: app.Tracing.ServiceName,
		Version:     Version,
	})
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer fcancel()
		if err := shutdownTracing(fctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	driver := "postgres"
	if app.SQLite() {
		driver = "sqlite"
	}
	st, err := openStore(ctx, app)
	if err != nil {
		slog.Error("database connection failed", "driver", driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("database connected", "driver", driver)

	sessions, err := openSessions(ctx, app)
	if err != nil {
		slog.Error("session store unavailable", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	collector := stats.NewCollector()
	flusher := stats.NewFlusher(collector, st, app.StatsFlushInterval)
	statsSvc := stats.NewService(st)

	registry := plugin.BuiltinRegistry()
	loader := plugin.NewLoader(registry)
	discovered, derrs := loader.Discover(app.PluginsDir)
	for _, derr := range derrs {
		slog.Warn("plugin descriptor rejected", "error", derr)
	}
	slog.Info("plugin registry ready",
		"available", len(registry.List()), "descriptors", discovered)

	factory := &dispatch.Factory{
		Registry:   registry,
		Store:      st,
		Collector:  collector,
		Sessions:   sessions,
		AdminUsers: app.AdminAllowedUsers,
	}
	mgr := bots.NewManager(factory, st, app.Webhook)
	factory.Supervisor = mgr
	mgr.SetNotifier(bots.NewNotifier(mgr, adminBotID))

	configs, err := config.LoadDir(app.ConfigDir)
	if err != nil {
		slog.Error("bot config scan failed", "dir", app.ConfigDir, "error", err)
		os.Exit(1)
	}
	if app.AdminBotToken != "" {
		if _, ok := configs[adminBotID]; !ok {
			configs[adminBotID] = adminBotConfig(app)
		}
	}

	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := mgr.Create(ctx, configs[id]); err != nil {
			slog.Error("bot registration failed", "bot_id", id, "error", err)
		}
	}

	started := 0
	for id, outcome := range mgr.StartAll(ctx) {
		if outcome == "started" {
			started++
			continue
		}
		slog.Info("bot not started", "bot_id", id, "reason", outcome)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { flusher.Run(gctx); return nil })
	g.Go(func() error {
		return statsSvc.RunRetention(gctx, app.StatsRetentionCron, app.StatsRetentionDays)
	})
	if app.Health.Enabled {
		healthSrv := health.NewServer(app.Health, mgr, st)
		g.Go(func() error { return healthSrv.Start(gctx) })
	}
	if app.Webhook.Enabled {
		webhookSrv := webhook.NewServer(app.Webhook, mgr)
		g.Go(func() error { return webhookSrv.Start(gctx) })
	}

	var watcher *watch.Watcher
	if app.HotReload {
		watcher, err = watch.New(app.ConfigDir, app.PluginsDir, watch.DefaultDebounce)
		if err != nil {
			slog.Warn("hot reload unavailable", "error", err)
			watcher = nil
		} else {
			watcher.OnConfigChange = func(botID, path string) {
				applyConfigChange(gctx, mgr, botID, path)
			}
			watcher.OnPluginChange = func(name, path string) {
				applyPluginChange(gctx, mgr, loader, name, path)
			}
			g.Go(func() error { watcher.Run(gctx); return nil })
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				slog.Info("rescanning bot configs", "signal", sig.String())
				go rescanConfigs(gctx, mgr, app.ConfigDir)
				continue
			}
			slog.Info("graceful shutdown initiated", "signal", sig.String())
			cancel()
			return
		}
	}()

	slog.Info("multibot supervisor running",
		"version", Version,
		"store", driver,
		"bots", len(configs),
		"running", started,
		"webhook", app.Webhook.Enabled,
		"hot_reload", watcher != nil,
	)

	serveErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if watcher != nil {
		watcher.Close()
	}
	mgr.Shutdown(shutdownCtx)
	flusher.Flush(shutdownCtx)
	slog.Info("supervisor stopped")

	if serveErr != nil {
		slog.Error("supervisor failed", "error", serveErr)
		os.Exit(1)
	}
}

// openStore picks the backend from the database URL: Postgres by
// default, the embedded SQLite store for sqlite:// and file: URLs.
// For Postgres, DATABASE_POOL_SIZE connections are held open and
// DATABASE_POOL_MAX_OVERFLOW more are allowed under burst.
func openStore(ctx context.Context, app *config.App) (store.Store, error) {
	if app.SQLite() {
		return sqlite.Open(ctx, sqlite.Config{
			DSN:      app.DatabaseURL,
			MaxConns: app.DatabasePoolSize,
		})
	}
	return pg.Open(ctx, pg.Config{
		DSN:      app.DatabaseURL,
		MaxConns: int32(app.DatabasePoolSize + app.DatabasePoolOverflow),
		MinConns: int32(app.DatabasePoolSize),
	})
}

// openSessions keeps dialog state in memory unless REDIS_URL is set.
func openSessions(ctx context.Context, app *config.App) (session.Store, error) {
	if app.RedisURL == "" {
		slog.Info("session store ready", "backend", "memory")
		return session.NewMemoryStore(), nil
	}
	rs, err := session.NewRedisStore(ctx, app.RedisURL, sessionTTL)
	if err != nil {
		return nil, err
	}
	slog.Info("session store ready", "backend", "redis")
	return rs, nil
}

// adminBotConfig synthesizes the fleet-control bot from ADMIN_BOT_TOKEN.
// It polls, talks only to the allowed admins, and carries the admin
// plugin.
func adminBotConfig(app *config.App) *config.BotConfig {
	return &config.BotConfig{
		ID:          adminBotID,
		Name:        "Fleet Admin",
		Description: "Built-in fleet control bot",
		Token:       app.AdminBotToken,
		Enabled:     true,
		Mode:        config.ModePolling,
		FSMStrategy: config.StrategyUserInChat,
		Plugins: []config.PluginRef{
			{Name: "admin", Enabled: true},
			{Name: "error_handler", Enabled: true},
		},
		Access: config.AccessList{
			AllowedUsers: app.AdminAllowedUsers,
			AdminUsers:   app.AdminAllowedUsers,
		},
	}
}

// applyConfigChange reacts to one settled config file write: a known
// bot reloads in place, a new file registers and starts. The empty
// token skip mirrors the directory loader, so saving a half-written
// file never tears a bot down.
func applyConfigChange(ctx context.Context, mgr *bots.Manager, botID, path string) {
	cfg, err := config.LoadBot(path)
	if err != nil {
		slog.Error("config reload skipped", "bot_id", botID, "path", path, "error", err)
		return
	}
	if cfg.Token == "" {
		slog.Warn("config reload skipped: token not configured", "bot_id", botID, "path", path)
		return
	}
	if cfg.ID != botID {
		slog.Warn("config id differs from file name", "file", botID, "bot_id", cfg.ID)
	}

	if mgr.Has(cfg.ID) {
		if err := mgr.Reload(ctx, cfg); err != nil {
			slog.Error("bot reload failed", "bot_id", cfg.ID, "error", err)
		}
		return
	}
	if err := mgr.Create(ctx, cfg); err != nil {
		slog.Error("bot registration failed", "bot_id", cfg.ID, "error", err)
		return
	}
	if !cfg.Enabled {
		return
	}
	if err := mgr.Start(ctx, cfg.ID); err != nil {
		slog.Error("bot start failed", "bot_id", cfg.ID, "error", err)
	}
}

// applyPluginChange re-reads one plugin descriptor and restarts the
// running bots that carry it, so their graphs pick up the new defaults.
// Stopped bots get the fresh descriptor on their next start for free.
func applyPluginChange(ctx context.Context, mgr *bots.Manager, loader *plugin.Loader, name, path string) {
	var err error
	if loader.IsLoaded(name) {
		err = loader.Reload(name)
	} else {
		_, err = loader.Load(path)
	}
	if err != nil {
		slog.Error("plugin reload failed", "plugin", name, "path", path, "error", err)
		return
	}
	for _, snap := range mgr.Snapshot() {
		if snap.State != bots.StateRunning || !slices.Contains(snap.Plugins, name) {
			continue
		}
		if err := mgr.Restart(ctx, snap.ID); err != nil {
			slog.Error("restart after plugin reload failed", "bot_id", snap.ID, "error", err)
		}
	}
}

// rescanConfigs handles SIGHUP: every config file is re-read, known
// bots reload, new ones register and start. Files that disappeared are
// left alone; removing a bot stays an explicit admin action.
func rescanConfigs(ctx context.Context, mgr *bots.Manager, dir string) {
	configs, err := config.LoadDir(dir)
	if err != nil {
		slog.Error("config rescan failed", "dir", dir, "error", err)
		return
	}
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := configs[id]
		if mgr.Has(id) {
			if err := mgr.Reload(ctx, cfg); err != nil {
				slog.Error("bot reload failed", "bot_id", id, "error", err)
			}
			continue
		}
		if err := mgr.Create(ctx, cfg); err != nil {
			slog.Error("bot registration failed", "bot_id", id, "error", err)
			continue
		}
		if !cfg.Enabled {
			continue
		}
		if err := mgr.Start(ctx, id); err != nil {
			slog.Error("bot start failed", "bot_id", id, "error", err)
		}
	}
	slog.Info("config rescan complete", "bots", len(configs))
}
