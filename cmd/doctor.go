package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/plugin"
	"github.com/multibot-io/multibot/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	app := config.FromEnv()

	fmt.Println("multibot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())

	fmt.Println()
	fmt.Println("  Environment:")
	fmt.Printf("    %-16s %s\n", "DATABASE_URL:", maskDSN(app.DatabaseURL))
	checkSecret("ADMIN_BOT_TOKEN", app.AdminBotToken)
	if app.RedisURL != "" {
		fmt.Printf("    %-16s %s (session store: redis)\n", "REDIS_URL:", maskDSN(app.RedisURL))
	} else {
		fmt.Printf("    %-16s (not set, session store: memory)\n", "REDIS_URL:")
	}
	if app.Webhook.Enabled {
		fmt.Printf("    %-16s %s\n", "WEBHOOK:", app.Webhook.BaseURL)
	} else {
		fmt.Printf("    %-16s disabled\n", "WEBHOOK:")
	}

	checkDatabase(app)
	checkBotConfigs(app.ConfigDir)
	checkPlugins(app.PluginsDir)

	fmt.Println()
	fmt.Println("  External Tools:")
	checkAnyBinary("PDF browser", "google-chrome", "chromium", "chromium-browser")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(app *config.App) {
	fmt.Println()
	fmt.Println("  Database:")
	driver := "postgres"
	if app.SQLite() {
		driver = "sqlite"
	}
	fmt.Printf("    %-12s %s\n", "Driver:", driver)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := openStore(ctx, app)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer st.Close()

	hs := st.Health(ctx)
	if !hs.Healthy {
		fmt.Printf("    %-12s UNHEALTHY (%s)\n", "Status:", hs.Error)
		return
	}
	pool := st.PoolStat()
	fmt.Printf("    %-12s OK (%s)\n", "Status:", hs.Latency.Round(time.Millisecond))
	fmt.Printf("    %-12s %d (free %d)\n", "Pool:", pool.Size, pool.Free)

	var registered []store.Bot
	err = st.WithSession(ctx, func(s store.Session) error {
		var listErr error
		registered, listErr = s.Bots().List(ctx)
		return listErr
	})
	if err != nil {
		fmt.Printf("    %-12s (could not list: %s)\n", "Bots:", err)
		return
	}
	fmt.Printf("    %-12s %d registered\n", "Bots:", len(registered))
}

func checkBotConfigs(dir string) {
	fmt.Println()
	fmt.Printf("  Bot configs: %s\n", dir)

	configs, err := config.LoadDir(dir)
	if err != nil {
		fmt.Printf("    (scan failed: %s)\n", err)
		return
	}
	if len(configs) == 0 {
		fmt.Println("    (none loadable)")
		return
	}

	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cfg := configs[id]
		state := "enabled"
		if !cfg.Enabled {
			state = "disabled"
		}
		name := runewidth.FillRight(runewidth.Truncate(cfg.Name, 24, "…"), 24)
		fmt.Printf("    %-16s %s %-8s %-9s %d plugins\n",
			id+":", name, cfg.Mode, state, len(cfg.EnabledPlugins()))
	}
}

func checkPlugins(dir string) {
	fmt.Println()
	fmt.Println("  Plugins:")

	registry := plugin.BuiltinRegistry()
	builtins := registry.List()
	fmt.Printf("    %-12s %s\n", "Builtin:", strings.Join(builtins, ", "))

	loader := plugin.NewLoader(registry)
	count, errs := loader.Discover(dir)
	fmt.Printf("    %-12s %d descriptors from %s\n", "Discovered:", count, dir)
	for _, err := range errs {
		fmt.Printf("    %-12s %s\n", "", err)
	}
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-16s (not set)\n", name+":")
		return
	}
	fmt.Printf("    %-16s %s\n", name+":", maskSecret(value))
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// maskDSN hides the password component of a connection URL.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

func checkAnyBinary(label string, names ...string) {
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			fmt.Printf("    %-12s %s\n", label+":", path)
			return
		}
	}
	fmt.Printf("    %-12s NOT FOUND (md2pdf plugin will not render)\n", label+":")
}
