package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/plugin"
)

var onboardIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
var onboardEnvPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// botScaffold is the minimal config file the wizard writes. Unused
// sections are omitted so the file stays readable; the token is an
// env reference, never the secret itself.
type botScaffold struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description,omitempty"`
	Token       string          `yaml:"token"`
	Enabled     bool            `yaml:"enabled"`
	Mode        string          `yaml:"mode"`
	Plugins     []string        `yaml:"plugins"`
	Access      *scaffoldAccess `yaml:"access,omitempty"`
}

type scaffoldAccess struct {
	AdminUsers []int64 `yaml:"admin_users"`
}

func onboardCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Interactive wizard that scaffolds a bot config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return cmd
}

func runOnboard(force bool) error {
	app := config.FromEnv()

	var (
		id          string
		name        string
		description string
		mode        = config.ModePolling
	)

	// Two chained forms: the token env default is derived from the id,
	// which has to be known before the second form renders.
	first := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Bot id").
			Description("Lowercase letters, digits, - and _. Names the config file.").
			Placeholder("weather").
			Value(&id).
			Validate(func(s string) error {
				if !onboardIDPattern.MatchString(s) {
					return fmt.Errorf("use lowercase letters, digits, - or _")
				}
				return nil
			}),
		huh.NewInput().
			Title("Display name").
			Placeholder("Weather Bot").
			Value(&name).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("name must not be empty")
				}
				return nil
			}),
		huh.NewInput().
			Title("Description (optional)").
			Value(&description),
		huh.NewSelect[string]().
			Title("Update delivery").
			Options(
				huh.NewOption("Polling (no public endpoint needed)", config.ModePolling),
				huh.NewOption("Webhook (shared HTTPS receiver)", config.ModeWebhook),
			).
			Value(&mode),
	))
	if err := first.Run(); err != nil {
		return err
	}

	tokenEnv := strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_TOKEN"

	names := plugin.BuiltinRegistry().List()
	pluginOpts := make([]huh.Option[string], 0, len(names))
	for _, n := range names {
		opt := huh.NewOption(n, n)
		switch n {
		case "start", "help", "error_handler":
			opt = opt.Selected(true)
		}
		pluginOpts = append(pluginOpts, opt)
	}

	var (
		plugins  []string
		adminIDs string
		enabled  = true
	)
	second := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Token environment variable").
			Description("The file references ${"+tokenEnv+"}; the token itself never lands on disk.").
			Value(&tokenEnv).
			Validate(func(s string) error {
				if !onboardEnvPattern.MatchString(s) {
					return fmt.Errorf("use an UPPER_SNAKE_CASE name")
				}
				return nil
			}),
		huh.NewMultiSelect[string]().
			Title("Plugins").
			Options(pluginOpts...).
			Value(&plugins),
		huh.NewInput().
			Title("Admin user ids (optional)").
			Description("Comma-separated Telegram user ids with access to admin commands.").
			Value(&adminIDs),
		huh.NewConfirm().
			Title("Enable the bot right away?").
			Value(&enabled),
	))
	if err := second.Run(); err != nil {
		return err
	}

	scaffold := botScaffold{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(description),
		Token:       "${" + tokenEnv + "}",
		Enabled:     enabled,
		Mode:        mode,
		Plugins:     plugins,
	}
	if admins := config.ParseUserIDs(adminIDs); len(admins) > 0 {
		scaffold.Access = &scaffoldAccess{AdminUsers: admins}
	}

	data, err := yaml.Marshal(&scaffold)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	path := filepath.Join(app.ConfigDir, id+".yaml")
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(app.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\nWrote %s\n\nNext steps:\n", path)
	fmt.Printf("  1. Get a token from @BotFather and export %s=<token>\n", tokenEnv)
	step := 2
	if mode == config.ModeWebhook {
		fmt.Printf("  %d. Set WEBHOOK_ENABLED=true and WEBHOOK_BASE_URL=https://your.domain\n", step)
		step++
	}
	fmt.Printf("  %d. multibot run\n", step)
	if enabled && app.HotReload {
		fmt.Println("\nA running supervisor picks the new file up automatically.")
	}
	return nil
}
