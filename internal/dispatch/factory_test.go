package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/multibot-io/multibot/internal/config"
)

type stubPlugin struct {
	name    string
	initErr error
	inits   int
	gotCtx  InstanceContext
}

func (p *stubPlugin) Name() string            { return p.name }
func (p *stubPlugin) Version() string         { return "0.0.1" }
func (p *stubPlugin) Dependencies() []string  { return nil }
func (p *stubPlugin) SupportsHotReload() bool { return true }
func (p *stubPlugin) Init(ctx context.Context, pc InstanceContext) error {
	p.inits++
	p.gotCtx = pc
	return p.initErr
}
func (p *stubPlugin) Routes(r *Router) {
	r.Command(p.name, okHandler)
}

type stubRegistry struct {
	resolveErr error
	resolved   []string
	failing    map[string]error
	initErrs   map[string]error
	defaults   map[string]map[string]any
	built      map[string]*stubPlugin
}

func (r *stubRegistry) Resolve(requested []string) ([]string, error) {
	if r.resolveErr != nil {
		return nil, r.resolveErr
	}
	if r.resolved != nil {
		return r.resolved, nil
	}
	return requested, nil
}

func (r *stubRegistry) Instantiate(name string) (Plugin, error) {
	if err, ok := r.failing[name]; ok {
		return nil, err
	}
	p := &stubPlugin{name: name, initErr: r.initErrs[name]}
	if r.built == nil {
		r.built = make(map[string]*stubPlugin)
	}
	r.built[name] = p
	return p, nil
}

func (r *stubRegistry) Defaults(name string) map[string]any { return r.defaults[name] }

func botConfig(plugins ...config.PluginRef) *config.BotConfig {
	return &config.BotConfig{
		ID:      "bot-a",
		Name:    "Bot A",
		Plugins: plugins,
	}
}

func loadedNames(plugins []Plugin) []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name()
	}
	return names
}

func TestFactoryDefaultPlugins(t *testing.T) {
	reg := &stubRegistry{}
	f := &Factory{Registry: reg}

	d, loaded := f.Build(context.Background(), botConfig(), nil)
	if d == nil {
		t.Fatal("Build returned nil dispatcher")
	}
	got := loadedNames(loaded)
	want := []string{"start", "help", "error_handler"}
	if len(got) != len(want) {
		t.Fatalf("loaded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("loaded %v, want %v", got, want)
		}
	}
	for _, p := range reg.built {
		if p.inits != 1 {
			t.Errorf("plugin %s initialized %d times", p.name, p.inits)
		}
	}
}

func TestFactoryResolveFailureFallsBack(t *testing.T) {
	reg := &stubRegistry{resolveErr: errors.New("unknown plugin weather")}
	f := &Factory{Registry: reg}

	_, loaded := f.Build(context.Background(), botConfig(
		config.PluginRef{Name: "help", Enabled: true},
		config.PluginRef{Name: "start", Enabled: true},
	), nil)

	got := loadedNames(loaded)
	if len(got) != 2 || got[0] != "help" || got[1] != "start" {
		t.Errorf("declared order should survive resolve failure, got %v", got)
	}
}

func TestFactorySkipsBrokenPlugin(t *testing.T) {
	reg := &stubRegistry{failing: map[string]error{
		"md2pdf": errors.New("browser missing"),
	}}
	f := &Factory{Registry: reg}

	d, loaded := f.Build(context.Background(), botConfig(
		config.PluginRef{Name: "start", Enabled: true},
		config.PluginRef{Name: "md2pdf", Enabled: true},
		config.PluginRef{Name: "help", Enabled: true},
	), nil)

	got := loadedNames(loaded)
	if len(got) != 2 || got[0] != "start" || got[1] != "help" {
		t.Errorf("broken plugin should be skipped, got %v", got)
	}
	if routes := d.Root().Routes(); len(routes) != 2 {
		t.Errorf("routes = %v, want the two surviving plugins", routes)
	}
}

func TestFactoryInitFailureKeepsPlugin(t *testing.T) {
	reg := &stubRegistry{initErrs: map[string]error{
		"flaky": errors.New("upstream not reachable"),
	}}
	f := &Factory{Registry: reg}

	_, loaded := f.Build(context.Background(), botConfig(
		config.PluginRef{Name: "flaky", Enabled: true},
		config.PluginRef{Name: "help", Enabled: true},
	), nil)

	got := loadedNames(loaded)
	if len(got) != 2 || got[0] != "flaky" {
		t.Fatalf("init failure must not unload the plugin, got %v", got)
	}
	if reg.built["flaky"].inits != 1 {
		t.Errorf("flaky initialized %d times, want 1", reg.built["flaky"].inits)
	}
}

func TestFactoryPluginContext(t *testing.T) {
	reg := &stubRegistry{}
	f := &Factory{Registry: reg}

	cfg := botConfig(config.PluginRef{
		Name:    "start",
		Enabled: true,
		Config:  map[string]any{"welcome_message": "hi there"},
	})
	cfg.Settings = map[string]any{"timezone": "UTC"}
	cfg.Access.AdminUsers = []int64{11, 22}

	f.Build(context.Background(), cfg, nil)

	p := reg.built["start"]
	if p == nil {
		t.Fatal("start plugin not built")
	}
	if p.gotCtx.BotID != "bot-a" || p.gotCtx.BotName != "Bot A" {
		t.Errorf("bot identity = %q/%q", p.gotCtx.BotID, p.gotCtx.BotName)
	}
	if got := p.gotCtx.ConfigString("welcome_message", ""); got != "hi there" {
		t.Errorf("plugin config not delivered, got %q", got)
	}
	if len(p.gotCtx.AdminIDs) != 2 {
		t.Errorf("admin ids = %v", p.gotCtx.AdminIDs)
	}
	if p.gotCtx.Ledger != nil {
		t.Error("ledger should be nil without the billing plugin")
	}
}

func TestFactoryDescriptorDefaultsUnderlay(t *testing.T) {
	reg := &stubRegistry{defaults: map[string]map[string]any{
		"start": {"welcome_message": "default hello", "show_commands": true},
	}}
	f := &Factory{Registry: reg}

	cfg := botConfig(config.PluginRef{
		Name:    "start",
		Enabled: true,
		Config:  map[string]any{"welcome_message": "custom hello"},
	})
	f.Build(context.Background(), cfg, nil)

	p := reg.built["start"]
	if got := p.gotCtx.ConfigString("welcome_message", ""); got != "custom hello" {
		t.Errorf("bot config should win, got %q", got)
	}
	if !p.gotCtx.ConfigBool("show_commands", false) {
		t.Error("descriptor default should fill missing keys")
	}
}

func TestFactoryBillingLedger(t *testing.T) {
	reg := &stubRegistry{}
	f := &Factory{Registry: reg}

	cfg := botConfig(
		config.PluginRef{Name: "billing", Enabled: true, Config: map[string]any{
			"free_tokens": 25,
			"action_costs": map[string]any{
				"horoscope": 3,
			},
			"packages": []any{
				map[string]any{"id": "small", "stars": 50, "tokens": 100, "label": "100 Tokens"},
			},
		}},
	)
	f.Build(context.Background(), cfg, nil)

	p := reg.built["billing"]
	if p == nil {
		t.Fatal("billing plugin not built")
	}
	ledger := p.gotCtx.Ledger
	if ledger == nil {
		t.Fatal("billing plugin should receive a ledger")
	}
	if ledger.FreeTokens() != 25 {
		t.Errorf("free tokens = %d, want 25", ledger.FreeTokens())
	}
	if cost := ledger.ActionCost("horoscope"); cost != 3 {
		t.Errorf("action cost = %d, want 3", cost)
	}
	if pkg, ok := ledger.Package("small"); !ok || pkg.Tokens != 100 {
		t.Errorf("package = %+v/%v", pkg, ok)
	}
}
