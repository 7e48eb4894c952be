package bots

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/plugin"
	"github.com/multibot-io/multibot/internal/webhook"
)

// testToken builds a syntactically valid bot token. The suffix letter
// keeps tokens distinct per bot.
func testToken(c byte) string {
	return "1234567890:" + strings.Repeat(string(c), 35)
}

func testBotConfig(id string, enabled bool) *config.BotConfig {
	return &config.BotConfig{
		ID:      id,
		Name:    "Bot " + id,
		Token:   testToken(id[0]),
		Enabled: enabled,
		Mode:    config.ModePolling,
		Plugins: []config.PluginRef{{Name: "start", Enabled: true}},
	}
}

func newTestManager() *Manager {
	f := &dispatch.Factory{Registry: plugin.BuiltinRegistry()}
	return NewManager(f, nil, config.WebhookServer{
		BaseURL:    "https://bots.example.com",
		Secret:     "hook-secret",
		PathPrefix: "/webhook",
	})
}

// forceState rewrites a bot's state for transition tests that must
// not open real network connections.
func forceState(m *Manager, id, state string) *managedBot {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bots[id]
	b.state = state
	return b
}

// TestManagerCreate registers a bot and verifies the stopped-state
// snapshot plus duplicate-id rejection.
func TestManagerCreate(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if err := m.Create(ctx, testBotConfig("alpha", true)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap, ok := m.Bot("alpha")
	if !ok {
		t.Fatal("created bot not found")
	}
	if snap.State != StateStopped {
		t.Errorf("state = %q, want %q", snap.State, StateStopped)
	}
	if !snap.StartedAt.IsZero() {
		t.Error("started_at must be zero before the first start")
	}
	if len(snap.Plugins) != 1 || snap.Plugins[0] != "start" {
		t.Errorf("plugins = %v, want [start]", snap.Plugins)
	}

	err := m.Create(ctx, testBotConfig("alpha", true))
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("duplicate create = %v, want already-registered error", err)
	}
}

// TestManagerStartTransitions checks the typed errors for every
// illegal start.
func TestManagerStartTransitions(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if err := m.Start(ctx, "ghost"); !errors.Is(err, errs.ErrBotNotFound) {
		t.Errorf("start unknown = %v, want ErrBotNotFound", err)
	}

	if err := m.Create(ctx, testBotConfig("alpha", true)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, state := range []string{StateRunning, StateStarting} {
		forceState(m, "alpha", state)
		if err := m.Start(ctx, "alpha"); !errors.Is(err, errs.ErrBotAlreadyRunning) {
			t.Errorf("start while %s = %v, want ErrBotAlreadyRunning", state, err)
		}
	}

	forceState(m, "alpha", StateStopping)
	err := m.Start(ctx, "alpha")
	if err == nil || !strings.Contains(err.Error(), "still stopping") {
		t.Errorf("start while stopping = %v", err)
	}
}

// TestManagerStopTransitions checks the typed errors for every
// illegal stop.
func TestManagerStopTransitions(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if err := m.Stop(ctx, "ghost"); !errors.Is(err, errs.ErrBotNotFound) {
		t.Errorf("stop unknown = %v, want ErrBotNotFound", err)
	}

	if err := m.Create(ctx, testBotConfig("alpha", true)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Stop(ctx, "alpha"); !errors.Is(err, errs.ErrBotNotRunning) {
		t.Errorf("stop stopped bot = %v, want ErrBotNotRunning", err)
	}

	forceState(m, "alpha", StateError)
	if err := m.Stop(ctx, "alpha"); !errors.Is(err, errs.ErrBotNotRunning) {
		t.Errorf("stop errored bot = %v, want ErrBotNotRunning", err)
	}
}

// TestManagerStopJoinsRun drives a full stop against a synthetic run:
// cancellation must propagate, the join must complete, and the graph
// must be released.
func TestManagerStopJoinsRun(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if err := m.Create(ctx, testBotConfig("alpha", true)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		<-runCtx.Done()
		close(done)
	}()

	m.mu.Lock()
	b := m.bots["alpha"]
	b.state = StateRunning
	b.startedAt = time.Now().UTC()
	b.cancel = cancel
	b.done = done
	m.mu.Unlock()

	if err := m.Stop(ctx, "alpha"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b.state != StateStopped {
		t.Errorf("state = %q, want %q", b.state, StateStopped)
	}
	if !b.startedAt.IsZero() {
		t.Error("started_at must be cleared on stop")
	}
	if b.cancel != nil || b.done != nil {
		t.Error("run handles must be cleared on stop")
	}
	if b.dispatcher != nil || b.client != nil || b.plugins != nil {
		t.Error("graph must be released on stop")
	}
	if len(b.pluginNames) != 1 {
		t.Errorf("plugin names lost on stop: %v", b.pluginNames)
	}
}

// TestManagerStopTimeout verifies that a run refusing to join moves
// the bot to error with the timeout recorded.
func TestManagerStopTimeout(t *testing.T) {
	m := newTestManager()
	m.stopWait = 50 * time.Millisecond
	ctx := context.Background()
	if err := m.Create(ctx, testBotConfig("alpha", true)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	b := m.bots["alpha"]
	b.state = StateRunning
	b.startedAt = time.Now().UTC()
	b.cancel = cancel
	b.done = make(chan struct{}) // never closed
	m.mu.Unlock()

	err := m.Stop(ctx, "alpha")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Stop = %v, want timeout error", err)
	}

	snap, _ := m.Bot("alpha")
	if snap.State != StateError {
		t.Errorf("state = %q, want %q", snap.State, StateError)
	}
	if !strings.Contains(snap.LastError, "timed out") {
		t.Errorf("last error = %q, want timeout reason", snap.LastError)
	}
}

// TestRunEnded covers the transitions owned by the run goroutine:
// error exit, clean exit, and deference to an in-flight stop.
func TestRunEnded(t *testing.T) {
	ctx := context.Background()

	synthetic := func(t *testing.T, m *Manager, state string) *managedBot {
		t.Helper()
		if err := m.Create(ctx, testBotConfig("alpha", true)); err != nil {
			t.Fatalf("Create: %v", err)
		}
		_, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		close(done)

		m.mu.Lock()
		b := m.bots["alpha"]
		b.state = state
		if state == StateRunning {
			b.startedAt = time.Now().UTC()
		}
		b.cancel = cancel
		b.done = done
		m.mu.Unlock()
		return b
	}

	t.Run("error exit", func(t *testing.T) {
		m := newTestManager()
		b := synthetic(t, m, StateRunning)

		m.runEnded(b, errors.New("conflict: terminated by other getUpdates request"))

		snap, _ := m.Bot("alpha")
		if snap.State != StateError {
			t.Errorf("state = %q, want %q", snap.State, StateError)
		}
		if !strings.Contains(snap.LastError, "conflict") {
			t.Errorf("last error = %q", snap.LastError)
		}
		if !snap.StartedAt.IsZero() {
			t.Error("started_at must be cleared when the loop dies")
		}
	})

	t.Run("clean exit", func(t *testing.T) {
		m := newTestManager()
		b := synthetic(t, m, StateRunning)

		m.runEnded(b, nil)

		snap, _ := m.Bot("alpha")
		if snap.State != StateStopped {
			t.Errorf("state = %q, want %q", snap.State, StateStopped)
		}
	})

	t.Run("stop owns the transition", func(t *testing.T) {
		m := newTestManager()
		b := synthetic(t, m, StateStopping)

		m.runEnded(b, errors.New("cancelled"))

		m.mu.Lock()
		defer m.mu.Unlock()
		if b.state != StateStopping {
			t.Errorf("state = %q, runEnded must not override a stop", b.state)
		}
		if b.errMsg != "" {
			t.Errorf("errMsg = %q, want empty", b.errMsg)
		}
	})
}

// TestMarkRunning verifies the starting → running transition and that
// a raced stop suppresses it.
func TestMarkRunning(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if err := m.Create(ctx, testBotConfig("alpha", true)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	b := forceState(m, "alpha", StateStarting)
	m.markRunning(b, b.client)

	snap, _ := m.Bot("alpha")
	if snap.State != StateRunning {
		t.Errorf("state = %q, want %q", snap.State, StateRunning)
	}
	if snap.StartedAt.IsZero() {
		t.Error("started_at must be set on the running transition")
	}

	b = forceState(m, "alpha", StateStopping)
	m.markRunning(b, b.client)
	if snap, _ := m.Bot("alpha"); snap.State != StateStopping {
		t.Errorf("state = %q, markRunning must defer to a stop", snap.State)
	}
}

// TestManagerReload swaps the config of a stopped bot in place and
// leaves it stopped.
func TestManagerReload(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if err := m.Reload(ctx, testBotConfig("ghost", true)); !errors.Is(err, errs.ErrBotNotFound) {
		t.Errorf("reload unknown = %v, want ErrBotNotFound", err)
	}

	if err := m.Create(ctx, testBotConfig("alpha", false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	next := testBotConfig("alpha", false)
	next.Name = "Alpha v2"
	next.Plugins = append(next.Plugins, config.PluginRef{Name: "help", Enabled: true})
	if err := m.Reload(ctx, next); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	snap, ok := m.Bot("alpha")
	if !ok {
		t.Fatal("bot lost by reload")
	}
	if snap.State != StateStopped {
		t.Errorf("state = %q, a stopped bot must stay stopped", snap.State)
	}
	if snap.Name != "Alpha v2" {
		t.Errorf("name = %q, want the reloaded config", snap.Name)
	}
	if len(snap.Plugins) != 2 || snap.Plugins[1] != "help" {
		t.Errorf("plugins = %v, want [start help]", snap.Plugins)
	}
}

// TestManagerRemove forgets a bot and rejects a second removal.
func TestManagerRemove(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if err := m.Create(ctx, testBotConfig("alpha", false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Remove(ctx, "alpha"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if m.Has("alpha") {
		t.Error("bot still registered after remove")
	}
	if err := m.Remove(ctx, "alpha"); !errors.Is(err, errs.ErrBotNotFound) {
		t.Errorf("second remove = %v, want ErrBotNotFound", err)
	}
}

// TestStartAllSkipsDisabled verifies the per-bot result map for bots
// that must not be started.
func TestStartAllSkipsDisabled(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if err := m.Create(ctx, testBotConfig("alpha", false)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(ctx, testBotConfig("beta", false)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	results := m.StartAll(ctx)
	if len(results) != 2 {
		t.Fatalf("results = %v, want two entries", results)
	}
	for id, status := range results {
		if status != "disabled" {
			t.Errorf("result[%s] = %q, want disabled", id, status)
		}
	}
	if snap, _ := m.Bot("alpha"); snap.State != StateStopped {
		t.Errorf("disabled bot state = %q, want stopped", snap.State)
	}
}

// TestSnapshotOrdering checks that the fleet view is sorted by id.
func TestSnapshotOrdering(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	for _, id := range []string{"charlie", "alpha", "beta"} {
		if err := m.Create(ctx, testBotConfig(id, false)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	snaps := m.Snapshot()
	want := []string{"alpha", "beta", "charlie"}
	if len(snaps) != len(want) {
		t.Fatalf("snapshot has %d bots, want %d", len(snaps), len(want))
	}
	for i, s := range snaps {
		if s.ID != want[i] {
			t.Errorf("snapshot[%d] = %q, want %q", i, s.ID, want[i])
		}
	}
}

// TestWebhookTarget covers the receiver's lookup: unknown ids,
// polling-mode bots, stopped webhook bots, and the served case with
// both derived and per-bot secrets.
func TestWebhookTarget(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, _, err := m.WebhookTarget("ghost"); !errors.Is(err, errs.ErrBotNotFound) {
		t.Errorf("unknown bot = %v, want ErrBotNotFound", err)
	}

	if err := m.Create(ctx, testBotConfig("poller", true)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	forceState(m, "poller", StateRunning)
	if _, _, err := m.WebhookTarget("poller"); !errors.Is(err, errs.ErrBotNotFound) {
		t.Errorf("polling-mode bot = %v, want ErrBotNotFound", err)
	}

	hooked := testBotConfig("hooked", true)
	hooked.Mode = config.ModeWebhook
	if err := m.Create(ctx, hooked); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := m.WebhookTarget("hooked"); !errors.Is(err, errs.ErrBotNotRunning) {
		t.Errorf("stopped webhook bot = %v, want ErrBotNotRunning", err)
	}

	forceState(m, "hooked", StateRunning)
	d, secret, err := m.WebhookTarget("hooked")
	if err != nil {
		t.Fatalf("WebhookTarget: %v", err)
	}
	if d == nil {
		t.Fatal("dispatcher missing for a running webhook bot")
	}
	if want := webhook.SecretFor("hook-secret", "hooked"); secret != want {
		t.Errorf("secret = %q, want derived %q", secret, want)
	}
	if len(secret) != 32 {
		t.Errorf("secret length = %d, want 32", len(secret))
	}

	custom := testBotConfig("custom", true)
	custom.Mode = config.ModeWebhook
	custom.Webhook.Secret = "per-bot-token"
	if err := m.Create(ctx, custom); err != nil {
		t.Fatalf("Create: %v", err)
	}
	forceState(m, "custom", StateRunning)
	if _, secret, _ := m.WebhookTarget("custom"); secret != "per-bot-token" {
		t.Errorf("secret = %q, config must override derivation", secret)
	}
}

// TestWebhookURL checks registration URL assembly, including the
// per-bot path override.
func TestWebhookURL(t *testing.T) {
	m := newTestManager()

	cfg := testBotConfig("alpha", true)
	if got, want := m.webhookURL(cfg), "https://bots.example.com/webhook/alpha"; got != want {
		t.Errorf("url = %q, want %q", got, want)
	}

	cfg.Webhook.Path = "hooks/custom"
	if got, want := m.webhookURL(cfg), "https://bots.example.com/hooks/custom"; got != want {
		t.Errorf("override url = %q, want %q", got, want)
	}
}

// TestTokenHash checks shape and stability of the catalog hash.
func TestTokenHash(t *testing.T) {
	a := tokenHash("token-a")
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
	if a != tokenHash("token-a") {
		t.Error("hash must be deterministic")
	}
	if a == tokenHash("token-b") {
		t.Error("different tokens must not collide")
	}
	if strings.ToLower(a) != a {
		t.Error("hash must be lower-case hex")
	}
}
