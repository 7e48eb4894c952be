// Package bots owns the lifecycle of every managed bot: the per-bot
// state machine, the goroutines running the update loops, and the
// catalog bookkeeping that records what happened to whom.
package bots

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
	"github.com/multibot-io/multibot/internal/telegram"
	"github.com/multibot-io/multibot/internal/webhook"
)

// Bot lifecycle states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateError    = "error"
)

const (
	// defaultStopWait bounds how long Stop waits for a bot's goroutines
	// after cancelling them.
	defaultStopWait = 10 * time.Second
	// restartPause lets the previous long-poll connection die down
	// before a new one opens against the same token.
	restartPause = 500 * time.Millisecond
	// bookkeepTimeout bounds catalog writes made outside a caller
	// context, such as from an exiting run goroutine.
	bookkeepTimeout = 5 * time.Second
)

// managedBot is the manager's record of one bot. Every field is
// guarded by the manager mutex; run goroutines receive copies of what
// they need at launch time.
type managedBot struct {
	id  string
	cfg *config.BotConfig

	// Graph handles. Nil while stopped after a run: a re-start builds
	// a fresh client and dispatcher, the old wire session is never
	// reused.
	client     *telegram.Client
	dispatcher *dispatch.Dispatcher
	plugins    []dispatch.Plugin

	// pluginNames survives graph teardown so snapshots of stopped
	// bots still list their composition.
	pluginNames []string

	state string
	// startedAt is set on the transition to running and zeroed the
	// moment the state leaves it.
	startedAt time.Time
	errMsg    string

	// cancel and done bracket one run: cancel stops the update loop
	// and every plugin task, done closes once they have all exited.
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the bot_id → managedBot map and is the only writer of
// bot state. It implements dispatch.Supervisor for fleet-level plugins
// and resolves webhook deliveries for the HTTP receiver.
type Manager struct {
	factory *dispatch.Factory
	store   store.Store
	wh      config.WebhookServer

	mu   sync.Mutex
	bots map[string]*managedBot

	// notifier is told whenever a bot lands in error state. Optional.
	notifier *Notifier

	stopWait time.Duration
}

func NewManager(factory *dispatch.Factory, st store.Store, wh config.WebhookServer) *Manager {
	return &Manager{
		factory:  factory,
		store:    st,
		wh:       wh,
		bots:     make(map[string]*managedBot),
		stopWait: defaultStopWait,
	}
}

// SetNotifier wires the admin alerter. Call before any bot starts.
func (m *Manager) SetNotifier(n *Notifier) { m.notifier = n }

// Create registers a bot in stopped state: wire client built, handler
// graph assembled, nothing started yet. Fails when the id is taken.
func (m *Manager) Create(ctx context.Context, cfg *config.BotConfig) error {
	m.mu.Lock()
	_, taken := m.bots[cfg.ID]
	m.mu.Unlock()
	if taken {
		return fmt.Errorf("bot %q is already registered", cfg.ID)
	}

	client, err := telegram.NewClient(cfg.Token)
	if err != nil {
		return fmt.Errorf("bot %s: %w", cfg.ID, err)
	}
	dispatcher, plugins := m.factory.Build(ctx, cfg, client)

	b := &managedBot{
		id:          cfg.ID,
		cfg:         cfg,
		client:      client,
		dispatcher:  dispatcher,
		plugins:     plugins,
		pluginNames: pluginNames(plugins),
		state:       StateStopped,
	}

	m.mu.Lock()
	if _, taken := m.bots[cfg.ID]; taken {
		m.mu.Unlock()
		closePlugins(cfg.ID, plugins)
		return fmt.Errorf("bot %q is already registered", cfg.ID)
	}
	m.bots[cfg.ID] = b
	m.mu.Unlock()

	m.persistBot(ctx, cfg, "")
	m.recordEvent(ctx, cfg.ID, store.EventRegistered, map[string]any{
		"name":    cfg.Name,
		"mode":    cfg.Mode,
		"enabled": cfg.Enabled,
	})
	slog.Info("bot registered",
		"bot_id", cfg.ID, "mode", cfg.Mode, "plugins", len(plugins))
	return nil
}

// Start moves a bot out of stopped or error. Polling bots flip to
// running from inside the run goroutine once the update stream is
// established; webhook bots register their URL with Telegram and flip
// immediately. Start returns once the transition is underway, not
// when the loop ends.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	b, ok := m.bots[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("bot %q: %w", id, errs.ErrBotNotFound)
	}
	switch b.state {
	case StateStopped, StateError:
	case StateStopping:
		m.mu.Unlock()
		return fmt.Errorf("bot %q is still stopping", id)
	default:
		m.mu.Unlock()
		return fmt.Errorf("bot %q: %w", id, errs.ErrBotAlreadyRunning)
	}
	b.state = StateStarting
	b.errMsg = ""
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	cfg := b.cfg
	rebuild := b.dispatcher == nil
	m.mu.Unlock()

	if rebuild {
		if err := m.rebuildGraph(ctx, b, cfg); err != nil {
			cancel()
			close(done)
			m.runEnded(b, err)
			return err
		}
	}

	m.mu.Lock()
	if b.state != StateStarting {
		// A stop raced in before anything launched; unblock it.
		m.mu.Unlock()
		cancel()
		close(done)
		return nil
	}
	client, dispatcher, plugins := b.client, b.dispatcher, b.plugins
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range plugins {
		r, ok := p.(dispatch.Runner)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(r dispatch.Runner) {
			defer wg.Done()
			r.Run(runCtx)
		}(r)
	}

	if cfg.Mode == config.ModeWebhook {
		go func() { wg.Wait(); close(done) }()
		return m.startWebhook(ctx, b, cfg, client)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runPolling(runCtx, b, client, dispatcher)
	}()
	go func() { wg.Wait(); close(done) }()
	slog.Info("starting bot", "bot_id", id, "mode", cfg.Mode)
	return nil
}

// runPolling is the per-bot update task. It owns the transitions that
// happen after Start returns: running once the stream is established,
// stopped or error when the loop ends.
func (m *Manager) runPolling(ctx context.Context, b *managedBot, client *telegram.Client, d *dispatch.Dispatcher) {
	if err := client.Connect(ctx); err != nil {
		m.runEnded(b, fmt.Errorf("connect: %w", err))
		return
	}
	updates, err := client.Updates(ctx)
	if err != nil {
		m.runEnded(b, err)
		return
	}
	m.markRunning(b, client)
	d.Serve(ctx, updates)
	m.runEnded(b, nil)
}

// startWebhook connects the client and registers the bot's webhook
// URL. No local loop exists in this mode, so success is running.
func (m *Manager) startWebhook(ctx context.Context, b *managedBot, cfg *config.BotConfig, client *telegram.Client) error {
	if err := client.Connect(ctx); err != nil {
		err = fmt.Errorf("connect: %w", err)
		m.runEnded(b, err)
		return err
	}
	url := m.webhookURL(cfg)
	if err := client.SetWebhook(ctx, url, m.webhookSecret(cfg), cfg.Webhook.MaxConnections); err != nil {
		err = fmt.Errorf("set webhook: %w", err)
		m.runEnded(b, err)
		return err
	}
	m.markRunning(b, client)
	slog.Info("webhook registered", "bot_id", cfg.ID, "url", url)
	return nil
}

// markRunning records the starting → running transition made by the
// run goroutine. Skipped when a stop raced in between.
func (m *Manager) markRunning(b *managedBot, client *telegram.Client) {
	m.mu.Lock()
	if b.state != StateStarting {
		m.mu.Unlock()
		return
	}
	b.state = StateRunning
	b.startedAt = time.Now().UTC()
	cfg := b.cfg
	m.mu.Unlock()

	slog.Info("bot running",
		"bot_id", b.id, "username", client.Username(), "mode", cfg.Mode)

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()
	m.persistBot(ctx, cfg, client.Username())
	m.touchStarted(ctx, b.id)
	m.recordEvent(ctx, b.id, store.EventStarted, map[string]any{"mode": cfg.Mode})
}

// runEnded settles the state machine when a run finishes on its own,
// with or without an error. A concurrent Stop owns the final
// transition, so stopping and already-settled states are left alone.
func (m *Manager) runEnded(b *managedBot, err error) {
	m.mu.Lock()
	switch b.state {
	case StateStopping, StateStopped, StateError:
		m.mu.Unlock()
		return
	}
	if b.cancel != nil {
		// Take the plugin tasks down with the loop.
		b.cancel()
		b.cancel = nil
	}
	b.startedAt = time.Time{}
	if err != nil {
		b.state = StateError
		b.errMsg = err.Error()
	} else {
		b.state = StateStopped
	}
	done := b.done
	b.done = nil
	plugins := b.plugins
	b.client, b.dispatcher, b.plugins = nil, nil, nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()
	if err != nil {
		slog.Error("bot failed", "bot_id", b.id, "error", err)
		m.recordEvent(ctx, b.id, store.EventErrored, map[string]any{"error": err.Error()})
		if m.notifier != nil {
			m.notifier.BotErrored(b.id, err.Error())
		}
	} else {
		slog.Info("bot update stream ended", "bot_id", b.id)
		m.recordEvent(ctx, b.id, store.EventStopped, nil)
	}

	// Close plugin resources once every task has drained.
	go func() {
		if done != nil {
			<-done
		}
		closePlugins(b.id, plugins)
	}()
}

// Stop takes a running or starting bot down: cancel the run context,
// join the goroutines within stopWait, release the graph. A join
// timeout leaves the bot in error with the reason recorded.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	b, ok := m.bots[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("bot %q: %w", id, errs.ErrBotNotFound)
	}
	switch b.state {
	case StateRunning, StateStarting:
	default:
		m.mu.Unlock()
		return fmt.Errorf("bot %q: %w", id, errs.ErrBotNotRunning)
	}
	b.state = StateStopping
	b.startedAt = time.Time{}
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	client := b.client
	mode := b.cfg.Mode
	m.mu.Unlock()

	slog.Info("stopping bot", "bot_id", id)
	if mode == config.ModeWebhook && client != nil {
		if err := client.DeleteWebhook(ctx, false); err != nil {
			slog.Warn("webhook deregistration failed", "bot_id", id, "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}

	timedOut := false
	if done != nil {
		select {
		case <-done:
		case <-time.After(m.stopWait):
			timedOut = true
		}
	}

	m.releaseGraph(b)

	m.mu.Lock()
	var reason string
	if timedOut {
		reason = fmt.Sprintf("stop timed out after %s", m.stopWait)
		b.state = StateError
		b.errMsg = reason
	} else {
		b.state = StateStopped
	}
	m.mu.Unlock()

	pctx, pcancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer pcancel()
	if timedOut {
		slog.Error("bot stop timed out", "bot_id", id, "timeout", m.stopWait)
		m.recordEvent(pctx, id, store.EventErrored, map[string]any{"error": reason})
		if m.notifier != nil {
			m.notifier.BotErrored(id, reason)
		}
		return fmt.Errorf("bot %q: %s", id, reason)
	}
	m.recordEvent(pctx, id, store.EventStopped, nil)
	slog.Info("bot stopped", "bot_id", id)
	return nil
}

// Restart is a stop followed by a start.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	time.Sleep(restartPause)
	return m.Start(ctx, id)
}

// Reload replaces a bot's config and rebuilds it from scratch. A bot
// that was serving comes back up under the new config unless the new
// config disables it; a stopped bot stays stopped.
func (m *Manager) Reload(ctx context.Context, cfg *config.BotConfig) error {
	id := cfg.ID
	m.waitWhileStarting(id)

	m.mu.Lock()
	b, ok := m.bots[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("bot %q: %w", id, errs.ErrBotNotFound)
	}
	wasRunning := b.state == StateRunning || b.state == StateStarting
	m.mu.Unlock()

	if wasRunning {
		if err := m.Stop(ctx, id); err != nil && !errors.Is(err, errs.ErrBotNotRunning) {
			slog.Warn("stop before reload failed", "bot_id", id, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.bots, id)
	m.mu.Unlock()

	if err := m.Create(ctx, cfg); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	m.recordEvent(ctx, id, store.EventReloaded, map[string]any{
		"was_running": wasRunning,
		"enabled":     cfg.Enabled,
	})

	if !wasRunning {
		return nil
	}
	if !cfg.Enabled {
		slog.Info("bot disabled by reload", "bot_id", id)
		return nil
	}
	return m.Start(ctx, id)
}

// waitWhileStarting blocks while the bot's run goroutine is between
// starting and its first state report, so a reload never tears down a
// graph mid-establishment. Bounded; a genuinely stuck start resolves
// through the stop timeout instead.
func (m *Manager) waitWhileStarting(id string) {
	deadline := time.Now().Add(m.stopWait)
	for {
		m.mu.Lock()
		b, ok := m.bots[id]
		starting := ok && b.state == StateStarting
		m.mu.Unlock()
		if !starting || time.Now().After(deadline) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Remove stops a bot if needed and forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	b, ok := m.bots[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("bot %q: %w", id, errs.ErrBotNotFound)
	}
	needsStop := b.state == StateRunning || b.state == StateStarting
	m.mu.Unlock()

	if needsStop {
		if err := m.Stop(ctx, id); err != nil {
			slog.Warn("stop before remove failed", "bot_id", id, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.bots, id)
	m.mu.Unlock()
	slog.Info("bot removed", "bot_id", id)
	return nil
}

// StartAll starts every enabled bot in id order and reports one line
// per bot: "started", "disabled", or the error text.
func (m *Manager) StartAll(ctx context.Context) map[string]string {
	results := make(map[string]string)
	for _, id := range m.ids() {
		m.mu.Lock()
		b, ok := m.bots[id]
		enabled := ok && b.cfg.Enabled
		m.mu.Unlock()
		if !ok {
			continue
		}
		if !enabled {
			results[id] = "disabled"
			continue
		}
		if err := m.Start(ctx, id); err != nil {
			results[id] = "error: " + err.Error()
			continue
		}
		results[id] = "started"
	}
	return results
}

// StopAll stops serving bots one at a time, in id order.
func (m *Manager) StopAll(ctx context.Context) {
	for _, id := range m.ids() {
		err := m.Stop(ctx, id)
		if err != nil && !errors.Is(err, errs.ErrBotNotRunning) {
			slog.Error("failed to stop bot", "bot_id", id, "error", err)
		}
	}
}

// Shutdown stops every serving bot concurrently. Individual failures
// are logged and never hold up the rest of the fleet.
func (m *Manager) Shutdown(ctx context.Context) {
	var g errgroup.Group
	for _, id := range m.ids() {
		m.mu.Lock()
		b := m.bots[id]
		serving := b != nil && (b.state == StateRunning || b.state == StateStarting)
		m.mu.Unlock()
		if !serving {
			continue
		}
		g.Go(func() error {
			if err := m.Stop(ctx, id); err != nil {
				slog.Error("bot shutdown failed", "bot_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("all bots stopped")
}

// Snapshot implements dispatch.Supervisor.
func (m *Manager) Snapshot() []dispatch.BotSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dispatch.BotSnapshot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, snapshotLocked(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bot implements dispatch.Supervisor.
func (m *Manager) Bot(id string) (dispatch.BotSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return dispatch.BotSnapshot{}, false
	}
	return snapshotLocked(b), true
}

// Has reports whether a bot id is registered.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bots[id]
	return ok
}

// WebhookTarget resolves an inbound delivery to the dispatcher to feed
// and the secret token to verify. Unknown ids and bots that are not
// webhook mode report ErrBotNotFound; a known target that is not
// serving reports ErrBotNotRunning.
func (m *Manager) WebhookTarget(botID string) (dispatch.UpdateHandler, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok || b.cfg.Mode != config.ModeWebhook {
		return nil, "", errs.ErrBotNotFound
	}
	if b.state != StateRunning || b.dispatcher == nil {
		return nil, "", errs.ErrBotNotRunning
	}
	return b.dispatcher, m.webhookSecret(b.cfg), nil
}

func snapshotLocked(b *managedBot) dispatch.BotSnapshot {
	return dispatch.BotSnapshot{
		ID:          b.id,
		Name:        b.cfg.Name,
		Description: b.cfg.Description,
		State:       b.state,
		Mode:        b.cfg.Mode,
		Enabled:     b.cfg.Enabled,
		StartedAt:   b.startedAt,
		LastError:   b.errMsg,
		Plugins:     append([]string(nil), b.pluginNames...),
	}
}

// rebuildGraph builds a fresh client and dispatcher for a bot whose
// previous run released them.
func (m *Manager) rebuildGraph(ctx context.Context, b *managedBot, cfg *config.BotConfig) error {
	client, err := telegram.NewClient(cfg.Token)
	if err != nil {
		return fmt.Errorf("bot %s: %w", cfg.ID, err)
	}
	dispatcher, plugins := m.factory.Build(ctx, cfg, client)

	m.mu.Lock()
	b.client = client
	b.dispatcher = dispatcher
	b.plugins = plugins
	b.pluginNames = pluginNames(plugins)
	m.mu.Unlock()
	return nil
}

// releaseGraph closes plugin resources and drops the wire handles.
// The next start builds everything fresh.
func (m *Manager) releaseGraph(b *managedBot) {
	m.mu.Lock()
	plugins := b.plugins
	b.client, b.dispatcher, b.plugins = nil, nil, nil
	m.mu.Unlock()
	closePlugins(b.id, plugins)
}

func closePlugins(botID string, plugins []dispatch.Plugin) {
	for _, p := range plugins {
		c, ok := p.(dispatch.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			slog.Warn("plugin close failed",
				"bot_id", botID, "plugin", p.Name(), "error", err)
		}
	}
}

func pluginNames(plugins []dispatch.Plugin) []string {
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	return names
}

// webhookURL is where Telegram should deliver this bot's updates. A
// per-bot path overrides the default <prefix>/<bot_id> route for
// deployments that rewrite paths at the edge.
func (m *Manager) webhookURL(cfg *config.BotConfig) string {
	base := strings.TrimRight(m.wh.BaseURL, "/")
	if p := cfg.Webhook.Path; p != "" {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		return base + p
	}
	return base + m.wh.PathPrefix + "/" + cfg.ID
}

// webhookSecret is the secret token expected on this bot's deliveries:
// the per-bot config value when set, else one derived from the shared
// process secret. Empty disables verification.
func (m *Manager) webhookSecret(cfg *config.BotConfig) string {
	if cfg.Webhook.Secret != "" {
		return cfg.Webhook.Secret
	}
	if m.wh.Secret == "" {
		return ""
	}
	return webhook.SecretFor(m.wh.Secret, cfg.ID)
}

// persistBot upserts the bot's catalog row. Store trouble degrades to
// a log line; lifecycle operations never fail on bookkeeping.
func (m *Manager) persistBot(ctx context.Context, cfg *config.BotConfig, username string) {
	if m.store == nil {
		return
	}
	row := store.Bot{
		BotID:     cfg.ID,
		Name:      cfg.Name,
		Username:  username,
		TokenHash: tokenHash(cfg.Token),
		Mode:      cfg.Mode,
		Enabled:   cfg.Enabled,
	}
	err := m.store.WithSession(ctx, func(s store.Session) error {
		return s.Bots().Upsert(ctx, row)
	})
	if err != nil {
		slog.Warn("bot catalog upsert failed", "bot_id", cfg.ID, "error", err)
	}
}

func (m *Manager) touchStarted(ctx context.Context, id string) {
	if m.store == nil {
		return
	}
	err := m.store.WithSession(ctx, func(s store.Session) error {
		return s.Bots().TouchStarted(ctx, id, time.Now().UTC())
	})
	if err != nil {
		slog.Warn("bot start mark failed", "bot_id", id, "error", err)
	}
}

// recordEvent appends one lifecycle row to bot_events.
func (m *Manager) recordEvent(ctx context.Context, id, eventType string, payload map[string]any) {
	if m.store == nil {
		return
	}
	err := m.store.WithSession(ctx, func(s store.Session) error {
		return s.Bots().RecordEvent(ctx, id, eventType, payload)
	})
	if err != nil {
		slog.Warn("bot event not recorded",
			"bot_id", id, "event", eventType, "error", err)
	}
}

func (m *Manager) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// tokenHash is what the catalog stores in place of the secret itself.
func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
