package builtin

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/multibot-io/multibot/internal/billing"
	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/stats"
	"github.com/multibot-io/multibot/internal/store"
)

// Admin is the fleet management surface: bot status, usage statistics,
// lifecycle events and token grants. Every command is gated on the
// merged admin list, everyone else is refused with a notice.
type Admin struct {
	pc     dispatch.InstanceContext
	admins map[int64]struct{}
	stats  *stats.Service
}

func NewAdmin() *Admin { return &Admin{} }

func (p *Admin) Name() string           { return "admin" }
func (p *Admin) Version() string        { return "1.0.0" }
func (p *Admin) Dependencies() []string { return nil }

// SupportsHotReload is false: the bot carrying the fleet controls must
// not be torn down by the thing it controls.
func (p *Admin) SupportsHotReload() bool { return false }

func (p *Admin) Init(ctx context.Context, pc dispatch.InstanceContext) error {
	p.pc = pc
	p.admins = make(map[int64]struct{}, len(pc.AdminIDs))
	for _, id := range pc.AdminIDs {
		p.admins[id] = struct{}{}
	}
	if len(p.admins) == 0 {
		slog.Warn("admin plugin loaded with no admin users, every command will be denied",
			"bot_id", pc.BotID)
	}
	if pc.Store != nil {
		p.stats = stats.NewService(pc.Store)
	}
	return nil
}

func (p *Admin) Routes(r *dispatch.Router) {
	r.Command("status", p.guard(p.handleStatus))
	r.Command("bots", p.guard(p.handleBots))
	r.Command("botstats", p.guard(p.handleBotStats))
	r.Command("grant", p.guard(p.handleGrant))
	r.Command("events", p.guard(p.handleEvents))
}

func (p *Admin) guard(h dispatch.HandlerFunc) dispatch.HandlerFunc {
	return func(ctx context.Context, req *dispatch.Request) error {
		if _, ok := p.admins[req.UserID()]; !ok {
			slog.Warn("unauthorized admin command",
				"bot_id", req.BotID, "telegram_id", req.UserID(), "command", req.Command())
			_, err := req.Client.SendText(ctx, req.ChatID(), "⛔ Access denied. You are not authorized.")
			return err
		}
		return h(ctx, req)
	}
}

// handleStatus shows the fleet overview, or one bot in detail when an
// id is given.
func (p *Admin) handleStatus(ctx context.Context, req *dispatch.Request) error {
	if p.pc.Supervisor == nil {
		_, err := req.Client.SendText(ctx, req.ChatID(), "The fleet view is not available on this bot.")
		return err
	}
	if args := strings.Fields(req.CommandArgs()); len(args) > 0 {
		return p.statusDetail(ctx, req, args[0])
	}
	return p.statusOverview(ctx, req)
}

func (p *Admin) statusOverview(ctx context.Context, req *dispatch.Request) error {
	snaps := p.pc.Supervisor.Snapshot()
	if len(snaps) == 0 {
		_, err := req.Client.SendText(ctx, req.ChatID(), "No bots configured.")
		return err
	}

	var b strings.Builder
	b.WriteString("📊 <b>Bot Status Overview</b>\n")
	running := 0
	for _, s := range snaps {
		if s.State == "running" {
			running++
		}
		fmt.Fprintf(&b, "\n%s <b>%s</b> (%s)", stateEmoji(s.State), html.EscapeString(s.Name), s.ID)
		if s.State == "running" && !s.StartedAt.IsZero() {
			fmt.Fprintf(&b, " - %s", formatUptime(time.Since(s.StartedAt)))
		}
		if s.LastError != "" {
			fmt.Fprintf(&b, "\n   ⚠️ %s", html.EscapeString(clip(s.LastError, 50)))
		}
	}
	fmt.Fprintf(&b, "\n\n<b>Summary:</b> %d/%d running", running, len(snaps))

	_, err := req.Client.SendHTML(ctx, req.ChatID(), b.String())
	return err
}

func (p *Admin) statusDetail(ctx context.Context, req *dispatch.Request, botID string) error {
	snap, ok := p.pc.Supervisor.Bot(botID)
	if !ok {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Bot not found: "+botID)
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🤖 <b>%s</b>\n", html.EscapeString(snap.Name))
	fmt.Fprintf(&b, "<b>ID:</b> %s\n", snap.ID)
	desc := snap.Description
	if desc == "" {
		desc = "N/A"
	}
	fmt.Fprintf(&b, "<b>Description:</b> %s\n", html.EscapeString(desc))
	fmt.Fprintf(&b, "<b>Status:</b> %s %s\n", stateEmoji(snap.State), titleCase(snap.State))
	fmt.Fprintf(&b, "<b>Mode:</b> %s\n", snap.Mode)
	fmt.Fprintf(&b, "<b>Enabled:</b> %s\n", yesNo(snap.Enabled))
	if !snap.StartedAt.IsZero() {
		fmt.Fprintf(&b, "<b>Uptime:</b> %s\n", formatUptime(time.Since(snap.StartedAt)))
		fmt.Fprintf(&b, "<b>Started:</b> %s UTC\n", snap.StartedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if snap.LastError != "" {
		fmt.Fprintf(&b, "<b>Last Error:</b> %s\n", html.EscapeString(snap.LastError))
	}
	if len(snap.Plugins) > 0 {
		fmt.Fprintf(&b, "<b>Plugins:</b> %s\n", strings.Join(snap.Plugins, ", "))
	}

	_, err := req.Client.SendHTML(ctx, req.ChatID(), strings.TrimRight(b.String(), "\n"))
	return err
}

// handleBots lists every configured bot with its enabled flag.
func (p *Admin) handleBots(ctx context.Context, req *dispatch.Request) error {
	if p.pc.Supervisor == nil {
		_, err := req.Client.SendText(ctx, req.ChatID(), "The fleet view is not available on this bot.")
		return err
	}
	snaps := p.pc.Supervisor.Snapshot()
	if len(snaps) == 0 {
		_, err := req.Client.SendText(ctx, req.ChatID(), "No bots configured.")
		return err
	}

	var b strings.Builder
	b.WriteString("📋 <b>Configured Bots</b>\n")
	for _, s := range snaps {
		mark := "✗"
		if s.Enabled {
			mark = "✓"
		}
		fmt.Fprintf(&b, "\n• <code>%s</code> - %s [%s]", s.ID, html.EscapeString(s.Name), mark)
	}

	_, err := req.Client.SendHTML(ctx, req.ChatID(), b.String())
	return err
}

// handleBotStats shows the daily aggregate and the week's top commands
// for one bot.
func (p *Admin) handleBotStats(ctx context.Context, req *dispatch.Request) error {
	args := strings.Fields(req.CommandArgs())
	if len(args) == 0 {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Usage: /botstats <bot_id>")
		return err
	}
	if p.stats == nil {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Statistics are not available on this bot.")
		return err
	}
	botID := args[0]

	name := botID
	var startedAt time.Time
	if p.pc.Supervisor != nil {
		if snap, ok := p.pc.Supervisor.Bot(botID); ok {
			name = snap.Name
			startedAt = snap.StartedAt
		}
	}

	daily, err := p.stats.Daily(ctx, botID)
	if err != nil {
		return fmt.Errorf("load daily stats: %w", err)
	}
	top, err := p.stats.TopCommands(ctx, botID, 7, 10)
	if err != nil {
		return fmt.Errorf("load top commands: %w", err)
	}
	var users int64
	err = p.pc.Store.WithSession(ctx, func(s store.Session) error {
		var err error
		users, err = s.Users().Count(ctx, botID)
		return err
	})
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📈 <b>Statistics: %s</b>\n", html.EscapeString(name))
	fmt.Fprintf(&b, "\n<b>Users:</b> %s\n", groupDigits(users))
	b.WriteString("\n<b>Today</b>\n")
	fmt.Fprintf(&b, "  Messages: %s\n", groupDigits(daily.Messages))
	fmt.Fprintf(&b, "  Commands: %s\n", groupDigits(daily.Commands))
	fmt.Fprintf(&b, "  Callbacks: %s\n", groupDigits(daily.Callbacks))
	fmt.Fprintf(&b, "  Errors: %s\n", groupDigits(daily.Errors))
	fmt.Fprintf(&b, "  New users: %s\n", groupDigits(daily.NewUsers))
	b.WriteString("\n<b>Top Commands (7d)</b>\n")
	if len(top) == 0 {
		b.WriteString("  No command usage data\n")
	}
	for _, c := range top {
		fmt.Fprintf(&b, "  /%s: %s\n", html.EscapeString(c.Command), groupDigits(c.Count))
	}
	if !startedAt.IsZero() {
		fmt.Fprintf(&b, "\n<b>Uptime:</b> %s", formatUptime(time.Since(startedAt)))
	}

	_, err = req.Client.SendHTML(ctx, req.ChatID(), strings.TrimRight(b.String(), "\n"))
	return err
}

// handleGrant credits tokens to a user on this bot's ledger.
func (p *Admin) handleGrant(ctx context.Context, req *dispatch.Request) error {
	args := strings.Fields(req.CommandArgs())
	if len(args) < 2 {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Usage: /grant <telegram_id> <amount> [reason]")
		return err
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Invalid telegram id: "+args[0])
		return err
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Amount must be a positive number.")
		return err
	}
	reason := strings.Join(args[2:], " ")
	if reason == "" {
		reason = "admin_grant"
	}

	ledger := p.pc.Ledger
	if ledger == nil {
		if p.pc.Store == nil {
			_, err := req.Client.SendText(ctx, req.ChatID(), "Token billing is not available on this bot.")
			return err
		}
		ledger = billing.NewLedger(p.pc.Store, p.pc.BotID, 0, nil, nil)
	}
	newBalance, err := ledger.Grant(ctx, userID, amount, reason)
	if err != nil {
		return fmt.Errorf("grant tokens: %w", err)
	}

	_, err = req.Client.SendText(ctx, req.ChatID(),
		fmt.Sprintf("✅ Granted %d tokens to user %d. New balance: %d", amount, userID, newBalance))
	return err
}

// handleEvents shows the last lifecycle events recorded for one bot.
func (p *Admin) handleEvents(ctx context.Context, req *dispatch.Request) error {
	args := strings.Fields(req.CommandArgs())
	if len(args) == 0 {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Usage: /events <bot_id>")
		return err
	}
	if p.pc.Store == nil {
		_, err := req.Client.SendText(ctx, req.ChatID(), "The event log is not available on this bot.")
		return err
	}
	botID := args[0]

	var events []store.BotEvent
	err := p.pc.Store.WithSession(ctx, func(s store.Session) error {
		var err error
		events, err = s.Bots().RecentEvents(ctx, botID, 10)
		return err
	})
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		_, err := req.Client.SendText(ctx, req.ChatID(), "No events recorded for "+botID+".")
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🗒 <b>Recent Events: %s</b>\n", botID)
	for _, e := range events {
		fmt.Fprintf(&b, "\n<code>%s</code> %s", e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.EventType)
		if msg, ok := e.Payload["error"].(string); ok && msg != "" {
			fmt.Fprintf(&b, " - %s", html.EscapeString(clip(msg, 80)))
		}
	}

	_, err = req.Client.SendHTML(ctx, req.ChatID(), b.String())
	return err
}

func stateEmoji(state string) string {
	switch state {
	case "running":
		return "✅"
	case "stopped":
		return "⏹️"
	case "starting":
		return "🔄"
	case "stopping":
		return "⏳"
	case "error":
		return "❌"
	default:
		return "❓"
	}
}

func formatUptime(d time.Duration) string {
	total := int64(d.Seconds())
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// groupDigits renders n with thousand separators.
func groupDigits(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteByte(s[i])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
