package horoscope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/errs"
)

// cacheCleanupSchedule prunes day-old cache entries nightly.
const cacheCleanupSchedule = "0 3 * * *"

// Plugin wires the horoscope feature into a bot: on-demand readings
// behind a sign keyboard, per-generation token charge, and a daily
// delivery loop for subscribers.
type Plugin struct {
	pc    dispatch.InstanceContext
	gen   *Generator
	state *state
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string            { return "horoscope" }
func (p *Plugin) Version() string         { return "1.0.0" }
func (p *Plugin) Dependencies() []string  { return nil }
func (p *Plugin) SupportsHotReload() bool { return true }

func (p *Plugin) Init(ctx context.Context, pc dispatch.InstanceContext) error {
	p.pc = pc
	p.gen = NewGenerator(
		pc.ConfigString("openai_api_key", ""),
		pc.ConfigString("openai_api_base", ""),
		pc.ConfigString("model", ""))
	if pc.Store != nil {
		p.state = &state{store: pc.Store, botID: pc.BotID}
	}
	if p.gen.Offline() {
		slog.Info("horoscope generator running offline", "bot_id", pc.BotID)
	}
	return nil
}

func (p *Plugin) Routes(r *dispatch.Router) {
	r.Command("horoscope", p.handleHoroscope)
	r.Command("subscribe", p.handleSubscribe)
	r.Command("unsubscribe", p.handleUnsubscribe)
	r.Callback("horoscope", p.handleCallback)
}

// handleHoroscope serves subscribers their own sign directly, everyone
// else picks from the keyboard.
func (p *Plugin) handleHoroscope(ctx context.Context, req *dispatch.Request) error {
	if p.state != nil {
		sub, ok, err := p.state.Subscription(ctx, req.UserID())
		if err != nil {
			slog.Warn("could not load subscription", "bot_id", req.BotID, "error", err)
		}
		if ok {
			if sign, found := SignByName(sub.Sign); found {
				return p.deliverFresh(ctx, req, sign)
			}
		}
	}
	_, err := req.Client.SendTextWithMarkup(ctx, req.ChatID(), "Select your zodiac sign:", signKeyboard("sign"))
	return err
}

func (p *Plugin) handleSubscribe(ctx context.Context, req *dispatch.Request) error {
	if p.state == nil {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Subscriptions are not available on this bot.")
		return err
	}

	args := strings.Fields(req.CommandArgs())
	if len(args) == 0 {
		text := "Usage: /subscribe HH:MM (UTC), e.g. /subscribe 08:00"
		if sub, ok, _ := p.state.Subscription(ctx, req.UserID()); ok && sub.Active {
			if sign, found := SignByName(sub.Sign); found {
				text = fmt.Sprintf("You receive the %s horoscope daily at %02d:%02d UTC.\n\n%s",
					sign.Display(), sub.Hour, sub.Minute, text)
			}
		}
		_, err := req.Client.SendText(ctx, req.ChatID(), text)
		return err
	}

	hour, minute, err := parseClock(args[0])
	if err != nil {
		_, serr := req.Client.SendText(ctx, req.ChatID(),
			"That doesn't look like a time. Use HH:MM, e.g. /subscribe 08:00")
		return serr
	}

	sub, ok, err := p.state.Subscription(ctx, req.UserID())
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if ok {
		sub.Hour, sub.Minute, sub.Active = hour, minute, true
		if err := p.state.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}
		slog.Info("horoscope subscription rescheduled",
			"bot_id", req.BotID, "telegram_id", req.UserID(), "hour", hour, "minute", minute)
		_, err := req.Client.SendText(ctx, req.ChatID(),
			fmt.Sprintf("✅ Daily horoscope rescheduled to %02d:%02d UTC.", hour, minute))
		return err
	}

	// First subscription: the chosen time rides in the callback data
	// while the user picks a sign.
	action := fmt.Sprintf("sub:%02d:%02d", hour, minute)
	_, err = req.Client.SendTextWithMarkup(ctx, req.ChatID(),
		fmt.Sprintf("Daily delivery at %02d:%02d UTC. Pick your zodiac sign:", hour, minute),
		signKeyboard(action))
	return err
}

func (p *Plugin) handleUnsubscribe(ctx context.Context, req *dispatch.Request) error {
	if p.state == nil {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Subscriptions are not available on this bot.")
		return err
	}
	removed, err := p.state.DeleteSubscription(ctx, req.UserID())
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	text := "You have no horoscope subscription."
	if removed {
		text = "✅ You are unsubscribed from the daily horoscope."
		slog.Info("horoscope subscription removed", "bot_id", req.BotID, "telegram_id", req.UserID())
	}
	_, err = req.Client.SendText(ctx, req.ChatID(), text)
	return err
}

func (p *Plugin) handleCallback(ctx context.Context, req *dispatch.Request) error {
	query := req.Update.CallbackQuery
	action := strings.TrimPrefix(req.CallbackData(), "horoscope:")
	switch {
	case action == "pick":
		if err := p.editTo(ctx, req, "Select your zodiac sign:", signKeyboard("sign")); err != nil {
			return err
		}
	case strings.HasPrefix(action, "sign:"):
		sign, ok := SignByName(strings.TrimPrefix(action, "sign:"))
		if !ok {
			return req.Client.AnswerCallbackAlert(ctx, query.ID, "That sign is not in my charts.")
		}
		return p.deliverEdit(ctx, req, sign)
	case strings.HasPrefix(action, "sub:"):
		return p.finishSubscribe(ctx, req, strings.TrimPrefix(action, "sub:"))
	}
	return req.Client.AnswerCallback(ctx, query.ID, "")
}

// deliverFresh answers a command with a progress message that becomes
// the reading once generated.
func (p *Plugin) deliverFresh(ctx context.Context, req *dispatch.Request, sign Sign) error {
	if err := p.charge(ctx, req.UserID()); err != nil {
		return err
	}
	msg, err := req.Client.SendText(ctx, req.ChatID(), "🔮 Consulting the stars...")
	if err != nil {
		return err
	}

	today := time.Now().UTC()
	text, err := p.dailyText(ctx, sign, today)
	if err != nil {
		slog.Error("horoscope generation failed", "bot_id", req.BotID, "sign", sign.Name, "error", err)
		return req.Client.EditHTML(ctx, req.ChatID(), msg.MessageID,
			"❌ The stars are silent right now. Please try again later.", nil)
	}
	return req.Client.EditHTML(ctx, req.ChatID(), msg.MessageID,
		formatDaily(sign, text, today), anotherSignKeyboard())
}

// deliverEdit is the callback path: charge, ack the button, then turn
// the menu message into the reading.
func (p *Plugin) deliverEdit(ctx context.Context, req *dispatch.Request, sign Sign) error {
	if err := p.charge(ctx, req.UserID()); err != nil {
		return err
	}
	query := req.Update.CallbackQuery
	if err := req.Client.AnswerCallback(ctx, query.ID, ""); err != nil {
		slog.Debug("callback ack failed", "bot_id", req.BotID, "error", err)
	}

	chatID := req.ChatID()
	msgID := req.CallbackMessageID()
	if msgID != 0 {
		_ = req.Client.EditHTML(ctx, chatID, msgID, "🔮 Consulting the stars...", nil)
	}

	today := time.Now().UTC()
	text, err := p.dailyText(ctx, sign, today)
	if err != nil {
		slog.Error("horoscope generation failed", "bot_id", req.BotID, "sign", sign.Name, "error", err)
		notice := "❌ The stars are silent right now. Please try again later."
		if msgID != 0 {
			return req.Client.EditHTML(ctx, chatID, msgID, notice, nil)
		}
		_, serr := req.Client.SendText(ctx, chatID, notice)
		return serr
	}

	formatted := formatDaily(sign, text, today)
	if msgID != 0 {
		return req.Client.EditHTML(ctx, chatID, msgID, formatted, anotherSignKeyboard())
	}
	_, err = req.Client.SendHTMLWithMarkup(ctx, chatID, formatted, anotherSignKeyboard())
	return err
}

func (p *Plugin) finishSubscribe(ctx context.Context, req *dispatch.Request, rest string) error {
	query := req.Update.CallbackQuery
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 || p.state == nil {
		return req.Client.AnswerCallbackAlert(ctx, query.ID, "That button has expired. Run /subscribe again.")
	}
	hour, herr := strconv.Atoi(parts[0])
	minute, merr := strconv.Atoi(parts[1])
	sign, ok := SignByName(parts[2])
	if herr != nil || merr != nil || !ok || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return req.Client.AnswerCallbackAlert(ctx, query.ID, "That button has expired. Run /subscribe again.")
	}

	sub := Subscription{
		TelegramID: req.UserID(),
		Sign:       sign.Name,
		Hour:       hour,
		Minute:     minute,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.state.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	slog.Info("horoscope subscription created",
		"bot_id", req.BotID, "telegram_id", sub.TelegramID,
		"sign", sign.Name, "hour", hour, "minute", minute)

	confirm := fmt.Sprintf("✅ Subscribed! %s daily at %02d:%02d UTC.\n\nUse /unsubscribe to stop.",
		sign.Display(), hour, minute)
	if err := p.editTo(ctx, req, confirm, nil); err != nil {
		return err
	}
	return req.Client.AnswerCallback(ctx, query.ID, "")
}

// charge debits the per-generation cost when billing is wired in.
func (p *Plugin) charge(ctx context.Context, userID int64) error {
	if p.pc.Ledger == nil {
		return nil
	}
	cost := p.pc.Ledger.ActionCost("horoscope")
	if cost <= 0 {
		return nil
	}
	_, err := p.pc.Ledger.Consume(ctx, userID, cost, "horoscope")
	return err
}

// dailyText serves the cached reading for (sign, day) or generates and
// caches a fresh one.
func (p *Plugin) dailyText(ctx context.Context, sign Sign, day time.Time) (string, error) {
	if p.state != nil {
		if text, ok, err := p.state.CachedText(ctx, sign, day); err != nil {
			slog.Warn("horoscope cache read failed", "bot_id", p.pc.BotID, "error", err)
		} else if ok {
			return text, nil
		}
	}

	text, err := p.gen.Generate(ctx, sign, day)
	if err != nil {
		return "", err
	}
	if p.state != nil {
		if err := p.state.CacheText(ctx, sign, day, text); err != nil {
			slog.Warn("horoscope cache write failed", "bot_id", p.pc.BotID, "error", err)
		}
	}
	return text, nil
}

// Run drives the delivery schedule. Every minute it asks gronx which
// subscriptions are due and hands them their daily reading; a nightly
// tick prunes stale cache entries.
func (p *Plugin) Run(ctx context.Context) {
	if p.state == nil {
		return
	}
	g := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			now := tick.UTC()
			p.deliverDue(ctx, g, now)
			if due, err := g.IsDue(cacheCleanupSchedule, now); err == nil && due {
				removed, err := p.state.PruneCache(ctx, 2)
				if err != nil {
					slog.Warn("horoscope cache prune failed", "bot_id", p.pc.BotID, "error", err)
				} else if removed > 0 {
					slog.Info("pruned horoscope cache", "bot_id", p.pc.BotID, "entries", removed)
				}
			}
		}
	}
}

func (p *Plugin) deliverDue(ctx context.Context, g *gronx.Gronx, now time.Time) {
	subs, err := p.state.ActiveSubscriptions(ctx)
	if err != nil {
		slog.Warn("could not list horoscope subscriptions", "bot_id", p.pc.BotID, "error", err)
		return
	}
	for _, sub := range subs {
		expr := fmt.Sprintf("%d %d * * *", sub.Minute, sub.Hour)
		if due, err := g.IsDue(expr, now); err != nil || !due {
			continue
		}
		p.deliverTo(ctx, sub, now)
	}
}

func (p *Plugin) deliverTo(ctx context.Context, sub Subscription, now time.Time) {
	sign, ok := SignByName(sub.Sign)
	if !ok {
		return
	}
	text, err := p.dailyText(ctx, sign, now)
	if err != nil {
		slog.Error("scheduled horoscope generation failed",
			"bot_id", p.pc.BotID, "sign", sign.Name, "error", err)
		return
	}

	_, err = p.pc.Client.SendHTML(ctx, sub.TelegramID, formatDaily(sign, text, now))
	switch {
	case err == nil:
		slog.Debug("horoscope delivered", "bot_id", p.pc.BotID, "telegram_id", sub.TelegramID)
	case errors.Is(err, errs.ErrWireForbidden):
		slog.Warn("subscriber blocked the bot, deactivating subscription",
			"bot_id", p.pc.BotID, "telegram_id", sub.TelegramID)
		if err := p.state.Deactivate(ctx, sub.TelegramID); err != nil {
			slog.Warn("could not deactivate subscription",
				"bot_id", p.pc.BotID, "telegram_id", sub.TelegramID, "error", err)
		}
	default:
		slog.Warn("horoscope delivery failed",
			"bot_id", p.pc.BotID, "telegram_id", sub.TelegramID, "error", err)
	}
}

// editTo rewrites the callback's message, falling back to a fresh one.
func (p *Plugin) editTo(ctx context.Context, req *dispatch.Request, text string, kb *telego.InlineKeyboardMarkup) error {
	if id := req.CallbackMessageID(); id != 0 {
		if err := req.Client.EditHTML(ctx, req.ChatID(), id, text, kb); err == nil {
			return nil
		}
	}
	if kb != nil {
		_, err := req.Client.SendHTMLWithMarkup(ctx, req.ChatID(), text, kb)
		return err
	}
	_, err := req.Client.SendHTML(ctx, req.ChatID(), text)
	return err
}

func formatDaily(sign Sign, text string, day time.Time) string {
	return fmt.Sprintf("%s <b>%s - %s</b>\n\n%s\n\n<i>Have a wonderful day!</i> ✨",
		sign.Emoji, sign.Name, day.Format("January 2, 2006"), text)
}

// signKeyboard is the 4x3 zodiac grid. action becomes the middle of
// the callback data: horoscope:<action>:<sign>.
func signKeyboard(action string) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, 4)
	for i := 0; i < len(Signs); i += 3 {
		row := make([]telego.InlineKeyboardButton, 0, 3)
		for _, s := range Signs[i : i+3] {
			row = append(row, tu.InlineKeyboardButton(s.Display()).
				WithCallbackData("horoscope:"+action+":"+s.Key()))
		}
		rows = append(rows, row)
	}
	return tu.InlineKeyboard(rows...)
}

func anotherSignKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("🔁 Another sign").WithCallbackData("horoscope:pick")))
}

func parseClock(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("hour out of range in %q", s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("minute out of range in %q", s)
	}
	return hour, minute, nil
}
