package bots

import (
	"context"
	"html"
	"log/slog"
	"time"

	"github.com/multibot-io/multibot/internal/telegram"
)

// notifyTimeout bounds one delivery round to the admin users.
const notifyTimeout = 10 * time.Second

// Notifier pushes critical alerts to the admin bot's admin users. It
// reads the fleet through the manager, so alerts only go out while
// the admin bot itself is running.
type Notifier struct {
	manager    *Manager
	adminBotID string
}

// NewNotifier creates the alerter. An empty adminBotID selects the
// conventional "admin" bot.
func NewNotifier(m *Manager, adminBotID string) *Notifier {
	if adminBotID == "" {
		adminBotID = "admin"
	}
	return &Notifier{manager: m, adminBotID: adminBotID}
}

// BotErrored tells the admins a bot has entered error state.
func (n *Notifier) BotErrored(botID, message string) {
	n.send("<b>Bot Error</b>\n\n" +
		"<b>Bot:</b> <code>" + html.EscapeString(botID) + "</code>\n" +
		"<b>Error:</b> " + html.EscapeString(message))
}

// Critical sends a free-form alert.
func (n *Notifier) Critical(title, message string) {
	n.send("<b>" + html.EscapeString(title) + "</b>\n\n" + html.EscapeString(message))
}

func (n *Notifier) send(text string) {
	client, admins := n.target()
	if client == nil {
		slog.Debug("admin bot not available for notifications")
		return
	}
	if len(admins) == 0 {
		slog.Debug("no admin users configured for notifications")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	for _, userID := range admins {
		if _, err := client.SendHTML(ctx, userID, text); err != nil {
			slog.Warn("admin notification failed", "user_id", userID, "error", err)
		}
	}
}

// target returns the admin bot's client and admin list while that bot
// is running, nil otherwise. An alert about the admin bot's own error
// therefore drops here.
func (n *Notifier) target() (*telegram.Client, []int64) {
	n.manager.mu.Lock()
	defer n.manager.mu.Unlock()
	b, ok := n.manager.bots[n.adminBotID]
	if !ok || b.state != StateRunning || b.client == nil {
		return nil, nil
	}
	return b.client, append([]int64(nil), b.cfg.Access.AdminUsers...)
}
