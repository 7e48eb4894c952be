// Package dispatch routes Telegram updates through a per-bot
// middleware chain into plugin handlers. The factory builds one
// dispatcher per managed bot from its config.
package dispatch

import (
	"strings"

	"github.com/mymmrac/telego"

	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/session"
	"github.com/multibot-io/multibot/internal/store"
	"github.com/multibot-io/multibot/internal/telegram"
)

// Event kinds a request is classified into.
const (
	KindMessage     = "message"
	KindCommand     = "command"
	KindCallback    = "callback"
	KindPreCheckout = "pre_checkout"
	KindPayment     = "payment"
	KindChatMember  = "chat_member"
	KindOther       = "other"
)

// Request is the per-update payload flowing through the handler graph.
// Middlewares fill in Session, Balance and IsNewUser on the way in.
type Request struct {
	ID     string
	BotID  string
	Config *config.BotConfig
	Client *telegram.Client
	Update telego.Update

	// Session is the transactional store view, valid only inside the
	// session middleware's scope.
	Session store.Session

	// FSM is the dialog state for this update's scope, nil when the
	// bot has no session store.
	FSM *session.FSM
	// DialogState is the FSM state loaded once before routing.
	DialogState string

	// Balance and IsNewUser are set by the token middleware when the
	// billing plugin is active.
	Balance   int64
	IsNewUser bool
}

// Kind classifies the update. A message whose text or caption starts
// with a slash is a command; a successful payment outranks both.
func (r *Request) Kind() string {
	switch {
	case r.Update.PreCheckoutQuery != nil:
		return KindPreCheckout
	case r.Update.CallbackQuery != nil:
		return KindCallback
	case r.Update.MyChatMember != nil:
		return KindChatMember
	case r.Message() != nil:
		if r.Message().SuccessfulPayment != nil {
			return KindPayment
		}
		if strings.HasPrefix(r.Text(), "/") {
			return KindCommand
		}
		return KindMessage
	default:
		return KindOther
	}
}

// Message returns the update's message, edited or fresh, nil for
// non-message updates.
func (r *Request) Message() *telego.Message {
	if r.Update.Message != nil {
		return r.Update.Message
	}
	return r.Update.EditedMessage
}

// UserID returns the acting user's Telegram id, zero when the update
// carries none.
func (r *Request) UserID() int64 {
	switch {
	case r.Update.CallbackQuery != nil:
		return r.Update.CallbackQuery.From.ID
	case r.Update.PreCheckoutQuery != nil:
		return r.Update.PreCheckoutQuery.From.ID
	case r.Update.MyChatMember != nil:
		return r.Update.MyChatMember.From.ID
	case r.Message() != nil && r.Message().From != nil:
		return r.Message().From.ID
	default:
		return 0
	}
}

// User returns the acting user, nil when the update carries none.
func (r *Request) User() *telego.User {
	switch {
	case r.Update.CallbackQuery != nil:
		return &r.Update.CallbackQuery.From
	case r.Update.PreCheckoutQuery != nil:
		return &r.Update.PreCheckoutQuery.From
	case r.Update.MyChatMember != nil:
		return &r.Update.MyChatMember.From
	case r.Message() != nil:
		return r.Message().From
	default:
		return nil
	}
}

// ChatID returns the chat to reply into, zero when the update has no
// reachable chat.
func (r *Request) ChatID() int64 {
	switch {
	case r.Update.CallbackQuery != nil:
		if m := r.Update.CallbackQuery.Message; m != nil {
			return m.GetChat().ID
		}
		return 0
	case r.Update.MyChatMember != nil:
		return r.Update.MyChatMember.Chat.ID
	case r.Message() != nil:
		return r.Message().Chat.ID
	default:
		return 0
	}
}

// Text returns message text, falling back to the caption.
func (r *Request) Text() string {
	m := r.Message()
	if m == nil {
		return ""
	}
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// Command returns the command name without the slash or a @mention
// suffix, empty for non-command requests.
func (r *Request) Command() string {
	text := r.Text()
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0][1:]
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd
}

// CommandArgs returns everything after the command token, trimmed.
func (r *Request) CommandArgs() string {
	text := r.Text()
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	fields := strings.SplitN(text, " ", 2)
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

// CallbackData returns the callback query payload.
func (r *Request) CallbackData() string {
	if r.Update.CallbackQuery == nil {
		return ""
	}
	return r.Update.CallbackQuery.Data
}

// CallbackMessageID returns the id of the message the pressed button
// was attached to, zero for detached callbacks.
func (r *Request) CallbackMessageID() int {
	if q := r.Update.CallbackQuery; q != nil && q.Message != nil {
		return q.Message.GetMessageID()
	}
	return 0
}

// preview returns the loggable head of the request content.
func (r *Request) preview(max int) string {
	var text string
	switch {
	case r.Update.CallbackQuery != nil:
		text = r.Update.CallbackQuery.Data
	default:
		text = r.Text()
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return text
}
