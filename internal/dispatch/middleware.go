package dispatch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/multibot-io/multibot/internal/billing"
	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

func shortID() string {
	return uuid.NewString()[:8]
}

// LoggingMiddleware tags each request with a short id and logs entry
// and timed exit. It sits outermost so the elapsed time covers the
// whole chain.
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			req.ID = shortID()
			user := req.User()
			username := "unknown"
			if user != nil {
				username = user.Username
			}
			slog.Info("update received",
				"bot_id", req.BotID,
				"request_id", req.ID,
				"kind", req.Kind(),
				"user_id", req.UserID(),
				"username", username,
				"content", req.preview(50))

			start := time.Now()
			err := next(ctx, req)
			elapsed := time.Since(start)

			switch {
			case err == nil:
				slog.Debug("update handled",
					"bot_id", req.BotID,
					"request_id", req.ID,
					"elapsed_ms", elapsed.Milliseconds())
			case errs.IsInsufficientTokens(err):
				slog.Warn("update rejected",
					"bot_id", req.BotID,
					"request_id", req.ID,
					"elapsed_ms", elapsed.Milliseconds(),
					"error", err)
			default:
				slog.Error("update failed",
					"bot_id", req.BotID,
					"request_id", req.ID,
					"elapsed_ms", elapsed.Milliseconds(),
					"error", err)
			}
			return err
		}
	}
}

// StatsRecorder is the slice of the stats collector the middlewares
// feed.
type StatsRecorder interface {
	RecordMessage(botID string, userID int64)
	RecordCommand(botID string, userID int64, command string)
	RecordCallback(botID string, userID int64)
	RecordError(botID string)
	RecordNewUser(botID string)
}

// StatsMiddleware classifies the event and feeds the collector. It
// wraps the error middleware so a failure is counted before the root
// discards it.
func StatsMiddleware(collector StatsRecorder) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			userID := req.UserID()
			switch req.Kind() {
			case KindCommand:
				collector.RecordCommand(req.BotID, userID, req.Command())
			case KindCallback:
				collector.RecordCallback(req.BotID, userID)
			case KindMessage, KindPayment:
				collector.RecordMessage(req.BotID, userID)
			}
			err := next(ctx, req)
			if err != nil {
				collector.RecordError(req.BotID)
			}
			return err
		}
	}
}

// SessionMiddleware opens one transactional store session per update
// and injects it into the request. A clean return commits, an error
// rolls everything back. It also records the user sighting so the
// bot_users profile and the new-user counter stay current.
func SessionMiddleware(st store.Store, collector StatsRecorder) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			return st.WithSession(ctx, func(s store.Session) error {
				req.Session = s
				defer func() { req.Session = nil }()
				trackUser(ctx, req, collector)
				return next(ctx, req)
			})
		}
	}
}

func trackUser(ctx context.Context, req *Request, collector StatsRecorder) {
	user := req.User()
	if user == nil || user.ID == 0 {
		return
	}
	isNew, err := req.Session.Users().Upsert(ctx, store.BotUser{
		TelegramID:   user.ID,
		BotID:        req.BotID,
		Username:     user.Username,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		LanguageCode: user.LanguageCode,
	})
	if err != nil {
		slog.Warn("user tracking failed",
			"bot_id", req.BotID, "telegram_id", user.ID, "error", err)
		return
	}
	if isNew && collector != nil {
		collector.RecordNewUser(req.BotID)
	}
}

// TokenMiddleware makes sure the user has a balance row, granting the
// signup tokens on first contact, and injects balance and newness into
// the request. Initialization failures never block the update.
func TokenMiddleware(ledger *billing.Ledger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			userID := req.UserID()
			if userID != 0 && req.Session != nil {
				bal, isNew, err := req.Session.Tokens().EnsureBalance(ctx, userID, req.BotID, ledger.FreeTokens())
				if err != nil {
					slog.Error("token balance init failed",
						"bot_id", req.BotID, "telegram_id", userID, "error", err)
				} else {
					req.Balance = bal.Balance
					req.IsNewUser = isNew
				}
			}
			return next(ctx, req)
		}
	}
}

// RateLimitMiddleware drops updates that exceed the per-user token
// bucket. Drops are silent except for a one-shot notice per dry spell.
func RateLimitMiddleware(ratePerMin, burst int) Middleware {
	limiter := newUserLimiter(ratePerMin, burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			userID := req.UserID()
			if userID == 0 {
				return next(ctx, req)
			}
			admitted, notify := limiter.allow(userID)
			if admitted {
				return next(ctx, req)
			}
			slog.Debug("update rate limited",
				"bot_id", req.BotID, "user_id", userID, "request_id", req.ID)
			if notify {
				sendNotice(ctx, req, "Too many requests. Please slow down a little.")
			}
			return nil
		}
	}
}

// ErrorOptions configures the innermost error middleware. The values
// come from the error_handler plugin's config block when the bot lists
// it, defaults otherwise.
type ErrorOptions struct {
	UserMessage  string
	ShowErrorID  bool
	NotifyAdmins bool
	AdminChatIDs []int64
}

// DefaultErrorOptions mirrors the error_handler plugin defaults.
func DefaultErrorOptions() ErrorOptions {
	return ErrorOptions{
		UserMessage: "An error occurred while processing your request.",
		ShowErrorID: true,
	}
}

func (o ErrorOptions) userText(errorID string) string {
	if o.ShowErrorID {
		return fmt.Sprintf("%s\n\nError ID: %s", o.UserMessage, errorID)
	}
	return o.UserMessage
}

// ErrorMiddleware is the innermost safety net. It recovers panics,
// assigns a short error id, logs, tells the user, and passes the error
// outward so the stats and logging layers observe it before the
// dispatcher root discards it.
func ErrorMiddleware(opts ErrorOptions) Middleware {
	if opts.UserMessage == "" {
		opts.UserMessage = DefaultErrorOptions().UserMessage
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					errorID := shortID()
					slog.Error("panic in handler",
						"bot_id", req.BotID,
						"request_id", req.ID,
						"error_id", errorID,
						"panic", rec,
						"stack", string(debug.Stack()))
					sendNotice(ctx, req, opts.userText(errorID))
					reportToAdmins(ctx, req, opts, errorID, fmt.Sprintf("panic: %v", rec))
					err = fmt.Errorf("handler panic [%s]: %v", errorID, rec)
				}
			}()

			err = next(ctx, req)
			if err == nil {
				return nil
			}

			errorID := shortID()
			if errs.IsInsufficientTokens(err) {
				var short *errs.InsufficientTokensError
				errors.As(err, &short)
				slog.Warn("insufficient tokens",
					"bot_id", req.BotID,
					"request_id", req.ID,
					"error_id", errorID,
					"required", short.Required,
					"available", short.Available)
				sendNotice(ctx, req, fmt.Sprintf(
					"Not enough tokens: this needs %d, you have %d. Use /buy to top up.",
					short.Required, short.Available))
				return err
			}

			slog.Error("unhandled error in handler",
				"bot_id", req.BotID,
				"request_id", req.ID,
				"error_id", errorID,
				"kind", req.Kind(),
				"error", err)
			sendNotice(ctx, req, opts.userText(errorID))
			reportToAdmins(ctx, req, opts, errorID, err.Error())
			return err
		}
	}
}

// reportToAdmins sends an HTML error report to the configured admin
// chats. Delivery failures are logged and otherwise ignored.
func reportToAdmins(ctx context.Context, req *Request, opts ErrorOptions, errorID, detail string) {
	if !opts.NotifyAdmins || len(opts.AdminChatIDs) == 0 {
		return
	}
	report := fmt.Sprintf(
		"<b>Error Report</b>\n\n<b>ID:</b> %s\n<b>Bot:</b> %s\n<b>Kind:</b> %s\n<b>Message:</b> %s",
		errorID, req.BotID, req.Kind(), html.EscapeString(truncate(detail, 500)))
	for _, chatID := range opts.AdminChatIDs {
		if _, err := req.Client.SendHTML(ctx, chatID, report); err != nil {
			slog.Warn("admin error report failed",
				"bot_id", req.BotID, "chat_id", chatID, "error", err)
		}
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// sendNotice tells the user something went sideways, as an alert for
// callbacks and a plain message otherwise. Failures are logged only;
// a broken notification must not mask the original error.
func sendNotice(ctx context.Context, req *Request, text string) {
	var err error
	switch {
	case req.Update.CallbackQuery != nil:
		err = req.Client.AnswerCallbackAlert(ctx, req.Update.CallbackQuery.ID, text)
	default:
		chatID := req.ChatID()
		if chatID == 0 {
			return
		}
		_, err = req.Client.SendText(ctx, chatID, text)
	}
	if err != nil {
		slog.Warn("could not notify user",
			"bot_id", req.BotID, "request_id", req.ID, "error", err)
	}
}
