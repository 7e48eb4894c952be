// Package telegram wraps the Bot API client used by every managed bot.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// defaultDownloadMax is the Bot API's own file download ceiling.
const defaultDownloadMax int64 = 20 * 1024 * 1024

// allowedUpdates lists the update kinds the dispatcher understands.
// Everything else is dropped server-side instead of in our loop.
var allowedUpdates = []string{
	"message",
	"edited_message",
	"callback_query",
	"pre_checkout_query",
	"my_chat_member",
}

// Command is one entry of the bot's command menu.
type Command struct {
	Name        string
	Description string
}

// Client wraps a telego.Bot for one managed bot. Identity fields are
// filled in by Connect.
type Client struct {
	bot      *telego.Bot
	id       int64
	username string
	name     string
}

func NewClient(token string) (*Client, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Client{bot: bot}, nil
}

// Connect verifies the token against getMe and caches the identity.
func (c *Client) Connect(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return Classify(fmt.Errorf("get me: %w", err))
	}
	c.id = me.ID
	c.username = me.Username
	c.name = me.FirstName
	return nil
}

func (c *Client) ID() int64        { return c.id }
func (c *Client) Username() string { return c.username }
func (c *Client) Name() string     { return c.name }

// Bot exposes the underlying API client for calls without a helper.
// Callers should run errors through Classify themselves.
func (c *Client) Bot() *telego.Bot { return c.bot }

// Updates opens the long polling stream. The returned channel closes
// when ctx is cancelled.
func (c *Client) Updates(ctx context.Context) (<-chan telego.Update, error) {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: allowedUpdates,
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("start long polling: %w", err))
	}
	return updates, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) (*telego.Message, error) {
	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return nil, Classify(fmt.Errorf("send message: %w", err))
	}
	return msg, nil
}

func (c *Client) SendHTML(ctx context.Context, chatID int64, text string) (*telego.Message, error) {
	params := tu.Message(tu.ID(chatID), text)
	params.ParseMode = telego.ModeHTML
	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, Classify(fmt.Errorf("send message: %w", err))
	}
	return msg, nil
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) (*telego.Message, error) {
	params := tu.Document(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(data), filename)))
	params.Caption = caption
	msg, err := c.bot.SendDocument(ctx, params)
	if err != nil {
		return nil, Classify(fmt.Errorf("send document: %w", err))
	}
	return msg, nil
}

// SendTextWithMarkup sends a message with a reply markup attached,
// typically an inline keyboard.
func (c *Client) SendTextWithMarkup(ctx context.Context, chatID int64, text string, markup telego.ReplyMarkup) (*telego.Message, error) {
	params := tu.Message(tu.ID(chatID), text)
	params.ReplyMarkup = markup
	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, Classify(fmt.Errorf("send message: %w", err))
	}
	return msg, nil
}

// SendHTMLWithMarkup sends an HTML message with a reply markup, the
// shape inline menus are built from.
func (c *Client) SendHTMLWithMarkup(ctx context.Context, chatID int64, text string, markup telego.ReplyMarkup) (*telego.Message, error) {
	params := tu.Message(tu.ID(chatID), text)
	params.ParseMode = telego.ModeHTML
	params.ReplyMarkup = markup
	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, Classify(fmt.Errorf("send message: %w", err))
	}
	return msg, nil
}

// EditHTML rewrites an existing message in place. Callback handlers
// use it to page through inline menus without stacking new messages.
func (c *Client) EditHTML(ctx context.Context, chatID int64, messageID int, text string, markup *telego.InlineKeyboardMarkup) error {
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:      tu.ID(chatID),
		MessageID:   messageID,
		Text:        text,
		ParseMode:   telego.ModeHTML,
		ReplyMarkup: markup,
	})
	if err != nil {
		return Classify(fmt.Errorf("edit message: %w", err))
	}
	return nil
}

// SendStarsInvoice issues a Telegram Stars invoice. Stars payments use
// the XTR currency and carry no provider token.
func (c *Client) SendStarsInvoice(ctx context.Context, chatID int64, title, description, payload string, stars int64) (*telego.Message, error) {
	msg, err := c.bot.SendInvoice(ctx, &telego.SendInvoiceParams{
		ChatID:      tu.ID(chatID),
		Title:       title,
		Description: description,
		Payload:     payload,
		Currency:    "XTR",
		Prices:      []telego.LabeledPrice{{Label: title, Amount: int(stars)}},
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("send invoice: %w", err))
	}
	return msg, nil
}

// DownloadFile fetches a file's bytes by its Telegram file id. A
// maxBytes of zero falls back to the Bot API's 20MB ceiling.
func (c *Client) DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, Classify(fmt.Errorf("get file: %w", err))
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file id %s", fileID)
	}

	limit := maxBytes
	if limit <= 0 {
		limit = defaultDownloadMax
	}
	if int64(file.FileSize) > limit {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, limit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds max size during download: %d bytes", len(data))
	}
	return data, nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	})
	if err != nil {
		return Classify(fmt.Errorf("delete message: %w", err))
	}
	return nil
}

// Typing is best effort, failures are not worth surfacing.
func (c *Client) Typing(ctx context.Context, chatID int64) {
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		return Classify(fmt.Errorf("answer callback: %w", err))
	}
	return nil
}

// AnswerCallbackAlert answers with a popup alert instead of a toast.
func (c *Client) AnswerCallbackAlert(ctx context.Context, callbackID, text string) error {
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       true,
	})
	if err != nil {
		return Classify(fmt.Errorf("answer callback: %w", err))
	}
	return nil
}

func (c *Client) AnswerPreCheckout(ctx context.Context, preCheckoutID string, ok bool, errorMessage string) error {
	err := c.bot.AnswerPreCheckoutQuery(ctx, &telego.AnswerPreCheckoutQueryParams{
		PreCheckoutQueryID: preCheckoutID,
		Ok:                 ok,
		ErrorMessage:       errorMessage,
	})
	if err != nil {
		return Classify(fmt.Errorf("answer pre-checkout: %w", err))
	}
	return nil
}

func (c *Client) SetCommands(ctx context.Context, commands []Command) error {
	if len(commands) == 0 {
		return nil
	}
	list := make([]telego.BotCommand, 0, len(commands))
	for _, cmd := range commands {
		list = append(list, telego.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: list})
	if err != nil {
		return Classify(fmt.Errorf("set menu commands: %w", err))
	}
	return nil
}

func (c *Client) SetWebhook(ctx context.Context, url, secretToken string, maxConnections int) error {
	params := &telego.SetWebhookParams{
		URL:            url,
		SecretToken:    secretToken,
		AllowedUpdates: allowedUpdates,
	}
	if maxConnections > 0 {
		params.MaxConnections = maxConnections
	}
	if err := c.bot.SetWebhook(ctx, params); err != nil {
		return Classify(fmt.Errorf("set webhook: %w", err))
	}
	return nil
}

func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	err := c.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{DropPendingUpdates: dropPending})
	if err != nil {
		return Classify(fmt.Errorf("delete webhook: %w", err))
	}
	return nil
}
