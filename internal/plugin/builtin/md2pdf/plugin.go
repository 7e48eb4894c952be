package md2pdf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/session"
	"github.com/multibot-io/multibot/internal/telegram"
)

const (
	stateAwaitingMarkdown = "md2pdf:waiting_for_markdown"

	// bufferDelay holds messages back so text Telegram split at its
	// 4096 char limit becomes one document.
	bufferDelay = 1500 * time.Millisecond

	maxUploadBytes = 1 << 20
)

// pendingBuffer collects one chat's unconverted messages.
type pendingBuffer struct {
	texts []string
	timer *time.Timer
	fsm   *session.FSM
}

// Plugin is the markdown to PDF converter: an interactive /convert
// flow, direct .md uploads, and per-user theme and font preferences.
type Plugin struct {
	pc       dispatch.InstanceContext
	renderer *Renderer

	mu      sync.Mutex
	buffers map[int64]*pendingBuffer
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string            { return "md2pdf" }
func (p *Plugin) Version() string         { return "1.1.0" }
func (p *Plugin) Dependencies() []string  { return nil }
func (p *Plugin) SupportsHotReload() bool { return true }

func (p *Plugin) Init(ctx context.Context, pc dispatch.InstanceContext) error {
	p.pc = pc
	p.renderer = NewRenderer()
	p.buffers = make(map[int64]*pendingBuffer)
	return nil
}

// Close tears down the headless browser when the bot stops.
func (p *Plugin) Close() error { return p.renderer.Close() }

func (p *Plugin) Routes(r *dispatch.Router) {
	r.Command("convert", p.handleConvert)
	r.Command("themes", p.handleThemes)
	r.Command("fontsize", p.handleFontSize)
	r.Callback("md2pdf", p.handleCallback)
	r.Document(p.handleDocument)
	// The state route must come first so in-flow messages always
	// buffer, markdown-looking or not.
	r.State(stateAwaitingMarkdown, p.handleAwaitedText)
	r.Text(p.handleLooseText)
}

func (p *Plugin) handleConvert(ctx context.Context, req *dispatch.Request) error {
	if req.FSM == nil {
		_, err := req.Client.SendText(ctx, req.ChatID(),
			"Conversion flows need a session store, which this bot does not have.")
		return err
	}
	if err := req.FSM.SetState(ctx, stateAwaitingMarkdown); err != nil {
		return fmt.Errorf("enter conversion state: %w", err)
	}
	kb := tu.InlineKeyboard(tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("❌ Cancel").WithCallbackData("md2pdf:cancel")))
	_, err := req.Client.SendHTMLWithMarkup(ctx, req.ChatID(),
		"📝 Send me the markdown you want as a PDF.\n\nLong texts split by Telegram are combined automatically.", kb)
	return err
}

func (p *Plugin) handleThemes(ctx context.Context, req *dispatch.Request) error {
	kb := tu.InlineKeyboard(tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("☀️ Light").WithCallbackData("md2pdf:theme:light"),
		tu.InlineKeyboardButton("🌙 Dark").WithCallbackData("md2pdf:theme:dark")))
	_, err := req.Client.SendHTMLWithMarkup(ctx, req.ChatID(), "🎨 <b>Choose a PDF theme</b>", kb)
	return err
}

func (p *Plugin) handleFontSize(ctx context.Context, req *dispatch.Request) error {
	kb := tu.InlineKeyboard(tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("🅰 Small").WithCallbackData("md2pdf:fontsize:small"),
		tu.InlineKeyboardButton("🅱 Medium").WithCallbackData("md2pdf:fontsize:medium"),
		tu.InlineKeyboardButton("🅲 Large").WithCallbackData("md2pdf:fontsize:large")))
	_, err := req.Client.SendHTMLWithMarkup(ctx, req.ChatID(), "🔠 <b>Choose a font size</b>", kb)
	return err
}

func (p *Plugin) handleCallback(ctx context.Context, req *dispatch.Request) error {
	query := req.Update.CallbackQuery
	action := strings.TrimPrefix(req.CallbackData(), "md2pdf:")
	switch {
	case action == "cancel":
		if req.FSM != nil {
			if err := req.FSM.SetState(ctx, ""); err != nil {
				slog.Warn("could not leave conversion state", "bot_id", req.BotID, "error", err)
			}
		}
		if err := p.editTo(ctx, req, "❌ Conversion cancelled."); err != nil {
			return err
		}
	case strings.HasPrefix(action, "theme:"):
		theme := strings.TrimPrefix(action, "theme:")
		if theme != "light" && theme != "dark" {
			return req.Client.AnswerCallbackAlert(ctx, query.ID, "Unknown theme.")
		}
		if err := p.savePreference(ctx, req, "theme", theme); err != nil {
			return err
		}
		if err := p.editTo(ctx, req, fmt.Sprintf("🎨 Theme set to <b>%s</b>.", theme)); err != nil {
			return err
		}
	case strings.HasPrefix(action, "fontsize:"):
		size := strings.TrimPrefix(action, "fontsize:")
		if _, ok := fontSizes[size]; !ok {
			return req.Client.AnswerCallbackAlert(ctx, query.ID, "Unknown font size.")
		}
		if err := p.savePreference(ctx, req, "fontsize", size); err != nil {
			return err
		}
		if err := p.editTo(ctx, req, fmt.Sprintf("🔠 Font size set to <b>%s</b>.", size)); err != nil {
			return err
		}
	}
	return req.Client.AnswerCallback(ctx, query.ID, "")
}

func (p *Plugin) savePreference(ctx context.Context, req *dispatch.Request, key, value string) error {
	if req.FSM == nil {
		return req.Client.AnswerCallbackAlert(ctx, req.Update.CallbackQuery.ID,
			"Preferences need a session store, which this bot does not have.")
	}
	if err := req.FSM.UpdateData(ctx, func(data map[string]any) {
		data[key] = value
	}); err != nil {
		return fmt.Errorf("save %s preference: %w", key, err)
	}
	return nil
}

// handleDocument converts uploaded .md and .txt files directly.
func (p *Plugin) handleDocument(ctx context.Context, req *dispatch.Request) error {
	doc := req.Message().Document
	ext := strings.ToLower(filepath.Ext(doc.FileName))
	if ext != ".md" && ext != ".markdown" && ext != ".txt" {
		_, err := req.Client.SendText(ctx, req.ChatID(),
			"⚠️ Only .md, .markdown and .txt files can be converted.")
		return err
	}
	if doc.FileSize > maxUploadBytes {
		_, err := req.Client.SendText(ctx, req.ChatID(), "⚠️ The file is too large, 1 MB is the limit.")
		return err
	}

	data, err := req.Client.DownloadFile(ctx, doc.FileID, maxUploadBytes)
	if err != nil {
		return fmt.Errorf("download document: %w", err)
	}
	if !utf8.Valid(data) {
		_, err := req.Client.SendText(ctx, req.ChatID(), "⚠️ The file is not valid UTF-8 text.")
		return err
	}

	if err := p.charge(ctx, req.UserID()); err != nil {
		return err
	}
	filename := strings.TrimSuffix(doc.FileName, filepath.Ext(doc.FileName))
	return p.convertAndSend(ctx, req.Client, req.FSM, req.ChatID(), string(data), filename)
}

// handleAwaitedText buffers everything typed during an active /convert
// flow.
func (p *Plugin) handleAwaitedText(ctx context.Context, req *dispatch.Request) error {
	p.buffer(req)
	return nil
}

// handleLooseText converts markdown-looking messages without requiring
// /convert first. Short or plain text is left alone.
func (p *Plugin) handleLooseText(ctx context.Context, req *dispatch.Request) error {
	text := req.Message().Text
	if len(text) < 10 || !looksLikeMarkdown(text) {
		return nil
	}
	p.buffer(req)
	return nil
}

func looksLikeMarkdown(text string) bool {
	return strings.ContainsAny(text, "#*_`[|->")
}

// buffer queues the message and rearms the chat's flush timer.
func (p *Plugin) buffer(req *dispatch.Request) {
	chatID := req.ChatID()
	userID := req.UserID()
	client := req.Client

	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.buffers[chatID]
	if buf == nil {
		buf = &pendingBuffer{}
		p.buffers[chatID] = buf
	}
	buf.texts = append(buf.texts, req.Message().Text)
	buf.fsm = req.FSM
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(bufferDelay, func() { p.flush(client, chatID, userID) })
}

// flush converts a chat's buffered messages as one document. It runs
// on the buffer timer, outside any update scope, so it carries its own
// deadline and does its own user-facing error handling.
func (p *Plugin) flush(client *telegram.Client, chatID, userID int64) {
	p.mu.Lock()
	buf := p.buffers[chatID]
	delete(p.buffers, chatID)
	p.mu.Unlock()
	if buf == nil || len(buf.texts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if len(buf.texts) > 1 {
		notice := fmt.Sprintf("📎 Combined %d messages into one document.", len(buf.texts))
		if _, err := client.SendText(ctx, chatID, notice); err != nil {
			slog.Warn("combine notice failed", "bot_id", p.pc.BotID, "chat_id", chatID, "error", err)
		}
	}

	if err := p.charge(ctx, userID); err != nil {
		var short *errs.InsufficientTokensError
		if errors.As(err, &short) {
			msg := fmt.Sprintf("Not enough tokens: this needs %d, you have %d. Use /buy to top up.",
				short.Required, short.Available)
			if _, serr := client.SendText(ctx, chatID, msg); serr != nil {
				slog.Warn("token notice failed", "bot_id", p.pc.BotID, "chat_id", chatID, "error", serr)
			}
			return
		}
		slog.Error("conversion charge failed", "bot_id", p.pc.BotID, "chat_id", chatID, "error", err)
		return
	}

	markdown := strings.Join(buf.texts, "\n\n")
	if err := p.convertAndSend(ctx, client, buf.fsm, chatID, markdown, deriveFilename(markdown)); err != nil {
		slog.Error("buffered conversion failed", "bot_id", p.pc.BotID, "chat_id", chatID, "error", err)
	}
}

// convertAndSend renders the PDF and replaces the progress note with
// the document or a failure message.
func (p *Plugin) convertAndSend(ctx context.Context, client *telegram.Client, fsm *session.FSM, chatID int64, markdown, filename string) error {
	processing, err := client.SendText(ctx, chatID, "⏳ Converting to PDF...")
	if err != nil {
		return err
	}

	theme, size := p.preferences(ctx, fsm)
	pdf, err := p.render(ctx, markdown, theme, size)
	if err != nil {
		slog.Error("pdf conversion failed", "bot_id", p.pc.BotID, "chat_id", chatID, "error", err)
		return client.EditHTML(ctx, chatID, processing.MessageID,
			"❌ Conversion failed. Please check the markdown and try again.", nil)
	}

	caption := fmt.Sprintf("✅ %s.pdf (%.1f KB) | %s theme | %s font",
		filename, float64(len(pdf))/1024, theme, size)
	if _, err := client.SendDocument(ctx, chatID, filename+".pdf", pdf, caption); err != nil {
		return fmt.Errorf("send pdf: %w", err)
	}

	if err := client.DeleteMessage(ctx, chatID, processing.MessageID); err != nil {
		slog.Debug("could not remove progress message", "bot_id", p.pc.BotID, "error", err)
	}
	if fsm != nil {
		// End the flow but keep the theme and font data.
		if err := fsm.SetState(ctx, ""); err != nil {
			slog.Warn("could not leave conversion state", "bot_id", p.pc.BotID, "error", err)
		}
	}

	slog.Info("markdown converted",
		"bot_id", p.pc.BotID, "chat_id", chatID,
		"bytes", len(pdf), "theme", theme, "fontsize", size)
	return nil
}

func (p *Plugin) render(ctx context.Context, markdown, theme, size string) ([]byte, error) {
	htmlDoc, err := p.renderer.HTML(markdown, cssFor(theme, size))
	if err != nil {
		return nil, err
	}
	return p.renderer.PDF(ctx, htmlDoc)
}

// preferences reads theme and font size from the dialog data, then the
// plugin config, then the built-in defaults.
func (p *Plugin) preferences(ctx context.Context, fsm *session.FSM) (theme, size string) {
	theme = p.pc.ConfigString("default_theme", "light")
	size = p.pc.ConfigString("default_fontsize", "medium")
	if fsm == nil {
		return theme, size
	}
	data, err := fsm.Data(ctx)
	if err != nil {
		slog.Debug("dialog data unavailable", "bot_id", p.pc.BotID, "error", err)
		return theme, size
	}
	if v, ok := data["theme"].(string); ok && v != "" {
		theme = v
	}
	if v, ok := data["fontsize"].(string); ok && v != "" {
		size = v
	}
	return theme, size
}

// charge debits the per-conversion cost when billing is wired in.
func (p *Plugin) charge(ctx context.Context, userID int64) error {
	if p.pc.Ledger == nil {
		return nil
	}
	cost := p.pc.Ledger.ActionCost("md2pdf")
	if cost <= 0 {
		return nil
	}
	_, err := p.pc.Ledger.Consume(ctx, userID, cost, "md2pdf")
	return err
}

// editTo rewrites the callback's message, falling back to a fresh one.
func (p *Plugin) editTo(ctx context.Context, req *dispatch.Request, text string) error {
	if id := req.CallbackMessageID(); id != 0 {
		if err := req.Client.EditHTML(ctx, req.ChatID(), id, text, nil); err == nil {
			return nil
		}
	}
	_, err := req.Client.SendHTML(ctx, req.ChatID(), text)
	return err
}

// deriveFilename takes the document title from the first line, keeping
// only filesystem-friendly runes.
func deriveFilename(markdown string) string {
	first, _, _ := strings.Cut(markdown, "\n")
	first = strings.TrimSpace(strings.TrimLeft(first, "# "))

	var b strings.Builder
	for _, r := range first {
		if b.Len() >= 50 {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	name := strings.TrimSpace(b.String())
	if name == "" {
		return "document"
	}
	return name
}
