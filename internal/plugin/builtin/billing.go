package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/multibot-io/multibot/internal/dispatch"
)

const paymentSupportMessage = "⚠️ Error processing payment. Please contact support."

// invoicePayload rides inside the Stars invoice and comes back on the
// pre-checkout query and the successful payment.
type invoicePayload struct {
	PackageID string `json:"package_id"`
	UserID    int64  `json:"user_id"`
	BotID     string `json:"bot_id"`
}

// Billing sells token packages for Telegram Stars and lets users check
// their balance and transaction history. The purchase flow is
// invoice, pre-checkout validation, then a ledger credit keyed by the
// payment charge id so replayed deliveries never double-credit.
type Billing struct {
	pc dispatch.InstanceContext
}

func NewBilling() *Billing { return &Billing{} }

func (p *Billing) Name() string            { return "billing" }
func (p *Billing) Version() string         { return "1.0.0" }
func (p *Billing) Dependencies() []string  { return nil }
func (p *Billing) SupportsHotReload() bool { return true }

func (p *Billing) Init(ctx context.Context, pc dispatch.InstanceContext) error {
	p.pc = pc
	if pc.Ledger == nil {
		slog.Warn("billing plugin loaded without a ledger", "bot_id", pc.BotID)
	}
	return nil
}

func (p *Billing) Routes(r *dispatch.Router) {
	r.Command("balance", p.handleBalance)
	r.Command("buy", p.handleBuy)
	r.Command("history", p.handleHistory)
	r.Callback("billing", p.handleCallback)
	r.PreCheckout(p.handlePreCheckout)
	r.Payment(p.handlePayment)
}

func (p *Billing) ready() bool { return p.pc.Ledger != nil }

func (p *Billing) handleBalance(ctx context.Context, req *dispatch.Request) error {
	if !p.ready() {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Token billing is not configured for this bot.")
		return err
	}
	text, kb, err := p.balanceView(ctx, req.UserID())
	if err != nil {
		return err
	}
	_, err = req.Client.SendHTMLWithMarkup(ctx, req.ChatID(), text, kb)
	return err
}

func (p *Billing) handleBuy(ctx context.Context, req *dispatch.Request) error {
	if !p.ready() {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Token billing is not configured for this bot.")
		return err
	}
	text, kb := p.packagesView()
	_, err := req.Client.SendHTMLWithMarkup(ctx, req.ChatID(), text, kb)
	return err
}

func (p *Billing) handleHistory(ctx context.Context, req *dispatch.Request) error {
	if !p.ready() {
		_, err := req.Client.SendText(ctx, req.ChatID(), "Token billing is not configured for this bot.")
		return err
	}
	text, kb, err := p.historyView(ctx, req.UserID())
	if err != nil {
		return err
	}
	_, err = req.Client.SendHTMLWithMarkup(ctx, req.ChatID(), text, kb)
	return err
}

// handleCallback pages through the inline menu. Every branch edits the
// menu message in place and acks the callback so the button spinner
// stops.
func (p *Billing) handleCallback(ctx context.Context, req *dispatch.Request) error {
	query := req.Update.CallbackQuery
	if !p.ready() {
		return req.Client.AnswerCallbackAlert(ctx, query.ID, "Token billing is not configured for this bot.")
	}

	action := strings.TrimPrefix(req.CallbackData(), "billing:")
	var (
		text string
		kb   *telego.InlineKeyboardMarkup
		err  error
	)
	switch {
	case action == "balance" || action == "back_to_balance":
		text, kb, err = p.balanceView(ctx, req.UserID())
	case action == "buy_menu":
		text, kb = p.packagesView()
	case action == "history":
		text, kb, err = p.historyView(ctx, req.UserID())
	case strings.HasPrefix(action, "purchase:"):
		return p.handlePurchase(ctx, req, strings.TrimPrefix(action, "purchase:"))
	default:
		return req.Client.AnswerCallback(ctx, query.ID, "")
	}
	if err != nil {
		return err
	}
	if err := p.render(ctx, req, text, kb); err != nil {
		return err
	}
	return req.Client.AnswerCallback(ctx, query.ID, "")
}

// handlePurchase sends the Stars invoice for one catalog package.
func (p *Billing) handlePurchase(ctx context.Context, req *dispatch.Request, packageID string) error {
	query := req.Update.CallbackQuery
	pkg, ok := p.pc.Ledger.Package(packageID)
	if !ok {
		return req.Client.AnswerCallbackAlert(ctx, query.ID, "This package is no longer available.")
	}

	payload, err := json.Marshal(invoicePayload{
		PackageID: pkg.ID,
		UserID:    req.UserID(),
		BotID:     p.pc.BotID,
	})
	if err != nil {
		return fmt.Errorf("encode invoice payload: %w", err)
	}
	description := pkg.Description
	if description == "" {
		description = fmt.Sprintf("%d tokens", pkg.Tokens)
	}
	if _, err := req.Client.SendStarsInvoice(ctx, req.ChatID(), pkg.Label, description, string(payload), pkg.Stars); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return req.Client.AnswerCallback(ctx, query.ID, "")
}

// handlePreCheckout is the last gate before Telegram charges the user.
// Reject anything whose payload or price does not match the catalog.
func (p *Billing) handlePreCheckout(ctx context.Context, req *dispatch.Request) error {
	query := req.Update.PreCheckoutQuery
	if !p.ready() {
		return req.Client.AnswerPreCheckout(ctx, query.ID, false, "Payments are unavailable right now.")
	}

	var payload invoicePayload
	if err := json.Unmarshal([]byte(query.InvoicePayload), &payload); err != nil {
		return req.Client.AnswerPreCheckout(ctx, query.ID, false, "Invalid purchase data. Please try again.")
	}
	pkg, ok := p.pc.Ledger.Package(payload.PackageID)
	if !ok {
		return req.Client.AnswerPreCheckout(ctx, query.ID, false, "Invalid package. Please try again.")
	}
	if int64(query.TotalAmount) != pkg.Stars {
		return req.Client.AnswerPreCheckout(ctx, query.ID, false, "Price mismatch. Please try again.")
	}
	return req.Client.AnswerPreCheckout(ctx, query.ID, true, "")
}

// handlePayment credits the purchase after Telegram confirms the
// charge. Failures here are money already taken, so they are logged
// with the charge id for manual reconciliation and the user is pointed
// at support instead of the generic error notice.
func (p *Billing) handlePayment(ctx context.Context, req *dispatch.Request) error {
	payment := req.Message().SuccessfulPayment
	if payment == nil || !p.ready() {
		return nil
	}

	var payload invoicePayload
	if err := json.Unmarshal([]byte(payment.InvoicePayload), &payload); err != nil {
		slog.Error("undecodable payment payload",
			"bot_id", req.BotID, "telegram_id", req.UserID(),
			"charge_id", payment.TelegramPaymentChargeID, "err", err)
		_, _ = req.Client.SendText(ctx, req.ChatID(), paymentSupportMessage)
		return nil
	}
	pkg, ok := p.pc.Ledger.Package(payload.PackageID)
	if !ok {
		slog.Error("payment for unknown package",
			"bot_id", req.BotID, "telegram_id", req.UserID(),
			"package_id", payload.PackageID, "charge_id", payment.TelegramPaymentChargeID)
		_, _ = req.Client.SendText(ctx, req.ChatID(), paymentSupportMessage)
		return nil
	}

	newBalance, err := p.pc.Ledger.Purchase(ctx, req.UserID(), pkg.ID,
		int64(payment.TotalAmount), payment.TelegramPaymentChargeID)
	if err != nil {
		slog.Error("purchase credit failed after successful charge",
			"bot_id", req.BotID, "telegram_id", req.UserID(),
			"package_id", pkg.ID, "charge_id", payment.TelegramPaymentChargeID, "err", err)
		_, _ = req.Client.SendText(ctx, req.ChatID(), paymentSupportMessage)
		return nil
	}

	text := fmt.Sprintf(
		"✅ <b>Payment Successful!</b>\n\nYou received <b>%d</b> tokens.\nNew balance: <b>%d</b> tokens\n\nThank you for your purchase! 🎉",
		pkg.Tokens, newBalance)
	_, err = req.Client.SendHTML(ctx, req.ChatID(), text)
	return err
}

// render edits the callback's menu message in place, falling back to a
// fresh message when the update has no editable message.
func (p *Billing) render(ctx context.Context, req *dispatch.Request, text string, kb *telego.InlineKeyboardMarkup) error {
	if id := req.CallbackMessageID(); id != 0 {
		if err := req.Client.EditHTML(ctx, req.ChatID(), id, text, kb); err == nil {
			return nil
		}
	}
	_, err := req.Client.SendHTMLWithMarkup(ctx, req.ChatID(), text, kb)
	return err
}

func (p *Billing) balanceView(ctx context.Context, userID int64) (string, *telego.InlineKeyboardMarkup, error) {
	bal, err := p.pc.Ledger.Stats(ctx, userID)
	if err != nil {
		return "", nil, fmt.Errorf("load balance: %w", err)
	}
	text := fmt.Sprintf(
		"💰 <b>Your Token Balance</b>\n\nBalance: <b>%d</b> tokens\nTotal purchased: %d\nTotal used: %d",
		bal.Balance, bal.TotalPurchased, bal.TotalConsumed)

	var rows [][]telego.InlineKeyboardButton
	if len(p.pc.Ledger.Packages()) > 0 {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🛒 Buy Tokens").WithCallbackData("billing:buy_menu")))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("📜 History").WithCallbackData("billing:history")))
	return text, tu.InlineKeyboard(rows...), nil
}

func (p *Billing) packagesView() (string, *telego.InlineKeyboardMarkup) {
	pkgs := p.pc.Ledger.Packages()
	if len(pkgs) == 0 {
		return "No token packages are available right now.", tu.InlineKeyboard(backRow())
	}

	var b strings.Builder
	b.WriteString("🛒 <b>Available Token Packages</b>\n")
	rows := make([][]telego.InlineKeyboardButton, 0, len(pkgs)+1)
	for _, pkg := range pkgs {
		fmt.Fprintf(&b, "\n• <b>%s</b> - %d ⭐\n", html.EscapeString(pkg.Label), pkg.Stars)
		if pkg.Description != "" {
			fmt.Fprintf(&b, "  %s\n", html.EscapeString(pkg.Description))
		}
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(fmt.Sprintf("%s (%d ⭐)", pkg.Label, pkg.Stars)).
				WithCallbackData("billing:purchase:"+pkg.ID)))
	}
	rows = append(rows, backRow())
	return b.String(), tu.InlineKeyboard(rows...)
}

func (p *Billing) historyView(ctx context.Context, userID int64) (string, *telego.InlineKeyboardMarkup, error) {
	txs, err := p.pc.Ledger.History(ctx, userID, 10)
	if err != nil {
		return "", nil, fmt.Errorf("load history: %w", err)
	}

	var b strings.Builder
	b.WriteString("📜 <b>Transaction History</b>\n\n")
	if len(txs) == 0 {
		b.WriteString("No transactions yet.")
	}
	for _, tx := range txs {
		ref := tx.ReferenceID
		if ref == "" {
			ref = tx.Type
		}
		if tx.Amount >= 0 {
			fmt.Fprintf(&b, "✅ +%d tokens - %s\n", tx.Amount, html.EscapeString(ref))
		} else {
			fmt.Fprintf(&b, "📤 %d tokens - %s\n", tx.Amount, html.EscapeString(ref))
		}
	}
	return b.String(), tu.InlineKeyboard(backRow()), nil
}

func backRow() []telego.InlineKeyboardButton {
	return tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("⬅️ Back").WithCallbackData("billing:back_to_balance"))
}
