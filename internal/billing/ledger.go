// Package billing is the token ledger bots charge through. Every
// mutation pairs one balance update with one transaction row inside a
// single store session, so the history always adds up to the balance.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

// Package is one purchasable token bundle, priced in Telegram Stars.
type Package struct {
	ID          string `yaml:"id"`
	Stars       int64  `yaml:"stars"`
	Tokens      int64  `yaml:"tokens"`
	Label       string `yaml:"label"`
	Description string `yaml:"description"`
}

// Ledger scopes token operations to one bot.
type Ledger struct {
	store       store.Store
	botID       string
	freeTokens  int64
	actionCosts map[string]int64
	packages    map[string]Package
	order       []string
}

// NewLedger builds a ledger for botID. freeTokens is the signup grant,
// costs maps action names to token prices, packages is the purchase
// catalog in display order.
func NewLedger(st store.Store, botID string, freeTokens int64, costs map[string]int64, packages []Package) *Ledger {
	l := &Ledger{
		store:       st,
		botID:       botID,
		freeTokens:  freeTokens,
		actionCosts: make(map[string]int64, len(costs)),
		packages:    make(map[string]Package, len(packages)),
	}
	for action, cost := range costs {
		l.actionCosts[action] = cost
	}
	for _, p := range packages {
		if _, dup := l.packages[p.ID]; !dup {
			l.order = append(l.order, p.ID)
		}
		l.packages[p.ID] = p
	}
	return l
}

// EnsureInitialized creates the user's balance row on first contact,
// granting the signup tokens. Reports the balance and whether the user
// is new.
func (l *Ledger) EnsureInitialized(ctx context.Context, telegramID int64) (store.TokenBalance, bool, error) {
	var (
		bal   store.TokenBalance
		isNew bool
	)
	err := l.store.WithSession(ctx, func(s store.Session) error {
		var err error
		bal, isNew, err = s.Tokens().EnsureBalance(ctx, telegramID, l.botID, l.freeTokens)
		return err
	})
	if err != nil {
		return store.TokenBalance{}, false, err
	}
	if isNew && l.freeTokens > 0 {
		slog.Info("granted signup tokens",
			"bot_id", l.botID, "telegram_id", telegramID, "tokens", l.freeTokens)
	}
	return bal, isNew, nil
}

// Balance returns the user's current balance, zero when no row exists.
func (l *Ledger) Balance(ctx context.Context, telegramID int64) (int64, error) {
	bal, err := l.Stats(ctx, telegramID)
	if err != nil {
		return 0, err
	}
	return bal.Balance, nil
}

// Stats returns the full balance row. A user the ledger has never seen
// yields zeroes rather than an error.
func (l *Ledger) Stats(ctx context.Context, telegramID int64) (store.TokenBalance, error) {
	var bal store.TokenBalance
	err := l.store.WithSession(ctx, func(s store.Session) error {
		var err error
		bal, err = s.Tokens().Balance(ctx, telegramID, l.botID)
		if errors.Is(err, errs.ErrNotFound) {
			bal = store.TokenBalance{TelegramID: telegramID, BotID: l.botID}
			return nil
		}
		return err
	})
	if err != nil {
		return store.TokenBalance{}, err
	}
	return bal, nil
}

// ActionCost returns the configured price of an action, zero when the
// action is free.
func (l *Ledger) ActionCost(action string) int64 {
	return l.actionCosts[action]
}

// CanAfford reports whether the user's balance covers cost.
func (l *Ledger) CanAfford(ctx context.Context, telegramID, cost int64) (bool, error) {
	balance, err := l.Balance(ctx, telegramID)
	if err != nil {
		return false, err
	}
	return balance >= cost, nil
}

// Consume debits cost tokens for an action. When the balance is short
// it fails with InsufficientTokens and debits nothing.
func (l *Ledger) Consume(ctx context.Context, telegramID, cost int64, action string) (int64, error) {
	var newBalance int64
	err := l.store.WithSession(ctx, func(s store.Session) error {
		var err error
		newBalance, err = s.Tokens().Consume(ctx, telegramID, l.botID, cost, action)
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Info("tokens consumed",
		"bot_id", l.botID, "telegram_id", telegramID,
		"action", action, "cost", cost, "balance", newBalance)
	return newBalance, nil
}

// Purchase credits the tokens of a paid package. paymentID is the
// replay key: a payment already logged returns the current balance
// without crediting again.
func (l *Ledger) Purchase(ctx context.Context, telegramID int64, packageID string, starsPaid int64, paymentID string) (int64, error) {
	pkg, ok := l.packages[packageID]
	if !ok {
		return 0, fmt.Errorf("unknown token package %q", packageID)
	}
	var newBalance int64
	err := l.store.WithSession(ctx, func(s store.Session) error {
		tokens := s.Tokens()
		seen, err := tokens.SeenReference(ctx, telegramID, l.botID, "payment", paymentID)
		if err != nil {
			return err
		}
		if seen {
			slog.Warn("duplicate payment delivery ignored",
				"bot_id", l.botID, "telegram_id", telegramID, "payment_id", paymentID)
			bal, err := tokens.Balance(ctx, telegramID, l.botID)
			if err != nil {
				return err
			}
			newBalance = bal.Balance
			return nil
		}
		newBalance, err = tokens.Credit(ctx, telegramID, l.botID, pkg.Tokens, store.TxPurchase, store.CreditRef{
			ReferenceType: "payment",
			ReferenceID:   paymentID,
			StarsPaid:     starsPaid,
			Metadata: map[string]any{
				"package_id":    pkg.ID,
				"package_label": pkg.Label,
			},
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Info("tokens purchased",
		"bot_id", l.botID, "telegram_id", telegramID,
		"package", packageID, "tokens", pkg.Tokens,
		"stars", starsPaid, "balance", newBalance)
	return newBalance, nil
}

// Grant credits tokens outside a purchase, typically by an admin, and
// leaves total_purchased untouched.
func (l *Ledger) Grant(ctx context.Context, telegramID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	var newBalance int64
	err := l.store.WithSession(ctx, func(s store.Session) error {
		var err error
		newBalance, err = s.Tokens().Credit(ctx, telegramID, l.botID, amount, store.TxGrant, store.CreditRef{
			ReferenceType: "admin",
			ReferenceID:   reason,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Info("tokens granted",
		"bot_id", l.botID, "telegram_id", telegramID,
		"amount", amount, "reason", reason, "balance", newBalance)
	return newBalance, nil
}

// History lists the user's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, telegramID int64, limit int) ([]store.TokenTransaction, error) {
	var txs []store.TokenTransaction
	err := l.store.WithSession(ctx, func(s store.Session) error {
		var err error
		txs, err = s.Tokens().Transactions(ctx, telegramID, l.botID, limit)
		return err
	})
	return txs, err
}

// Package looks up one catalog entry.
func (l *Ledger) Package(id string) (Package, bool) {
	p, ok := l.packages[id]
	return p, ok
}

// Packages lists the catalog in configuration order.
func (l *Ledger) Packages() []Package {
	out := make([]Package, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.packages[id])
	}
	return out
}

// FreeTokens is the signup grant size.
func (l *Ledger) FreeTokens() int64 { return l.freeTokens }
