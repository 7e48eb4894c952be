package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

type tokenRepo struct {
	q querier
}

// EnsureBalance creates the balance row on first contact and reports
// whether it did. A fresh row starts at freeTokens and gets a matching
// grant transaction so the ledger always sums to the balance.
func (r *tokenRepo) EnsureBalance(ctx context.Context, telegramID int64, botID string, freeTokens int64) (store.TokenBalance, bool, error) {
	var b store.TokenBalance
	b.TelegramID = telegramID
	b.BotID = botID

	err := r.q.QueryRow(ctx, `
		INSERT INTO user_tokens (telegram_id, bot_id, balance, total_purchased, total_consumed, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, NOW(), NOW())
		ON CONFLICT (telegram_id, bot_id) DO NOTHING
		RETURNING balance, total_purchased, total_consumed, created_at, updated_at`,
		telegramID, botID, freeTokens,
	).Scan(&b.Balance, &b.TotalPurchased, &b.TotalConsumed, &b.CreatedAt, &b.UpdatedAt)
	if err == nil {
		if freeTokens > 0 {
			_, err = r.q.Exec(ctx, `
				INSERT INTO token_transactions (telegram_id, bot_id, type, amount, balance_after, reference_type, created_at)
				VALUES ($1, $2, $3, $4, $5, 'signup_bonus', NOW())`,
				telegramID, botID, store.TxGrant, freeTokens, freeTokens,
			)
			if err != nil {
				return store.TokenBalance{}, false, fmt.Errorf("record signup grant: %w", err)
			}
		}
		return b, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.TokenBalance{}, false, fmt.Errorf("ensure balance: %w", err)
	}

	// Conflict path: the row already exists, read it back.
	err = r.q.QueryRow(ctx, `
		SELECT balance, total_purchased, total_consumed, created_at, updated_at
		FROM user_tokens WHERE telegram_id = $1 AND bot_id = $2`,
		telegramID, botID,
	).Scan(&b.Balance, &b.TotalPurchased, &b.TotalConsumed, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return store.TokenBalance{}, false, fmt.Errorf("read balance: %w", err)
	}
	return b, false, nil
}

func (r *tokenRepo) Balance(ctx context.Context, telegramID int64, botID string) (store.TokenBalance, error) {
	var b store.TokenBalance
	b.TelegramID = telegramID
	b.BotID = botID
	err := r.q.QueryRow(ctx, `
		SELECT balance, total_purchased, total_consumed, created_at, updated_at
		FROM user_tokens WHERE telegram_id = $1 AND bot_id = $2`,
		telegramID, botID,
	).Scan(&b.Balance, &b.TotalPurchased, &b.TotalConsumed, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.TokenBalance{}, errs.ErrNotFound
	}
	if err != nil {
		return store.TokenBalance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// Consume debits atomically. The WHERE balance >= amount guard makes
// concurrent debits safe without an explicit row lock: whichever
// statement runs second re-evaluates the guard against the committed
// balance and fails cleanly instead of going negative.
func (r *tokenRepo) Consume(ctx context.Context, telegramID int64, botID string, amount int64, action string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("consume amount must be positive, got %d", amount)
	}

	var newBalance int64
	err := r.q.QueryRow(ctx, `
		UPDATE user_tokens
		SET balance = balance - $3,
		    total_consumed = total_consumed + $3,
		    updated_at = NOW()
		WHERE telegram_id = $1 AND bot_id = $2 AND balance >= $3
		RETURNING balance`,
		telegramID, botID, amount,
	).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		var current int64
		selErr := r.q.QueryRow(ctx,
			`SELECT balance FROM user_tokens WHERE telegram_id = $1 AND bot_id = $2`,
			telegramID, botID,
		).Scan(&current)
		if selErr != nil && !errors.Is(selErr, pgx.ErrNoRows) {
			return 0, fmt.Errorf("read balance after failed consume: %w", selErr)
		}
		return 0, &errs.InsufficientTokensError{Required: amount, Available: current, Action: action}
	}
	if err != nil {
		return 0, fmt.Errorf("consume tokens: %w", err)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO token_transactions (telegram_id, bot_id, type, amount, balance_after, reference_type, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, 'action', $6, NOW())`,
		telegramID, botID, store.TxConsume, -amount, newBalance, action,
	)
	if err != nil {
		return 0, fmt.Errorf("record consume: %w", err)
	}
	return newBalance, nil
}

func (r *tokenRepo) Credit(ctx context.Context, telegramID int64, botID string, amount int64, txType string, ref store.CreditRef) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var newBalance int64
	err := r.q.QueryRow(ctx, `
		INSERT INTO user_tokens (telegram_id, bot_id, balance, total_purchased, total_consumed, created_at, updated_at)
		VALUES ($1, $2, $3, CASE WHEN $4 = 'purchase' THEN $3 ELSE 0 END, 0, NOW(), NOW())
		ON CONFLICT (telegram_id, bot_id) DO UPDATE SET
			balance = user_tokens.balance + EXCLUDED.balance,
			total_purchased = user_tokens.total_purchased + EXCLUDED.total_purchased,
			updated_at = NOW()
		RETURNING balance`,
		telegramID, botID, amount, txType,
	).Scan(&newBalance)
	if err != nil {
		return 0, fmt.Errorf("credit tokens: %w", err)
	}

	var (
		refType   *string
		refID     *string
		starsPaid *int64
		metadata  []byte
	)
	if ref.ReferenceType != "" {
		refType = &ref.ReferenceType
	}
	if ref.ReferenceID != "" {
		refID = &ref.ReferenceID
	}
	if ref.StarsPaid > 0 {
		starsPaid = &ref.StarsPaid
	}
	if len(ref.Metadata) > 0 {
		metadata, err = json.Marshal(ref.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode transaction metadata: %w", err)
		}
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO token_transactions (telegram_id, bot_id, type, amount, balance_after, reference_type, reference_id, stars_paid, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		telegramID, botID, txType, amount, newBalance, refType, refID, starsPaid, metadata,
	)
	if err != nil {
		return 0, fmt.Errorf("record credit: %w", err)
	}
	return newBalance, nil
}

func (r *tokenRepo) SeenReference(ctx context.Context, telegramID int64, botID, referenceType, referenceID string) (bool, error) {
	var seen bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM token_transactions
			WHERE telegram_id = $1 AND bot_id = $2
			  AND reference_type = $3 AND reference_id = $4
		)`,
		telegramID, botID, referenceType, referenceID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("%w: check transaction reference: %v", errs.ErrStoreUnavailable, err)
	}
	return seen, nil
}

func (r *tokenRepo) Transactions(ctx context.Context, telegramID int64, botID string, limit int) ([]store.TokenTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.q.Query(ctx, `
		SELECT id, telegram_id, bot_id, type, amount, balance_after,
		       reference_type, reference_id, stars_paid, metadata, created_at
		FROM token_transactions
		WHERE telegram_id = $1 AND bot_id = $2
		ORDER BY id DESC
		LIMIT $3`,
		telegramID, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []store.TokenTransaction
	for rows.Next() {
		var (
			t         store.TokenTransaction
			refType   *string
			refID     *string
			starsPaid *int64
			metadata  []byte
		)
		if err := rows.Scan(&t.ID, &t.TelegramID, &t.BotID, &t.Type, &t.Amount,
			&t.BalanceAfter, &refType, &refID, &starsPaid, &metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if refType != nil {
			t.ReferenceType = *refType
		}
		if refID != nil {
			t.ReferenceID = *refID
		}
		if starsPaid != nil {
			t.StarsPaid = *starsPaid
		}
		if len(metadata) > 0 {
			// Metadata is best effort bookkeeping, a bad blob should
			// not hide the transaction itself.
			_ = json.Unmarshal(metadata, &t.Metadata)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
