package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

type tokenRepo struct {
	q querier
}

func (r *tokenRepo) EnsureBalance(ctx context.Context, telegramID int64, botID string, freeTokens int64) (store.TokenBalance, bool, error) {
	now := time.Now().UTC()
	var b store.TokenBalance
	b.TelegramID = telegramID
	b.BotID = botID

	err := r.q.QueryRowContext(ctx, `
		INSERT INTO user_tokens (telegram_id, bot_id, balance, total_purchased, total_consumed, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT (telegram_id, bot_id) DO NOTHING
		RETURNING balance, total_purchased, total_consumed`,
		telegramID, botID, freeTokens, now, now,
	).Scan(&b.Balance, &b.TotalPurchased, &b.TotalConsumed)
	if err == nil {
		b.CreatedAt = now
		b.UpdatedAt = now
		if freeTokens > 0 {
			_, err = r.q.ExecContext(ctx, `
				INSERT INTO token_transactions (telegram_id, bot_id, type, amount, balance_after, reference_type, created_at)
				VALUES (?, ?, ?, ?, ?, 'signup_bonus', ?)`,
				telegramID, botID, store.TxGrant, freeTokens, freeTokens, now,
			)
			if err != nil {
				return store.TokenBalance{}, false, fmt.Errorf("record signup grant: %w", err)
			}
		}
		return b, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.TokenBalance{}, false, fmt.Errorf("ensure balance: %w", err)
	}

	err = r.q.QueryRowContext(ctx, `
		SELECT balance, total_purchased, total_consumed, created_at, updated_at
		FROM user_tokens WHERE telegram_id = ? AND bot_id = ?`,
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
	err := r.q.QueryRowContext(ctx, `
		SELECT balance, total_purchased, total_consumed, created_at, updated_at
		FROM user_tokens WHERE telegram_id = ? AND bot_id = ?`,
		telegramID, botID,
	).Scan(&b.Balance, &b.TotalPurchased, &b.TotalConsumed, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.TokenBalance{}, errs.ErrNotFound
	}
	if err != nil {
		return store.TokenBalance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (r *tokenRepo) Consume(ctx context.Context, telegramID int64, botID string, amount int64, action string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("consume amount must be positive, got %d", amount)
	}

	var newBalance int64
	err := r.q.QueryRowContext(ctx, `
		UPDATE user_tokens
		SET balance = balance - ?,
		    total_consumed = total_consumed + ?,
		    updated_at = ?
		WHERE telegram_id = ? AND bot_id = ? AND balance >= ?
		RETURNING balance`,
		amount, amount, time.Now().UTC(), telegramID, botID, amount,
	).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		var current int64
		selErr := r.q.QueryRowContext(ctx,
			`SELECT balance FROM user_tokens WHERE telegram_id = ? AND bot_id = ?`,
			telegramID, botID,
		).Scan(&current)
		if selErr != nil && !errors.Is(selErr, sql.ErrNoRows) {
			return 0, fmt.Errorf("read balance after failed consume: %w", selErr)
		}
		return 0, &errs.InsufficientTokensError{Required: amount, Available: current, Action: action}
	}
	if err != nil {
		return 0, fmt.Errorf("consume tokens: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO token_transactions (telegram_id, bot_id, type, amount, balance_after, reference_type, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, 'action', ?, ?)`,
		telegramID, botID, store.TxConsume, -amount, newBalance, action, time.Now().UTC(),
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
	now := time.Now().UTC()

	var newBalance int64
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO user_tokens (telegram_id, bot_id, balance, total_purchased, total_consumed, created_at, updated_at)
		VALUES (?, ?, ?, CASE WHEN ? = 'purchase' THEN ? ELSE 0 END, 0, ?, ?)
		ON CONFLICT (telegram_id, bot_id) DO UPDATE SET
			balance = balance + excluded.balance,
			total_purchased = total_purchased + excluded.total_purchased,
			updated_at = excluded.updated_at
		RETURNING balance`,
		telegramID, botID, amount, txType, amount, now, now,
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
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO token_transactions (telegram_id, bot_id, type, amount, balance_after, reference_type, reference_id, stars_paid, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		telegramID, botID, txType, amount, newBalance, refType, refID, starsPaid, metadata, now,
	)
	if err != nil {
		return 0, fmt.Errorf("record credit: %w", err)
	}
	return newBalance, nil
}

func (r *tokenRepo) SeenReference(ctx context.Context, telegramID int64, botID, referenceType, referenceID string) (bool, error) {
	var seen bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM token_transactions
			WHERE telegram_id = ? AND bot_id = ?
			  AND reference_type = ? AND reference_id = ?
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
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, telegram_id, bot_id, type, amount, balance_after,
		       reference_type, reference_id, stars_paid, metadata, created_at
		FROM token_transactions
		WHERE telegram_id = ? AND bot_id = ?
		ORDER BY id DESC
		LIMIT ?`,
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
			_ = json.Unmarshal(metadata, &t.Metadata)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
