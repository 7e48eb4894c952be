package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

type userRepo struct {
	q querier
}

func (r *userRepo) Upsert(ctx context.Context, u store.BotUser) (bool, error) {
	now := time.Now().UTC()
	var interactions int64
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO bot_users (telegram_id, bot_id, username, first_name, last_name, language_code, first_seen_at, last_seen_at, interaction_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (telegram_id, bot_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			language_code = excluded.language_code,
			last_seen_at = excluded.last_seen_at,
			interaction_count = interaction_count + 1
		RETURNING interaction_count`,
		u.TelegramID, u.BotID, u.Username, u.FirstName, u.LastName, u.LanguageCode, now, now,
	).Scan(&interactions)
	if err != nil {
		return false, fmt.Errorf("upsert user %d for %s: %w", u.TelegramID, u.BotID, err)
	}
	// First contact leaves the insert's count of 1 untouched.
	return interactions == 1, nil
}

func (r *userRepo) Get(ctx context.Context, botID string, telegramID int64) (store.BotUser, error) {
	var u store.BotUser
	err := r.q.QueryRowContext(ctx, `
		SELECT telegram_id, bot_id, username, first_name, last_name, language_code,
		       first_seen_at, last_seen_at, interaction_count
		FROM bot_users WHERE bot_id = ? AND telegram_id = ?`,
		botID, telegramID,
	).Scan(&u.TelegramID, &u.BotID, &u.Username, &u.FirstName, &u.LastName,
		&u.LanguageCode, &u.FirstSeenAt, &u.LastSeenAt, &u.Interactions)
	if errors.Is(err, sql.ErrNoRows) {
		return store.BotUser{}, errs.ErrNotFound
	}
	if err != nil {
		return store.BotUser{}, fmt.Errorf("get user %d for %s: %w", telegramID, botID, err)
	}
	return u, nil
}

func (r *userRepo) Count(ctx context.Context, botID string) (int64, error) {
	var n int64
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bot_users WHERE bot_id = ?`, botID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users for %s: %w", botID, err)
	}
	return n, nil
}
