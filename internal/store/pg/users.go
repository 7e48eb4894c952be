package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

type userRepo struct {
	q querier
}

// Upsert inserts or refreshes the profile row. interaction_count is 1
// exactly when the row was just created, which doubles as the
// first-contact signal.
func (r *userRepo) Upsert(ctx context.Context, u store.BotUser) (bool, error) {
	var interactions int64
	err := r.q.QueryRow(ctx, `
		INSERT INTO bot_users (
			telegram_id, bot_id, username, first_name, last_name, language_code,
			first_seen_at, last_seen_at, interaction_count
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), 1)
		ON CONFLICT (telegram_id, bot_id) DO UPDATE SET
			username          = EXCLUDED.username,
			first_name        = EXCLUDED.first_name,
			last_name         = EXCLUDED.last_name,
			language_code     = EXCLUDED.language_code,
			last_seen_at      = NOW(),
			interaction_count = bot_users.interaction_count + 1
		RETURNING interaction_count`,
		u.TelegramID, u.BotID, u.Username, u.FirstName, u.LastName, u.LanguageCode,
	).Scan(&interactions)
	if err != nil {
		return false, fmt.Errorf("upsert user %d for %s: %w", u.TelegramID, u.BotID, err)
	}
	return interactions == 1, nil
}

func (r *userRepo) Get(ctx context.Context, botID string, telegramID int64) (store.BotUser, error) {
	var u store.BotUser
	err := r.q.QueryRow(ctx, `
		SELECT telegram_id, bot_id, username, first_name, last_name, language_code,
		       first_seen_at, last_seen_at, interaction_count
		FROM bot_users WHERE bot_id = $1 AND telegram_id = $2`,
		botID, telegramID,
	).Scan(&u.TelegramID, &u.BotID, &u.Username, &u.FirstName, &u.LastName, &u.LanguageCode,
		&u.FirstSeenAt, &u.LastSeenAt, &u.Interactions)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.BotUser{}, errs.ErrNotFound
	}
	if err != nil {
		return store.BotUser{}, fmt.Errorf("get user %d for %s: %w", telegramID, botID, err)
	}
	return u, nil
}

func (r *userRepo) Count(ctx context.Context, botID string) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM bot_users WHERE bot_id = $1`, botID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count users for %s: %w", botID, err)
	}
	return n, nil
}
