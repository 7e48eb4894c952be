package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

type botRepo struct {
	q querier
}

func (r *botRepo) Upsert(ctx context.Context, b store.Bot) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO bots (bot_id, name, username, token_hash, mode, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (bot_id) DO UPDATE SET
			name       = EXCLUDED.name,
			username   = EXCLUDED.username,
			token_hash = EXCLUDED.token_hash,
			mode       = EXCLUDED.mode,
			enabled    = EXCLUDED.enabled,
			updated_at = NOW()`,
		b.BotID, b.Name, b.Username, b.TokenHash, b.Mode, b.Enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert bot %s: %w", b.BotID, err)
	}
	return nil
}

func (r *botRepo) Get(ctx context.Context, botID string) (store.Bot, error) {
	var b store.Bot
	err := r.q.QueryRow(ctx, `
		SELECT bot_id, name, username, token_hash, mode, enabled, created_at, updated_at, last_started_at
		FROM bots WHERE bot_id = $1`, botID,
	).Scan(&b.BotID, &b.Name, &b.Username, &b.TokenHash, &b.Mode, &b.Enabled,
		&b.CreatedAt, &b.UpdatedAt, &b.LastStartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Bot{}, errs.ErrNotFound
	}
	if err != nil {
		return store.Bot{}, fmt.Errorf("get bot %s: %w", botID, err)
	}
	return b, nil
}

func (r *botRepo) List(ctx context.Context) ([]store.Bot, error) {
	rows, err := r.q.Query(ctx, `
		SELECT bot_id, name, username, token_hash, mode, enabled, created_at, updated_at, last_started_at
		FROM bots ORDER BY bot_id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []store.Bot
	for rows.Next() {
		var b store.Bot
		if err := rows.Scan(&b.BotID, &b.Name, &b.Username, &b.TokenHash, &b.Mode, &b.Enabled,
			&b.CreatedAt, &b.UpdatedAt, &b.LastStartedAt); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (r *botRepo) TouchStarted(ctx context.Context, botID string, at time.Time) error {
	_, err := r.q.Exec(ctx,
		`UPDATE bots SET last_started_at = $2, updated_at = NOW() WHERE bot_id = $1`,
		botID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("touch bot %s: %w", botID, err)
	}
	return nil
}

func (r *botRepo) RecordEvent(ctx context.Context, botID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = r.q.Exec(ctx,
		`INSERT INTO bot_events (bot_id, event_type, payload, created_at) VALUES ($1, $2, $3, NOW())`,
		botID, eventType, data,
	)
	if err != nil {
		return fmt.Errorf("record event %s for %s: %w", eventType, botID, err)
	}
	return nil
}

func (r *botRepo) RecentEvents(ctx context.Context, botID string, limit int) ([]store.BotEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.q.Query(ctx, `
		SELECT id, bot_id, event_type, payload, created_at
		FROM bot_events WHERE bot_id = $1 ORDER BY id DESC LIMIT $2`,
		botID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events for %s: %w", botID, err)
	}
	defer rows.Close()

	var events []store.BotEvent
	for rows.Next() {
		var (
			e    store.BotEvent
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.BotID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &e.Payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
