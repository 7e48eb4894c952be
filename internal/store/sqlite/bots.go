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

type botRepo struct {
	q querier
}

func (r *botRepo) Upsert(ctx context.Context, b store.Bot) error {
	now := time.Now().UTC()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO bots (bot_id, name, username, token_hash, mode, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id) DO UPDATE SET
			name = excluded.name,
			username = excluded.username,
			token_hash = excluded.token_hash,
			mode = excluded.mode,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		b.BotID, b.Name, b.Username, b.TokenHash, b.Mode, b.Enabled, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert bot %s: %w", b.BotID, err)
	}
	return nil
}

func (r *botRepo) Get(ctx context.Context, botID string) (store.Bot, error) {
	var b store.Bot
	err := r.q.QueryRowContext(ctx, `
		SELECT bot_id, name, username, token_hash, mode, enabled, created_at, updated_at, last_started_at
		FROM bots WHERE bot_id = ?`, botID,
	).Scan(&b.BotID, &b.Name, &b.Username, &b.TokenHash, &b.Mode, &b.Enabled,
		&b.CreatedAt, &b.UpdatedAt, &b.LastStartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Bot{}, errs.ErrBotNotFound
	}
	if err != nil {
		return store.Bot{}, fmt.Errorf("get bot %s: %w", botID, err)
	}
	return b, nil
}

func (r *botRepo) List(ctx context.Context) ([]store.Bot, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT bot_id, name, username, token_hash, mode, enabled, created_at, updated_at, last_started_at
		FROM bots ORDER BY bot_id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []store.Bot
	for rows.Next() {
		var b store.Bot
		if err := rows.Scan(&b.BotID, &b.Name, &b.Username, &b.TokenHash, &b.Mode,
			&b.Enabled, &b.CreatedAt, &b.UpdatedAt, &b.LastStartedAt); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (r *botRepo) TouchStarted(ctx context.Context, botID string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE bots SET last_started_at = ?, updated_at = ? WHERE bot_id = ?`,
		at.UTC(), time.Now().UTC(), botID,
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
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO bot_events (bot_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		botID, eventType, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record bot event: %w", err)
	}
	return nil
}

func (r *botRepo) RecentEvents(ctx context.Context, botID string, limit int) ([]store.BotEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, bot_id, event_type, payload, created_at
		FROM bot_events WHERE bot_id = ?
		ORDER BY id DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("list bot events: %w", err)
	}
	defer rows.Close()

	var events []store.BotEvent
	for rows.Next() {
		var (
			e       store.BotEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.BotID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bot event: %w", err)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
