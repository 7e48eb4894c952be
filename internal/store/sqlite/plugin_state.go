package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/multibot-io/multibot/internal/errs"
)

type pluginStateRepo struct {
	q querier
}

func (r *pluginStateRepo) Get(ctx context.Context, botID, plugin, key string) ([]byte, error) {
	var value []byte
	err := r.q.QueryRowContext(ctx, `
		SELECT state_value FROM plugin_states
		WHERE bot_id = ? AND plugin_name = ? AND state_key = ?`,
		botID, plugin, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plugin state %s/%s: %w", plugin, key, err)
	}
	return value, nil
}

func (r *pluginStateRepo) Set(ctx context.Context, botID, plugin, key string, value []byte) error {
	now := time.Now().UTC()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO plugin_states (bot_id, plugin_name, state_key, state_value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id, plugin_name, state_key) DO UPDATE SET
			state_value = excluded.state_value,
			updated_at = excluded.updated_at`,
		botID, plugin, key, value, now, now,
	)
	if err != nil {
		return fmt.Errorf("set plugin state %s/%s: %w", plugin, key, err)
	}
	return nil
}

func (r *pluginStateRepo) Delete(ctx context.Context, botID, plugin, key string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM plugin_states
		WHERE bot_id = ? AND plugin_name = ? AND state_key = ?`,
		botID, plugin, key,
	)
	if err != nil {
		return fmt.Errorf("delete plugin state %s/%s: %w", plugin, key, err)
	}
	return nil
}

func (r *pluginStateRepo) DeleteAll(ctx context.Context, botID, plugin string) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM plugin_states WHERE bot_id = ? AND plugin_name = ?`,
		botID, plugin,
	)
	if err != nil {
		return fmt.Errorf("clear plugin state %s: %w", plugin, err)
	}
	return nil
}

func (r *pluginStateRepo) List(ctx context.Context, botID, plugin string) (map[string][]byte, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT state_key, state_value FROM plugin_states
		WHERE bot_id = ? AND plugin_name = ?`,
		botID, plugin)
	if err != nil {
		return nil, fmt.Errorf("list plugin state %s: %w", plugin, err)
	}
	defer rows.Close()

	states := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan plugin state: %w", err)
		}
		states[key] = value
	}
	return states, rows.Err()
}
