package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/multibot-io/multibot/internal/errs"
)

type pluginStateRepo struct {
	q querier
}

func (r *pluginStateRepo) Get(ctx context.Context, botID, plugin, key string) ([]byte, error) {
	var value []byte
	err := r.q.QueryRow(ctx, `
		SELECT state_value FROM plugin_states
		WHERE bot_id = $1 AND plugin_name = $2 AND state_key = $3`,
		botID, plugin, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plugin state %s/%s/%s: %w", botID, plugin, key, err)
	}
	return value, nil
}

func (r *pluginStateRepo) Set(ctx context.Context, botID, plugin, key string, value []byte) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO plugin_states (bot_id, plugin_name, state_key, state_value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (bot_id, plugin_name, state_key) DO UPDATE SET
			state_value = EXCLUDED.state_value,
			updated_at  = NOW()`,
		botID, plugin, key, value,
	)
	if err != nil {
		return fmt.Errorf("set plugin state %s/%s/%s: %w", botID, plugin, key, err)
	}
	return nil
}

func (r *pluginStateRepo) Delete(ctx context.Context, botID, plugin, key string) error {
	_, err := r.q.Exec(ctx,
		`DELETE FROM plugin_states WHERE bot_id = $1 AND plugin_name = $2 AND state_key = $3`,
		botID, plugin, key,
	)
	if err != nil {
		return fmt.Errorf("delete plugin state %s/%s/%s: %w", botID, plugin, key, err)
	}
	return nil
}

func (r *pluginStateRepo) DeleteAll(ctx context.Context, botID, plugin string) error {
	_, err := r.q.Exec(ctx,
		`DELETE FROM plugin_states WHERE bot_id = $1 AND plugin_name = $2`,
		botID, plugin,
	)
	if err != nil {
		return fmt.Errorf("delete plugin states %s/%s: %w", botID, plugin, err)
	}
	return nil
}

func (r *pluginStateRepo) List(ctx context.Context, botID, plugin string) (map[string][]byte, error) {
	rows, err := r.q.Query(ctx, `
		SELECT state_key, state_value FROM plugin_states
		WHERE bot_id = $1 AND plugin_name = $2`,
		botID, plugin)
	if err != nil {
		return nil, fmt.Errorf("list plugin states %s/%s: %w", botID, plugin, err)
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
