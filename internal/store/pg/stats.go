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

type statsRepo struct {
	q querier
}

// UpsertBucket folds one flush window into the hourly row. Counter
// columns add, unique_users keeps the high-water mark, and the
// command_usage JSON merges by summing per-key values.
func (r *statsRepo) UpsertBucket(ctx context.Context, botID string, hour time.Time, d store.StatsDelta) error {
	if d.Zero() {
		return nil
	}
	usage, err := json.Marshal(nonNilUsage(d.CommandUsage))
	if err != nil {
		return fmt.Errorf("encode command usage: %w", err)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO bot_statistics (
			bot_id, hour_bucket, message_count, command_count, callback_count,
			error_count, unique_users, new_users, command_usage, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (bot_id, hour_bucket) DO UPDATE SET
			message_count  = bot_statistics.message_count  + EXCLUDED.message_count,
			command_count  = bot_statistics.command_count  + EXCLUDED.command_count,
			callback_count = bot_statistics.callback_count + EXCLUDED.callback_count,
			error_count    = bot_statistics.error_count    + EXCLUDED.error_count,
			unique_users   = GREATEST(bot_statistics.unique_users, EXCLUDED.unique_users),
			new_users      = bot_statistics.new_users + EXCLUDED.new_users,
			command_usage  = (
				SELECT COALESCE(jsonb_object_agg(key, total), '{}'::jsonb)
				FROM (
					SELECT key, SUM(value::bigint) AS total
					FROM (
						SELECT key, value
						FROM jsonb_each_text(COALESCE(bot_statistics.command_usage, '{}'::jsonb))
						UNION ALL
						SELECT key, value
						FROM jsonb_each_text(EXCLUDED.command_usage)
					) kv
					GROUP BY key
				) merged
			),
			updated_at = NOW()`,
		botID, hour.UTC(), d.Messages, d.Commands, d.Callbacks,
		d.Errors, d.UniqueUsers, d.NewUsers, usage,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert stats for %s: %v", errs.ErrStoreUnavailable, botID, err)
	}
	return nil
}

func (r *statsRepo) Bucket(ctx context.Context, botID string, hour time.Time) (store.StatsBucket, error) {
	var (
		b     store.StatsBucket
		usage []byte
	)
	err := r.q.QueryRow(ctx, `
		SELECT bot_id, hour_bucket, message_count, command_count, callback_count,
		       error_count, unique_users, new_users, command_usage
		FROM bot_statistics WHERE bot_id = $1 AND hour_bucket = $2`,
		botID, hour.UTC(),
	).Scan(&b.BotID, &b.HourBucket, &b.Messages, &b.Commands, &b.Callbacks,
		&b.Errors, &b.UniqueUsers, &b.NewUsers, &usage)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.StatsBucket{}, errs.ErrNotFound
	}
	if err != nil {
		return store.StatsBucket{}, fmt.Errorf("get stats bucket: %w", err)
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &b.CommandUsage); err != nil {
			return store.StatsBucket{}, fmt.Errorf("decode command usage: %w", err)
		}
	}
	return b, nil
}

func (r *statsRepo) SummarySince(ctx context.Context, botID string, since time.Time) (store.StatsSummary, error) {
	var s store.StatsSummary
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(message_count), 0),
		       COALESCE(SUM(command_count), 0),
		       COALESCE(SUM(callback_count), 0),
		       COALESCE(SUM(error_count), 0),
		       COALESCE(SUM(new_users), 0),
		       COALESCE(MAX(unique_users), 0)
		FROM bot_statistics WHERE bot_id = $1 AND hour_bucket >= $2`,
		botID, since.UTC(),
	).Scan(&s.Messages, &s.Commands, &s.Callbacks, &s.Errors, &s.NewUsers, &s.PeakUniqueUsers)
	if err != nil {
		return store.StatsSummary{}, fmt.Errorf("stats summary for %s: %w", botID, err)
	}
	return s, nil
}

func (r *statsRepo) HourlyPattern(ctx context.Context, botID string, since time.Time) ([]store.HourlyActivity, error) {
	rows, err := r.q.Query(ctx, `
		SELECT EXTRACT(HOUR FROM hour_bucket)::int AS hour_of_day,
		       COALESCE(SUM(message_count), 0)
		FROM bot_statistics
		WHERE bot_id = $1 AND hour_bucket >= $2
		GROUP BY hour_of_day
		ORDER BY hour_of_day`,
		botID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("hourly pattern for %s: %w", botID, err)
	}
	defer rows.Close()

	var pattern []store.HourlyActivity
	for rows.Next() {
		var h store.HourlyActivity
		if err := rows.Scan(&h.HourOfDay, &h.Messages); err != nil {
			return nil, fmt.Errorf("scan hourly activity: %w", err)
		}
		pattern = append(pattern, h)
	}
	return pattern, rows.Err()
}

func (r *statsRepo) TopCommands(ctx context.Context, botID string, since time.Time, limit int) ([]store.CommandCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.q.Query(ctx, `
		SELECT usage.key, SUM(usage.value::bigint) AS total
		FROM bot_statistics,
		     jsonb_each_text(COALESCE(command_usage, '{}'::jsonb)) AS usage
		WHERE bot_id = $1 AND hour_bucket >= $2
		GROUP BY usage.key
		ORDER BY total DESC
		LIMIT $3`,
		botID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("top commands for %s: %w", botID, err)
	}
	defer rows.Close()

	var top []store.CommandCount
	for rows.Next() {
		var c store.CommandCount
		if err := rows.Scan(&c.Command, &c.Count); err != nil {
			return nil, fmt.Errorf("scan command count: %w", err)
		}
		top = append(top, c)
	}
	return top, rows.Err()
}

func (r *statsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx,
		`DELETE FROM bot_statistics WHERE hour_bucket < $1`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune stats: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nonNilUsage(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
