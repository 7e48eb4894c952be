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

type statsRepo struct {
	q querier
}

// UpsertBucket folds one flush window into the hourly row. SQLite has
// no server-side JSON aggregate merge, so the command_usage map is
// merged here and written back; the surrounding immediate transaction
// keeps the read-modify-write atomic.
func (r *statsRepo) UpsertBucket(ctx context.Context, botID string, hour time.Time, d store.StatsDelta) error {
	if d.Zero() {
		return nil
	}
	hour = hour.UTC()
	now := time.Now().UTC()

	var (
		uniqueUsers int64
		rawUsage    []byte
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT unique_users, command_usage FROM bot_statistics
		WHERE bot_id = ? AND hour_bucket = ?`,
		botID, hour,
	).Scan(&uniqueUsers, &rawUsage)
	if errors.Is(err, sql.ErrNoRows) {
		usage, mErr := json.Marshal(nonNilUsage(d.CommandUsage))
		if mErr != nil {
			return fmt.Errorf("encode command usage: %w", mErr)
		}
		_, err = r.q.ExecContext(ctx, `
			INSERT INTO bot_statistics (
				bot_id, hour_bucket, message_count, command_count, callback_count,
				error_count, unique_users, new_users, command_usage, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			botID, hour, d.Messages, d.Commands, d.Callbacks,
			d.Errors, d.UniqueUsers, d.NewUsers, usage, now, now,
		)
		if err != nil {
			return fmt.Errorf("%w: insert stats for %s: %v", errs.ErrStoreUnavailable, botID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read stats for %s: %w", botID, err)
	}

	merged := map[string]int64{}
	if len(rawUsage) > 0 {
		if err := json.Unmarshal(rawUsage, &merged); err != nil {
			return fmt.Errorf("decode command usage: %w", err)
		}
	}
	for cmd, n := range d.CommandUsage {
		merged[cmd] += n
	}
	usage, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode command usage: %w", err)
	}
	if d.UniqueUsers > uniqueUsers {
		uniqueUsers = d.UniqueUsers
	}

	_, err = r.q.ExecContext(ctx, `
		UPDATE bot_statistics SET
			message_count = message_count + ?,
			command_count = command_count + ?,
			callback_count = callback_count + ?,
			error_count = error_count + ?,
			unique_users = ?,
			new_users = new_users + ?,
			command_usage = ?,
			updated_at = ?
		WHERE bot_id = ? AND hour_bucket = ?`,
		d.Messages, d.Commands, d.Callbacks, d.Errors,
		uniqueUsers, d.NewUsers, usage, now, botID, hour,
	)
	if err != nil {
		return fmt.Errorf("%w: update stats for %s: %v", errs.ErrStoreUnavailable, botID, err)
	}
	return nil
}

func (r *statsRepo) Bucket(ctx context.Context, botID string, hour time.Time) (store.StatsBucket, error) {
	var (
		b     store.StatsBucket
		usage []byte
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT bot_id, hour_bucket, message_count, command_count, callback_count,
		       error_count, unique_users, new_users, command_usage
		FROM bot_statistics WHERE bot_id = ? AND hour_bucket = ?`,
		botID, hour.UTC(),
	).Scan(&b.BotID, &b.HourBucket, &b.Messages, &b.Commands, &b.Callbacks,
		&b.Errors, &b.UniqueUsers, &b.NewUsers, &usage)
	if errors.Is(err, sql.ErrNoRows) {
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
	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(message_count), 0),
		       COALESCE(SUM(command_count), 0),
		       COALESCE(SUM(callback_count), 0),
		       COALESCE(SUM(error_count), 0),
		       COALESCE(SUM(new_users), 0),
		       COALESCE(MAX(unique_users), 0)
		FROM bot_statistics WHERE bot_id = ? AND hour_bucket >= ?`,
		botID, since.UTC(),
	).Scan(&s.Messages, &s.Commands, &s.Callbacks, &s.Errors, &s.NewUsers, &s.PeakUniqueUsers)
	if err != nil {
		return store.StatsSummary{}, fmt.Errorf("stats summary for %s: %w", botID, err)
	}
	return s, nil
}

func (r *statsRepo) HourlyPattern(ctx context.Context, botID string, since time.Time) ([]store.HourlyActivity, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT CAST(strftime('%H', hour_bucket) AS INTEGER) AS hour_of_day,
		       COALESCE(SUM(message_count), 0)
		FROM bot_statistics
		WHERE bot_id = ? AND hour_bucket >= ?
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
	rows, err := r.q.QueryContext(ctx, `
		SELECT je.key, SUM(CAST(je.value AS INTEGER)) AS total
		FROM bot_statistics, json_each(COALESCE(command_usage, '{}')) AS je
		WHERE bot_id = ? AND hour_bucket >= ?
		GROUP BY je.key
		ORDER BY total DESC
		LIMIT ?`,
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
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM bot_statistics WHERE hour_bucket < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune stats: %w", err)
	}
	return res.RowsAffected()
}

func nonNilUsage(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
