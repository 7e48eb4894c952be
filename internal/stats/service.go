package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/multibot-io/multibot/internal/store"
)

// Service answers aggregate questions over the hourly buckets and
// prunes the ones past the retention window.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Daily sums the buckets of the trailing 24 hours.
func (s *Service) Daily(ctx context.Context, botID string) (store.StatsSummary, error) {
	return s.Summary(ctx, botID, time.Now().UTC().Add(-24*time.Hour))
}

// Summary sums the buckets written since the given time.
func (s *Service) Summary(ctx context.Context, botID string, since time.Time) (store.StatsSummary, error) {
	var sum store.StatsSummary
	err := s.store.WithSession(ctx, func(sess store.Session) error {
		var err error
		sum, err = sess.Stats().SummarySince(ctx, botID, since)
		return err
	})
	return sum, err
}

// WeeklyPattern groups the trailing seven days by hour of day.
func (s *Service) WeeklyPattern(ctx context.Context, botID string) ([]store.HourlyActivity, error) {
	var pattern []store.HourlyActivity
	err := s.store.WithSession(ctx, func(sess store.Session) error {
		var err error
		pattern, err = sess.Stats().HourlyPattern(ctx, botID, time.Now().UTC().Add(-7*24*time.Hour))
		return err
	})
	return pattern, err
}

// TopCommands ranks command usage over the trailing days.
func (s *Service) TopCommands(ctx context.Context, botID string, days, limit int) ([]store.CommandCount, error) {
	if days <= 0 {
		days = 7
	}
	var top []store.CommandCount
	err := s.store.WithSession(ctx, func(sess store.Session) error {
		var err error
		top, err = sess.Stats().TopCommands(ctx, botID, time.Now().UTC().AddDate(0, 0, -days), limit)
		return err
	})
	return top, err
}

// CleanupOldStats deletes buckets older than retentionDays and reports
// how many rows went.
func (s *Service) CleanupOldStats(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	var pruned int64
	err := s.store.WithSession(ctx, func(sess store.Session) error {
		var err error
		pruned, err = sess.Stats().DeleteOlderThan(ctx, cutoff)
		return err
	})
	return pruned, err
}

// RunRetention sleeps until each tick of the cron schedule and prunes
// old buckets. It returns when ctx is cancelled.
func (s *Service) RunRetention(ctx context.Context, schedule string, retentionDays int) error {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return fmt.Errorf("invalid stats retention schedule %q", schedule)
	}
	for {
		next, err := gronx.NextTickAfter(schedule, time.Now(), false)
		if err != nil {
			return fmt.Errorf("compute next retention tick: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}
		pruned, err := s.CleanupOldStats(ctx, retentionDays)
		if err != nil {
			slog.Warn("stats retention sweep failed", "error", err)
			continue
		}
		if pruned > 0 {
			slog.Info("pruned old stats buckets", "rows", pruned, "retention_days", retentionDays)
		}
	}
}
