// Package sqlite backs the store with a single-file database for
// standalone deployments. It speaks the same repository interfaces as
// the pg backend; callers pick one at startup from the database URL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

type Config struct {
	// DSN accepts "sqlite:///path/to.db", "sqlite://path/to.db" or a
	// raw "file:" URI. Driver pragmas are appended automatically.
	DSN      string
	MaxConns int
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return &Store{db: db}, nil
}

// dsn normalizes the configured URL into a modernc file URI. The
// _txlock and _pragma options apply per pooled connection, so they
// must ride on the DSN rather than a one-off Exec.
func dsn(raw string) string {
	path := raw
	switch {
	case strings.HasPrefix(raw, "sqlite://"):
		path = strings.TrimPrefix(raw, "sqlite://")
	case strings.HasPrefix(raw, "file:"):
		path = strings.TrimPrefix(raw, "file:")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep +
		"_txlock=immediate" +
		"&_time_format=sqlite" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// so each repository works both inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type session struct {
	q querier
}

func (s *session) Bots() store.BotRepo                { return &botRepo{q: s.q} }
func (s *session) Users() store.UserRepo              { return &userRepo{q: s.q} }
func (s *session) PluginState() store.PluginStateRepo { return &pluginStateRepo{q: s.q} }
func (s *session) Stats() store.StatsRepo             { return &statsRepo{q: s.q} }
func (s *session) Tokens() store.TokenRepo            { return &tokenRepo{q: s.q} }

func (s *Store) WithSession(ctx context.Context, fn func(store.Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", errs.ErrStoreUnavailable, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&session{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("session error: %w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Health(ctx context.Context) store.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	err := s.db.PingContext(ctx)
	status := store.HealthStatus{
		Healthy: err == nil,
		Latency: time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

func (s *Store) PoolStat() store.PoolStat {
	st := s.db.Stats()
	return store.PoolStat{
		Size:  int32(st.MaxOpenConnections),
		Free:  int32(st.Idle),
		InUse: int32(st.InUse),
	}
}

func (s *Store) Close() {
	_ = s.db.Close()
}

// DB exposes the underlying handle for migrations and diagnostics.
func (s *Store) DB() *sql.DB { return s.db }
