// Package pg implements the store gateway on PostgreSQL via pgxpool.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

// Config shapes the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Store holds the shared pool. One Store serves every bot in the
// process.
type Store struct {
	pool *pgxpool.Pool
}

// Open parses the DSN, builds the pool, and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return &Store{pool: pool}, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the
// repositories run unchanged inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type session struct {
	q querier
}

func (s *session) Bots() store.BotRepo               { return &botRepo{q: s.q} }
func (s *session) Users() store.UserRepo             { return &userRepo{q: s.q} }
func (s *session) PluginState() store.PluginStateRepo { return &pluginStateRepo{q: s.q} }
func (s *session) Stats() store.StatsRepo            { return &statsRepo{q: s.q} }
func (s *session) Tokens() store.TokenRepo           { return &tokenRepo{q: s.q} }

// WithSession runs fn inside a transaction, committing on clean return
// and rolling back on error or panic.
func (s *Store) WithSession(ctx context.Context, fn func(store.Session) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", errs.ErrStoreUnavailable, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(&session{q: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("session error: %w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

// Health pings the database with a short deadline.
func (s *Store) Health(ctx context.Context) store.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return store.HealthStatus{Healthy: false, Error: err.Error()}
	}
	return store.HealthStatus{Healthy: true, Latency: time.Since(start)}
}

// PoolStat exposes the pool gauges for /metrics.
func (s *Store) PoolStat() store.PoolStat {
	st := s.pool.Stat()
	return store.PoolStat{
		Size:  st.MaxConns(),
		Free:  st.IdleConns(),
		InUse: st.AcquiredConns(),
	}
}

// Close drains the pool.
func (s *Store) Close() {
	s.pool.Close()
}
