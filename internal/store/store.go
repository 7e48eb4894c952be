// Package store defines the persistence gateway shared by every bot.
// Backends live in the pg and sqlite subpackages; callers only depend
// on the interfaces here.
package store

import (
	"context"
	"time"
)

// Store is the process-wide gateway to the database. One Store serves
// all bots; each request scopes its own Session.
type Store interface {
	// WithSession runs fn inside a transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	WithSession(ctx context.Context, fn func(Session) error) error
	Health(ctx context.Context) HealthStatus
	PoolStat() PoolStat
	Close()
}

// Session is a transactional view over the repositories. Repositories
// obtained from one Session share its transaction.
type Session interface {
	Bots() BotRepo
	Users() UserRepo
	PluginState() PluginStateRepo
	Stats() StatsRepo
	Tokens() TokenRepo
}

// HealthStatus reports the outcome of a connectivity probe.
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
	Error   string
}

// PoolStat mirrors the connection pool gauges exposed on /metrics.
type PoolStat struct {
	Size  int32
	Free  int32
	InUse int32
}

// BotRepo persists bot registrations and lifecycle events.
type BotRepo interface {
	Upsert(ctx context.Context, b Bot) error
	Get(ctx context.Context, botID string) (Bot, error)
	List(ctx context.Context) ([]Bot, error)
	TouchStarted(ctx context.Context, botID string, at time.Time) error
	RecordEvent(ctx context.Context, botID, eventType string, payload map[string]any) error
	RecentEvents(ctx context.Context, botID string, limit int) ([]BotEvent, error)
}

// UserRepo tracks per-bot Telegram user profiles.
type UserRepo interface {
	// Upsert records a sighting and reports whether this was the user's
	// first contact with the bot.
	Upsert(ctx context.Context, u BotUser) (isNew bool, err error)
	Get(ctx context.Context, botID string, telegramID int64) (BotUser, error)
	Count(ctx context.Context, botID string) (int64, error)
}

// PluginStateRepo is the scoped key/value scratch space for plugins.
// Values are raw JSON documents.
type PluginStateRepo interface {
	Get(ctx context.Context, botID, plugin, key string) ([]byte, error)
	Set(ctx context.Context, botID, plugin, key string, value []byte) error
	Delete(ctx context.Context, botID, plugin, key string) error
	DeleteAll(ctx context.Context, botID, plugin string) error
	List(ctx context.Context, botID, plugin string) (map[string][]byte, error)
}

// StatsRepo stores hourly interaction buckets.
type StatsRepo interface {
	// UpsertBucket folds a delta into the (botID, hour) row. Counters
	// add, unique_users takes the max, command_usage merges key-wise.
	UpsertBucket(ctx context.Context, botID string, hour time.Time, d StatsDelta) error
	Bucket(ctx context.Context, botID string, hour time.Time) (StatsBucket, error)
	SummarySince(ctx context.Context, botID string, since time.Time) (StatsSummary, error)
	HourlyPattern(ctx context.Context, botID string, since time.Time) ([]HourlyActivity, error)
	TopCommands(ctx context.Context, botID string, since time.Time, limit int) ([]CommandCount, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenRepo is the billing ledger. Every mutating call writes exactly
// one balance update and one transaction row; callers run it inside a
// Session so the pair commits atomically.
type TokenRepo interface {
	// EnsureBalance creates the balance row with freeTokens on first
	// contact, logging a signup grant. Reports whether it created one.
	EnsureBalance(ctx context.Context, telegramID int64, botID string, freeTokens int64) (TokenBalance, bool, error)
	Balance(ctx context.Context, telegramID int64, botID string) (TokenBalance, error)
	// Consume debits atomically. When balance < amount it fails with
	// InsufficientTokens and writes nothing.
	Consume(ctx context.Context, telegramID int64, botID string, amount int64, action string) (int64, error)
	// Credit adds tokens. TxPurchase also advances total_purchased.
	Credit(ctx context.Context, telegramID int64, botID string, amount int64, txType string, ref CreditRef) (int64, error)
	// SeenReference reports whether a transaction with this reference
	// was already logged. Payment replays check it before crediting.
	SeenReference(ctx context.Context, telegramID int64, botID, referenceType, referenceID string) (bool, error)
	Transactions(ctx context.Context, telegramID int64, botID string, limit int) ([]TokenTransaction, error)
}
