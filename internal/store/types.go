package store

import "time"

// Bot lifecycle event types written to bot_events.
const (
	EventRegistered = "registered"
	EventStarted    = "started"
	EventStopped    = "stopped"
	EventReloaded   = "reloaded"
	EventErrored    = "errored"
)

// Token transaction types.
const (
	TxPurchase = "purchase"
	TxConsume  = "consume"
	TxGrant    = "grant"
	TxRefund   = "refund"
)

// Bot is one registered bot instance.
type Bot struct {
	BotID         string
	Name          string
	Username      string
	TokenHash     string
	Mode          string
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastStartedAt *time.Time
}

// BotEvent is an append-only lifecycle record.
type BotEvent struct {
	ID        int64
	BotID     string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// BotUser is a Telegram user as seen by one bot.
type BotUser struct {
	TelegramID   int64
	BotID        string
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
	Interactions int64
}

// StatsDelta is one flush window's worth of counters for a bot.
// UniqueUsers is the number of distinct users seen in the window.
type StatsDelta struct {
	Messages     int64
	Commands     int64
	Callbacks    int64
	Errors       int64
	NewUsers     int64
	UniqueUsers  int64
	CommandUsage map[string]int64
}

// Zero reports whether the delta carries nothing worth writing.
func (d StatsDelta) Zero() bool {
	return d.Messages == 0 && d.Commands == 0 && d.Callbacks == 0 &&
		d.Errors == 0 && d.NewUsers == 0 && d.UniqueUsers == 0 &&
		len(d.CommandUsage) == 0
}

// StatsBucket is one persisted (bot_id, hour) row.
type StatsBucket struct {
	BotID        string
	HourBucket   time.Time
	Messages     int64
	Commands     int64
	Callbacks    int64
	Errors       int64
	UniqueUsers  int64
	NewUsers     int64
	CommandUsage map[string]int64
}

// StatsSummary aggregates buckets over a period.
type StatsSummary struct {
	Messages        int64
	Commands        int64
	Callbacks       int64
	Errors          int64
	NewUsers        int64
	PeakUniqueUsers int64
}

// CommandCount is one entry of a top-commands ranking.
type CommandCount struct {
	Command string
	Count   int64
}

// HourlyActivity is the message volume for one hour of the day.
type HourlyActivity struct {
	HourOfDay int
	Messages  int64
}

// TokenBalance is the per-(user, bot) balance row.
type TokenBalance struct {
	TelegramID     int64
	BotID          string
	Balance        int64
	TotalPurchased int64
	TotalConsumed  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenTransaction is one append-only ledger row. Amount is positive
// for credits and negative for consumes; BalanceAfter snapshots the
// balance row as committed alongside it.
type TokenTransaction struct {
	ID            int64
	TelegramID    int64
	BotID         string
	Type          string
	Amount        int64
	BalanceAfter  int64
	ReferenceType string
	ReferenceID   string
	StarsPaid     int64
	Metadata      map[string]any
	CreatedAt     time.Time
}

// CreditRef carries the bookkeeping fields of a credit.
type CreditRef struct {
	ReferenceType string
	ReferenceID   string
	StarsPaid     int64
	Metadata      map[string]any
}
