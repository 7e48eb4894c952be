// Package stats accumulates per-bot activity counters in memory and
// periodically folds them into hourly database buckets.
package stats

import (
	"sync"

	"github.com/multibot-io/multibot/internal/store"
)

type botCounters struct {
	messages  int64
	commands  int64
	callbacks int64
	errors    int64
	newUsers  int64
	usage     map[string]int64
	seen      map[int64]struct{}
}

func newBotCounters() *botCounters {
	return &botCounters{
		usage: make(map[string]int64),
		seen:  make(map[int64]struct{}),
	}
}

func (bc *botCounters) delta() store.StatsDelta {
	return store.StatsDelta{
		Messages:     bc.messages,
		Commands:     bc.commands,
		Callbacks:    bc.callbacks,
		Errors:       bc.errors,
		NewUsers:     bc.newUsers,
		UniqueUsers:  int64(len(bc.seen)),
		CommandUsage: bc.usage,
	}
}

// Collector is the hot layer. Every mutation goes through one mutex;
// update volume is nowhere near the point where that lock matters.
type Collector struct {
	mu   sync.Mutex
	bots map[string]*botCounters
}

func NewCollector() *Collector {
	return &Collector{bots: make(map[string]*botCounters)}
}

func (c *Collector) counters(botID string) *botCounters {
	bc := c.bots[botID]
	if bc == nil {
		bc = newBotCounters()
		c.bots[botID] = bc
	}
	return bc
}

// RecordMessage counts a plain message from userID.
func (c *Collector) RecordMessage(botID string, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bc := c.counters(botID)
	bc.messages++
	bc.mark(userID)
}

// RecordCommand counts a command invocation. The command should arrive
// already normalized, without the slash or a @mention suffix.
func (c *Collector) RecordCommand(botID string, userID int64, command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bc := c.counters(botID)
	bc.commands++
	if command != "" {
		bc.usage[command]++
	}
	bc.mark(userID)
}

// RecordCallback counts a callback-query interaction.
func (c *Collector) RecordCallback(botID string, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bc := c.counters(botID)
	bc.callbacks++
	bc.mark(userID)
}

// RecordError counts a handler failure.
func (c *Collector) RecordError(botID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters(botID).errors++
}

// RecordNewUser counts a first-contact user.
func (c *Collector) RecordNewUser(botID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters(botID).newUsers++
}

func (bc *botCounters) mark(userID int64) {
	if userID != 0 {
		bc.seen[userID] = struct{}{}
	}
}

// drain moves all accumulated counters out, leaving the collector
// empty. The flusher owns the returned map.
func (c *Collector) drain() map[string]*botCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.bots
	c.bots = make(map[string]*botCounters)
	return out
}

// restore merges a drained bot's counters back after a failed flush so
// the next tick retries them. Counters recorded since the drain are
// preserved.
func (c *Collector) restore(botID string, bc *botCounters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.counters(botID)
	cur.messages += bc.messages
	cur.commands += bc.commands
	cur.callbacks += bc.callbacks
	cur.errors += bc.errors
	cur.newUsers += bc.newUsers
	for cmd, n := range bc.usage {
		cur.usage[cmd] += n
	}
	for id := range bc.seen {
		cur.seen[id] = struct{}{}
	}
}
