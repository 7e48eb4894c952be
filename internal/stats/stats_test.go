package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

type upsertCall struct {
	botID string
	hour  time.Time
	delta store.StatsDelta
}

type fakeStore struct {
	mu      sync.Mutex
	fail    map[string]int
	upserts []upsertCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{fail: make(map[string]int)}
}

func (f *fakeStore) WithSession(ctx context.Context, fn func(store.Session) error) error {
	return fn(&fakeSession{st: f})
}
func (f *fakeStore) Health(ctx context.Context) store.HealthStatus {
	return store.HealthStatus{Healthy: true}
}
func (f *fakeStore) PoolStat() store.PoolStat { return store.PoolStat{} }
func (f *fakeStore) Close()                   {}

type fakeSession struct{ st *fakeStore }

func (s *fakeSession) Bots() store.BotRepo                { return nil }
func (s *fakeSession) Users() store.UserRepo              { return nil }
func (s *fakeSession) PluginState() store.PluginStateRepo { return nil }
func (s *fakeSession) Stats() store.StatsRepo             { return &fakeStatsRepo{st: s.st} }
func (s *fakeSession) Tokens() store.TokenRepo            { return nil }

type fakeStatsRepo struct{ st *fakeStore }

func (r *fakeStatsRepo) UpsertBucket(ctx context.Context, botID string, hour time.Time, d store.StatsDelta) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if n := r.st.fail[botID]; n > 0 {
		r.st.fail[botID] = n - 1
		return errs.ErrStoreUnavailable
	}
	r.st.upserts = append(r.st.upserts, upsertCall{botID: botID, hour: hour, delta: d})
	return nil
}

func (r *fakeStatsRepo) Bucket(ctx context.Context, botID string, hour time.Time) (store.StatsBucket, error) {
	return store.StatsBucket{}, errs.ErrNotFound
}
func (r *fakeStatsRepo) SummarySince(ctx context.Context, botID string, since time.Time) (store.StatsSummary, error) {
	return store.StatsSummary{}, nil
}
func (r *fakeStatsRepo) HourlyPattern(ctx context.Context, botID string, since time.Time) ([]store.HourlyActivity, error) {
	return nil, nil
}
func (r *fakeStatsRepo) TopCommands(ctx context.Context, botID string, since time.Time, limit int) ([]store.CommandCount, error) {
	return nil, nil
}
func (r *fakeStatsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func TestCollectorAccumulates(t *testing.T) {
	c := NewCollector()
	c.RecordMessage("astro", 1)
	c.RecordMessage("astro", 2)
	c.RecordMessage("astro", 1)
	c.RecordCommand("astro", 3, "start")
	c.RecordCommand("astro", 3, "start")
	c.RecordCommand("astro", 1, "help")
	c.RecordCallback("astro", 4)
	c.RecordError("astro")
	c.RecordNewUser("astro")
	c.RecordMessage("quiz", 9)

	pending := c.drain()
	require.Len(t, pending, 2)

	d := pending["astro"].delta()
	assert.Equal(t, int64(3), d.Messages)
	assert.Equal(t, int64(3), d.Commands)
	assert.Equal(t, int64(1), d.Callbacks)
	assert.Equal(t, int64(1), d.Errors)
	assert.Equal(t, int64(1), d.NewUsers)
	assert.Equal(t, int64(4), d.UniqueUsers, "users 1,2,3,4 were seen")
	assert.Equal(t, map[string]int64{"start": 2, "help": 1}, d.CommandUsage)

	assert.Equal(t, int64(1), pending["quiz"].delta().Messages)
}

func TestCollectorIgnoresZeroUser(t *testing.T) {
	c := NewCollector()
	c.RecordMessage("astro", 0)
	d := c.drain()["astro"].delta()
	assert.Equal(t, int64(1), d.Messages)
	assert.Equal(t, int64(0), d.UniqueUsers)
}

func TestCollectorDrainClears(t *testing.T) {
	c := NewCollector()
	c.RecordMessage("astro", 1)
	require.Len(t, c.drain(), 1)
	assert.Empty(t, c.drain())
}

func TestCollectorRestoreMerges(t *testing.T) {
	c := NewCollector()
	c.RecordCommand("astro", 1, "start")
	drained := c.drain()["astro"]

	// Traffic lands between the failed flush and the restore.
	c.RecordCommand("astro", 2, "start")
	c.restore("astro", drained)

	d := c.drain()["astro"].delta()
	assert.Equal(t, int64(2), d.Commands)
	assert.Equal(t, int64(2), d.UniqueUsers)
	assert.Equal(t, map[string]int64{"start": 2}, d.CommandUsage)
}

func TestFlusherWritesHourBucket(t *testing.T) {
	st := newFakeStore()
	c := NewCollector()
	f := NewFlusher(c, st, time.Minute)

	c.RecordMessage("astro", 7)
	f.Flush(context.Background())

	require.Len(t, st.upserts, 1)
	call := st.upserts[0]
	assert.Equal(t, "astro", call.botID)
	assert.Equal(t, time.UTC, call.hour.Location())
	assert.Zero(t, call.hour.Minute())
	assert.Zero(t, call.hour.Second())
	assert.Equal(t, int64(1), call.delta.Messages)
}

func TestFlusherKeepsCountersOnFailure(t *testing.T) {
	st := newFakeStore()
	st.fail["astro"] = 1
	c := NewCollector()
	f := NewFlusher(c, st, time.Minute)

	c.RecordMessage("astro", 1)
	c.RecordMessage("astro", 2)
	c.RecordMessage("other", 5)

	f.Flush(context.Background())
	require.Len(t, st.upserts, 1, "healthy bot flushes even when another fails")
	assert.Equal(t, "other", st.upserts[0].botID)

	// More traffic before the retry.
	c.RecordMessage("astro", 3)

	f.Flush(context.Background())
	require.Len(t, st.upserts, 2)
	retry := st.upserts[1]
	assert.Equal(t, "astro", retry.botID)
	assert.Equal(t, int64(3), retry.delta.Messages, "failed counters carry into the retry")
	assert.Equal(t, int64(3), retry.delta.UniqueUsers)
}

func TestFlusherSkipsIdleTicks(t *testing.T) {
	st := newFakeStore()
	f := NewFlusher(NewCollector(), st, time.Minute)
	f.Flush(context.Background())
	assert.Empty(t, st.upserts)
}

func TestServiceRetentionRejectsBadSchedule(t *testing.T) {
	s := NewService(newFakeStore())
	err := s.RunRetention(context.Background(), "not a cron", 90)
	require.Error(t, err)
}
