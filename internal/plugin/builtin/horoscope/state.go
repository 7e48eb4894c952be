package horoscope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/multibot-io/multibot/internal/errs"
	"github.com/multibot-io/multibot/internal/store"
)

const pluginName = "horoscope"

// Subscription is one user's daily delivery slot. Hour and Minute are
// UTC.
type Subscription struct {
	TelegramID int64     `json:"telegram_id"`
	Sign       string    `json:"sign"`
	Hour       int       `json:"hour"`
	Minute     int       `json:"minute"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// cachedHoroscope is the stored shape of one generated text.
type cachedHoroscope struct {
	Horoscope string    `json:"horoscope"`
	Sign      string    `json:"sign"`
	Date      string    `json:"date"`
	CachedAt  time.Time `json:"cached_at"`
}

// state keeps the plugin's documents in the shared plugin-state table:
// cache entries under cache_<sign>_<date>, subscriptions under
// sub_<telegram_id>.
type state struct {
	store store.Store
	botID string
}

func cacheKey(sign Sign, day time.Time) string {
	return fmt.Sprintf("cache_%s_%s", sign.Key(), day.Format("2006-01-02"))
}

func subKey(telegramID int64) string {
	return fmt.Sprintf("sub_%d", telegramID)
}

func (st *state) get(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := st.store.WithSession(ctx, func(s store.Session) error {
		var err error
		raw, err = s.PluginState().Get(ctx, st.botID, pluginName, key)
		return err
	})
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode plugin state %q: %w", key, err)
	}
	return true, nil
}

func (st *state) set(ctx context.Context, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode plugin state %q: %w", key, err)
	}
	return st.store.WithSession(ctx, func(s store.Session) error {
		return s.PluginState().Set(ctx, st.botID, pluginName, key, raw)
	})
}

// CachedText returns the stored horoscope for a sign and day, if any.
func (st *state) CachedText(ctx context.Context, sign Sign, day time.Time) (string, bool, error) {
	var doc cachedHoroscope
	ok, err := st.get(ctx, cacheKey(sign, day), &doc)
	if err != nil || !ok {
		return "", false, err
	}
	return doc.Horoscope, doc.Horoscope != "", nil
}

// CacheText stores a generated horoscope for a sign and day.
func (st *state) CacheText(ctx context.Context, sign Sign, day time.Time, text string) error {
	return st.set(ctx, cacheKey(sign, day), cachedHoroscope{
		Horoscope: text,
		Sign:      sign.Name,
		Date:      day.Format("2006-01-02"),
		CachedAt:  time.Now().UTC(),
	})
}

// Subscription loads one user's subscription.
func (st *state) Subscription(ctx context.Context, telegramID int64) (Subscription, bool, error) {
	var sub Subscription
	ok, err := st.get(ctx, subKey(telegramID), &sub)
	return sub, ok, err
}

// SaveSubscription creates or replaces a subscription.
func (st *state) SaveSubscription(ctx context.Context, sub Subscription) error {
	return st.set(ctx, subKey(sub.TelegramID), sub)
}

// DeleteSubscription removes a subscription, reporting whether one
// existed.
func (st *state) DeleteSubscription(ctx context.Context, telegramID int64) (bool, error) {
	_, ok, err := st.Subscription(ctx, telegramID)
	if err != nil || !ok {
		return false, err
	}
	err = st.store.WithSession(ctx, func(s store.Session) error {
		return s.PluginState().Delete(ctx, st.botID, pluginName, subKey(telegramID))
	})
	return err == nil, err
}

// Deactivate marks a subscription inactive, used when delivery is
// refused because the user blocked the bot.
func (st *state) Deactivate(ctx context.Context, telegramID int64) error {
	sub, ok, err := st.Subscription(ctx, telegramID)
	if err != nil || !ok {
		return err
	}
	sub.Active = false
	return st.SaveSubscription(ctx, sub)
}

// ActiveSubscriptions lists every active subscription of this bot.
func (st *state) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	var all map[string][]byte
	err := st.store.WithSession(ctx, func(s store.Session) error {
		var err error
		all, err = s.PluginState().List(ctx, st.botID, pluginName)
		return err
	})
	if err != nil {
		return nil, err
	}

	var subs []Subscription
	for key, raw := range all {
		if !strings.HasPrefix(key, "sub_") {
			continue
		}
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			continue
		}
		if sub.Active {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// PruneCache deletes cache entries older than keepDays and reports how
// many went.
func (st *state) PruneCache(ctx context.Context, keepDays int) (int, error) {
	var all map[string][]byte
	err := st.store.WithSession(ctx, func(s store.Session) error {
		var err error
		all, err = s.PluginState().List(ctx, st.botID, pluginName)
		return err
	})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays).Format("2006-01-02")
	removed := 0
	for key := range all {
		if !strings.HasPrefix(key, "cache_") {
			continue
		}
		// cache_<sign>_<date>, date sorts lexicographically.
		idx := strings.LastIndex(key, "_")
		if idx < 0 || key[idx+1:] >= cutoff {
			continue
		}
		err := st.store.WithSession(ctx, func(s store.Session) error {
			return s.PluginState().Delete(ctx, st.botID, pluginName, key)
		})
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
