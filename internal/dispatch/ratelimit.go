package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucketIdleEviction is how long an idle user's bucket survives before
// the sweep drops it.
const bucketIdleEviction = 5 * time.Minute

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	notified bool
}

// userLimiter admits updates per user through a continuous-refill
// token bucket. One mutex guards the whole map; the critical section
// is short enough that finer locking buys nothing here.
type userLimiter struct {
	mu        sync.Mutex
	buckets   map[int64]*userBucket
	perSecond rate.Limit
	burst     int
	lastSweep time.Time
}

func newUserLimiter(ratePerMin, burst int) *userLimiter {
	if ratePerMin <= 0 {
		ratePerMin = 30
	}
	if burst <= 0 {
		burst = 10
	}
	return &userLimiter{
		buckets:   make(map[int64]*userBucket),
		perSecond: rate.Limit(float64(ratePerMin) / 60.0),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// allow admits or drops an update from userID. notify reports whether
// the caller should send the one-shot throttle notice; it re-arms on
// the next admit so a user hears about it once per dry spell.
func (l *userLimiter) allow(userID int64) (admitted, notify bool) {
	return l.allowAt(time.Now(), userID)
}

func (l *userLimiter) allowAt(now time.Time, userID int64) (admitted, notify bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= bucketIdleEviction {
		for id, b := range l.buckets {
			if now.Sub(b.lastSeen) >= bucketIdleEviction {
				delete(l.buckets, id)
			}
		}
		l.lastSweep = now
	}

	b := l.buckets[userID]
	if b == nil {
		b = &userBucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		b.notified = false
		return true, false
	}
	if !b.notified {
		b.notified = true
		return false, true
	}
	return false, false
}

func (l *userLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
