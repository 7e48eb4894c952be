// Package health serves the liveness, readiness, and metrics
// endpoints for the whole supervisor process.
package health

import (
	"context"
	"time"

	"github.com/multibot-io/multibot/internal/bots"
	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/store"
)

const (
	statusHealthy     = "healthy"
	statusDegraded    = "degraded"
	statusUnhealthy   = "unhealthy"
	statusUnavailable = "unavailable"
)

// DatabaseCheck is the database component of a health report.
type DatabaseCheck struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	PoolSize  int32  `json:"pool_size,omitempty"`
	PoolFree  int32  `json:"pool_free,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// BotsCheck is the fleet component of a health report.
type BotsCheck struct {
	Status  string `json:"status"`
	Total   int    `json:"total"`
	Running int    `json:"running"`
	Stopped int    `json:"stopped"`
	Errors  int    `json:"errors"`
}

func checkDatabase(ctx context.Context, st store.Store) DatabaseCheck {
	if st == nil {
		return DatabaseCheck{Status: statusUnavailable, Message: "database not configured"}
	}
	hs := st.Health(ctx)
	if !hs.Healthy {
		msg := hs.Error
		if msg == "" {
			msg = "health check failed"
		}
		return DatabaseCheck{Status: statusUnhealthy, Message: msg}
	}
	pool := st.PoolStat()
	return DatabaseCheck{
		Status:    statusHealthy,
		PoolSize:  pool.Size,
		PoolFree:  pool.Free,
		LatencyMS: hs.Latency.Milliseconds(),
	}
}

func checkBots(snaps []dispatch.BotSnapshot) BotsCheck {
	c := BotsCheck{Total: len(snaps)}
	for _, s := range snaps {
		switch s.State {
		case bots.StateRunning:
			c.Running++
		case bots.StateStopped:
			c.Stopped++
		case bots.StateError:
			c.Errors++
		}
	}
	switch {
	case c.Running > 0 && c.Errors == 0:
		c.Status = statusHealthy
	case c.Running > 0:
		c.Status = statusDegraded
	default:
		c.Status = statusUnhealthy
	}
	return c
}

// overall folds component statuses: any unhealthy wins over degraded,
// all healthy reports healthy.
func overall(statuses ...string) string {
	allHealthy := len(statuses) > 0
	anyDegraded := false
	for _, s := range statuses {
		switch s {
		case statusUnhealthy:
			return statusUnhealthy
		case statusDegraded:
			anyDegraded = true
			allHealthy = false
		case statusHealthy:
		default:
			allHealthy = false
		}
	}
	switch {
	case allHealthy:
		return statusHealthy
	case anyDegraded:
		return statusDegraded
	default:
		return "unknown"
	}
}

func uptimeSeconds(startedAt time.Time, now time.Time) *float64 {
	if startedAt.IsZero() {
		return nil
	}
	up := now.Sub(startedAt).Seconds()
	return &up
}
