package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/multibot-io/multibot/internal/bots"
	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/store"
)

// Server answers the orchestrator probes and the metrics scrape.
//
//	GET /health/live   process is up
//	GET /health/ready  can accept traffic
//	GET /health/full   component and per-bot detail
//	GET /metrics       Prometheus text exposition
type Server struct {
	cfg        config.HealthServer
	supervisor dispatch.Supervisor
	store      store.Store
	httpServer *http.Server

	// now is swapped in tests to pin uptime arithmetic.
	now func() time.Time
}

func NewServer(cfg config.HealthServer, supervisor dispatch.Supervisor, st store.Store) *Server {
	return &Server{cfg: cfg, supervisor: supervisor, store: st, now: time.Now}
}

// Start listens until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("health server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.HandleFunc("GET /health/full", s.handleFull)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness reports ready only when the database answers and at
// least one bot is serving.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.store != nil {
		db := checkDatabase(r.Context(), s.store)
		checks["database"] = db.Status
		if db.Status != statusHealthy {
			ready = false
		}
	}
	if s.supervisor != nil {
		fleet := checkBots(s.supervisor.Snapshot())
		checks["bots"] = fmt.Sprintf("%d/%d running", fleet.Running, fleet.Total)
		if fleet.Running == 0 {
			ready = false
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

type botDetail struct {
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	Mode          string   `json:"mode"`
	UptimeSeconds *float64 `json:"uptime_seconds"`
}

type fullReport struct {
	Status     string               `json:"status"`
	Timestamp  string               `json:"timestamp"`
	Components map[string]any       `json:"components"`
	Bots       map[string]botDetail `json:"bots,omitempty"`
}

func (s *Server) handleFull(w http.ResponseWriter, r *http.Request) {
	report := fullReport{
		Timestamp:  s.now().UTC().Format(time.RFC3339),
		Components: map[string]any{},
	}

	var statuses []string
	if s.store != nil {
		db := checkDatabase(r.Context(), s.store)
		report.Components["database"] = db
		statuses = append(statuses, db.Status)
	}
	if s.supervisor != nil {
		snaps := s.supervisor.Snapshot()
		fleet := checkBots(snaps)
		report.Components["bots"] = fleet
		statuses = append(statuses, fleet.Status)

		report.Bots = make(map[string]botDetail, len(snaps))
		now := s.now()
		for _, snap := range snaps {
			report.Bots[snap.ID] = botDetail{
				Name:          snap.Name,
				Status:        snap.State,
				Mode:          snap.Mode,
				UptimeSeconds: uptimeSeconds(snap.StartedAt, now),
			}
		}
	}
	report.Status = overall(statuses...)

	writeJSON(w, http.StatusOK, report)
}

// handleMetrics renders the gauge set in Prometheus text exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder

	if s.supervisor != nil {
		snaps := s.supervisor.Snapshot()
		now := s.now()
		running := 0
		for _, snap := range snaps {
			state := 0
			if snap.State == bots.StateRunning {
				state = 1
				running++
			}
			fmt.Fprintf(&b, "multibot_bot_running{bot_id=%q} %d\n", snap.ID, state)
			if !snap.StartedAt.IsZero() {
				up := now.Sub(snap.StartedAt).Seconds()
				fmt.Fprintf(&b, "multibot_bot_uptime_seconds{bot_id=%q} %s\n",
					snap.ID, strconv.FormatFloat(up, 'f', -1, 64))
			}
		}
		fmt.Fprintf(&b, "multibot_bots_total %d\n", len(snaps))
		fmt.Fprintf(&b, "multibot_bots_running %d\n", running)
	}

	if s.store != nil {
		pool := s.store.PoolStat()
		fmt.Fprintf(&b, "multibot_db_pool_size %d\n", pool.Size)
		fmt.Fprintf(&b, "multibot_db_pool_free %d\n", pool.Free)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
