package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/errs"
)

// secretTokenHeader is the header Telegram echoes back on every
// delivery when a secret token was registered.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxUpdateBytes bounds a single delivery body. Telegram updates are
// small; anything past this is not an update.
const maxUpdateBytes = 1 << 20

// TargetSource resolves a bot id from the URL to the dispatcher that
// owns it and the secret token the delivery must carry.
type TargetSource interface {
	WebhookTarget(botID string) (dispatch.UpdateHandler, string, error)
}

// Server receives Telegram webhook deliveries for every webhook-mode
// bot in the process and demultiplexes them by the bot id in the
// path.
type Server struct {
	cfg        config.WebhookServer
	targets    TargetSource
	httpServer *http.Server
}

func NewServer(cfg config.WebhookServer, targets TargetSource) *Server {
	return &Server{cfg: cfg, targets: targets}
}

// Start listens until ctx ends, then drains in-flight deliveries.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("webhook server starting", "addr", addr, "prefix", s.prefix())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.prefix()+"/{bot_id}", s.handleDelivery)
	return mux
}

func (s *Server) prefix() string {
	p := strings.Trim(s.cfg.PathPrefix, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// handleDelivery accepts one update from Telegram.
//
//	POST /<prefix>/{bot_id}
//	Headers: X-Telegram-Bot-Api-Secret-Token
//	Response: {"status":"ok"} or {"error":"..."}
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")

	target, secret, err := s.targets.WebhookTarget(botID)
	switch {
	case errors.Is(err, errs.ErrBotNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown bot"})
		return
	case errors.Is(err, errs.ErrBotNotRunning):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bot not running"})
		return
	case err != nil:
		slog.Error("webhook target lookup failed", "bot_id", botID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	if secret != "" && !SecretEqual(r.Header.Get(secretTokenHeader), secret) {
		slog.Warn("webhook delivery rejected, bad secret token", "bot_id", botID)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid secret token"})
		return
	}

	var update telego.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBytes)).Decode(&update); err != nil {
		slog.Warn("webhook delivery undecodable", "bot_id", botID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	target.HandleUpdate(r.Context(), update)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
