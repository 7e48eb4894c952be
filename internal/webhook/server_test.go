package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/errs"
)

type capturingHandler struct {
	got []telego.Update
}

func (h *capturingHandler) HandleUpdate(_ context.Context, u telego.Update) {
	h.got = append(h.got, u)
}

type fakeTarget struct {
	handler dispatch.UpdateHandler
	secret  string
	err     error
}

type fakeTargets map[string]fakeTarget

func (f fakeTargets) WebhookTarget(botID string) (dispatch.UpdateHandler, string, error) {
	t, ok := f[botID]
	if !ok {
		return nil, "", errs.ErrBotNotFound
	}
	return t.handler, t.secret, t.err
}

func newTestHandler(targets fakeTargets) http.Handler {
	srv := NewServer(config.WebhookServer{
		Host: "127.0.0.1", Port: 8443, PathPrefix: "/webhook",
	}, targets)
	return srv.Handler()
}

func deliver(t *testing.T, h http.Handler, path, body, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(secretTokenHeader, secret)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// TestDeliveryUnknownBot verifies the 404 path for ids the supervisor
// does not know.
func TestDeliveryUnknownBot(t *testing.T) {
	h := newTestHandler(fakeTargets{})

	rr := deliver(t, h, "/webhook/ghost", `{"update_id":1}`, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

// TestDeliveryBotNotRunning verifies that a known but stopped bot
// answers 503 so Telegram retries later.
func TestDeliveryBotNotRunning(t *testing.T) {
	h := newTestHandler(fakeTargets{
		"sleepy": {err: errs.ErrBotNotRunning},
	})

	rr := deliver(t, h, "/webhook/sleepy", `{"update_id":1}`, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

// TestDeliveryBadSecret verifies that a wrong or missing secret token
// is rejected before the update reaches the dispatcher.
func TestDeliveryBadSecret(t *testing.T) {
	sink := &capturingHandler{}
	h := newTestHandler(fakeTargets{
		"alpha": {handler: sink, secret: "expected-token"},
	})

	for _, token := range []string{"", "wrong-token"} {
		rr := deliver(t, h, "/webhook/alpha", `{"update_id":1}`, token)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want %d", token, rr.Code, http.StatusUnauthorized)
		}
	}
	if len(sink.got) != 0 {
		t.Errorf("dispatcher saw %d updates, want none", len(sink.got))
	}
}

// TestDeliveryOK verifies the happy path end to end: secret accepted,
// body decoded, update dispatched.
func TestDeliveryOK(t *testing.T) {
	sink := &capturingHandler{}
	h := newTestHandler(fakeTargets{
		"alpha": {handler: sink, secret: "expected-token"},
	})

	rr := deliver(t, h, "/webhook/alpha", `{"update_id":42}`, "expected-token")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s, want ok status", rr.Body.String())
	}
	if len(sink.got) != 1 || sink.got[0].UpdateID != 42 {
		t.Errorf("dispatched = %+v, want one update with id 42", sink.got)
	}
}

// TestDeliveryNoSecretConfigured verifies that verification is skipped
// when no token was registered for the bot.
func TestDeliveryNoSecretConfigured(t *testing.T) {
	sink := &capturingHandler{}
	h := newTestHandler(fakeTargets{
		"open": {handler: sink},
	})

	rr := deliver(t, h, "/webhook/open", `{"update_id":7}`, "")
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if len(sink.got) != 1 {
		t.Errorf("dispatched = %d updates, want 1", len(sink.got))
	}
}

// TestDeliveryMalformedBody verifies that an undecodable body is an
// internal error and never reaches the dispatcher.
func TestDeliveryMalformedBody(t *testing.T) {
	sink := &capturingHandler{}
	h := newTestHandler(fakeTargets{
		"alpha": {handler: sink, secret: "expected-token"},
	})

	rr := deliver(t, h, "/webhook/alpha", `{"update_id": nope`, "expected-token")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if len(sink.got) != 0 {
		t.Errorf("dispatcher saw %d updates, want none", len(sink.got))
	}
}

// TestDeliveryWrongMethod verifies only POST is routed.
func TestDeliveryWrongMethod(t *testing.T) {
	h := newTestHandler(fakeTargets{})

	req := httptest.NewRequest(http.MethodGet, "/webhook/alpha", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

// TestSecretFor pins the token derivation: 32 hex chars, stable per
// bot, different across bots.
func TestSecretFor(t *testing.T) {
	a := SecretFor("global", "alpha")
	b := SecretFor("global", "beta")

	if len(a) != 32 {
		t.Errorf("token length = %d, want 32", len(a))
	}
	if a != SecretFor("global", "alpha") {
		t.Error("derivation must be deterministic")
	}
	if a == b {
		t.Error("different bots must get different tokens")
	}
	for _, c := range a {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("token %q contains non-hex char %q", a, c)
		}
	}
}

func TestSecretEqual(t *testing.T) {
	if !SecretEqual("abc", "abc") {
		t.Error("equal tokens must match")
	}
	if SecretEqual("abc", "abd") || SecretEqual("abc", "") {
		t.Error("unequal tokens must not match")
	}
}
