package horoscope

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testDay = time.Date(2026, time.August, 24, 0, 0, 0, 0, time.UTC)

// TestGenerate_Offline verifies the no-key fallback: deterministic per
// (sign, day), no HTTP call, readable HTML sections.
func TestGenerate_Offline(t *testing.T) {
	g := NewGenerator("", "", "")
	if !g.Offline() {
		t.Fatal("expected generator without a key to be offline")
	}

	sign, _ := SignByName("leo")
	first, err := g.Generate(context.Background(), sign, testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := g.Generate(context.Background(), sign, testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Error("offline text should be stable for the same sign and day")
	}

	for _, want := range []string{"Love &amp; Relationships", "Career &amp; Finance", "Health &amp; Wellness", "Lucky Numbers"} {
		if !strings.Contains(first, want) {
			t.Errorf("offline text missing section %q:\n%s", want, first)
		}
	}

	other, _ := SignByName("virgo")
	otherText, err := g.Generate(context.Background(), other, testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if otherText == first {
		t.Error("different signs should not share offline text")
	}
}

// TestGenerate_Success verifies the request shape sent to the
// completion endpoint and that the content comes back trimmed.
func TestGenerate_Success(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  The stars align.  "}}]}`))
	}))
	defer srv.Close()

	g := NewGenerator("test-key", srv.URL, "test-model")
	sign, _ := SignByName("aries")
	text, err := g.Generate(context.Background(), sign, testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "The stars align." {
		t.Errorf("expected trimmed content, got %q", text)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotReq.Model != "test-model" {
		t.Errorf("expected model test-model, got %q", gotReq.Model)
	}
	if gotReq.MaxTokens != 400 {
		t.Errorf("expected max_tokens 400, got %d", gotReq.MaxTokens)
	}
	if len(gotReq.Messages) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(gotReq.Messages))
	}
	if !strings.Contains(gotReq.Messages[1].Content, "Aries") {
		t.Errorf("prompt should name the sign, got: %s", gotReq.Messages[1].Content)
	}
	if !strings.Contains(gotReq.Messages[1].Content, "August 24, 2026") {
		t.Errorf("prompt should name the date, got: %s", gotReq.Messages[1].Content)
	}
}

// TestGenerate_UpstreamError verifies a non-200 response is surfaced
// with the status code.
func TestGenerate_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGenerator("test-key", srv.URL, "")
	sign, _ := SignByName("gemini")
	_, err := g.Generate(context.Background(), sign, testDay)
	if err == nil {
		t.Fatal("expected error for non-200 response, got nil")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("expected error to mention status 429, got: %v", err)
	}
}

// TestGenerate_EmptyChoices verifies an empty completion is an error,
// not a blank horoscope.
func TestGenerate_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	g := NewGenerator("test-key", srv.URL, "")
	sign, _ := SignByName("libra")
	if _, err := g.Generate(context.Background(), sign, testDay); err == nil {
		t.Fatal("expected error for empty choices, got nil")
	}
}

func TestNewGenerator_Defaults(t *testing.T) {
	g := NewGenerator("key", "", "")
	if g.apiBase != defaultAPIBase {
		t.Errorf("expected default api base, got %q", g.apiBase)
	}
	if g.model != defaultModel {
		t.Errorf("expected default model, got %q", g.model)
	}

	g = NewGenerator("key", "https://proxy.example.com/v1/", "custom")
	if g.apiBase != "https://proxy.example.com/v1" {
		t.Errorf("expected trailing slash stripped, got %q", g.apiBase)
	}
	if g.model != "custom" {
		t.Errorf("expected custom model kept, got %q", g.model)
	}
}
