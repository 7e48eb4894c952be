package dispatch

import (
	"context"
	"testing"
)

func recordHandler(log *[]string, name string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		*log = append(*log, name)
		return nil
	}
}

func TestRouterFirstMatchWins(t *testing.T) {
	var log []string
	r := NewRouter("root")
	r.Command("start", recordHandler(&log, "start"))
	r.AnyCommand(recordHandler(&log, "any"))
	r.Message(recordHandler(&log, "message"))

	matched, err := r.dispatch(context.Background(), &Request{Update: msgUpdate(1, 1, "/start")})
	if err != nil || !matched {
		t.Fatalf("dispatch = (%v, %v), want match", matched, err)
	}
	if len(log) != 1 || log[0] != "start" {
		t.Errorf("handled by %v, want [start] only", log)
	}

	log = nil
	matched, _ = r.dispatch(context.Background(), &Request{Update: msgUpdate(1, 1, "/unknown")})
	if !matched || len(log) != 1 || log[0] != "any" {
		t.Errorf("fallback route: matched=%v log=%v", matched, log)
	}
}

func TestRouterIncludeOrder(t *testing.T) {
	var log []string
	root := NewRouter("root")

	first := NewRouter("first")
	first.Command("ping", recordHandler(&log, "first"))
	second := NewRouter("second")
	second.Command("ping", recordHandler(&log, "second"))
	root.Include(first)
	root.Include(second)

	matched, _ := root.dispatch(context.Background(), &Request{Update: msgUpdate(1, 1, "/ping")})
	if !matched || len(log) != 1 || log[0] != "first" {
		t.Errorf("include order broken: matched=%v log=%v", matched, log)
	}
}

func TestRouterOwnRoutesBeforeChildren(t *testing.T) {
	var log []string
	root := NewRouter("root")
	child := NewRouter("child")
	child.Command("ping", recordHandler(&log, "child"))
	root.Include(child)
	root.Command("ping", recordHandler(&log, "root"))

	root.dispatch(context.Background(), &Request{Update: msgUpdate(1, 1, "/ping")})
	if len(log) != 1 || log[0] != "root" {
		t.Errorf("own routes must win over children, got %v", log)
	}
}

func TestRouterCallbackPrefix(t *testing.T) {
	var log []string
	r := NewRouter("root")
	r.Callback("billing", recordHandler(&log, "billing"))

	tests := []struct {
		data string
		want bool
	}{
		{"billing", true},
		{"billing:history", true},
		{"billing:purchase:small", true},
		{"billingx", false},
		{"horoscope:sign:leo", false},
	}
	for _, tt := range tests {
		matched, _ := r.dispatch(context.Background(), &Request{Update: callbackUpdate(1, tt.data)})
		if matched != tt.want {
			t.Errorf("data %q: matched=%v, want %v", tt.data, matched, tt.want)
		}
	}
}

func TestRouterStateGatesOnDialog(t *testing.T) {
	var log []string
	r := NewRouter("root")
	r.State("md2pdf:awaiting_markdown", recordHandler(&log, "state"))
	r.AnyCommand(recordHandler(&log, "command"))

	req := &Request{Update: msgUpdate(1, 1, "# Title"), DialogState: "md2pdf:awaiting_markdown"}
	matched, _ := r.dispatch(context.Background(), req)
	if !matched || len(log) != 1 || log[0] != "state" {
		t.Fatalf("state route should handle text in state: matched=%v log=%v", matched, log)
	}

	// Commands escape the dialog even mid-conversation.
	log = nil
	req = &Request{Update: msgUpdate(1, 1, "/cancel"), DialogState: "md2pdf:awaiting_markdown"}
	matched, _ = r.dispatch(context.Background(), req)
	if !matched || len(log) != 1 || log[0] != "command" {
		t.Errorf("command in state: matched=%v log=%v", matched, log)
	}

	// Outside the state the route stays quiet.
	log = nil
	req = &Request{Update: msgUpdate(1, 1, "plain text")}
	matched, _ = r.dispatch(context.Background(), req)
	if matched {
		t.Errorf("no route should match, log=%v", log)
	}
}

func TestRouterRoutesListing(t *testing.T) {
	r := NewRouter("root")
	r.Command("start", recordHandler(new([]string), "start"))
	child := NewRouter("billing")
	child.Command("balance", recordHandler(new([]string), "balance"))
	r.Include(child)

	got := r.Routes()
	if len(got) != 2 {
		t.Fatalf("Routes() = %v, want two entries", got)
	}
}
