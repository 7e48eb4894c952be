package session

import (
	"context"
	"testing"
)

func TestStrategyKey(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		want     string
	}{
		{"user in chat", StrategyUserInChat, "bot:astro:chat:-100200:user:42"},
		{"user", StrategyUser, "bot:astro:user:42"},
		{"chat", StrategyChat, "bot:astro:chat:-100200"},
		{"global user", StrategyGlobalUser, "user:42"},
		{"unknown falls back", Strategy("bogus"), "bot:astro:chat:-100200:user:42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.strategy.Key("astro", -100200, 42)
			if got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"user_in_chat", StrategyUserInChat},
		{"user", StrategyUser},
		{"chat", StrategyChat},
		{"global_user", StrategyGlobalUser},
		{"", StrategyUserInChat},
		{"USER", StrategyUserInChat},
	}
	for _, tt := range tests {
		if got := ParseStrategy(tt.in); got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := StrategyUserInChat.Key("quiz", 10, 20)

	state, err := store.State(ctx, key)
	if err != nil || state != "" {
		t.Fatalf("State() on empty store = %q, %v", state, err)
	}

	if err := store.SetState(ctx, key, "awaiting_answer"); err != nil {
		t.Fatalf("SetState() error: %v", err)
	}
	if err := store.SetData(ctx, key, map[string]any{"question": 3}); err != nil {
		t.Fatalf("SetData() error: %v", err)
	}

	state, _ = store.State(ctx, key)
	if state != "awaiting_answer" {
		t.Errorf("State() = %q, want awaiting_answer", state)
	}
	data, _ := store.Data(ctx, key)
	if data["question"] != 3 {
		t.Errorf("Data()[question] = %v, want 3", data["question"])
	}

	// A different scope must not see the flow.
	other := StrategyUserInChat.Key("quiz", 10, 21)
	state, _ = store.State(ctx, other)
	if state != "" {
		t.Errorf("State() for other user = %q, want empty", state)
	}

	if err := store.Clear(ctx, key); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	state, _ = store.State(ctx, key)
	data, _ = store.Data(ctx, key)
	if state != "" || len(data) != 0 {
		t.Errorf("after Clear() state = %q data = %v, want both empty", state, data)
	}
	if store.Len() != 0 {
		t.Errorf("Len() after clear = %d, want 0", store.Len())
	}
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := "bot:b:user:1"

	in := map[string]any{"step": "one"}
	if err := store.SetData(ctx, key, in); err != nil {
		t.Fatalf("SetData() error: %v", err)
	}
	in["step"] = "mutated"

	out, _ := store.Data(ctx, key)
	if out["step"] != "one" {
		t.Errorf("stored data followed caller mutation: %v", out["step"])
	}

	out["step"] = "mutated again"
	again, _ := store.Data(ctx, key)
	if again["step"] != "one" {
		t.Errorf("returned data aliases the stored map: %v", again["step"])
	}
}

func TestMemoryStoreDropsEmptyRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := "bot:b:user:2"

	if err := store.SetState(ctx, key, "active"); err != nil {
		t.Fatalf("SetState() error: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
	if err := store.SetState(ctx, key, ""); err != nil {
		t.Fatalf("SetState(empty) error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() after reset = %d, want 0", store.Len())
	}
}

func TestFSMUpdateData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fsm := NewFSM(store, StrategyUser.Key("quiz", 0, 7))

	err := fsm.UpdateData(ctx, func(d map[string]any) {
		d["answers"] = 1
	})
	if err != nil {
		t.Fatalf("UpdateData() error: %v", err)
	}
	err = fsm.UpdateData(ctx, func(d map[string]any) {
		d["answers"] = d["answers"].(int) + 1
	})
	if err != nil {
		t.Fatalf("UpdateData() second call error: %v", err)
	}

	data, _ := fsm.Data(ctx)
	if data["answers"] != 2 {
		t.Errorf("answers = %v, want 2", data["answers"])
	}

	if err := fsm.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	state, _ := fsm.State(ctx)
	if state != "" {
		t.Errorf("state after Clear() = %q, want empty", state)
	}
}
