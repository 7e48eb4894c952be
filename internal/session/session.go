// Package session tracks dialog state for plugins that run multi-step
// conversations. Keys are scoped by the bot's configured strategy so
// the same user can hold independent flows in different chats, or one
// shared flow, depending on the bot.
package session

import (
	"context"
	"fmt"
)

// Strategy picks which update fields identify a dialog scope.
type Strategy string

const (
	// StrategyUserInChat scopes state per user per chat.
	StrategyUserInChat Strategy = "user_in_chat"
	// StrategyUser follows the user across chats of one bot.
	StrategyUser Strategy = "user"
	// StrategyChat shares state between all users of a chat.
	StrategyChat Strategy = "chat"
	// StrategyGlobalUser follows the user across every bot in the
	// process.
	StrategyGlobalUser Strategy = "global_user"
)

// ParseStrategy maps a config string onto a Strategy, falling back to
// the per-user-per-chat default.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyUser, StrategyChat, StrategyGlobalUser:
		return Strategy(s)
	default:
		return StrategyUserInChat
	}
}

// Key builds the dialog scope identifier for one update.
func (s Strategy) Key(botID string, chatID, userID int64) string {
	switch s {
	case StrategyUser:
		return fmt.Sprintf("bot:%s:user:%d", botID, userID)
	case StrategyChat:
		return fmt.Sprintf("bot:%s:chat:%d", botID, chatID)
	case StrategyGlobalUser:
		return fmt.Sprintf("user:%d", userID)
	default:
		return fmt.Sprintf("bot:%s:chat:%d:user:%d", botID, chatID, userID)
	}
}

// Store persists dialog state and scratch data per scope key. The
// empty state means no flow is active.
type Store interface {
	SetState(ctx context.Context, key, state string) error
	State(ctx context.Context, key string) (string, error)
	SetData(ctx context.Context, key string, data map[string]any) error
	Data(ctx context.Context, key string) (map[string]any, error)
	Clear(ctx context.Context, key string) error
	Close() error
}

// FSM is the per-update view over one dialog scope.
type FSM struct {
	store Store
	key   string
}

func NewFSM(store Store, key string) *FSM {
	return &FSM{store: store, key: key}
}

func (f *FSM) Key() string { return f.key }

func (f *FSM) State(ctx context.Context) (string, error) {
	return f.store.State(ctx, f.key)
}

func (f *FSM) SetState(ctx context.Context, state string) error {
	return f.store.SetState(ctx, f.key, state)
}

func (f *FSM) Data(ctx context.Context) (map[string]any, error) {
	return f.store.Data(ctx, f.key)
}

func (f *FSM) SetData(ctx context.Context, data map[string]any) error {
	return f.store.SetData(ctx, f.key, data)
}

// UpdateData applies fn to the current data map and writes it back.
func (f *FSM) UpdateData(ctx context.Context, fn func(map[string]any)) error {
	data, err := f.store.Data(ctx, f.key)
	if err != nil {
		return err
	}
	if data == nil {
		data = make(map[string]any)
	}
	fn(data)
	return f.store.SetData(ctx, f.key, data)
}

// Clear drops both state and data, ending any active flow.
func (f *FSM) Clear(ctx context.Context) error {
	return f.store.Clear(ctx, f.key)
}
