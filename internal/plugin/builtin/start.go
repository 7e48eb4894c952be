// Package builtin holds the compiled-in plugin catalog: the handlers
// every bot can enable from its config file without shipping extra
// code.
package builtin

import (
	"context"

	"github.com/multibot-io/multibot/internal/dispatch"
)

// Start answers /start with the configured welcome message.
type Start struct {
	pc dispatch.InstanceContext
}

func NewStart() *Start { return &Start{} }

func (p *Start) Name() string            { return "start" }
func (p *Start) Version() string         { return "1.0.0" }
func (p *Start) Dependencies() []string  { return nil }
func (p *Start) SupportsHotReload() bool { return true }

func (p *Start) Init(ctx context.Context, pc dispatch.InstanceContext) error {
	p.pc = pc
	return nil
}

func (p *Start) Routes(r *dispatch.Router) {
	r.Command("start", p.handleStart)
}

func (p *Start) handleStart(ctx context.Context, req *dispatch.Request) error {
	welcome := p.pc.ConfigString("welcome_message",
		"Welcome! Use /help to see available commands.")
	_, err := req.Client.SendText(ctx, req.ChatID(), welcome)
	return err
}
