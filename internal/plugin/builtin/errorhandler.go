package builtin

import (
	"context"

	"github.com/multibot-io/multibot/internal/dispatch"
)

// ErrorHandler is the config carrier for the innermost error
// middleware: user_message, show_error_id, notify_admins and
// admin_chat_ids. The dispatcher factory reads the block directly, so
// the instance registers no routes of its own.
type ErrorHandler struct {
	pc dispatch.InstanceContext
}

func NewErrorHandler() *ErrorHandler { return &ErrorHandler{} }

func (p *ErrorHandler) Name() string            { return "error_handler" }
func (p *ErrorHandler) Version() string         { return "1.0.0" }
func (p *ErrorHandler) Dependencies() []string  { return nil }
func (p *ErrorHandler) SupportsHotReload() bool { return true }

func (p *ErrorHandler) Init(ctx context.Context, pc dispatch.InstanceContext) error {
	p.pc = pc
	return nil
}

func (p *ErrorHandler) Routes(r *dispatch.Router) {}
