package dispatch

import (
	"context"
	"log/slog"

	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/multibot-io/multibot/internal/config"
	"github.com/multibot-io/multibot/internal/session"
	"github.com/multibot-io/multibot/internal/telegram"
	"github.com/multibot-io/multibot/internal/tracing"
)

var tracer = tracing.Tracer("dispatch")

// UpdateHandler accepts raw Telegram updates. The webhook receiver
// feeds one per delivery; the polling loop feeds a stream.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update telego.Update)
}

// Dispatcher routes one bot's updates through its middleware chain into
// the plugin routers. Updates are handled strictly in arrival order;
// handlers that want concurrency spawn their own work.
type Dispatcher struct {
	botID    string
	cfg      *config.BotConfig
	client   *telegram.Client
	root     *Router
	chain    HandlerFunc
	sessions session.Store
	strategy session.Strategy
}

// NewDispatcher assembles the chain around the routing handler. The
// middleware order is the caller's; first entry wraps outermost.
func NewDispatcher(cfg *config.BotConfig, client *telegram.Client, root *Router, sessions session.Store, mws ...Middleware) *Dispatcher {
	d := &Dispatcher{
		botID:    cfg.ID,
		cfg:      cfg,
		client:   client,
		root:     root,
		sessions: sessions,
		strategy: session.ParseStrategy(cfg.FSMStrategy),
	}
	d.chain = Chain(d.route, mws...)
	return d
}

// Root exposes the top-level router for diagnostics.
func (d *Dispatcher) Root() *Router { return d.root }

// HandleUpdate runs one update through the chain. Chain errors were
// already logged, counted, and reported to the user by the inner
// layers, so they stop here after landing on the span.
func (d *Dispatcher) HandleUpdate(ctx context.Context, update telego.Update) {
	req := &Request{
		BotID:  d.botID,
		Config: d.cfg,
		Client: d.client,
		Update: update,
	}
	if userID := req.UserID(); userID != 0 && !d.cfg.Access.IsAllowed(userID) {
		slog.Debug("update from unlisted user dropped",
			"bot_id", d.botID, "user_id", userID)
		return
	}

	ctx, span := tracer.Start(ctx, "dispatch.update")
	defer span.End()
	span.SetAttributes(
		attribute.String("bot_id", d.botID),
		attribute.String("kind", req.Kind()),
	)
	if err := d.chain(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// PollUpdates opens the long polling stream and serves it to the end.
// The error covers stream establishment only; once the stream is open
// the loop drains until ctx ends or the channel closes.
func (d *Dispatcher) PollUpdates(ctx context.Context) error {
	updates, err := d.client.Updates(ctx)
	if err != nil {
		return err
	}
	d.Serve(ctx, updates)
	return nil
}

// Serve consumes an update channel until it closes or the context
// ends. Sequential on purpose: a user's messages must not race each
// other through the conversation state.
func (d *Dispatcher) Serve(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			d.HandleUpdate(ctx, update)
		}
	}
}

// route is the innermost handler. It hydrates the conversation state,
// then walks the routers first-match-wins.
func (d *Dispatcher) route(ctx context.Context, req *Request) error {
	d.attachFSM(ctx, req)
	matched, err := d.root.dispatch(ctx, req)
	if err != nil {
		return err
	}
	if !matched {
		slog.Debug("no handler matched",
			"bot_id", d.botID, "request_id", req.ID, "kind", req.Kind())
	}
	return nil
}

func (d *Dispatcher) attachFSM(ctx context.Context, req *Request) {
	if d.sessions == nil {
		return
	}
	userID, chatID := req.UserID(), req.ChatID()
	if userID == 0 && chatID == 0 {
		return
	}
	req.FSM = session.NewFSM(d.sessions, d.strategy.Key(d.botID, chatID, userID))
	state, err := req.FSM.State(ctx)
	if err != nil {
		slog.Warn("could not load dialog state",
			"bot_id", d.botID, "request_id", req.ID, "error", err)
		return
	}
	req.DialogState = state
}
