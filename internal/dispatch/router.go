package dispatch

import (
	"context"
	"strings"
)

// HandlerFunc processes one request. A nil return means handled.
type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a handler with cross-cutting behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h with mws, first middleware outermost.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type route struct {
	name    string
	match   func(*Request) bool
	handler HandlerFunc
}

// Router holds ordered routes and included child routers. Matching is
// first-wins: own routes in registration order, then children in
// attach order. Plugins register their routes on a child each.
type Router struct {
	name     string
	routes   []route
	children []*Router
}

func NewRouter(name string) *Router {
	return &Router{name: name}
}

func (r *Router) Name() string { return r.name }

// Handle registers a route with an arbitrary predicate.
func (r *Router) Handle(name string, match func(*Request) bool, h HandlerFunc) {
	r.routes = append(r.routes, route{name: name, match: match, handler: h})
}

// Command routes /cmd messages, mention-insensitive.
func (r *Router) Command(cmd string, h HandlerFunc) {
	r.Handle("/"+cmd, func(req *Request) bool {
		return req.Kind() == KindCommand && req.Command() == cmd
	}, h)
}

// AnyCommand routes every command not claimed earlier.
func (r *Router) AnyCommand(h HandlerFunc) {
	r.Handle("any-command", func(req *Request) bool {
		return req.Kind() == KindCommand
	}, h)
}

// Callback routes callback queries whose data equals prefix or starts
// with prefix + ":".
func (r *Router) Callback(prefix string, h HandlerFunc) {
	r.Handle("callback:"+prefix, func(req *Request) bool {
		if req.Kind() != KindCallback {
			return false
		}
		data := req.CallbackData()
		return data == prefix || strings.HasPrefix(data, prefix+":")
	}, h)
}

// Text routes plain text messages that are not commands.
func (r *Router) Text(h HandlerFunc) {
	r.Handle("text", func(req *Request) bool {
		return req.Kind() == KindMessage && req.Message().Text != ""
	}, h)
}

// Document routes messages carrying a document attachment.
func (r *Router) Document(h HandlerFunc) {
	r.Handle("document", func(req *Request) bool {
		return req.Kind() == KindMessage && req.Message().Document != nil
	}, h)
}

// Message routes any non-command message.
func (r *Router) Message(h HandlerFunc) {
	r.Handle("message", func(req *Request) bool {
		return req.Kind() == KindMessage
	}, h)
}

// State routes messages arriving while the dialog is in the given FSM
// state. Commands are excluded so /cancel style escapes keep working.
func (r *Router) State(state string, h HandlerFunc) {
	r.Handle("state:"+state, func(req *Request) bool {
		return req.DialogState == state && req.Kind() == KindMessage
	}, h)
}

// PreCheckout routes payment pre-checkout queries.
func (r *Router) PreCheckout(h HandlerFunc) {
	r.Handle("pre-checkout", func(req *Request) bool {
		return req.Kind() == KindPreCheckout
	}, h)
}

// Payment routes successful payment messages.
func (r *Router) Payment(h HandlerFunc) {
	r.Handle("payment", func(req *Request) bool {
		return req.Kind() == KindPayment
	}, h)
}

// Include attaches a child router after the ones already present.
func (r *Router) Include(child *Router) {
	r.children = append(r.children, child)
}

// dispatch walks routes depth-first and runs the first match. The
// bool reports whether any route claimed the request.
func (r *Router) dispatch(ctx context.Context, req *Request) (bool, error) {
	for _, rt := range r.routes {
		if rt.match(req) {
			return true, rt.handler(ctx, req)
		}
	}
	for _, child := range r.children {
		if handled, err := child.dispatch(ctx, req); handled {
			return true, err
		}
	}
	return false, nil
}

// Routes returns the registered route names, children included, for
// diagnostics.
func (r *Router) Routes() []string {
	var names []string
	for _, rt := range r.routes {
		names = append(names, r.name+":"+rt.name)
	}
	for _, child := range r.children {
		names = append(names, child.Routes()...)
	}
	return names
}
