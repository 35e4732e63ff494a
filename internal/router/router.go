// Package router dispatches inbound client messages to registered handlers
// by event type, generalizing the per-message-type switch a websocket
// server typically hardcodes.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gamecast/broker/internal/events"
	"gamecast/broker/internal/logging"
	"gamecast/broker/internal/transport"
)

// Handler processes one parsed inbound event from client.
type Handler func(ctx context.Context, client *transport.Client, env events.Envelope) error

// Schema validates an event's data payload before its handler runs.
type Schema func(data json.RawMessage) error

// Route pairs a handler with an optional payload schema.
type Route struct {
	Handler Handler
	Schema  Schema
}

// Sender delivers a raw payload directly to one client. *transport.Hub
// satisfies this.
type Sender interface {
	Send(client *transport.Client, payload []byte)
}

// Router maps event types to routes and implements transport.Dispatcher.
type Router struct {
	logger *logging.Logger
	sender Sender

	mu     sync.RWMutex
	routes map[events.Type]Route
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New constructs an empty Router that replies to rejected messages through
// sender; call RegisterRoute to wire handlers.
func New(sender Sender, opts ...Option) *Router {
	r := &Router{
		logger: logging.NewTestLogger(),
		sender: sender,
		routes: make(map[events.Type]Route),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterRoute binds a handler, with an optional schema, to an event type,
// replacing any existing route for that type. A warning is logged on
// overwrite, matching the documented register_route behavior.
func (r *Router) RegisterRoute(t events.Type, h Handler, schema ...Schema) {
	var s Schema
	if len(schema) > 0 {
		s = schema[0]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[t]; exists {
		r.logger.Warn("overwriting existing route", logging.String("type", string(t)))
	}
	r.routes[t] = Route{Handler: h, Schema: s}
}

// GetDefinition returns the route registered for t, if any.
func (r *Router) GetDefinition(t events.Type) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[t]
	return route, ok
}

// Dispatch parses raw as an envelope, looks up its handler, and invokes it.
// A parse failure or handler error is reported back to client as an
// events.TypeError envelope rather than surfaced to the caller.
func (r *Router) Dispatch(client *transport.Client, raw []byte) {
	env, err := events.ParseEnvelope(raw)
	if err != nil {
		r.logger.Warn("dropping malformed inbound message", logging.Error(err))
		r.reply(client, env.GameID, fmt.Sprintf("malformed message: %v", err))
		return
	}

	route, ok := r.GetDefinition(env.Type)
	if !ok {
		r.logger.Warn("no route registered for event type", logging.String("type", string(env.Type)))
		r.reply(client, env.GameID, fmt.Sprintf("unsupported message type %q", env.Type))
		return
	}

	if route.Schema != nil {
		if err := route.Schema(env.Data); err != nil {
			r.logger.Warn("message failed schema validation",
				logging.String("type", string(env.Type)), logging.Error(err))
			r.reply(client, env.GameID, "invalid data schema")
			return
		}
	}

	if err := route.Handler(context.Background(), client, env); err != nil {
		r.logger.Warn("handler rejected message",
			logging.String("type", string(env.Type)),
			logging.String("game_id", env.GameID),
			logging.Error(err))
		r.reply(client, env.GameID, err.Error())
	}
}

func (r *Router) reply(client *transport.Client, gameID, message string) {
	if r.sender == nil || client == nil {
		return
	}
	errEnvelope := events.NewError(gameID, message)
	payload, err := errEnvelope.Marshal()
	if err != nil {
		r.logger.Error("failed to marshal error envelope", logging.Error(err))
		return
	}
	r.sender.Send(client, payload)
}
