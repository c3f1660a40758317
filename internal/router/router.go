// Package router dispatches tagged inbound messages to registered handlers.
//
// Each session owns its own Router, so independent sessions (e.g. under
// test) never interfere through shared registration state.
package router

import (
	"log/slog"
	"sync"

	"github.com/opsmesh/fieldlink"
	"github.com/opsmesh/fieldlink/internal/metrics"
)

type registration struct {
	token   int64
	handler fieldlink.Handler
}

// Router maps message type tags to an ordered list of handlers.
type Router struct {
	log *slog.Logger

	mu        sync.RWMutex
	handlers  map[string][]registration
	nextToken int64
}

// New creates an empty Router logging through log.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		handlers: make(map[string][]registration),
	}
}

// On registers a handler for msgType and returns its registration token.
// Handlers for the same type run in registration order.
func (r *Router) On(msgType string, h fieldlink.Handler) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	r.handlers[msgType] = append(r.handlers[msgType], registration{
		token:   r.nextToken,
		handler: h,
	})
	return r.nextToken
}

// Off removes the handler registered under token for msgType. Unknown
// tokens are a no-op.
func (r *Router) Off(msgType string, token int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.handlers[msgType]
	for i, reg := range regs {
		if reg.token == token {
			r.handlers[msgType] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Dispatch invokes every handler registered for the message's type, in
// registration order. A panicking handler is recovered and logged so it
// cannot block delivery to the others or destabilize the connection.
// Messages with an unregistered tag are dropped with a trace.
func (r *Router) Dispatch(msg fieldlink.Message) {
	if !fieldlink.KnownType(msg.Type) {
		r.log.Debug("dropping message with unrecognized type",
			"type", msg.Type,
			"message_id", msg.MessageID,
		)
		return
	}

	r.mu.RLock()
	regs := make([]registration, len(r.handlers[msg.Type]))
	copy(regs, r.handlers[msg.Type])
	r.mu.RUnlock()

	metrics.MessagesDispatched.WithLabelValues(msg.Type).Inc()

	for _, reg := range regs {
		r.invoke(reg, msg)
	}
}

func (r *Router) invoke(reg registration, msg fieldlink.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerErrors.Inc()
			r.log.Error("handler panicked during dispatch",
				"type", msg.Type,
				"message_id", msg.MessageID,
				"panic", rec,
			)
		}
	}()
	reg.handler(msg)
}
