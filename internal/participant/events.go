package participant

import (
	"strings"
	"sync"

	"github.com/mew-proto/mew/internal/envelope"
)

// eventBus is the observer-pattern dispatch named in §4.2 "Event surface":
// welcome, message, chat, mcp/request, mcp/response, mcp/proposal,
// capability/grant, stream/open, stream/close, stream/data/<id>,
// peer/joined, peer/left, error, disconnected. New code — this is
// in-process fan-out to caller-registered closures, not a pub/sub concern
// any pack library targets.
type eventBus struct {
	mu       sync.RWMutex
	handlers map[string][]func(*envelope.Envelope)
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[string][]func(*envelope.Envelope))}
}

func (b *eventBus) on(event string, handler func(*envelope.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

func (b *eventBus) emit(event string, env *envelope.Envelope) {
	b.mu.RLock()
	handlers := append([]func(*envelope.Envelope){}, b.handlers[event]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

// dispatchEnvelope fires the generic "message" event plus the specific
// named event for env.Kind (including the stream/data/<id> synthetic kind
// emitted by the stream frame path).
func (b *eventBus) dispatchEnvelope(env *envelope.Envelope) {
	b.emit("message", env)
	b.emit(env.Kind, env)
	if strings.HasPrefix(env.Kind, "mcp/") {
		b.emit("mcp", env)
	}
}
