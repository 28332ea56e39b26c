// Package dispatch is the host side of the bridge: it runs the requested
// work and delivers every outcome twice, once as the direct reply and once
// as an unsolicited push, so a lost reply path cannot lose the result.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"textbridge/internal/logging"
	"textbridge/internal/protocol"
)

// HandlerFunc performs the work for one action and returns the success
// payload.
type HandlerFunc func(ctx context.Context, msg protocol.Message) (json.RawMessage, error)

// Pusher emits unsolicited messages toward the peripheral. Both the local
// channel and the SSE hub satisfy it.
type Pusher interface {
	Push(msg protocol.Message) error
}

// Dispatcher routes incoming requests to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Action]HandlerFunc
	pusher   Pusher
}

// NewDispatcher creates a dispatcher pushing through the given Pusher. A
// nil pusher disables the push path (replies still work).
func NewDispatcher(pusher Pusher) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.Action]HandlerFunc),
		pusher:   pusher,
	}
}

// Register installs the handler for an action, replacing any previous one.
func (d *Dispatcher) Register(action protocol.Action, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = fn
}

// SetPusher replaces the push sink. Used when the push transport comes up
// after the handlers are wired.
func (d *Dispatcher) SetPusher(p Pusher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pusher = p
}

// Dispatch runs the handler for msg and returns the direct reply. The same
// outcome is also emitted as a push keyed by the request's correlation id,
// regardless of whether any peripheral is currently listening; push
// failures are logged, never fatal, since the reply path may still land.
func (d *Dispatcher) Dispatch(ctx context.Context, msg protocol.Message) protocol.Message {
	rl := logging.WithRequestID(logging.CategoryDispatch, msg.CorrelationID)

	d.mu.RLock()
	fn, ok := d.handlers[msg.Action]
	d.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("unknown action %q", msg.Action)
		rl.Warn("%v", err)
		return d.deliver(protocol.ErrorPush(msg.CorrelationID, err.Error()))
	}

	rl.Debug("Dispatching %s (attempt %d)", msg.Action, msg.Attempt)
	payload, err := fn(ctx, msg)
	if err != nil {
		rl.Warn("Handler for %s failed: %v", msg.Action, err)
		return d.deliver(protocol.ErrorPush(msg.CorrelationID, err.Error()))
	}
	return d.deliver(protocol.CompletePush(msg.CorrelationID, payload))
}

// deliver emits the outcome on the push path and returns it for the reply
// path.
func (d *Dispatcher) deliver(outcome protocol.Message) protocol.Message {
	d.mu.RLock()
	pusher := d.pusher
	d.mu.RUnlock()

	if pusher != nil {
		if err := pusher.Push(outcome); err != nil {
			logging.DispatchWarn("Push for %s failed: %v", outcome.CorrelationID, err)
		}
	}
	return outcome
}

// Actions returns the registered action names, for diagnostics.
func (d *Dispatcher) Actions() []protocol.Action {
	d.mu.RLock()
	defer d.mu.RUnlock()
	actions := make([]protocol.Action, 0, len(d.handlers))
	for a := range d.handlers {
		actions = append(actions, a)
	}
	return actions
}
