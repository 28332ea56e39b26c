package transport

import (
	"context"
	"fmt"
	"sync"

	"textbridge/internal/logging"
	"textbridge/internal/protocol"
)

// HandlerFunc is the host-side processor for incoming requests. It returns
// the direct reply for the request.
type HandlerFunc func(ctx context.Context, msg protocol.Message) protocol.Message

// LocalChannel is an in-process Channel for embedded mode and tests. The
// host half processes Sends through a handler and can emit pushes at any
// time; the test knobs simulate the failure modes of the real channel
// (lost replies, transient delivery errors, a torn-down peer).
type LocalChannel struct {
	mu          sync.Mutex
	handler     HandlerFunc
	subscribers map[int]func(protocol.Message)
	nextSubID   int
	closed      bool

	// Failure simulation.
	dropReplies  bool
	failNext     int
	disconnected bool
}

// NewLocalChannel creates a local channel whose host half runs handler.
func NewLocalChannel(handler HandlerFunc) *LocalChannel {
	return &LocalChannel{
		handler:     handler,
		subscribers: make(map[int]func(protocol.Message)),
	}
}

// Send runs the host handler synchronously and returns its reply, subject
// to the configured failure simulation.
func (c *LocalChannel) Send(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	c.mu.Lock()
	if c.closed || c.disconnected {
		c.mu.Unlock()
		return protocol.Message{}, protocol.ErrChannelUnavailable
	}
	if c.failNext > 0 {
		c.failNext--
		c.mu.Unlock()
		return protocol.Message{}, fmt.Errorf("transient delivery failure")
	}
	handler := c.handler
	drop := c.dropReplies
	c.mu.Unlock()

	if handler == nil {
		return protocol.Message{}, protocol.ErrChannelUnavailable
	}

	reply := handler(ctx, msg)
	if drop {
		// The peripheral was recreated before the reply landed: the reply
		// path is lost even though the host did the work.
		logging.TransportDebug("Dropping reply for %s (simulated context teardown)", msg.CorrelationID)
		return protocol.Message{}, protocol.ErrRequestTimedOut
	}
	return reply, nil
}

// Subscribe registers a push handler.
func (c *LocalChannel) Subscribe(handler func(protocol.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// Push delivers an unsolicited message to every subscriber. Used by the
// host half; delivery is independent of whether anyone is listening.
func (c *LocalChannel) Push(msg protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ErrChannelUnavailable
	}
	subs := make([]func(protocol.Message), 0, len(c.subscribers))
	for _, h := range c.subscribers {
		subs = append(subs, h)
	}
	c.mu.Unlock()

	for _, h := range subs {
		h(msg)
	}
	return nil
}

// Connected reports whether the host half is reachable.
func (c *LocalChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.disconnected
}

// Close tears the channel down.
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subscribers = make(map[int]func(protocol.Message))
	return nil
}

// DropReplies makes Send lose the direct reply after the handler has run,
// simulating peripheral teardown mid-flight.
func (c *LocalChannel) DropReplies(drop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropReplies = drop
}

// FailNext makes the next n Sends fail with a transient error.
func (c *LocalChannel) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// SetDisconnected simulates a permanently gone peer.
func (c *LocalChannel) SetDisconnected(d bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = d
}

var _ Channel = (*LocalChannel)(nil)
