// Package transport carries correlated requests between the peripheral and
// host contexts over an asynchronous, at-most-once channel, and reconciles
// the two delivery paths (direct reply, unsolicited push) for each request.
package transport

import (
	"context"

	"textbridge/internal/protocol"
)

// Channel is the peripheral's view of the cross-context channel.
//
// Send is the primary path: it delivers a request and blocks for the direct
// reply. Subscribe is the push path: handlers observe unsolicited messages
// emitted by the host. The channel offers no ordering guarantee between the
// two paths; correlation ids are the only reconciliation mechanism.
type Channel interface {
	// Send delivers msg and returns the direct reply. A permanently gone
	// peer yields protocol.ErrChannelUnavailable; transient failures yield
	// other errors.
	Send(ctx context.Context, msg protocol.Message) (protocol.Message, error)

	// Subscribe registers a handler for push messages. The returned
	// function removes the handler; it is safe to call more than once.
	Subscribe(handler func(protocol.Message)) (unsubscribe func())

	// Connected reports whether the peer context currently exists.
	Connected() bool

	// Close tears the channel down.
	Close() error
}
