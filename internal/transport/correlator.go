package transport

import (
	"errors"

	"textbridge/internal/logging"
	"textbridge/internal/pending"
	"textbridge/internal/protocol"
)

// Correlator listens for unsolicited push messages from the host and
// settles the matching pending entry by correlation id. It is the second
// delivery path of the dual-channel protocol.
type Correlator struct {
	table *pending.Table

	// RequireCorrelation disables the legacy fallback that attributes a
	// push with no correlation id to the most-recently-registered wait.
	// The fallback exists only for older hosts and can misattribute
	// results when multiple requests are outstanding.
	RequireCorrelation bool

	unsubscribe func()
}

// NewCorrelator creates a correlator settling into table.
func NewCorrelator(table *pending.Table) *Correlator {
	return &Correlator{table: table}
}

// Attach subscribes the correlator to the channel's push path. Call
// Detach to unsubscribe.
func (c *Correlator) Attach(channel Channel) {
	c.unsubscribe = channel.Subscribe(c.Handle)
}

// Detach removes the subscription.
func (c *Correlator) Detach() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// Handle processes one incoming push. Non-result actions are ignored. A
// push for an already-settled or unknown id is discarded with a warning,
// never an error: the reply path simply won the race.
func (c *Correlator) Handle(msg protocol.Message) {
	switch msg.Action {
	case protocol.ActionComplete, protocol.ActionError:
	default:
		return
	}

	id := msg.CorrelationID
	if id == "" {
		if c.RequireCorrelation {
			logging.TransportWarn("Discarding push with no correlation id")
			return
		}
		// Legacy host: attribute the push to the most recent wait. A
		// best-effort heuristic, wrong under concurrent outstanding
		// requests.
		var ok bool
		id, ok = c.table.MostRecent()
		if !ok {
			logging.TransportWarn("Push with no correlation id and no outstanding request, discarding")
			return
		}
		logging.TransportWarn("Push carried no correlation id, attributing to most recent request %s", id)
	}

	if msg.Action == protocol.ActionError {
		c.table.Settle(id, nil, errors.New(msg.Error))
		return
	}
	c.table.Settle(id, msg.Payload, nil)
}
