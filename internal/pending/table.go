// Package pending tracks in-flight request ids and settles each exactly once,
// whether the outcome arrives via the direct reply path, a correlated push,
// or a timeout.
package pending

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"textbridge/internal/logging"
	"textbridge/internal/protocol"
)

// Outcome is the settled result of a tracked request.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// entry is one outstanding wait. settled flips exactly once, under the
// table mutex, so the timeout path and the settle path are mutually
// exclusive.
type entry struct {
	correlationID string
	ch            chan Outcome
	timer         *time.Timer
	createdAt     time.Time
	settled       bool
}

// Table tracks outstanding requests by correlation id.
// The zero value is not usable; use NewTable.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string // registration order, for the legacy no-id fallback
}

// NewTable creates an empty pending-request table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*entry),
	}
}

// Register creates a wait for the given correlation id. The returned channel
// receives exactly one Outcome: the first of settle or timeout. Registering
// an id that is already live is an error; at most one live entry per id.
func (t *Table) Register(id string, timeout time.Duration) (<-chan Outcome, error) {
	if id == "" {
		return nil, fmt.Errorf("correlation id required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return nil, fmt.Errorf("correlation id %s already registered", id)
	}

	e := &entry{
		correlationID: id,
		ch:            make(chan Outcome, 1),
		createdAt:     time.Now(),
	}
	t.entries[id] = e
	t.order = append(t.order, id)

	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			t.settle(id, nil, protocol.ErrRequestTimedOut, "timeout")
		})
	}

	logging.TransportDebug("Registered pending request %s (timeout %v)", id, timeout)
	return e.ch, nil
}

// Settle resolves or rejects the wait for id. An unknown id (already
// settled, timed out, or never registered) is a logged no-op, not an error.
// Returns true if this call took effect.
func (t *Table) Settle(id string, payload json.RawMessage, err error) bool {
	return t.settle(id, payload, err, "settle")
}

func (t *Table) settle(id string, payload json.RawMessage, err error, via string) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.settled {
		t.mu.Unlock()
		logging.TransportWarn("Ignoring %s for unknown or settled request %s", via, id)
		return false
	}
	e.settled = true
	delete(t.entries, id)
	t.dropFromOrder(id)
	if e.timer != nil {
		e.timer.Stop()
	}
	t.mu.Unlock()

	e.ch <- Outcome{Payload: payload, Err: err}
	logging.TransportDebug("Settled request %s via %s (err=%v)", id, via, err)
	return true
}

// dropFromOrder removes id from the registration order so the slice cannot
// grow without bound on a long-lived peripheral. Caller holds t.mu. Scans
// from the tail since the settled id is usually the newest.
func (t *Table) dropFromOrder(id string) {
	for i := len(t.order) - 1; i >= 0; i-- {
		if t.order[i] == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// Has reports whether id has a live, unsettled entry.
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// MostRecent returns the most-recently-registered unsettled id. Used only
// by the legacy fallback for pushes that carry no correlation id; with
// multiple outstanding requests it can misattribute results. Settled ids
// are pruned from order at settle time, so every remaining id is live.
func (t *Table) MostRecent() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.order) == 0 {
		return "", false
	}
	return t.order[len(t.order)-1], true
}
