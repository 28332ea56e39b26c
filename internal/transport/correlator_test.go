package transport

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"textbridge/internal/pending"
	"textbridge/internal/protocol"
)

func TestCorrelator_SettlesByCorrelationID(t *testing.T) {
	table := pending.NewTable()
	c := NewCorrelator(table)

	ch, err := table.Register("r1", time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	c.Handle(protocol.CompletePush("r1", json.RawMessage(`"v"`)))

	out := <-ch
	if out.Err != nil || string(out.Payload) != `"v"` {
		t.Fatalf("outcome=%+v, want v", out)
	}
}

func TestCorrelator_ErrorPushRejects(t *testing.T) {
	table := pending.NewTable()
	c := NewCorrelator(table)

	ch, _ := table.Register("r1", time.Second)
	c.Handle(protocol.ErrorPush("r1", "backend exploded"))

	out := <-ch
	if out.Err == nil || !strings.Contains(out.Err.Error(), "backend exploded") {
		t.Fatalf("outcome err=%v, want backend exploded", out.Err)
	}
}

func TestCorrelator_UnknownIDIsDiscarded(t *testing.T) {
	table := pending.NewTable()
	c := NewCorrelator(table)

	// Must not panic or create entries.
	c.Handle(protocol.CompletePush("ghost", json.RawMessage(`"v"`)))
	if table.Len() != 0 {
		t.Fatalf("table len=%d, want 0", table.Len())
	}
}

func TestCorrelator_SecondPushForSameIDIsNoOp(t *testing.T) {
	table := pending.NewTable()
	c := NewCorrelator(table)

	ch, _ := table.Register("r1", time.Second)
	c.Handle(protocol.CompletePush("r1", json.RawMessage(`"first"`)))
	c.Handle(protocol.CompletePush("r1", json.RawMessage(`"second"`)))

	out := <-ch
	if string(out.Payload) != `"first"` {
		t.Fatalf("payload=%s, want the first push to win", out.Payload)
	}
	select {
	case extra := <-ch:
		t.Fatalf("second outcome %+v delivered, want exactly one", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCorrelator_IgnoresNonResultActions(t *testing.T) {
	table := pending.NewTable()
	c := NewCorrelator(table)

	ch, _ := table.Register("r1", time.Second)
	c.Handle(protocol.Message{Action: protocol.ActionPing, CorrelationID: "r1"})

	select {
	case out := <-ch:
		t.Fatalf("ping settled the request: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCorrelator_LegacyPushResolvesSingleOutstanding(t *testing.T) {
	table := pending.NewTable()
	c := NewCorrelator(table)

	ch, _ := table.Register("r1", time.Second)
	c.Handle(protocol.Message{Action: protocol.ActionComplete, Payload: json.RawMessage(`"v"`)})

	out := <-ch
	if out.Err != nil || string(out.Payload) != `"v"` {
		t.Fatalf("outcome=%+v, want legacy push to resolve the single wait", out)
	}
}

// With two outstanding requests a legacy push resolves the most recent one.
// Expected-but-fragile compatibility behavior, not a correctness guarantee.
func TestCorrelator_LegacyPushResolvesMostRecent(t *testing.T) {
	table := pending.NewTable()
	c := NewCorrelator(table)

	ch1, _ := table.Register("r1", time.Second)
	ch2, _ := table.Register("r2", time.Second)

	c.Handle(protocol.Message{Action: protocol.ActionComplete, Payload: json.RawMessage(`"v"`)})

	out := <-ch2
	if string(out.Payload) != `"v"` {
		t.Fatalf("r2 outcome=%+v, want legacy push attributed to most recent", out)
	}
	select {
	case out := <-ch1:
		t.Fatalf("r1 settled by legacy push: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCorrelator_RequireCorrelationDisablesFallback(t *testing.T) {
	table := pending.NewTable()
	c := NewCorrelator(table)
	c.RequireCorrelation = true

	ch, _ := table.Register("r1", time.Second)
	c.Handle(protocol.Message{Action: protocol.ActionComplete, Payload: json.RawMessage(`"v"`)})

	select {
	case out := <-ch:
		t.Fatalf("uncorrelated push settled the request: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}
