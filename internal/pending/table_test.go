package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"textbridge/internal/protocol"
)

func TestTable_SettleDeliversOutcome(t *testing.T) {
	tbl := NewTable()
	ch, err := tbl.Register("r1", time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !tbl.Has("r1") {
		t.Fatal("Has(r1)=false, want true")
	}

	if ok := tbl.Settle("r1", json.RawMessage(`{"formattedText":"X"}`), nil); !ok {
		t.Fatal("Settle returned false, want true")
	}

	out := <-ch
	if out.Err != nil {
		t.Fatalf("outcome err=%v, want nil", out.Err)
	}
	if string(out.Payload) != `{"formattedText":"X"}` {
		t.Fatalf("payload=%s, want format result", out.Payload)
	}
	if tbl.Has("r1") {
		t.Fatal("Has(r1)=true after settle, want false")
	}
}

func TestTable_SecondSettleIsNoOp(t *testing.T) {
	tbl := NewTable()
	ch, err := tbl.Register("r1", time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if ok := tbl.Settle("r1", json.RawMessage(`"first"`), nil); !ok {
		t.Fatal("first Settle returned false")
	}
	if ok := tbl.Settle("r1", json.RawMessage(`"second"`), nil); ok {
		t.Fatal("second Settle returned true, want no-op")
	}

	out := <-ch
	if string(out.Payload) != `"first"` {
		t.Fatalf("payload=%s, want the first settlement to win", out.Payload)
	}

	select {
	case extra := <-ch:
		t.Fatalf("received second outcome %+v, want exactly one", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTable_TimeoutRejects(t *testing.T) {
	tbl := NewTable()
	ch, err := tbl.Register("r1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	out := <-ch
	if !errors.Is(out.Err, protocol.ErrRequestTimedOut) {
		t.Fatalf("err=%v, want ErrRequestTimedOut", out.Err)
	}

	// A push after timeout must not resurrect the call.
	if ok := tbl.Settle("r1", json.RawMessage(`"late"`), nil); ok {
		t.Fatal("Settle after timeout returned true, want no-op")
	}
}

func TestTable_SettleBeatsTimeout(t *testing.T) {
	tbl := NewTable()
	ch, err := tbl.Register("r1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if ok := tbl.Settle("r1", json.RawMessage(`"v"`), nil); !ok {
		t.Fatal("Settle returned false")
	}

	out := <-ch
	if out.Err != nil {
		t.Fatalf("err=%v, want nil (settle won)", out.Err)
	}

	// Wait past the original timeout; no second outcome may appear.
	select {
	case extra := <-ch:
		t.Fatalf("received second outcome %+v after timeout elapsed", extra)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTable_RejectsDuplicateAndEmptyIDs(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Register("", time.Second); err == nil {
		t.Fatal("Register(\"\") succeeded, want error")
	}
	if _, err := tbl.Register("r1", time.Second); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := tbl.Register("r1", time.Second); err == nil {
		t.Fatal("duplicate Register succeeded, want error")
	}
}

// A long-lived peripheral settles every request it registers; the
// registration-order slice must not accumulate those ids.
func TestTable_SettlePrunesOrder(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("r%d", i)
		ch, err := tbl.Register(id, time.Second)
		if err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
		tbl.Settle(id, nil, nil)
		<-ch
	}

	tbl.mu.Lock()
	n := len(tbl.order)
	tbl.mu.Unlock()
	if n != 0 {
		t.Fatalf("order holds %d settled ids, want 0", n)
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len=%d, want 0", tbl.Len())
	}
}

func TestTable_MostRecentPicksLatestUnsettled(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Register("r1", time.Second); err != nil {
		t.Fatalf("Register r1: %v", err)
	}
	ch2, err := tbl.Register("r2", time.Second)
	if err != nil {
		t.Fatalf("Register r2: %v", err)
	}

	id, ok := tbl.MostRecent()
	if !ok || id != "r2" {
		t.Fatalf("MostRecent=%q,%v, want r2,true", id, ok)
	}

	tbl.Settle("r2", nil, nil)
	<-ch2

	id, ok = tbl.MostRecent()
	if !ok || id != "r1" {
		t.Fatalf("MostRecent=%q,%v after settling r2, want r1,true", id, ok)
	}

	tbl.Settle("r1", nil, nil)
	if _, ok := tbl.MostRecent(); ok {
		t.Fatal("MostRecent ok=true with no outstanding requests")
	}
}
