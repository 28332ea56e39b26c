package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"textbridge/internal/pending"
	"textbridge/internal/protocol"
)

// countingSleep replaces the client's backoff wait and records each delay.
type countingSleep struct {
	delays []time.Duration
}

func (c *countingSleep) sleep(ctx context.Context, d time.Duration) error {
	c.delays = append(c.delays, d)
	return nil
}

func testOpts() CallOptions {
	return CallOptions{
		Timeout:     200 * time.Millisecond,
		Retries:     2,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  80 * time.Millisecond,
		PushTimeout: time.Second,
	}
}

func TestClient_DirectReplySettlesCall(t *testing.T) {
	ch := NewLocalChannel(func(ctx context.Context, msg protocol.Message) protocol.Message {
		return protocol.Message{
			Action:        protocol.ActionComplete,
			CorrelationID: msg.CorrelationID,
			Payload:       json.RawMessage(`{"formattedText":"X"}`),
		}
	})
	table := pending.NewTable()
	client := NewClient(ch, table)

	payload, err := client.Call(context.Background(), protocol.Message{Action: protocol.ActionFormat}, testOpts())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(payload) != `{"formattedText":"X"}` {
		t.Fatalf("payload=%s, want format result", payload)
	}
	if table.Len() != 0 {
		t.Fatalf("pending entries=%d after call, want 0", table.Len())
	}
}

func TestClient_RejectsEmptyAction(t *testing.T) {
	client := NewClient(NewLocalChannel(nil), pending.NewTable())
	if _, err := client.Call(context.Background(), protocol.Message{}, testOpts()); err == nil {
		t.Fatal("Call with empty action succeeded, want error")
	}
}

func TestClient_AssignsCorrelationID(t *testing.T) {
	var seen string
	ch := NewLocalChannel(func(ctx context.Context, msg protocol.Message) protocol.Message {
		seen = msg.CorrelationID
		return protocol.Message{Action: protocol.ActionComplete, CorrelationID: msg.CorrelationID}
	})
	client := NewClient(ch, pending.NewTable())

	if _, err := client.Call(context.Background(), protocol.Message{Action: protocol.ActionPing}, testOpts()); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if seen == "" {
		t.Fatal("request reached host without a correlation id")
	}
}

func TestClient_RetriesTransientFailuresWithBackoff(t *testing.T) {
	var attempts int32
	ch := NewLocalChannel(func(ctx context.Context, msg protocol.Message) protocol.Message {
		atomic.AddInt32(&attempts, 1)
		return protocol.Message{
			Action:        protocol.ActionComplete,
			CorrelationID: msg.CorrelationID,
			Payload:       json.RawMessage(`"ok"`),
		}
	})
	ch.FailNext(2) // fail twice, then succeed

	cs := &countingSleep{}
	client := NewClient(ch, pending.NewTable())
	client.sleep = cs.sleep

	payload, err := client.Call(context.Background(), protocol.Message{Action: protocol.ActionFormat}, testOpts())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(payload) != `"ok"` {
		t.Fatalf("payload=%s, want ok", payload)
	}
	if len(cs.delays) != 2 {
		t.Fatalf("backoff waits=%d, want exactly 2", len(cs.delays))
	}
	// min(base<<attempt, cap): 10ms then 20ms.
	if cs.delays[0] != 10*time.Millisecond || cs.delays[1] != 20*time.Millisecond {
		t.Fatalf("delays=%v, want [10ms 20ms]", cs.delays)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("handler ran %d times, want 1 (only the successful attempt)", n)
	}
}

func TestClient_BackoffIsCapped(t *testing.T) {
	opts := CallOptions{
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  250 * time.Millisecond,
	}
	opts.applyDefaults()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}
	for attempt, w := range want {
		if got := opts.backoffDelay(attempt); got != w {
			t.Fatalf("backoffDelay(%d)=%v, want %v", attempt, got, w)
		}
	}
}

func TestClient_ChannelUnavailableAbortsWithoutBackoff(t *testing.T) {
	ch := NewLocalChannel(nil)
	ch.SetDisconnected(true)

	cs := &countingSleep{}
	client := NewClient(ch, pending.NewTable())
	client.sleep = cs.sleep

	_, err := client.Call(context.Background(), protocol.Message{Action: protocol.ActionFormat}, testOpts())
	if !errors.Is(err, protocol.ErrChannelUnavailable) {
		t.Fatalf("err=%v, want ErrChannelUnavailable", err)
	}
	if len(cs.delays) != 0 {
		t.Fatalf("backoff waits=%d, want 0 for a non-retryable failure", len(cs.delays))
	}
}

func TestClient_ExhaustedAttemptsCarryLastFailure(t *testing.T) {
	ch := NewLocalChannel(func(ctx context.Context, msg protocol.Message) protocol.Message {
		return protocol.Message{Action: protocol.ActionComplete, CorrelationID: msg.CorrelationID}
	})
	ch.FailNext(100) // never succeeds

	cs := &countingSleep{}
	client := NewClient(ch, pending.NewTable())
	client.sleep = cs.sleep

	opts := testOpts()
	opts.PushTimeout = 50 * time.Millisecond // no push is coming

	_, err := client.Call(context.Background(), protocol.Message{Action: protocol.ActionFormat}, opts)
	if err == nil {
		t.Fatal("Call succeeded, want aggregated failure")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("err=%v, want attempt count in aggregated error", err)
	}
	if len(cs.delays) != 2 {
		t.Fatalf("backoff waits=%d, want 2", len(cs.delays))
	}
}

func TestClient_PushRescuesLostReply(t *testing.T) {
	var ch *LocalChannel
	ch = NewLocalChannel(func(ctx context.Context, msg protocol.Message) protocol.Message {
		// The host emits the push first; the direct reply will be lost.
		ch.Push(protocol.CompletePush(msg.CorrelationID, json.RawMessage(`{"formattedText":"X"}`)))
		return protocol.CompletePush(msg.CorrelationID, json.RawMessage(`{"formattedText":"X"}`))
	})
	ch.DropReplies(true)

	table := pending.NewTable()
	correlator := NewCorrelator(table)
	correlator.Attach(ch)
	defer correlator.Detach()

	client := NewClient(ch, table)
	client.sleep = (&countingSleep{}).sleep

	payload, err := client.Call(context.Background(), protocol.Message{Action: protocol.ActionFormat}, testOpts())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var res protocol.FormatResult
	if err := json.Unmarshal(payload, &res); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if res.FormattedText != "X" {
		t.Fatalf("FormattedText=%q, want X", res.FormattedText)
	}
	if table.Len() != 0 {
		t.Fatalf("pending entries=%d, want 0", table.Len())
	}
}

func TestClient_FirstSettlementWinsExactlyOnce(t *testing.T) {
	// The push lands 50ms before the direct reply; the caller must see the
	// push's value exactly once and the late reply must be discarded.
	var ch *LocalChannel
	ch = NewLocalChannel(func(ctx context.Context, msg protocol.Message) protocol.Message {
		ch.Push(protocol.CompletePush(msg.CorrelationID, json.RawMessage(`"push-value"`)))
		time.Sleep(50 * time.Millisecond)
		return protocol.CompletePush(msg.CorrelationID, json.RawMessage(`"reply-value"`))
	})

	table := pending.NewTable()
	correlator := NewCorrelator(table)
	correlator.Attach(ch)
	defer correlator.Detach()

	client := NewClient(ch, table)

	payload, err := client.Call(context.Background(), protocol.Message{Action: protocol.ActionFormat}, testOpts())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(payload) != `"push-value"` {
		t.Fatalf("payload=%s, want the earlier push to win", payload)
	}
}

func TestClient_ErrorReplyPropagates(t *testing.T) {
	ch := NewLocalChannel(func(ctx context.Context, msg protocol.Message) protocol.Message {
		return protocol.ErrorPush(msg.CorrelationID, "template not found")
	})
	client := NewClient(ch, pending.NewTable())

	_, err := client.Call(context.Background(), protocol.Message{Action: protocol.ActionFormat}, testOpts())
	if err == nil || !strings.Contains(err.Error(), "template not found") {
		t.Fatalf("err=%v, want template not found", err)
	}
}
