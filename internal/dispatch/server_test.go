package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"textbridge/internal/pending"
	"textbridge/internal/protocol"
	"textbridge/internal/transport"
)

func TestServerSendRoundTrip(t *testing.T) {
	hub := NewHub()
	d := NewDispatcher(hub)
	d.Register("echo", func(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
		return msg.Payload, nil
	})
	srv := httptest.NewServer(NewServer(d, hub))
	defer srv.Close()

	body, _ := json.Marshal(protocol.Message{
		Action:        "echo",
		CorrelationID: "s-1",
		Payload:       json.RawMessage(`{"x":true}`),
	})
	resp, err := http.Post(srv.URL+"/send", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()

	var reply protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Action != protocol.ActionComplete || reply.CorrelationID != "s-1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestServerRejectsMalformedSend(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewServer(NewDispatcher(hub), hub))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/send", "application/json", strings.NewReader("not json"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServerEventsStreamCarriesPushes(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewServer(NewDispatcher(hub), hub))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()

	// Wait for the hub to register the stream before pushing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Listeners() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Push(protocol.CompletePush("p-1", json.RawMessage(`"done"`))); err != nil {
		t.Fatalf("push: %v", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &msg); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if msg.CorrelationID != "p-1" || msg.Action != protocol.ActionComplete {
			t.Fatalf("unexpected push: %+v", msg)
		}
		return
	}
	t.Fatalf("no push frame before stream ended: %v", scanner.Err())
}

// A peripheral tearing down its connection mid-request must not cancel the
// work: the push still has to carry the completed result.
func TestServerSendSurvivesClientDisconnect(t *testing.T) {
	hub := NewHub()
	d := NewDispatcher(hub)

	gate := make(chan struct{})
	d.Register("slow", func(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
		<-gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return json.RawMessage(`"done"`), nil
	})
	srv := httptest.NewServer(NewServer(d, hub))
	defer srv.Close()

	pushes, remove := hub.add()
	defer remove()

	body, _ := json.Marshal(protocol.Message{Action: "slow", CorrelationID: "r1"})
	reqCtx, cancelReq := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodPost, srv.URL+"/send", bytes.NewReader(body))

	sent := make(chan error, 1)
	go func() {
		_, err := http.DefaultClient.Do(req)
		sent <- err
	}()

	// Tear the reply path down while the handler is still working, then
	// let the handler finish.
	time.Sleep(50 * time.Millisecond)
	cancelReq()
	<-sent
	close(gate)

	select {
	case msg := <-pushes:
		if msg.Action != protocol.ActionComplete {
			t.Fatalf("push = %+v, want completed result", msg)
		}
		if string(msg.Payload) != `"done"` {
			t.Fatalf("push payload = %s, want \"done\"", msg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no push after reply path teardown")
	}
}

func TestHubPushWithoutListeners(t *testing.T) {
	hub := NewHub()
	if err := hub.Push(protocol.CompletePush("lonely", nil)); err != nil {
		t.Fatalf("push with no listeners: %v", err)
	}
}

// End to end: a peripheral calling over HTTP gets its result even when the
// reply body carries it, and the same result also rides the push stream.
func TestServerWithHTTPChannelClient(t *testing.T) {
	hub := NewHub()
	d := NewDispatcher(hub)
	d.Register("echo", func(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
		return msg.Payload, nil
	})
	srv := httptest.NewServer(NewServer(d, hub))
	defer srv.Close()

	channel := transport.NewHTTPChannel(srv.URL, 2*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := channel.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer channel.Close()

	table := pending.NewTable()
	correlator := transport.NewCorrelator(table)
	correlator.Attach(channel)
	defer correlator.Detach()

	client := transport.NewClient(channel, table)
	payload, err := client.Call(ctx, protocol.Message{
		Action:  "echo",
		Payload: json.RawMessage(`{"hello":"host"}`),
	}, transport.CallOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(payload) != `{"hello":"host"}` {
		t.Fatalf("payload = %s", payload)
	}
}
