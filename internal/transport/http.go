package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"textbridge/internal/logging"
	"textbridge/internal/protocol"
)

// HTTPChannel is the over-the-wire Channel: requests go out as POSTs and
// pushes come back over a server-sent-events stream. Used when the
// peripheral runs in a separate process from the host daemon.
type HTTPChannel struct {
	mu sync.RWMutex

	baseURL   string
	timeout   time.Duration
	client    *http.Client
	connected bool

	// SSE specific
	sseResp     *http.Response
	cancel      context.CancelFunc
	subscribers map[int]func(protocol.Message)
	nextSubID   int
}

// NewHTTPChannel creates a channel pointed at the host daemon's base URL.
func NewHTTPChannel(baseURL string, timeout time.Duration) *HTTPChannel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		subscribers: make(map[int]func(protocol.Message)),
	}
}

// Connect opens the push stream. Send works without Connect, but no pushes
// are observed until the stream is up.
func (c *HTTPChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, "GET", c.baseURL+"/events", nil)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The stream outlives any single request timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to push stream %s: %w", c.baseURL, classifySendError(err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("push stream returned status %d", resp.StatusCode)
	}

	c.sseResp = resp
	c.cancel = cancel
	c.connected = true
	c.mu.Unlock()

	go c.readStream(resp.Body)
	logging.Transport("Connected to host push stream at %s", c.baseURL)
	return nil
}

// readStream parses SSE frames and fans incoming pushes out to subscribers.
func (c *HTTPChannel) readStream(body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var data bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				c.dispatch(data.Bytes())
				data.Reset()
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(rest, " "))
		}
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	logging.TransportWarn("Push stream from %s closed", c.baseURL)
}

func (c *HTTPChannel) dispatch(raw []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		logging.TransportWarn("Discarding malformed push: %v", err)
		return
	}

	c.mu.RLock()
	subs := make([]func(protocol.Message), 0, len(c.subscribers))
	for _, h := range c.subscribers {
		subs = append(subs, h)
	}
	c.mu.RUnlock()

	for _, h := range subs {
		h(msg)
	}
}

// Send POSTs the request envelope and decodes the direct reply.
func (c *HTTPChannel) Send(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return protocol.Message{}, classifySendError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return protocol.Message{}, protocol.ErrChannelUnavailable
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocol.Message{}, fmt.Errorf("host returned status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var reply protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return protocol.Message{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply, nil
}

// classifySendError maps connection-level failures onto the taxonomy: a
// refused connection means the host is gone; everything else is transient.
func classifySendError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", protocol.ErrChannelUnavailable, err)
	}
	return err
}

// Subscribe registers a push handler.
func (c *HTTPChannel) Subscribe(handler func(protocol.Message)) func() {
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

// Connected reports whether the push stream is up.
func (c *HTTPChannel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close tears down the push stream.
func (c *HTTPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.connected = false
	return nil
}

var _ Channel = (*HTTPChannel)(nil)
