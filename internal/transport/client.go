package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"textbridge/internal/logging"
	"textbridge/internal/pending"
	"textbridge/internal/protocol"
)

// CallOptions bound a single logical call.
type CallOptions struct {
	// Timeout applies to each delivery attempt on the primary channel.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	Retries int
	// BackoffBase and BackoffCap shape the exponential backoff between
	// attempts: min(base << attempt, cap).
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// PushTimeout bounds the wait for the correlated push. It should be
	// larger than Timeout, since the push may legitimately arrive after
	// the reply path has given up.
	PushTimeout time.Duration
}

func (o *CallOptions) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Second
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = 2*o.Timeout + time.Duration(o.Retries)*o.BackoffCap
	}
}

// backoffDelay returns the capped exponential delay before retry attempt.
func (o CallOptions) backoffDelay(attempt int) time.Duration {
	d := o.BackoffBase << uint(attempt)
	if d > o.BackoffCap || d <= 0 {
		d = o.BackoffCap
	}
	return d
}

// Client issues correlated requests over a Channel, racing the direct reply
// against the correlated push registered in the pending table. Whichever
// settles first wins; the loser is discarded.
type Client struct {
	channel Channel
	table   *pending.Table

	// sleep waits for the backoff delay; tests replace it to drive time
	// deterministically.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a transport client. The table must be the same one the
// push correlator settles into.
func NewClient(channel Channel, table *pending.Table) *Client {
	return &Client{
		channel: channel,
		table:   table,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Call sends msg and returns the payload from whichever of the direct
// reply or the correlated push resolves first. Retryable failures are
// retried with capped exponential backoff; protocol.ErrChannelUnavailable
// and auth-class failures abort immediately. After all attempts exhaust,
// the last failure is returned wrapped with the attempt count.
func (c *Client) Call(ctx context.Context, msg protocol.Message, opts CallOptions) (json.RawMessage, error) {
	if msg.Action == "" {
		return nil, fmt.Errorf("request action required")
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = protocol.NewCorrelationID()
	}
	opts.applyDefaults()

	// The push wait is registered before the first send so a fast host
	// cannot push before anyone is listening.
	outcome, err := c.table.Register(msg.CorrelationID, opts.PushTimeout)
	if err != nil {
		return nil, err
	}

	rl := logging.WithRequestID(logging.CategoryTransport, msg.CorrelationID)
	var lastErr error

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		msg.Attempt = attempt

		sendCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		reply, err := c.channel.Send(sendCtx, msg)
		cancel()

		if err == nil {
			// The reply path settles the shared entry; if the push beat
			// us here, this is a logged no-op and the push's value wins.
			if reply.Action == protocol.ActionError || reply.Error != "" {
				c.table.Settle(msg.CorrelationID, nil, errors.New(reply.Error))
			} else {
				c.table.Settle(msg.CorrelationID, reply.Payload, nil)
			}
			return c.await(outcome, msg.CorrelationID)
		}

		if sendErr := sendCtx.Err(); sendErr != nil && !errors.Is(err, protocol.ErrChannelUnavailable) {
			err = fmt.Errorf("%w: %v", protocol.ErrRequestTimedOut, err)
		}
		lastErr = err

		// The push may have settled the call while the send was failing.
		if !c.table.Has(msg.CorrelationID) {
			rl.Debug("Send failed but push already settled the call")
			return c.await(outcome, msg.CorrelationID)
		}

		if !protocol.Retryable(err) {
			rl.Warn("Non-retryable failure on attempt %d: %v", attempt, err)
			c.table.Settle(msg.CorrelationID, nil, err)
			return c.await(outcome, msg.CorrelationID)
		}

		if attempt == opts.Retries {
			break
		}

		delay := opts.backoffDelay(attempt)
		rl.Debug("Attempt %d failed (%v), backing off %v", attempt, err, delay)

		// The push can still win during the backoff window.
		select {
		case out := <-outcome:
			return unpack(out, msg.CorrelationID)
		default:
		}
		if err := c.sleep(ctx, delay); err != nil {
			c.table.Settle(msg.CorrelationID, nil, err)
			return c.await(outcome, msg.CorrelationID)
		}
	}

	// Every send attempt failed. The host may still have processed an
	// earlier attempt, so wait out the push before giving up; its own
	// timeout bounds this wait.
	rl.Warn("All %d attempts failed, waiting for push (last error: %v)", opts.Retries+1, lastErr)
	out := <-outcome
	if out.Err != nil {
		if errors.Is(out.Err, protocol.ErrRequestTimedOut) && lastErr != nil {
			return nil, fmt.Errorf("request %s failed after %d attempts: %w", msg.CorrelationID, opts.Retries+1, lastErr)
		}
		return nil, out.Err
	}
	return out.Payload, nil
}

// await reads the settled outcome for id.
func (c *Client) await(outcome <-chan pending.Outcome, id string) (json.RawMessage, error) {
	return unpack(<-outcome, id)
}

func unpack(out pending.Outcome, id string) (json.RawMessage, error) {
	if out.Err != nil {
		return nil, fmt.Errorf("request %s failed: %w", id, out.Err)
	}
	return out.Payload, nil
}

// Connected reports whether the underlying channel currently has a peer.
func (c *Client) Connected() bool {
	return c.channel.Connected()
}
