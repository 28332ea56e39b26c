package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the transport and identity layers.
var (
	// ErrRequestTimedOut means a registered wait expired before either the
	// direct reply or the correlated push arrived. Retryable.
	ErrRequestTimedOut = errors.New("request timed out")

	// ErrChannelUnavailable means the peer context no longer exists, so
	// further delivery attempts cannot succeed. Non-retryable.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrNoSession means no identity session is present. Non-retryable;
	// the caller must re-authenticate.
	ErrNoSession = errors.New("no active session")
)

// UpstreamError reports a non-2xx response from the backend.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// Retryable reports whether another delivery attempt could succeed.
// Timeouts and transient upstream failures (5xx, 408, 429) are retryable;
// a vanished channel, a missing session, and auth/permission-class upstream
// statuses are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChannelUnavailable) || errors.Is(err, ErrNoSession) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status >= 500:
			return true
		case ue.Status == http.StatusRequestTimeout, ue.Status == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}
	return true
}
