// Package protocol defines the message envelope and error taxonomy shared
// by the peripheral and host sides of the bridge.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Action identifies the operation a message carries.
type Action string

const (
	// Requests issued by the peripheral.
	ActionFormat            Action = "format"
	ActionTemplatesList     Action = "templates.list"
	ActionStatsGet          Action = "stats.get"
	ActionSessionInvalidate Action = "session.invalidate"
	ActionPing              Action = "ping"

	// Pushes emitted by the host.
	ActionComplete Action = "complete"
	ActionError    Action = "error"
)

// Message is the envelope for both directions of the channel. A direct
// reply and an independent push for the same request carry the same
// CorrelationID; that id is the only ordering mechanism the channel offers.
type Message struct {
	Action        Action          `json:"action"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// NewCorrelationID returns a fresh correlation id.
func NewCorrelationID() string {
	return uuid.New().String()
}

// FormatRequest is the payload of an ActionFormat message.
type FormatRequest struct {
	Text       string `json:"text"`
	TemplateID string `json:"templateId,omitempty"`
	SourceURL  string `json:"sourceUrl,omitempty"`
}

// FormatResult is the success payload for a format operation.
type FormatResult struct {
	FormattedText string `json:"formattedText"`
}

// Ack is the success payload for operations with no result body.
type Ack struct {
	Success bool `json:"success"`
}

// Template describes a reformatting template served by the backend.
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"` // ms epoch
}

// UsageStats summarizes per-identity usage reported by the backend.
type UsageStats struct {
	FormatCount int64 `json:"formatCount"`
	QuotaLimit  int64 `json:"quotaLimit"`
	PeriodStart int64 `json:"periodStart,omitempty"` // ms epoch
}

// CompletePush builds the push emitted after successful work.
func CompletePush(correlationID string, payload json.RawMessage) Message {
	return Message{Action: ActionComplete, CorrelationID: correlationID, Payload: payload}
}

// ErrorPush builds the push emitted after failed work.
func ErrorPush(correlationID string, errMsg string) Message {
	return Message{Action: ActionError, CorrelationID: correlationID, Error: errMsg}
}
