// Package correlation tracks inbound webhook requests from acceptance to the
// completion callback.
package correlation

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle position of a correlation. Transitions only move
// forward: Received, Processing, then Completed or Failed.
type Status string

const (
	StatusReceived   Status = "Received"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

func (s Status) rank() int {
	switch s {
	case StatusReceived:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether s is Completed or Failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle
// monotonic.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// NotificationConfig describes where the completion callback goes.
type NotificationConfig struct {
	CallbackURL string `json:"callbackUrl"`
}

// Record is one tracked webhook request.
type Record struct {
	CorrelationID string              `json:"correlationId"`
	Status        Status              `json:"status"`
	MessageType   string              `json:"messageType,omitempty"`
	MessageID     string              `json:"messageId,omitempty"`
	ReceivedAt    time.Time           `json:"receivedAt"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	Notification  *NotificationConfig `json:"notificationConfig,omitempty"`
	ResultPayload json.RawMessage     `json:"resultPayload,omitempty"`
	ErrorMessage  string              `json:"errorMessage,omitempty"`

	// RetryCount counts failed callback deliveries, not business retries.
	RetryCount            int        `json:"retryCount"`
	NotifiedAt            *time.Time `json:"notifiedAt,omitempty"`
	LastNotificationError string     `json:"lastNotificationError,omitempty"`
	NotificationAbandoned bool       `json:"notificationAbandoned"`

	// Version increments on every write and backs optimistic concurrency.
	Version int64 `json:"version"`
}

// CallbackURL returns the configured callback or "".
func (r Record) CallbackURL() string {
	if r.Notification == nil {
		return ""
	}
	return r.Notification.CallbackURL
}

// PendingNotification reports whether the completion callback still has to
// be delivered.
func (r Record) PendingNotification() bool {
	return r.Status.Terminal() &&
		r.CallbackURL() != "" &&
		r.NotifiedAt == nil &&
		!r.NotificationAbandoned
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		out.CompletedAt = &ts
	}
	if r.NotifiedAt != nil {
		ts := *r.NotifiedAt
		out.NotifiedAt = &ts
	}
	if r.Notification != nil {
		n := *r.Notification
		out.Notification = &n
	}
	if r.ResultPayload != nil {
		out.ResultPayload = append(json.RawMessage(nil), r.ResultPayload...)
	}
	return out
}

// Outcome is the result of business processing for a correlation.
type Outcome struct {
	Success bool
	// Result is the JSON document reported in the completion callback.
	Result json.RawMessage
	// Error describes the failure when Success is false.
	Error string
}

// Succeeded builds a successful outcome.
func Succeeded(result json.RawMessage) Outcome {
	return Outcome{Success: true, Result: result}
}

// Failed builds a failed outcome.
func Failed(message string) Outcome {
	return Outcome{Success: false, Error: message}
}

// ErrSkipUpdate may be returned by an Update mutator to leave the record
// untouched. Update then returns the current record and a nil error.
var ErrSkipUpdate = errors.New("correlation: skip update")
