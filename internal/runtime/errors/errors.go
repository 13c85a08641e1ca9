package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired        = sterrors.New("hookflow: service is required")
	ErrHandlerRequired        = sterrors.New("hookflow: handler function is required")
	ErrConsumerNameRequired   = sterrors.New("hookflow: consumer name is required")
	ErrQueueRequired          = sterrors.New("hookflow: consumer queue is required")
	ErrDuplicateConsumer      = sterrors.New("hookflow: consumer already registered")
	ErrDuplicateMessageType   = sterrors.New("hookflow: message type already bound to a consumer")
	ErrDuplicateRoute         = sterrors.New("hookflow: ingress path already bound to a consumer")
	ErrServiceStarted         = sterrors.New("hookflow: consumers must be registered before the service starts")
	ErrServiceClosed          = sterrors.New("hookflow: service is closed")
	ErrPublisherRequired      = sterrors.New("hookflow: publisher is required")
	ErrTopicRequired          = sterrors.New("hookflow: topic is required")
	ErrFailureStoreRequired   = sterrors.New("hookflow: advanced error mode requires a failure store")
	ErrUnknownMessageType     = sterrors.New("hookflow: no consumer is bound to the message type")
	ErrStoreRequired          = sterrors.New("hookflow: store is required")
	ErrDispatcherRequired     = sterrors.New("hookflow: dispatcher is required")
	ErrNotFound               = sterrors.New("hookflow: record not found")
	ErrAlreadyExists          = sterrors.New("hookflow: record already exists")
	ErrConflict               = sterrors.New("hookflow: concurrent modification")
	ErrImmutableField         = sterrors.New("hookflow: immutable field modified")
	ErrNotReprocessable       = sterrors.New("hookflow: message cannot be reprocessed")
	ErrEditDisabled           = sterrors.New("hookflow: editing failed messages is disabled")
	ErrInvalidPayload         = sterrors.New("hookflow: payload does not satisfy the message contract")
	ErrUnauthorized           = sterrors.New("hookflow: missing or invalid api key")
	ErrForbiddenPath          = sterrors.New("hookflow: api key is not allowed to access this path")
	ErrInvalidCallbackURL     = sterrors.New("hookflow: completion url must be an absolute http(s) url")
	ErrCorrelationIDRequired  = sterrors.New("hookflow: correlation id is required")
	ErrNotificationInProgress = sterrors.New("hookflow: notification already in flight")

	// ErrVersionMismatch reports a lost optimistic write. It still matches
	// ErrConflict; store retries act on it alone.
	ErrVersionMismatch = fmt.Errorf("%w: record version changed", ErrConflict)
)

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "hookflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
