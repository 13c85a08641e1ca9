package metadata

// Reserved metadata keys. Custom metadata must not reuse them.
const (
	// KeyCorrelationID matches watermill's middleware.CorrelationIDMetadataKey.
	KeyCorrelationID     = "correlation_id"
	KeyMessageType       = "hookflow_message_type"
	KeyOriginalMessageID = "hookflow_original_message_id"
	KeyConsumer          = "hookflow_consumer"
	KeyQueue             = "hookflow_queue"
	KeyReceivedAt        = "hookflow_received_at"
	KeyIngressPath       = "hookflow_ingress_path"

	// KeyAttempt is the 1-based business attempt currently executing.
	KeyAttempt = "hookflow_attempt"

	// Reprocessing markers set by the recovery service.
	KeyReprocessOf    = "hookflow_reprocess_of"
	KeyReprocessCount = "hookflow_reprocess_count"

	// Error metadata attached when a message is routed to <queue>-error.
	KeyErrorType    = "hookflow_error_type"
	KeyErrorKind    = "hookflow_error_kind"
	KeyErrorMessage = "hookflow_error_message"
	KeyStackTrace   = "hookflow_stack_trace"
	KeyRetryCount   = "hookflow_retry_count"
	KeyFailedAt     = "hookflow_failed_at"
	KeyFailedQueue  = "hookflow_failed_queue"
)

// ErrorKeys lists the keys written by the error router.
var ErrorKeys = []string{
	KeyErrorType, KeyErrorKind, KeyErrorMessage, KeyStackTrace,
	KeyRetryCount, KeyFailedAt, KeyFailedQueue,
}
