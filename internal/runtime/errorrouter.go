package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/hookflow/internal/correlation"
	"github.com/drblury/hookflow/internal/failures"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hookflow/internal/runtime/metadata"
)

// persistTimeout bounds failure bookkeeping that runs on a detached context.
const persistTimeout = 10 * time.Second

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// routeFailure hands a message whose retries are exhausted to the consumer's
// error mode. A returned error means the failure could not be recorded and
// the message must be redelivered.
func (s *Service) routeFailure(ctx context.Context, c *consumer, msg *message.Message, md metadatapkg.Metadata, cause error) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	attempts := attemptOf(msg)
	if attempts < 1 {
		attempts = 1
	}
	in := failureInput{
		payload:       msg.Payload,
		metadata:      md.Without(metadatapkg.KeyAttempt),
		messageID:     originalMessageID(md, msg.UUID),
		correlationID: md.CorrelationID(),
		class:         errspkg.Classify(cause),
		retryCount:    attempts,
		failedAt:      s.now().UTC(),
	}
	fields := loggingpkg.LogFields{
		"consumer":       c.name,
		"message_id":     in.messageID,
		"correlation_id": in.correlationID,
		"error_type":     in.class.Type,
		"error_kind":     in.class.Kind.String(),
		"retry_count":    attempts,
		"error_mode":     string(c.conf.ErrorMode),
	}

	var failureID string
	switch c.conf.ErrorMode {
	case configpkg.ErrorModeAdvanced:
		rec, err := s.recordFailure(ctx, c, in)
		if err != nil {
			s.log.Error("Failed to persist failed message", err, fields)
			return err
		}
		failureID = rec.ID
		in.failureID = rec.ID
		fields["failure_id"] = rec.ID
	default:
		if err := s.publishToErrorQueue(ctx, c, in); err != nil {
			s.log.Error("Failed to publish to error queue", err, fields)
			return err
		}
		fields["error_queue"] = c.errorQueue
	}

	c.stats.onErrorRouted()
	s.metrics.FailureRecorded(c.queue, c.name, string(failures.SourceConsumer), in.class.Kind.String(), attempts)
	s.log.Info("Message routed to error handling", fields)

	s.completeCorrelation(ctx, in.correlationID, correlation.Failed(in.class.Message))
	s.settleReprocess(ctx, md, failureID, cause)

	if c.conf.ErrorMode == configpkg.ErrorModeAdvanced {
		s.runErrorHandler(ctx, c, in)
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, c *consumer, in failureInput) (failures.Record, error) {
	return s.recorder.Record(ctx, failures.Record{
		OriginalMessageID: in.messageID,
		CorrelationID:     in.correlationID,
		MessageType:       c.messageType,
		Consumer:          c.name,
		Queue:             c.queue,
		OriginalPayload:   rawPayload(in.payload),
		FailedAt:          in.failedAt,
		ErrorType:         in.class.Type,
		ErrorKind:         in.class.Kind.String(),
		ErrorMessage:      in.class.Message,
		StackTrace:        in.class.StackTrace,
		RetryCount:        in.retryCount,
		ReprocessCount:    in.metadata.Int(metadatapkg.KeyReprocessCount),
		CanReprocess:      in.class.Kind.Reprocessable(),
		FailureSource:     failures.SourceConsumer,
		Status:            failures.StatusPending,
	})
}

// publishToErrorQueue republishes the original payload with the failure
// details in metadata.
func (s *Service) publishToErrorQueue(ctx context.Context, c *consumer, in failureInput) error {
	md := in.metadata.Clone()
	md[metadatapkg.KeyOriginalMessageID] = in.messageID
	md[metadatapkg.KeyErrorType] = in.class.Type
	md[metadatapkg.KeyErrorKind] = in.class.Kind.String()
	md[metadatapkg.KeyErrorMessage] = in.class.Message
	if in.class.StackTrace != "" {
		md[metadatapkg.KeyStackTrace] = in.class.StackTrace
	}
	md.SetInt(metadatapkg.KeyRetryCount, in.retryCount)
	md.SetTime(metadatapkg.KeyFailedAt, in.failedAt)
	md[metadatapkg.KeyFailedQueue] = c.queue

	msg := NewMessage(s.ids.NewID(), in.payload, md)
	msg.SetContext(context.WithoutCancel(ctx))
	return s.publisher.Publish(c.errorQueue, msg)
}

// consumeErrorQueue is the router handler for <queue>-error. It always acks:
// a failing error handler is recorded, never re-routed.
func (s *Service) consumeErrorQueue(c *consumer) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ctx, cancel := context.WithCancel(context.WithoutCancel(msg.Context()))
		defer cancel()
		stop := context.AfterFunc(s.lifeCtx, cancel)
		defer stop()

		md := metadatapkg.FromWatermill(msg.Metadata)
		failedAt, _ := md.Time(metadatapkg.KeyFailedAt)
		s.runErrorHandler(ctx, c, failureInput{
			payload:       msg.Payload,
			metadata:      md,
			messageID:     originalMessageID(md, msg.UUID),
			correlationID: md.CorrelationID(),
			class: errspkg.Classification{
				Kind:       errspkg.ParseKind(md[metadatapkg.KeyErrorKind]),
				Type:       md[metadatapkg.KeyErrorType],
				Message:    md[metadatapkg.KeyErrorMessage],
				StackTrace: md[metadatapkg.KeyStackTrace],
			},
			retryCount: md.Int(metadatapkg.KeyRetryCount),
			failedAt:   failedAt,
		})
		return nil
	}
}

// runErrorHandler invokes the error handler with panics recovered. Any
// failure becomes an ErrorConsumer record.
func (s *Service) runErrorHandler(ctx context.Context, c *consumer, in failureInput) {
	if c.handleError == nil {
		return
	}
	guarded := middleware.Recoverer(func(*message.Message) ([]*message.Message, error) {
		return nil, c.handleError(ctx, in)
	})
	if _, err := guarded(nil); err != nil {
		s.recordSecondOrder(ctx, c, in, err)
	}
}

func (s *Service) recordSecondOrder(ctx context.Context, c *consumer, in failureInput, cause error) {
	ctx, cancel := detached(ctx)
	defer cancel()

	class := errspkg.Classify(cause)
	fields := loggingpkg.LogFields{
		"consumer":       c.name,
		"error_handler":  c.errorHandlerName,
		"message_id":     in.messageID,
		"correlation_id": in.correlationID,
		"error_type":     class.Type,
	}
	s.log.Error("Error handler failed", cause, fields)
	s.metrics.FailureRecorded(c.errorQueue, c.errorHandlerName, string(failures.SourceErrorConsumer), class.Kind.String(), 1)

	if s.recorder == nil {
		return
	}
	rec, err := s.recorder.Record(ctx, failures.Record{
		OriginalMessageID:    in.messageID,
		CorrelationID:        in.correlationID,
		MessageType:          c.messageType,
		Consumer:             c.name,
		Queue:                c.errorQueue,
		OriginalPayload:      rawPayload(in.payload),
		ErrorType:            class.Type,
		ErrorKind:            class.Kind.String(),
		ErrorMessage:         class.Message,
		StackTrace:           class.StackTrace,
		RetryCount:           1,
		ReprocessCount:       in.metadata.Int(metadatapkg.KeyReprocessCount),
		CanReprocess:         false,
		FailureSource:        failures.SourceErrorConsumer,
		OriginalConsumerType: c.errorHandlerName,
		Status:               failures.StatusFailed,
	})
	if err != nil {
		s.log.Error("Failed to persist error handler failure", err, fields)
		return
	}
	fields["failure_id"] = rec.ID
	s.log.Debug("Error handler failure recorded", fields)
}

func (s *Service) completeCorrelation(ctx context.Context, id string, outcome correlation.Outcome) {
	if id == "" || s.correlations == nil {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if _, _, err := s.correlations.CompleteCorrelation(ctx, id, outcome); err != nil {
		s.log.Error("Failed to complete correlation", err, loggingpkg.LogFields{
			"correlation_id": id,
			"success":        outcome.Success,
		})
	}
}

// settleReprocess moves the failure record a reprocessed message came from
// to Completed or Failed. A record the new failure was merged into is left
// alone.
func (s *Service) settleReprocess(ctx context.Context, md metadatapkg.Metadata, failureID string, cause error) {
	originID := md[metadatapkg.KeyReprocessOf]
	if originID == "" || originID == failureID || s.failureStore == nil {
		return
	}
	status := failures.StatusCompleted
	if cause != nil {
		status = failures.StatusFailed
	}

	ctx, cancel := detached(ctx)
	defer cancel()
	_, err := s.failureStore.Update(ctx, originID, func(rec *failures.Record) error {
		rec.Status = status
		return nil
	})
	if err != nil && !errors.Is(err, errspkg.ErrNotFound) {
		s.log.Error("Failed to settle reprocessed message", err, loggingpkg.LogFields{
			"failure_id": originID,
			"status":     string(status),
		})
	}
}

func originalMessageID(md metadatapkg.Metadata, fallback string) string {
	if id := md[metadatapkg.KeyOriginalMessageID]; id != "" {
		return id
	}
	return fallback
}

// rawPayload keeps JSON payloads verbatim and stores anything else as a JSON
// string.
func rawPayload(payload []byte) json.RawMessage {
	if len(payload) > 0 && jsoncodec.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	quoted, err := jsoncodec.Marshal(string(payload))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return quoted
}
