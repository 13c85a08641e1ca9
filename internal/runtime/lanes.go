package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/drblury/hookflow/internal/correlation"
	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hookflow/internal/runtime/metadata"
)

// lane bounds how many messages of one consumer run at once.
//
// A lane of size 1 runs the pipeline on the router goroutine while holding the
// only slot and acks after the failure has been routed. Transports that wait
// for the ack, such as Kafka, therefore also keep delivery order. Wider lanes
// ack on admission and run each message on its own goroutine while holding a
// slot; their failures are routed again with backoff until stored or the
// service stops.
type lane struct {
	size int64
	sem  *semaphore.Weighted
}

func newLane(concurrency int) *lane {
	if concurrency < 1 {
		concurrency = 1
	}
	return &lane{
		size: int64(concurrency),
		sem:  semaphore.NewWeighted(int64(concurrency)),
	}
}

func (l *lane) sequential() bool {
	return l.size == 1
}

// admit is the router handler for a consumer queue.
func (s *Service) admit(c *consumer) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		if err := c.lane.sem.Acquire(s.lifeCtx, 1); err != nil {
			return err
		}
		if c.lane.sequential() {
			defer c.lane.sem.Release(1)
			return s.process(c, msg, false)
		}

		work := msg.Copy()
		work.SetContext(msg.Context())

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer c.lane.sem.Release(1)

			if err := s.process(c, work, true); err != nil {
				s.log.Error("Message abandoned at shutdown", err, loggingpkg.LogFields{
					"consumer":   c.name,
					"message_id": work.UUID,
				})
			}
		}()
		return nil
	}
}

// process runs the consumer pipeline for one message and settles the
// outcome. The pipeline context outlives the delivery context but is
// cancelled when the service stops. The returned error nacks the message.
// acked is set for messages already acknowledged on admission.
func (s *Service) process(c *consumer, msg *message.Message, acked bool) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(msg.Context()))
	defer cancel()
	stop := context.AfterFunc(s.lifeCtx, cancel)
	defer stop()
	msg.SetContext(ctx)

	md := metadatapkg.FromWatermill(msg.Metadata)
	correlationID := md.CorrelationID()
	metadatapkg.Metadata(msg.Metadata).SetInt(metadatapkg.KeyAttempt, 0)

	if correlationID != "" && s.correlations != nil {
		if err := s.correlations.MarkProcessing(ctx, correlationID); err != nil {
			s.log.Error("Failed to mark correlation processing", err, loggingpkg.LogFields{
				"correlation_id": correlationID,
				"consumer":       c.name,
			})
		}
	}

	produced, err := c.pipeline(msg)
	if err == nil {
		var result []byte
		if len(produced) > 0 {
			result = produced[0].Payload
		}
		s.completeCorrelation(ctx, correlationID, correlation.Succeeded(result))
		s.settleReprocess(ctx, md, "", nil)
		return nil
	}

	if ctx.Err() != nil && s.lifeCtx.Err() != nil {
		// Stopped mid-flight: leave the message to redelivery.
		return err
	}
	if acked {
		return s.routeFailureUntilStored(ctx, c, msg, md, err)
	}
	return s.routeFailure(ctx, c, msg, md, err)
}

// Bounds for re-routing failures of acknowledged messages.
var (
	rerouteInitialInterval = 100 * time.Millisecond
	rerouteMaxInterval     = 10 * time.Second
)

// routeFailureUntilStored retries routeFailure until the failure is recorded
// or ctx ends. routeFailure only errors before any side effect, so a repeat
// cannot produce a duplicate record.
func (s *Service) routeFailureUntilStored(ctx context.Context, c *consumer, msg *message.Message, md metadatapkg.Metadata, cause error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rerouteInitialInterval
	b.MaxInterval = rerouteMaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.routeFailure(ctx, c, msg, md, cause)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Error("Retrying failure routing", err, loggingpkg.LogFields{
				"consumer":   c.name,
				"message_id": msg.UUID,
				"next_in":    next.String(),
			})
		}),
	)
	return err
}
