package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hookflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/hookflow"

// MiddlewareBuilder constructs a router middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration describes a router-level middleware. Router
// middlewares wrap queue admission for every consumer and error queue; the
// consumer pipeline itself (retry, timeout, recovery) is fixed.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the router middlewares installed by NewService.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		LogMessagesMiddleware(nil),
		MetricsMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics when metrics
// are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.conf.Metrics.Enabled {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(
				s.metrics.Registerer(),
				"hookflow",
				s.transportName,
			)
			builder.AddPrometheusRouterMetrics(s.router)
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// LogMessagesMiddleware logs every message taken off a queue at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.log
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	s.router.AddMiddleware(mw)
	return nil
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Message received", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// buildPipeline assembles the consumer pipeline around core. Outermost first:
// tracer, observer, retry, attempt counter, permanent marker, timeout,
// recoverer.
func (s *Service) buildPipeline(c *consumer, core message.HandlerFunc) message.HandlerFunc {
	h := middleware.Recoverer(core)
	if c.conf.Timeout > 0 {
		h = middleware.Timeout(c.conf.Timeout)(h)
	}
	h = permanentMiddleware(h)
	h = s.attemptMiddleware(c)(h)
	h = s.retryMiddleware(c.conf.Retry)(h)
	h = s.observeMiddleware(c)(h)
	return s.tracerMiddleware(c)(h)
}

func (s *Service) tracerMiddleware(c *consumer) message.HandlerMiddleware {
	tracer := otel.Tracer(tracerName)
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "hookflow.consume",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("hookflow.consumer", c.name),
					attribute.String("hookflow.message_type", c.messageType),
					attribute.String("hookflow.message_id", msg.Metadata.Get(metadatapkg.KeyOriginalMessageID)),
					attribute.String("messaging.destination.name", c.queue),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			out, err := h(msg)
			span.SetAttributes(attribute.Int("hookflow.attempts", attemptOf(msg)))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		}
	}
}

// observeMiddleware feeds consumer stats, domain metrics and hooks once per
// pipeline run.
func (s *Service) observeMiddleware(c *consumer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			md := metadatapkg.Metadata(msg.Metadata)
			receivedAt, _ := md.Time(metadatapkg.KeyReceivedAt)
			hookCtx := c.hookContext(msg)
			hookCtx.StartedAt = s.now()

			c.stats.onStart(receivedAt)
			s.hooks.start(hookCtx)

			out, err := h(msg)

			hookCtx.Duration = time.Since(hookCtx.StartedAt)
			hookCtx.Attempt = attemptOf(msg)
			c.stats.onFinish(hookCtx.Duration, err)
			s.metrics.ObserveProcessing(c.name, hookCtx.Duration, err)
			s.hooks.finish(hookCtx, err)
			return out, err
		}
	}
}

// retryMiddleware runs up to MaxRetries business attempts. Delays follow
// Delay * 2^(attempt-1) capped at MaxDelay, or stay at Delay for fixed
// backoff. ShouldRetry and OnRetryHook are left unset because both advance
// the backoff curve; non-retryable errors are cut short by
// permanentMiddleware instead.
func (s *Service) retryMiddleware(cfg configpkg.RetryConfig) message.HandlerMiddleware {
	cfg = cfg.WithDefaults()
	multiplier := 2.0
	if cfg.Backoff == configpkg.BackoffFixed {
		multiplier = 1
	}
	return middleware.Retry{
		MaxRetries:          cfg.MaxRetries - 1,
		InitialInterval:     cfg.Delay,
		MaxInterval:         cfg.MaxDelay,
		Multiplier:          multiplier,
		ResetContextOnRetry: true,
		Logger:              s.wmLogger,
	}.Middleware
}

// attemptMiddleware numbers business attempts in the message metadata.
func (s *Service) attemptMiddleware(c *consumer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			attempt := attemptOf(msg) + 1
			metadatapkg.Metadata(msg.Metadata).SetInt(metadatapkg.KeyAttempt, attempt)
			if attempt > 1 {
				c.stats.onRetry()
				s.metrics.RetryAttempted(c.name)
				hookCtx := c.hookContext(msg)
				hookCtx.Attempt = attempt
				s.hooks.retry(hookCtx)
			}
			return h(msg)
		}
	}
}

// permanentMiddleware stops the retry loop for errors whose kind is not
// retryable.
func permanentMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil && !errspkg.Classify(err).Kind.Retryable() {
			return out, backoff.Permanent(err)
		}
		return out, err
	}
}

func attemptOf(msg *message.Message) int {
	return metadatapkg.Metadata(msg.Metadata).Int(metadatapkg.KeyAttempt)
}
