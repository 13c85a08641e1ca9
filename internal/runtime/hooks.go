package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hookflow/internal/runtime/metadata"
)

// ConsumerContext describes one consumer execution to hooks.
type ConsumerContext struct {
	// Consumer is the registered consumer name.
	Consumer    string
	MessageType string
	Queue       string
	// MessageID is the original message id, stable across retries and
	// reprocessing.
	MessageID     string
	CorrelationID string
	Metadata      metadatapkg.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is set for OnSuccess and OnFailure and covers every attempt.
	Duration time.Duration
	// Attempt is the 1-based business attempt. OnStart sees 0.
	Attempt int
}

// ConsumerHooks are optional callbacks around consumer executions. Nil
// callbacks are skipped.
type ConsumerHooks struct {
	OnStart func(ctx ConsumerContext)
	// OnRetry fires before every attempt after the first.
	OnRetry   func(ctx ConsumerContext)
	OnSuccess func(ctx ConsumerContext)
	// OnFailure fires once the retry budget is spent, before the error router
	// takes over.
	OnFailure func(ctx ConsumerContext, err error)
}

// Merge returns hooks that call h first and other second.
func (h ConsumerHooks) Merge(other ConsumerHooks) ConsumerHooks {
	return ConsumerHooks{
		OnStart:   chainHooks(h.OnStart, other.OnStart),
		OnRetry:   chainHooks(h.OnRetry, other.OnRetry),
		OnSuccess: chainHooks(h.OnSuccess, other.OnSuccess),
		OnFailure: chainErrorHooks(h.OnFailure, other.OnFailure),
	}
}

func chainHooks(a, b func(ConsumerContext)) func(ConsumerContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ConsumerContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(ConsumerContext, error)) func(ConsumerContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ConsumerContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h ConsumerHooks) start(ctx ConsumerContext) {
	if h.OnStart != nil {
		h.OnStart(ctx)
	}
}

func (h ConsumerHooks) retry(ctx ConsumerContext) {
	if h.OnRetry != nil {
		h.OnRetry(ctx)
	}
}

func (h ConsumerHooks) finish(ctx ConsumerContext, err error) {
	if err != nil {
		if h.OnFailure != nil {
			h.OnFailure(ctx, err)
		}
		return
	}
	if h.OnSuccess != nil {
		h.OnSuccess(ctx)
	}
}

func (c ConsumerContext) fields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"consumer":       c.Consumer,
		"message_type":   c.MessageType,
		"message_id":     c.MessageID,
		"correlation_id": c.CorrelationID,
		"attempt":        c.Attempt,
	}
}

// LoggingHooks logs every consumer lifecycle event.
func LoggingHooks(log loggingpkg.ServiceLogger) ConsumerHooks {
	log = loggingpkg.OrNop(log)
	return ConsumerHooks{
		OnStart: func(ctx ConsumerContext) {
			log.Debug("Consumer started", ctx.fields())
		},
		OnRetry: func(ctx ConsumerContext) {
			log.Info("Consumer retrying", ctx.fields())
		},
		OnSuccess: func(ctx ConsumerContext) {
			fields := ctx.fields()
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			log.Debug("Consumer completed", fields)
		},
		OnFailure: func(ctx ConsumerContext, err error) {
			fields := ctx.fields()
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			log.Error("Consumer failed", err, fields)
		},
	}
}

// AlertingHooks calls alert whenever a consumer exhausts its retries.
func AlertingHooks(alert func(ctx ConsumerContext, err error)) ConsumerHooks {
	return ConsumerHooks{OnFailure: alert}
}
