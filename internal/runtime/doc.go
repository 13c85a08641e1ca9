/*
Package runtime hosts the message dispatcher and the tiered error router of
hookflow.

# Architecture Overview

A Service owns one Watermill router bound to the configured transport.
Consumers are registered per message type with RegisterJSONConsumer before
Start. Dispatch publishes a payload to the queue of the consumer bound to its
message type and returns the original message id.

# Consumer Pipeline

Every consumer runs its messages through a fixed pipeline, outermost first:

  - Tracer: one OpenTelemetry consumer span per message
  - Observer: consumer stats, Prometheus metrics and ConsumerHooks
  - Retry: up to MaxRetries business attempts with Delay * 2^(attempt-1)
  - Attempt counter: the 1-based attempt in hookflow_attempt metadata
  - Timeout and panic recovery around the handler

Router middlewares registered through MiddlewareRegistration wrap queue
admission instead and see each delivery once.

# Concurrency

Each consumer holds a lane sized by its Concurrency setting. A lane of one
processes messages on the router goroutine and acks after the outcome is
settled. Wider lanes ack on admission and run up to Concurrency messages at
once.

# Error Routing

A message that exhausts its retries is routed by the consumer's error mode:

  - simple: republished to <queue>-error with the failure in metadata, where
    the optional error handler consumes it
  - advanced: persisted as a Pending failure record, then handed to the error
    handler together with the record id

Failures inside an error handler are recorded with failure source
ErrorConsumer and never routed again. In both modes the correlation of the
message, if any, is completed as failed.
*/
package runtime
