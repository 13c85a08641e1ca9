// Package hookflow accepts webhooks, processes them asynchronously on top of
// Watermill and keeps track of what happened to each one.
//
// An inbound POST under the ingress prefix is authenticated with a static API
// key, validated against the consumer's JSON contract and dispatched to the
// consumer bound to its path. The caller gets 202 Accepted with a message id
// at once. When the request carries a correlation id, a correlation record
// follows the message from Received through Processing to Completed or
// Failed, and an optional completion URL is called with the outcome.
//
// # Consumers
//
// RegisterJSONConsumer binds a typed handler to a message type. Each type has
// its own concurrency ceiling; a ceiling of 1 processes strictly in order.
// Failed attempts are retried with exponential backoff. Once retries are
// exhausted the message goes to the error router:
//   - simple mode publishes it to <queue>-error, where the optional error
//     handler consumes it.
//   - advanced mode stores a failed-message record and then runs the error
//     handler. A failing error handler produces a second record that can
//     never be reprocessed.
//
// # Recovery
//
// The recovery API under /api/dlq lists, filters, edits, reprocesses and
// deletes stored failures. Reprocessing is bounded by the configured number
// of attempts.
//
// # Notifications
//
// A scheduled sweep, also triggered whenever a correlated message finishes,
// POSTs the outcome to its completion URL. Deliveries are rate limited,
// guarded by a per-host circuit breaker and abandoned after the configured
// number of failures.
//
// New wires all of this from a Config; see examples/invoices for a complete
// service.
package hookflow
