// Package notifier delivers completion callbacks for finished correlations.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/drblury/hookflow/internal/correlation"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/jsoncodec"
	"github.com/drblury/hookflow/internal/runtime/logging"
	metricspkg "github.com/drblury/hookflow/internal/runtime/metrics"
)

// HeaderCorrelationID is sent with every callback.
const HeaderCorrelationID = "X-Correlation-ID"

const (
	maxResponseDrain = 64 << 10
	persistTimeout   = 5 * time.Second
)

// Payload is the JSON body POSTed to the completion URL.
type Payload struct {
	CorrelationID string          `json:"correlationId"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// Report summarises one sweep.
type Report struct {
	Scanned   int `json:"scanned"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	// Skipped counts records already in flight elsewhere or behind an open
	// breaker. Their retry count is untouched.
	Skipped int `json:"skipped"`
}

type outcome int

const (
	outcomeCanceled outcome = iota
	outcomeDelivered
	outcomeFailed
	outcomeAbandoned
	outcomeSkipped
)

func (r *Report) add(o outcome) {
	switch o {
	case outcomeDelivered:
		r.Delivered++
	case outcomeFailed:
		r.Failed++
	case outcomeAbandoned:
		r.Abandoned++
	case outcomeSkipped:
		r.Skipped++
	}
}

// Dependencies are optional collaborators. A nil Client gets a plain
// http.Client; per-call deadlines come from NotifierConfig.Timeout.
type Dependencies struct {
	Client  *http.Client
	Metrics *metricspkg.Registry
	Clock   func() time.Time
}

// Notifier scans terminal correlations with an undelivered callback and
// POSTs the outcome. A record is never delivered by two sweeps of the same
// process at once.
type Notifier struct {
	conf    configpkg.NotifierConfig
	store   correlation.Store
	client  *http.Client
	limiter *rate.Limiter
	metrics *metricspkg.Registry
	now     func() time.Time
	log     logging.ServiceLogger

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(conf configpkg.NotifierConfig, store correlation.Store, deps Dependencies, log logging.ServiceLogger) (*Notifier, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	conf = conf.WithDefaults()

	n := &Notifier{
		conf:     conf,
		store:    store,
		client:   deps.Client,
		metrics:  deps.Metrics,
		now:      deps.Clock,
		log:      logging.OrNop(log).With(logging.LogFields{"component": "notifier"}),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		inflight: make(map[string]struct{}),
	}
	if n.client == nil {
		n.client = &http.Client{}
	}
	if n.now == nil {
		n.now = time.Now
	}
	if conf.RateLimit > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(conf.RateLimit), conf.Burst)
	}
	return n, nil
}

// ProcessPendingNotifications delivers up to BatchSize pending callbacks,
// at most Parallelism at a time. Records claimed by a concurrent sweep are
// skipped. When ctx is cancelled undelivered records keep their state and
// the context error is returned with the partial report.
func (n *Notifier) ProcessPendingNotifications(ctx context.Context) (Report, error) {
	var report Report
	if err := ctx.Err(); err != nil {
		return report, err
	}

	pending, err := n.store.ListPendingNotifications(ctx, n.conf.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list pending notifications: %w", err)
	}
	report.Scanned = len(pending)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(n.conf.Parallelism)
	tally := func(o outcome) {
		mu.Lock()
		report.add(o)
		mu.Unlock()
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if !n.claim(rec.CorrelationID) {
			tally(outcomeSkipped)
			continue
		}
		g.Go(func() error {
			defer n.release(rec.CorrelationID)
			tally(n.deliver(ctx, rec))
			return nil
		})
	}
	_ = g.Wait()

	if report.Scanned > 0 {
		n.log.Debug("Notification sweep finished", logging.LogFields{
			"scanned":   report.Scanned,
			"delivered": report.Delivered,
			"failed":    report.Failed,
			"abandoned": report.Abandoned,
			"skipped":   report.Skipped,
		})
	}
	return report, ctx.Err()
}

func (n *Notifier) claim(id string) bool {
	n.inflightMu.Lock()
	defer n.inflightMu.Unlock()
	if _, busy := n.inflight[id]; busy {
		return false
	}
	n.inflight[id] = struct{}{}
	return true
}

func (n *Notifier) release(id string) {
	n.inflightMu.Lock()
	delete(n.inflight, id)
	n.inflightMu.Unlock()
}

func (n *Notifier) deliver(ctx context.Context, rec correlation.Record) outcome {
	fields := logging.LogFields{"correlation_id": rec.CorrelationID}

	target, err := url.Parse(rec.CallbackURL())
	if err != nil || target.Host == "" {
		return n.recordFailure(ctx, rec, fmt.Errorf("invalid callback url %q", rec.CallbackURL()))
	}
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return outcomeCanceled
		}
	}

	_, err = n.breaker(target.Host).Execute(func() (interface{}, error) {
		return nil, n.post(ctx, target.String(), rec)
	})
	switch {
	case err == nil:
		return n.recordSuccess(ctx, rec)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		n.log.Debug("Callback host unavailable, skipping", fields)
		n.metrics.Notification(metricspkg.NotificationSkipped)
		return outcomeSkipped
	case ctx.Err() != nil:
		return outcomeCanceled
	default:
		return n.recordFailure(ctx, rec, err)
	}
}

func (n *Notifier) post(ctx context.Context, target string, rec correlation.Record) error {
	body, err := jsoncodec.Marshal(payloadFor(rec))
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, n.conf.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCorrelationID, rec.CorrelationID)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

func payloadFor(rec correlation.Record) Payload {
	p := Payload{
		CorrelationID: rec.CorrelationID,
		Status:        string(rec.Status),
		ErrorMessage:  rec.ErrorMessage,
		CompletedAt:   rec.CompletedAt,
	}
	if len(rec.ResultPayload) > 0 {
		p.Result = rec.ResultPayload
	}
	return p
}

// recordSuccess persists notifiedAt even if ctx was cancelled after the
// callback went out.
func (n *Notifier) recordSuccess(ctx context.Context, rec correlation.Record) outcome {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	_, err := n.store.Update(writeCtx, rec.CorrelationID, func(r *correlation.Record) error {
		if !r.PendingNotification() {
			return correlation.ErrSkipUpdate
		}
		ts := n.now().UTC()
		r.NotifiedAt = &ts
		r.LastNotificationError = ""
		return nil
	})
	if err != nil {
		n.log.Error("Failed to record callback delivery", err, logging.LogFields{"correlation_id": rec.CorrelationID})
	}
	n.metrics.Notification(metricspkg.NotificationDelivered)
	n.log.Info("Completion callback delivered", logging.LogFields{
		"correlation_id": rec.CorrelationID,
		"status":         string(rec.Status),
	})
	return outcomeDelivered
}

func (n *Notifier) recordFailure(ctx context.Context, rec correlation.Record, cause error) outcome {
	abandoned := false
	updated, err := n.store.Update(ctx, rec.CorrelationID, func(r *correlation.Record) error {
		if !r.PendingNotification() {
			return correlation.ErrSkipUpdate
		}
		r.RetryCount++
		r.LastNotificationError = cause.Error()
		if r.RetryCount >= n.conf.MaxRetries {
			r.NotificationAbandoned = true
			abandoned = true
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCanceled
		}
		n.log.Error("Failed to record callback failure", err, logging.LogFields{"correlation_id": rec.CorrelationID})
		return outcomeFailed
	}

	fields := logging.LogFields{
		"correlation_id": rec.CorrelationID,
		"retry_count":    updated.RetryCount,
		"reason":         cause.Error(),
	}
	if abandoned {
		n.metrics.Notification(metricspkg.NotificationAbandoned)
		n.log.Error("Completion callback abandoned", cause, fields)
		return outcomeAbandoned
	}
	n.metrics.Notification(metricspkg.NotificationFailed)
	n.log.Debug("Completion callback failed", fields)
	return outcomeFailed
}

func (n *Notifier) breaker(host string) *gobreaker.CircuitBreaker {
	n.breakersMu.Lock()
	defer n.breakersMu.Unlock()

	if cb, ok := n.breakers[host]; ok {
		return cb
	}
	threshold := n.conf.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     n.conf.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.log.Info("Callback breaker state changed", logging.LogFields{
				"host": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	n.breakers[host] = cb
	return cb
}
