package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ConsumerStats tracks processing outcomes for one consumer. Counters cover
// whole pipeline runs; Retried counts extra business attempts.
type ConsumerStats struct {
	mu sync.Mutex

	Processed       uint64    `json:"processed"`
	Succeeded       uint64    `json:"succeeded"`
	Failed          uint64    `json:"failed"`
	Retried         uint64    `json:"retried"`
	ErrorsRouted    uint64    `json:"errors_routed"`
	TotalDuration   int64     `json:"total_duration_ns"`
	LastProcessedAt time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	sampler          *resourceSampler
}

// ConsumerInfo describes a registered consumer for the stats endpoint.
type ConsumerInfo struct {
	Name         string         `json:"name"`
	MessageType  string         `json:"message_type"`
	Queue        string         `json:"queue"`
	ErrorQueue   string         `json:"error_queue,omitempty"`
	Path         string         `json:"path,omitempty"`
	ErrorMode    string         `json:"error_mode"`
	ErrorHandler string         `json:"error_handler,omitempty"`
	Concurrency  int            `json:"concurrency"`
	MaxRetries   int            `json:"max_retries"`
	Stats        *ConsumerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts terminal failures by error kind.
type ErrorBreakdown struct {
	Transient  uint64 `json:"transient"`
	Timeout    uint64 `json:"timeout"`
	Validation uint64 `json:"validation"`
	Permanent  uint64 `json:"permanent"`
	Panic      uint64 `json:"panic"`
	Canceled   uint64 `json:"canceled"`
	Unknown    uint64 `json:"unknown"`
	LastError  string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
	Concurrency int    `json:"concurrency"`
	// LagMillis is the time the last message spent between ingress and the
	// start of processing.
	LagMillis int64 `json:"lag_ms"`
}

func newConsumerStats(concurrency int, sampler *resourceSampler) *ConsumerStats {
	return &ConsumerStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		sampler:          sampler,
		Backlog:          BacklogMetrics{Concurrency: concurrency},
	}
}

func (c *ConsumerStats) onStart(receivedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !receivedAt.IsZero() {
		c.Backlog.LagMillis = time.Since(receivedAt).Milliseconds()
	}
	c.Backlog.InFlight++
	if c.Backlog.InFlight > c.Backlog.MaxInFlight {
		c.Backlog.MaxInFlight = c.Backlog.InFlight
	}
}

func (c *ConsumerStats) onRetry() {
	c.mu.Lock()
	c.Retried++
	c.mu.Unlock()
}

func (c *ConsumerStats) onErrorRouted() {
	c.mu.Lock()
	c.ErrorsRouted++
	c.mu.Unlock()
}

func (c *ConsumerStats) onFinish(duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Backlog.InFlight > 0 {
		c.Backlog.InFlight--
	}
	c.Processed++
	if err != nil {
		c.Failed++
		c.Errors.record(err)
	} else {
		c.Succeeded++
	}
	c.TotalDuration += int64(duration)
	now := time.Now().UTC()
	c.LastProcessedAt = now

	c.latencyWindow.Add(duration)
	c.Latency = c.latencyWindow.Snapshot()

	snapshot := c.throughputWindow.AddAndSnapshot(now)
	c.Throughput = ThroughputMetrics{
		CurrentRPS:       snapshot.CurrentRPS,
		WindowSeconds:    snapshot.WindowSeconds,
		MessagesInWindow: uint64(snapshot.Count),
	}

	if c.sampler != nil {
		c.Resource = c.sampler.Snapshot()
	}
}

// MarshalJSON snapshots the stats under the lock.
func (c *ConsumerStats) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type view ConsumerStats
	return jsoncodec.Marshal((*view)(c))
}

func (e *ErrorBreakdown) record(err error) {
	switch errspkg.Classify(err).Kind {
	case errspkg.KindTransient:
		e.Transient++
	case errspkg.KindTimeout:
		e.Timeout++
	case errspkg.KindValidation:
		e.Validation++
	case errspkg.KindPermanent:
		e.Permanent++
	case errspkg.KindPanic:
		e.Panic++
	case errspkg.KindCanceled:
		e.Canceled++
	default:
		e.Unknown++
	}
	e.LastError = err.Error()
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.SampleSize = lw.filled
	m.AverageNs = sum / int64(len(samples))
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of a sorted
// sample.
func percentile(sorted []int64, q float64) int64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(math.Round(float64(sorted[upper]-sorted[lower])*frac))
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	drop := 0
	for drop < len(tw.samples) && tw.samples[drop].Before(cutoff) {
		drop++
	}
	tw.samples = append(tw.samples[:0], tw.samples[drop:]...)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
