package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every collector registered by hookflow.
const Namespace = "hookflow"

// Notification outcomes.
const (
	NotificationDelivered = "delivered"
	NotificationFailed    = "failed"
	NotificationAbandoned = "abandoned"
	NotificationSkipped   = "skipped"
)

// Registry tracks failure routing, recovery and notification statistics.
// A nil *Registry is valid and records nothing.
type Registry struct {
	mu sync.RWMutex

	queues map[string]*QueueMetrics

	failuresTotal      *prometheus.CounterVec
	failuresCurrent    *prometheus.GaugeVec
	retriesTotal       *prometheus.CounterVec
	reprocessedTotal   *prometheus.CounterVec
	removedTotal       *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	retryCountHist     *prometheus.HistogramVec
	processingSeconds  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// QueueMetrics holds the in-process view for one consumer queue.
type QueueMetrics struct {
	FailuresRecorded uint64    `json:"failuresRecorded"`
	FailuresCurrent  uint64    `json:"failuresCurrent"`
	Reprocessed      uint64    `json:"reprocessed"`
	Removed          uint64    `json:"removed"`
	AvgRetryCount    float64   `json:"avgRetryCount"`
	FirstFailureAt   time.Time `json:"firstFailureAt,omitempty"`
	LastFailureAt    time.Time `json:"lastFailureAt,omitempty"`
	LastUpdatedAt    time.Time `json:"lastUpdatedAt"`
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	TotalFailures    uint64                  `json:"totalFailures"`
	TotalReprocessed uint64                  `json:"totalReprocessed"`
	TotalRemoved     uint64                  `json:"totalRemoved"`
	Queues           map[string]QueueMetrics `json:"queues"`
	CollectedAt      time.Time               `json:"collectedAt"`
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// New creates a registry. A nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Registry {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Registry{
		queues:           make(map[string]*QueueMetrics),
		registerer:       registerer,
		failuresTotal:    counterVec("failures", "routed_total", "Terminal consumer failures handed to the error router", "queue", "consumer", "source", "kind"),
		retriesTotal:     counterVec("consumer", "retries_total", "Business retry attempts", "consumer"),
		reprocessedTotal: counterVec("dlq", "reprocessed_total", "Failed messages resubmitted through the recovery API", "queue", "outcome"),
		removedTotal:     counterVec("dlq", "removed_total", "Failed messages deleted through the recovery API", "queue"),
		notificationsTotal: counterVec("notifier", "deliveries_total",
			"Completion callback attempts by outcome", "outcome"),
		failuresCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "failures",
			Name:      "current",
			Help:      "Failures recorded by this process and not yet reprocessed or removed",
		}, []string{"queue"}),
		retryCountHist: histogramVec("failures", "retry_count", "Business attempts made before a failure became terminal",
			[]float64{1, 2, 3, 5, 10, 20}, "queue"),
		processingSeconds: histogramVec("consumer", "processing_seconds", "Consumer pipeline duration including retries",
			prometheus.DefBuckets, "consumer", "result"),
	}
}

// Registerer returns the Prometheus registerer the collectors are bound to.
func (m *Registry) Registerer() prometheus.Registerer {
	if m == nil || m.registerer == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registerer
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Registry) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.failuresTotal,
		m.failuresCurrent,
		m.retriesTotal,
		m.reprocessedTotal,
		m.removedTotal,
		m.notificationsTotal,
		m.retryCountHist,
		m.processingSeconds,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// FailureRecorded counts a terminal failure routed for queue.
func (m *Registry) FailureRecorded(queue, consumer, source, kind string, retryCount int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	q := m.queueLocked(queue)
	q.FailuresRecorded++
	q.FailuresCurrent++
	q.LastUpdatedAt = now
	if q.FirstFailureAt.IsZero() {
		q.FirstFailureAt = now
	}
	q.LastFailureAt = now

	total := q.FailuresRecorded
	q.AvgRetryCount = ((q.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	m.failuresTotal.WithLabelValues(queue, consumer, source, kind).Inc()
	m.failuresCurrent.WithLabelValues(queue).Set(float64(q.FailuresCurrent))
	m.retryCountHist.WithLabelValues(queue).Observe(float64(retryCount))
}

// RetryAttempted counts one business retry.
func (m *Registry) RetryAttempted(consumer string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(consumer).Inc()
}

// ObserveProcessing records how long the consumer pipeline ran for a message.
func (m *Registry) ObserveProcessing(consumer string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.processingSeconds.WithLabelValues(consumer, result).Observe(d.Seconds())
}

// Reprocessed records a resubmission attempt for queue.
func (m *Registry) Reprocessed(queue string, dispatched bool) {
	if m == nil {
		return
	}
	outcome := "dispatched"
	if !dispatched {
		outcome = "failed"
	}
	m.reprocessedTotal.WithLabelValues(queue, outcome).Inc()
	if !dispatched {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueLocked(queue)
	q.Reprocessed++
	if q.FailuresCurrent > 0 {
		q.FailuresCurrent--
	}
	q.LastUpdatedAt = time.Now().UTC()
	m.failuresCurrent.WithLabelValues(queue).Set(float64(q.FailuresCurrent))
}

// Removed records count deleted failures for queue.
func (m *Registry) Removed(queue string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueLocked(queue)
	q.Removed += uint64(count)
	if q.FailuresCurrent >= uint64(count) {
		q.FailuresCurrent -= uint64(count)
	} else {
		q.FailuresCurrent = 0
	}
	q.LastUpdatedAt = time.Now().UTC()

	m.removedTotal.WithLabelValues(queue).Add(float64(count))
	m.failuresCurrent.WithLabelValues(queue).Set(float64(q.FailuresCurrent))
}

// Notification counts one completion callback outcome.
func (m *Registry) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(outcome).Inc()
}

// Snapshot returns a copy of the per-queue view.
func (m *Registry) Snapshot() Snapshot {
	snapshot := Snapshot{
		Queues:      make(map[string]QueueMetrics),
		CollectedAt: time.Now().UTC(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for queue, q := range m.queues {
		snapshot.Queues[queue] = *q
		snapshot.TotalFailures += q.FailuresCurrent
		snapshot.TotalReprocessed += q.Reprocessed
		snapshot.TotalRemoved += q.Removed
	}
	return snapshot
}

// Queue returns the metrics for one queue.
func (m *Registry) Queue(queue string) (QueueMetrics, bool) {
	if m == nil {
		return QueueMetrics{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[queue]
	if !ok {
		return QueueMetrics{}, false
	}
	return *q, true
}

func (m *Registry) queueLocked(queue string) *QueueMetrics {
	if q, ok := m.queues[queue]; ok {
		return q
	}
	q := &QueueMetrics{}
	m.queues[queue] = q
	return q
}

// Reset clears all state (useful for testing).
func (m *Registry) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string]*QueueMetrics)
	m.failuresTotal.Reset()
	m.failuresCurrent.Reset()
	m.retriesTotal.Reset()
	m.reprocessedTotal.Reset()
	m.removedTotal.Reset()
	m.notificationsTotal.Reset()
	m.retryCountHist.Reset()
	m.processingSeconds.Reset()
}
