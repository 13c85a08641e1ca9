package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())
	return m
}

func TestFailureRecorded(t *testing.T) {
	t.Parallel()
	m := newTestRegistry(t)

	m.FailureRecorded("invoices", "InvoiceConsumer", "Consumer", "Transient", 3)
	m.FailureRecorded("invoices", "InvoiceConsumer", "Consumer", "Transient", 5)

	q, ok := m.Queue("invoices")
	require.True(t, ok)
	assert.Equal(t, uint64(2), q.FailuresRecorded)
	assert.Equal(t, uint64(2), q.FailuresCurrent)
	assert.Equal(t, 4.0, q.AvgRetryCount)
	assert.False(t, q.FirstFailureAt.IsZero())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failuresTotal.WithLabelValues("invoices", "InvoiceConsumer", "Consumer", "Transient")))
}

func TestReprocessedAndRemoved(t *testing.T) {
	t.Parallel()
	m := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		m.FailureRecorded("invoices", "InvoiceConsumer", "Consumer", "Unknown", 1)
	}
	m.Reprocessed("invoices", true)
	m.Reprocessed("invoices", false)
	m.Removed("invoices", 10)

	q, ok := m.Queue("invoices")
	require.True(t, ok)
	assert.Equal(t, uint64(1), q.Reprocessed)
	assert.Equal(t, uint64(10), q.Removed)
	assert.Equal(t, uint64(0), q.FailuresCurrent, "current count never goes negative")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reprocessedTotal.WithLabelValues("invoices", "failed")))
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	m := newTestRegistry(t)

	m.FailureRecorded("invoices", "InvoiceConsumer", "Consumer", "Transient", 3)
	m.FailureRecorded("payments", "PaymentConsumer", "ErrorConsumer", "Panic", 1)
	m.Reprocessed("invoices", true)

	snapshot := m.Snapshot()
	assert.Equal(t, uint64(1), snapshot.TotalFailures)
	assert.Equal(t, uint64(1), snapshot.TotalReprocessed)
	assert.Len(t, snapshot.Queues, 2)
	assert.False(t, snapshot.CollectedAt.IsZero())

	m.Reset()
	assert.Empty(t, m.Snapshot().Queues)
}

func TestCountersAndHistograms(t *testing.T) {
	t.Parallel()
	m := newTestRegistry(t)

	m.RetryAttempted("InvoiceConsumer")
	m.RetryAttempted("InvoiceConsumer")
	m.Notification(NotificationDelivered)
	m.Notification(NotificationAbandoned)
	m.ObserveProcessing("InvoiceConsumer", 20*time.Millisecond, nil)
	m.ObserveProcessing("InvoiceConsumer", time.Second, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.retriesTotal.WithLabelValues("InvoiceConsumer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsTotal.WithLabelValues(NotificationAbandoned)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.processingSeconds))
}

func TestRegisterIdempotent(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()

	require.NoError(t, New(reg).Register())
	require.NoError(t, New(reg).Register(), "a second registry on the same registerer reuses collectors")
}

func TestNilRegistryIsNoop(t *testing.T) {
	t.Parallel()
	var m *Registry

	require.NoError(t, m.Register())
	m.FailureRecorded("q", "c", "Consumer", "Unknown", 1)
	m.RetryAttempted("c")
	m.Reprocessed("q", true)
	m.Removed("q", 1)
	m.Notification(NotificationFailed)
	m.ObserveProcessing("c", time.Second, nil)
	m.Reset()

	_, ok := m.Queue("q")
	assert.False(t, ok)
	assert.Empty(t, m.Snapshot().Queues)
}
