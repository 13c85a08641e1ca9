package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	"github.com/drblury/hookflow/internal/correlation"
	"github.com/drblury/hookflow/internal/failures"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	"github.com/drblury/hookflow/transport"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type invoiceContract struct {
	InvoiceID string  `json:"invoiceId" validate:"required"`
	Amount    float64 `json:"amount" validate:"gte=0"`
}

type testPublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.published == nil {
		p.published = make(map[string][]*message.Message)
	}
	p.published[topic] = append(p.published[topic], messages...)
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published[topic]...)
}

type testSubscriber struct{}

func (s *testSubscriber) Subscribe(ctx context.Context, _ string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

type recordingTracker struct {
	mu         sync.Mutex
	processing []string
	outcomes   map[string]correlation.Outcome
}

func (r *recordingTracker) MarkProcessing(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processing = append(r.processing, id)
	return nil
}

func (r *recordingTracker) CompleteCorrelation(_ context.Context, id string, outcome correlation.Outcome) (correlation.Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]correlation.Outcome)
	}
	r.outcomes[id] = outcome
	return correlation.Record{CorrelationID: id}, true, nil
}

func (r *recordingTracker) Outcome(id string) (correlation.Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[id]
	return o, ok
}

func channelFactory(ctx context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64, PreserveContext: true}, logger)
	return transport.Transport{Publisher: pubSub, Subscriber: pubSub}, nil
}

type testEnv struct {
	svc      *Service
	failures *failures.MemoryStore
	tracker  *recordingTracker
}

func newTestEnv(t *testing.T, mutate func(*configpkg.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, mutate, nil)
}

// newTestEnvWithStore wires wrap(memory store) as the failure store when wrap
// is set.
func newTestEnvWithStore(t *testing.T, mutate func(*configpkg.Config), wrap func(*failures.MemoryStore) failures.Store) *testEnv {
	t.Helper()
	conf := configpkg.Default()
	conf.HTTP.ShutdownTimeout = 2 * time.Second
	conf.Failures.Tracking = configpkg.TrackingVerbose
	if mutate != nil {
		mutate(&conf)
	}

	env := &testEnv{
		failures: failures.NewMemoryStore(),
		tracker:  &recordingTracker{},
	}
	var store failures.Store = env.failures
	if wrap != nil {
		store = wrap(env.failures)
	}
	svc, err := NewService(conf, newTestLogger(), context.Background(), ServiceDependencies{
		Correlations:     env.tracker,
		Failures:         store,
		TransportFactory: channelFactory,
	})
	require.NoError(t, err)
	env.svc = svc
	t.Cleanup(func() { _ = svc.Close() })
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	go func() { _ = e.svc.Start(context.Background()) }()
	select {
	case <-e.svc.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not start")
	}
}

// flakyStore fails the first failFirst inserts.
type flakyStore struct {
	*failures.MemoryStore
	mu        sync.Mutex
	failFirst int
	inserts   int
}

func (f *flakyStore) Insert(ctx context.Context, rec failures.Record) error {
	f.mu.Lock()
	f.inserts++
	fail := f.inserts <= f.failFirst
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.MemoryStore.Insert(ctx, rec)
}

func (f *flakyStore) Inserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

func fastRetry(maxRetries int) configpkg.RetryConfig {
	return configpkg.RetryConfig{
		MaxRetries: maxRetries,
		Delay:      time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func (e *testEnv) failureRecords(t *testing.T) []failures.Record {
	t.Helper()
	page, err := e.failures.List(context.Background(), failures.Filter{}, failures.PageRequest{PageSize: failures.MaxPageSize})
	require.NoError(t, err)
	return page.Items
}
