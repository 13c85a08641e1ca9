package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/hookflow/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.Durable)
}

func natsConfig(url string) transport.Config {
	return transport.Config{System: TransportName, NATS: transport.NATSConfig{URL: url, QueueGroup: "hookflow-workers"}}
}

func TestBuild(t *testing.T) {
	t.Run("wires url, queue group and connection options", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		t.Cleanup(func() { PublisherFactory, SubscriberFactory = originalPub, originalSub })

		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}

		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "nats://localhost:4222", cfg.URL)
			assert.Len(t, cfg.NatsOptions, 3)
			return mockPub, nil
		}
		SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "hookflow-workers", cfg.QueueGroupPrefix)
			return mockSub, nil
		}

		tr, err := Build(context.Background(), natsConfig("nats://localhost:4222"), watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
	})

	t.Run("requires url", func(t *testing.T) {
		_, err := Build(context.Background(), natsConfig(""), watermill.NopLogger{})
		assert.ErrorIs(t, err, errURLRequired)
	})

	t.Run("returns subscriber errors and closes the publisher", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		t.Cleanup(func() { PublisherFactory, SubscriberFactory = originalPub, originalSub })

		pub := &mockPublisher{}
		PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) { return pub, nil }
		SubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), natsConfig("nats://localhost:4222"), watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

func TestConnectionOptionsApplyDefaults(t *testing.T) {
	var opts natsgo.Options
	for _, opt := range connectionOptions(transport.NATSConfig{}) {
		require.NoError(t, opt(&opts))
	}
	assert.Equal(t, clientName, opts.Name)
	assert.Equal(t, defaultMaxReconnects, opts.MaxReconnect)
	assert.Equal(t, defaultReconnectWait, opts.ReconnectWait)

	opts = natsgo.Options{}
	for _, opt := range connectionOptions(transport.NATSConfig{MaxReconnects: 5, ReconnectWait: time.Second}) {
		require.NoError(t, opt(&opts))
	}
	assert.Equal(t, 5, opts.MaxReconnect)
	assert.Equal(t, time.Second, opts.ReconnectWait)
}

type mockPublisher struct{ closed bool }

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                            { m.closed = true; return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
