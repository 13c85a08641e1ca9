package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                            { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error { return nil }

func okBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("test-transport", okBuilder)

	assert.True(t, reg.Has("test-transport"))
	assert.False(t, reg.Has("other"))

	tr, err := reg.Build(context.Background(), Config{System: "Test-Transport"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistryBuildPassesConfigByValue(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	var seen Config
	reg.Register("kafka", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		seen = cfg
		return Transport{}, nil
	})

	cfg := Config{System: "kafka", Kafka: KafkaConfig{Brokers: []string{"b1:9092"}, ConsumerGroup: "hookflow"}}
	_, err := reg.Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "hookflow", seen.Kafka.ConsumerGroup)
}

func TestRegistryBuildErrors(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_, err := reg.Build(context.Background(), Config{System: "unknown"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")

	boom := errors.New("builder error")
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, boom
	})
	_, err = reg.Build(context.Background(), Config{System: "failing"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestNormalizeSystem(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           "channel",
		" GoChannel": "channel",
		"memory":     "channel",
		"amqp":       "rabbitmq",
		"SNS":        "aws",
		"kafka":      "kafka",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSystem(in), in)
	}
}

func TestRegistryCapabilities(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.RegisterWithCapabilities("durable", okBuilder, Capabilities{Name: "durable", Durable: true, SupportsAck: true, SupportsNack: true})

	caps := reg.GetCapabilities("durable")
	assert.True(t, caps.Durable)
	assert.True(t, caps.SupportsReliableDelivery())

	unknown := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", unknown.Name)
	assert.False(t, unknown.SupportsReliableDelivery())

	assert.False(t, NATSCapabilities.SupportsReliableDelivery())
	assert.True(t, RabbitMQCapabilities.SupportsReliableDelivery())
}

func TestRegistryNamesSorted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("nats", okBuilder)
	reg.Register("aws", okBuilder)
	reg.Register("kafka", okBuilder)

	assert.Equal(t, []string{"aws", "kafka", "nats"}, reg.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", okBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()

	assert.True(t, reg.Has("transport"))
}
