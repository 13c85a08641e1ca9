// Package transport defines the pluggable message transports behind the
// dispatcher. Each implementation lives in its own sub-package and registers
// itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// OnRunning, when set, is invoked once every router handler has
	// subscribed. Push-based subscribers start listening here.
	OnRunning func() error
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config selects and configures the message transport. Builders receive it by
// value and only read their own section.
type Config struct {
	// System selects the registered builder: channel, kafka, rabbitmq, nats,
	// http or aws.
	System string `yaml:"system"`

	Channel  ChannelConfig  `yaml:"channel"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	NATS     NATSConfig     `yaml:"nats"`
	HTTP     HTTPConfig     `yaml:"http"`
	AWS      AWSConfig      `yaml:"aws"`
}

type ChannelConfig struct {
	// BufferSize is the output buffer per subscriber.
	BufferSize int64 `yaml:"buffer_size"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
	ClientID      string   `yaml:"client_id"`
}

type RabbitMQConfig struct {
	URL string `yaml:"url"`
	// QueuePrefix is prepended to every queue name so several deployments can
	// share one broker.
	QueuePrefix string `yaml:"queue_prefix"`
	// Prefetch caps unacknowledged deliveries per consumer channel. Zero keeps
	// the watermill-amqp default.
	Prefetch int `yaml:"prefetch"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
	// QueueGroup lets several instances compete for the same subjects.
	QueueGroup    string        `yaml:"queue_group"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type HTTPConfig struct {
	// ServerAddress is where the subscriber listens for pushed messages.
	ServerAddress string `yaml:"server_address"`
	// PublisherURL is the base URL messages are posted to; the topic is appended.
	PublisherURL string `yaml:"publisher_url"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AccountID       string `yaml:"account_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// Endpoint optionally points to a custom endpoint such as LocalStack.
	Endpoint string `yaml:"endpoint"`
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
