// Package rabbitmq provides the RabbitMQ/AMQP transport. Each consumer queue
// and its error queue become durable queues named after the topic, shared by
// every instance of the service.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/hookflow/transport"
)

const TransportName = "rabbitmq"

var errURLRequired = errors.New("rabbitmq: url is required")

// Factories are swapped out in tests.
var (
	ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// queueNamer maps a topic to its queue name under prefix.
func queueNamer(prefix string) amqp.QueueNameGenerator {
	if prefix == "" {
		return amqp.GenerateQueueNameTopicName
	}
	return func(topic string) string { return prefix + topic }
}

// Build dials once and shares the connection between publisher and
// subscriber. The amqp config is derived from cfg.RabbitMQ.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	rc := cfg.RabbitMQ
	if rc.URL == "" {
		return transport.Transport{}, errURLRequired
	}

	amqpConfig := amqp.NewDurablePubSubConfig(rc.URL, queueNamer(rc.QueuePrefix))
	if rc.Prefetch > 0 {
		amqpConfig.Consume.Qos.PrefetchCount = rc.Prefetch
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   rc.URL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: connect: %w", err)
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: publisher: %w", err)
	}
	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq: subscriber: %w", err)
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
