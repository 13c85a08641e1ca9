// Package nats provides the NATS transport.
package nats

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/hookflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const (
	clientName           = "hookflow"
	defaultReconnectWait = 2 * time.Second
	defaultMaxReconnects = -1
)

var errURLRequired = errors.New("nats: url is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the NATS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	nc := cfg.NATS
	if nc.URL == "" {
		return transport.Transport{}, errURLRequired
	}
	marshaler := &nats.NATSMarshaler{}
	options := connectionOptions(nc)

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         nc.URL,
			NatsOptions: options,
			Marshaler:   marshaler,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              nc.URL,
			QueueGroupPrefix: nc.QueueGroup,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func connectionOptions(cfg transport.NATSConfig) []natsgo.Option {
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = defaultReconnectWait
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = defaultMaxReconnects
	}
	return []natsgo.Option{
		natsgo.Name(clientName),
		natsgo.MaxReconnects(maxReconnects),
		natsgo.ReconnectWait(wait),
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
