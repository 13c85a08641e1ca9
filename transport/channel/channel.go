// Package channel provides the in-memory Go channel transport. It is the
// default for single-process deployments and for tests.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/hookflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultBufferSize is the per-subscriber output buffer when none is configured.
const DefaultBufferSize = 256

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(channelConfig(cfg.Channel), logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

func channelConfig(cfg transport.ChannelConfig) gochannel.Config {
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return gochannel.Config{
		OutputChannelBuffer: buffer,
		// Message contexts carry the correlation id and trace span across the
		// publish boundary.
		PreserveContext: true,
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
