package transport

// Capabilities describes the delivery guarantees of a transport backend. The
// service logs them at start so operators can tell whether admitted messages
// survive a restart.
type Capabilities struct {
	Name string

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a negative acknowledgment triggers redelivery.
	SupportsNack bool

	// SupportsOrdering indicates messages on one topic are delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates metadata travels as native headers.
	SupportsTracing bool

	// Durable indicates published messages survive a process restart.
	Durable bool

	// CompetingConsumers indicates several service instances can share a queue.
	CompetingConsumers bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		SupportsAck:        true,
		SupportsOrdering:   true,
		SupportsTracing:    true,
		Durable:            true,
		CompetingConsumers: true,
		MaxMessageSize:     1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsOrdering:   true,
		SupportsTracing:    true,
		Durable:            true,
		CompetingConsumers: true,
	}

	NATSCapabilities = Capabilities{
		Name:               "nats",
		SupportsTracing:    true,
		CompetingConsumers: true,
		MaxMessageSize:     1048576,
	}

	AWSCapabilities = Capabilities{
		Name:               "aws",
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsTracing:    true,
		Durable:            true,
		CompetingConsumers: true,
		MaxMessageSize:     262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
