// Package transports imports every built-in transport for registration with
// the default registry.
package transports

import (
	_ "github.com/drblury/hookflow/transport/aws"
	_ "github.com/drblury/hookflow/transport/channel"
	_ "github.com/drblury/hookflow/transport/http"
	_ "github.com/drblury/hookflow/transport/kafka"
	_ "github.com/drblury/hookflow/transport/nats"
	_ "github.com/drblury/hookflow/transport/rabbitmq"
)
