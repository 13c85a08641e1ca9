package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	idspkg "github.com/drblury/hookflow/internal/runtime/ids"
	"github.com/drblury/hookflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/hookflow/internal/runtime/metadata"
)

// NewMessage builds a Watermill message carrying a copy of metadata.
func NewMessage(id string, payload []byte, metadata metadatapkg.Metadata) *message.Message {
	msg := message.NewMessage(id, payload)
	msg.Metadata = metadatapkg.ToWatermill(metadata)
	return msg
}

// NewJSONMessage marshals event and wraps it in a message with a fresh ULID.
func NewJSONMessage(event any, metadata metadatapkg.Metadata) (*message.Message, error) {
	if event == nil {
		return nil, errors.New("event payload is required")
	}
	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return NewMessage(idspkg.CreateULID(), payload, metadata), nil
}

// PublishJSON marshals event and publishes it to topic. The message context
// is detached from ctx cancellation so asynchronous subscribers keep running
// after the caller returns.
func PublishJSON(ctx context.Context, publisher message.Publisher, topic string, event any, metadata metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewJSONMessage(event, metadata)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(context.WithoutCancel(ctx))
	}
	return publisher.Publish(topic, msg)
}

// PublishJSON emits event on an arbitrary topic through the service
// transport, for handlers that fan out follow-up events.
func (s *Service) PublishJSON(ctx context.Context, topic string, event any, metadata metadatapkg.Metadata) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return PublishJSON(ctx, s.publisher, topic, event, metadata)
}
