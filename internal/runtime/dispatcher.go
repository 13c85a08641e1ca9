package runtime

import (
	"context"
	"fmt"
	"sort"

	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hookflow/internal/runtime/metadata"
)

// addConsumer validates and indexes c, builds its pipeline and binds the
// router handlers for its queue and, in simple mode with an error handler,
// its error queue.
func (s *Service) addConsumer(c *consumer) error {
	if c.queue == "" {
		return errspkg.ErrQueueRequired
	}
	if c.conf.ErrorMode == configpkg.ErrorModeAdvanced && s.recorder == nil {
		return errspkg.ErrFailureStoreRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errspkg.ErrServiceStarted
	}
	if _, ok := s.byName[c.name]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateConsumer, c.name)
	}
	if _, ok := s.byType[c.messageType]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateMessageType, c.messageType)
	}
	if c.path != "" {
		if _, ok := s.byPath[c.path]; ok {
			return fmt.Errorf("%w: %s", errspkg.ErrDuplicateRoute, c.path)
		}
	}

	c.lane = newLane(c.conf.Concurrency)
	c.stats = newConsumerStats(c.conf.Concurrency, s.sampler)
	c.pipeline = s.buildPipeline(c, c.core)

	s.router.AddConsumerHandler(c.name, c.queue, s.subscriber, s.admit(c))
	if c.conf.ErrorMode != configpkg.ErrorModeAdvanced && c.handleError != nil {
		s.router.AddConsumerHandler(c.errorHandlerName, c.errorQueue, s.subscriber, s.consumeErrorQueue(c))
	}

	s.consumers = append(s.consumers, c)
	s.byName[c.name] = c
	s.byType[c.messageType] = c
	if c.path != "" {
		s.byPath[c.path] = c
	}

	s.log.Info("Consumer registered", loggingpkg.LogFields{
		"consumer":     c.name,
		"message_type": c.messageType,
		"queue":        c.queue,
		"path":         c.path,
		"concurrency":  c.conf.Concurrency,
		"error_mode":   string(c.conf.ErrorMode),
	})
	return nil
}

// Dispatch publishes payload to the consumer bound to messageType and
// returns the original message id. A KeyOriginalMessageID already present in
// md is kept. Dispatch waits for the router to start.
func (s *Service) Dispatch(ctx context.Context, messageType string, payload []byte, md metadatapkg.Metadata) (string, error) {
	c, ok := s.consumerByType(messageType)
	if !ok {
		return "", fmt.Errorf("%w: %s", errspkg.ErrUnknownMessageType, messageType)
	}

	select {
	case <-s.router.Running():
	case <-s.closed:
		return "", errspkg.ErrServiceClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case <-s.closed:
		return "", errspkg.ErrServiceClosed
	default:
	}

	out := md.Without(append([]string{metadatapkg.KeyAttempt}, metadatapkg.ErrorKeys...)...)
	id := s.ids.NewID()
	originalID := out[metadatapkg.KeyOriginalMessageID]
	if originalID == "" {
		originalID = id
		out[metadatapkg.KeyOriginalMessageID] = id
	}
	out[metadatapkg.KeyMessageType] = c.messageType
	out[metadatapkg.KeyConsumer] = c.name
	out[metadatapkg.KeyQueue] = c.queue
	if _, ok := out.Time(metadatapkg.KeyReceivedAt); !ok {
		out.SetTime(metadatapkg.KeyReceivedAt, s.now())
	}

	msg := NewMessage(id, payload, out)
	msg.SetContext(context.WithoutCancel(ctx))
	if err := s.publisher.Publish(c.queue, msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", c.queue, err)
	}
	return originalID, nil
}

// Route resolves an ingress path to the message type bound to it.
func (s *Service) Route(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byPath[normalizePath(path)]
	if !ok {
		return "", false
	}
	return c.messageType, true
}

// ValidatePayload decodes payload against the contract of messageType
// without dispatching it.
func (s *Service) ValidatePayload(messageType string, payload []byte) error {
	c, ok := s.consumerByType(messageType)
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownMessageType, messageType)
	}
	_, err := c.decode(payload)
	return err
}

// MessageTypes lists the bound message types in order.
func (s *Service) MessageTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.byType))
	for t := range s.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Consumers describes every registered consumer with live stats.
func (s *Service) Consumers() []ConsumerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]ConsumerInfo, 0, len(s.consumers))
	for _, c := range s.consumers {
		infos = append(infos, c.info())
	}
	return infos
}

func (s *Service) consumerByType(messageType string) (*consumer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byType[messageType]
	return c, ok
}
