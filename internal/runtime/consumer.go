package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hookflow/internal/runtime/metadata"
)

// ErrorQueueSuffix is appended to a consumer queue to name its error queue.
const ErrorQueueSuffix = "-error"

// JSONMessageContext exposes the decoded payload and metadata to a consumer.
type JSONMessageContext[T any] struct {
	Payload  T
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
	// MessageID is the original message id, stable across retries.
	MessageID     string
	CorrelationID string
	// Attempt is the 1-based business attempt.
	Attempt int
}

// CloneMetadata copies the metadata so handlers can mutate it safely.
func (c JSONMessageContext[T]) CloneMetadata() metadatapkg.Metadata {
	return c.Metadata.Clone()
}

// ErrorContext describes a terminal consumer failure to an error handler.
type ErrorContext[T any] struct {
	// Payload is the decoded original payload. It is the zero value when the
	// payload itself was the reason for the failure.
	Payload    T
	RawPayload []byte
	Metadata   metadatapkg.Metadata
	MessageID  string
	// CorrelationID is empty when the message was not correlated.
	CorrelationID string
	// FailureID is the persisted failure record id. Empty in simple mode.
	FailureID    string
	ErrorType    string
	ErrorKind    errspkg.Kind
	ErrorMessage string
	StackTrace   string
	// RetryCount is the number of business attempts made.
	RetryCount int
	FailedAt   time.Time
	Logger     loggingpkg.ServiceLogger
}

// JSONHandler processes one message. The returned value, when non-nil, is
// marshalled into the correlation result.
type JSONHandler[T any] func(ctx context.Context, msg JSONMessageContext[T]) (any, error)

// ErrorHandler handles a message whose retries are exhausted.
type ErrorHandler[T any] func(ctx context.Context, failure ErrorContext[T]) error

// JSONConsumerRegistration binds a typed consumer to the service.
type JSONConsumerRegistration[T any] struct {
	Name string
	// MessageType defaults to the Go type name of T.
	MessageType string
	// Queue and Path override the consumer config when set.
	Queue   string
	Path    string
	Handler JSONHandler[T]
	// ErrorHandler is optional. In simple mode it consumes <queue>-error; in
	// advanced mode it runs after the failure record is stored.
	ErrorHandler ErrorHandler[T]
	// ErrorHandlerName identifies the error handler in second-order failure
	// records. Defaults to <name>-error-handler.
	ErrorHandlerName string
	// Config falls back to the service config entry for Name, then defaults.
	Config *configpkg.ConsumerConfig
}

// failureInput is the type-erased view of a terminal failure handed to the
// error handler.
type failureInput struct {
	payload       []byte
	metadata      metadatapkg.Metadata
	messageID     string
	correlationID string
	failureID     string
	class         errspkg.Classification
	retryCount    int
	failedAt      time.Time
}

// consumer is the type-erased state of a registered consumer.
type consumer struct {
	name             string
	messageType      string
	queue            string
	errorQueue       string
	path             string
	errorHandlerName string
	conf             configpkg.ConsumerConfig

	decode      func(payload []byte) (any, error)
	handle      func(ctx context.Context, msg *message.Message, value any) ([]byte, error)
	handleError func(ctx context.Context, in failureInput) error

	pipeline message.HandlerFunc
	lane     *lane
	stats    *ConsumerStats
}

// RegisterJSONConsumer registers a typed consumer. It must be called before
// Start.
func RegisterJSONConsumer[T any](svc *Service, reg JSONConsumerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return errspkg.ErrConsumerNameRequired
	}

	messageType := reg.MessageType
	if messageType == "" {
		messageType = typeName[T]()
	}

	conf := svc.consumerConfig(name, reg.Config)
	if reg.Queue != "" {
		conf.Queue = reg.Queue
	}
	if reg.Path != "" {
		conf.Path = reg.Path
	}

	c := &consumer{
		name:        name,
		messageType: messageType,
		queue:       conf.Queue,
		errorQueue:  conf.Queue + ErrorQueueSuffix,
		path:        normalizePath(conf.Path),
		conf:        conf,
		decode: func(payload []byte) (any, error) {
			return decodeContract[T](svc, payload, conf.StrictContract)
		},
	}

	c.handle = func(ctx context.Context, msg *message.Message, value any) ([]byte, error) {
		md := metadatapkg.FromWatermill(msg.Metadata)
		result, err := reg.Handler(ctx, JSONMessageContext[T]{
			Payload:       as[T](value),
			Metadata:      md,
			Logger:        svc.log.With(loggingpkg.LogFields{"consumer": name}),
			MessageID:     md[metadatapkg.KeyOriginalMessageID],
			CorrelationID: md.CorrelationID(),
			Attempt:       md.Int(metadatapkg.KeyAttempt),
		})
		if err != nil || result == nil {
			return nil, err
		}
		return marshalResult(result)
	}

	if reg.ErrorHandler != nil {
		c.errorHandlerName = reg.ErrorHandlerName
		if c.errorHandlerName == "" {
			c.errorHandlerName = name + "-error-handler"
		}
		c.handleError = func(ctx context.Context, in failureInput) error {
			var payload T
			if value, err := c.decode(in.payload); err == nil {
				payload = as[T](value)
			}
			return reg.ErrorHandler(ctx, ErrorContext[T]{
				Payload:       payload,
				RawPayload:    in.payload,
				Metadata:      in.metadata,
				MessageID:     in.messageID,
				CorrelationID: in.correlationID,
				FailureID:     in.failureID,
				ErrorType:     in.class.Type,
				ErrorKind:     in.class.Kind,
				ErrorMessage:  in.class.Message,
				StackTrace:    in.class.StackTrace,
				RetryCount:    in.retryCount,
				FailedAt:      in.failedAt,
				Logger:        svc.log.With(loggingpkg.LogFields{"error_handler": c.errorHandlerName}),
			})
		}
	}

	return svc.addConsumer(c)
}

// consumerConfig resolves the effective config for name.
func (s *Service) consumerConfig(name string, explicit *configpkg.ConsumerConfig) configpkg.ConsumerConfig {
	if explicit != nil {
		return explicit.WithDefaults(name)
	}
	if conf, ok := s.conf.Consumers[name]; ok {
		return conf.WithDefaults(name)
	}
	return configpkg.ConsumerConfig{}.WithDefaults(name)
}

// decodeContract unmarshals payload into T and validates struct contracts.
func decodeContract[T any](s *Service, payload []byte, strict bool) (T, error) {
	var value T
	unmarshal := jsoncodec.Unmarshal
	if strict {
		unmarshal = jsoncodec.UnmarshalStrict
	}
	if err := unmarshal(payload, &value); err != nil {
		return value, fmt.Errorf("%w: %v", errspkg.ErrInvalidPayload, err)
	}
	if err := s.validateContract(value); err != nil {
		return value, fmt.Errorf("%w: %w", errspkg.ErrInvalidPayload, err)
	}
	return value, nil
}

func (s *Service) validateContract(value any) error {
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return s.validate.Struct(rv.Interface())
}

func marshalResult(result any) ([]byte, error) {
	switch v := result.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		if jsoncodec.Valid(v) {
			return v, nil
		}
	}
	return jsoncodec.Marshal(result)
}

func as[T any](value any) T {
	typed, _ := value.(T)
	return typed
}

func typeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func normalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

// core decodes, validates and runs the handler. A handler result travels
// back as the payload of a produced message.
func (c *consumer) core(msg *message.Message) ([]*message.Message, error) {
	value, err := c.decode(msg.Payload)
	if err != nil {
		return nil, errspkg.Validation(err)
	}
	result, err := c.handle(msg.Context(), msg, value)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return []*message.Message{message.NewMessage(msg.UUID, result)}, nil
}

func (c *consumer) hookContext(msg *message.Message) ConsumerContext {
	md := metadatapkg.FromWatermill(msg.Metadata)
	return ConsumerContext{
		Consumer:      c.name,
		MessageType:   c.messageType,
		Queue:         c.queue,
		MessageID:     md[metadatapkg.KeyOriginalMessageID],
		CorrelationID: md.CorrelationID(),
		Metadata:      md,
		Context:       msg.Context(),
	}
}

func (c *consumer) info() ConsumerInfo {
	return ConsumerInfo{
		Name:         c.name,
		MessageType:  c.messageType,
		Queue:        c.queue,
		ErrorQueue:   c.errorQueue,
		Path:         c.path,
		ErrorMode:    string(c.conf.ErrorMode),
		ErrorHandler: c.errorHandlerName,
		Concurrency:  c.conf.Concurrency,
		MaxRetries:   c.conf.Retry.MaxRetries,
		Stats:        c.stats,
	}
}
