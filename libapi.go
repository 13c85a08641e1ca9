package hookflow

import (
	"github.com/drblury/hookflow/internal/correlation"
	"github.com/drblury/hookflow/internal/failures"
	"github.com/drblury/hookflow/internal/ingress"
	"github.com/drblury/hookflow/internal/notifier"
	"github.com/drblury/hookflow/internal/recovery"
	runtimepkg "github.com/drblury/hookflow/internal/runtime"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	idspkg "github.com/drblury/hookflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/hookflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hookflow/internal/runtime/metadata"
	"github.com/drblury/hookflow/transport"
)

type (
	Config              = configpkg.Config
	ConsumerConfig      = configpkg.ConsumerConfig
	RetryConfig         = configpkg.RetryConfig
	APIKey              = configpkg.APIKey
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	JSONConsumerRegistration[T any] = runtimepkg.JSONConsumerRegistration[T]
	JSONMessageContext[T any]       = runtimepkg.JSONMessageContext[T]
	JSONHandler[T any]              = runtimepkg.JSONHandler[T]
	ErrorContext[T any]             = runtimepkg.ErrorContext[T]
	ErrorHandler[T any]             = runtimepkg.ErrorHandler[T]
	ConsumerInfo                    = runtimepkg.ConsumerInfo
	ConsumerStats                   = runtimepkg.ConsumerStats

	ConsumerContext        = runtimepkg.ConsumerContext
	ConsumerHooks          = runtimepkg.ConsumerHooks
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerError          = errspkg.HandlerError
	ErrorKind             = errspkg.Kind
	ConfigValidationError = errspkg.ConfigValidationError

	CorrelationRecord = correlation.Record
	CorrelationStatus = correlation.Status
	CorrelationStore  = correlation.Store
	FailedMessage     = failures.Record
	FailureStore      = failures.Store
	FailureFilter     = failures.Filter

	IngressRequest  = ingress.Request
	IngressResult   = ingress.Result
	NotifierReport  = notifier.Report
	ReprocessResult = recovery.ReprocessResult

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportCapabilities = transport.Capabilities
)

var (
	NewService = runtimepkg.NewService
	LoadConfig = configpkg.LoadFile

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	MetricsMiddleware     = runtimepkg.MetricsMiddleware
	LogMessagesMiddleware = runtimepkg.LogMessagesMiddleware
	LoggingHooks          = runtimepkg.LoggingHooks
	AlertingHooks         = runtimepkg.AlertingHooks

	RegisterTransport = transport.Register

	Transient  = errspkg.Transient
	Permanent  = errspkg.Permanent
	Validation = errspkg.Validation
	Typed      = errspkg.Typed

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrConsumerNameRequired  = errspkg.ErrConsumerNameRequired
	ErrQueueRequired         = errspkg.ErrQueueRequired
	ErrUnknownMessageType    = errspkg.ErrUnknownMessageType
	ErrFailureStoreRequired  = errspkg.ErrFailureStoreRequired
	ErrNotFound              = errspkg.ErrNotFound
	ErrNotReprocessable      = errspkg.ErrNotReprocessable
	ErrInvalidPayload        = errspkg.ErrInvalidPayload
	ErrUnauthorized          = errspkg.ErrUnauthorized
	ErrCorrelationIDRequired = errspkg.ErrCorrelationIDRequired

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID
)

// Correlation statuses.
const (
	StatusReceived   = correlation.StatusReceived
	StatusProcessing = correlation.StatusProcessing
	StatusCompleted  = correlation.StatusCompleted
	StatusFailed     = correlation.StatusFailed
)

// Standard metadata keys.
const (
	MetadataKeyCorrelationID     = metadatapkg.KeyCorrelationID
	MetadataKeyOriginalMessageID = metadatapkg.KeyOriginalMessageID
	MetadataKeyReprocessOf       = metadatapkg.KeyReprocessOf
	MetadataKeyReprocessCount    = metadatapkg.KeyReprocessCount
)

// Ingress headers.
const (
	HeaderAPIKey        = ingress.HeaderAPIKey
	HeaderCorrelationID = ingress.HeaderCorrelationID
	HeaderCompletionURL = ingress.HeaderCompletionURL
)

func RegisterJSONConsumer[T any](svc *Service, reg JSONConsumerRegistration[T]) error {
	return runtimepkg.RegisterJSONConsumer(svc, reg)
}
