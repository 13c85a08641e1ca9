package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/hookflow/internal/correlation"
	"github.com/drblury/hookflow/internal/failures"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	idspkg "github.com/drblury/hookflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	metricspkg "github.com/drblury/hookflow/internal/runtime/metrics"
	"github.com/drblury/hookflow/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// CorrelationTracker receives the status transitions of correlated messages.
// *correlation.Tracker satisfies it.
type CorrelationTracker interface {
	MarkProcessing(ctx context.Context, id string) error
	CompleteCorrelation(ctx context.Context, id string, outcome correlation.Outcome) (correlation.Record, bool, error)
}

// ServiceDependencies holds the optional collaborators of a Service. Nil
// fields disable the related behaviour.
type ServiceDependencies struct {
	// Correlations is notified when correlated messages start and finish.
	Correlations CorrelationTracker
	// Failures stores failed-message records. Without it advanced error mode
	// is rejected and error handler failures are only logged.
	Failures failures.Store
	Metrics  *metricspkg.Registry
	Hooks    ConsumerHooks
	// Middlewares are appended after the default router middlewares.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	// TransportFactory overrides the transport registry lookup.
	TransportFactory transport.Builder
	// Validator checks struct contracts. Defaults to a fresh validator.
	Validator *validator.Validate
	Clock     func() time.Time
}

// Service owns the Watermill router, the consumers bound to it and the HTTP
// router management APIs mount on.
type Service struct {
	conf     configpkg.Config
	log      loggingpkg.ServiceLogger
	wmLogger watermill.LoggerAdapter

	transportName string
	capabilities  transport.Capabilities
	publisher     message.Publisher
	subscriber    message.Subscriber
	onRunning     func() error
	router        *message.Router

	correlations CorrelationTracker
	failureStore failures.Store
	recorder     *failures.Recorder
	metrics      *metricspkg.Registry
	hooks        ConsumerHooks
	validate     *validator.Validate
	ids          idspkg.Generator
	now          func() time.Time
	sampler      *resourceSampler

	mu        sync.RWMutex
	consumers []*consumer
	byName    map[string]*consumer
	byType    map[string]*consumer
	byPath    map[string]*consumer
	started   bool

	httpRouter *mux.Router
	serveHTTP  bool
	server     *http.Server

	lifeCtx   context.Context
	stop      context.CancelFunc
	inflight  sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewService builds the transport and router for conf. Register consumers on
// the returned Service before calling Start.
func NewService(conf configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	conf = conf.WithDefaults()
	log = loggingpkg.OrNop(log).With(loggingpkg.LogFields{"component": "service"})
	wmLogger := loggingpkg.NewWatermillAdapter(log)

	transportName := transport.NormalizeSystem(conf.Transport.System)
	log.Info("Creating hookflow service", loggingpkg.LogFields{
		"transport": transportName,
		"config":    conf.String(),
	})

	s := &Service{
		conf:          conf,
		log:           log,
		wmLogger:      wmLogger,
		transportName: transportName,
		capabilities:  transport.DefaultRegistry.GetCapabilities(transportName),
		correlations:  deps.Correlations,
		failureStore:  deps.Failures,
		metrics:       deps.Metrics,
		hooks:         deps.Hooks,
		validate:      deps.Validator,
		ids:           idspkg.ULID,
		now:           deps.Clock,
		sampler:       newResourceSampler(),
		byName:        make(map[string]*consumer),
		byType:        make(map[string]*consumer),
		byPath:        make(map[string]*consumer),
		httpRouter:    mux.NewRouter(),
		closed:        make(chan struct{}),
	}
	if s.validate == nil {
		s.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.metrics == nil && conf.Metrics.Enabled {
		s.metrics = metricspkg.New(nil)
	}
	if deps.Failures != nil {
		recorder, err := failures.NewRecorder(deps.Failures, conf.Failures.Tracking, conf.DLQ.MaxReprocessAttempts)
		if err != nil {
			return nil, err
		}
		s.recorder = recorder
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transport.Build
	}
	tr, err := factory(ctx, conf.Transport, wmLogger)
	if err != nil {
		return nil, err
	}
	s.publisher, s.subscriber, s.onRunning = tr.Publisher, tr.Subscriber, tr.OnRunning

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.HTTP.ShutdownTimeout}, wmLogger)
	if err != nil {
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	s.lifeCtx, s.stop = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	if err := s.enableMetrics(); err != nil {
		return nil, err
	}
	s.mountConsumersAPI()
	return s, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return errors.Join(errors.New("failed to register middleware "+name), err)
		}
	}
	return nil
}

// enableMetrics registers the domain collectors, decorates the transport with
// Watermill's publish/subscribe metrics and mounts the scrape endpoint.
func (s *Service) enableMetrics() error {
	if !s.conf.Metrics.Enabled {
		return nil
	}
	if err := s.metrics.Register(); err != nil {
		return err
	}

	builder := metrics.NewPrometheusMetricsBuilder(s.metrics.Registerer(), "hookflow", s.transportName)
	publisher, err := builder.DecoratePublisher(s.publisher)
	if err != nil {
		return err
	}
	subscriber, err := builder.DecorateSubscriber(s.subscriber)
	if err != nil {
		return err
	}
	s.publisher, s.subscriber = publisher, subscriber

	handler := promhttp.Handler()
	if gatherer, ok := s.metrics.Registerer().(prometheus.Gatherer); ok {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	s.httpRouter.Handle(s.conf.Metrics.Path, handler).Methods(http.MethodGet)
	s.serveHTTP = true
	return nil
}

// HTTPRouter returns the router management APIs mount on. Calling it makes
// Start serve HTTP on the configured address.
func (s *Service) HTTPRouter() *mux.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serveHTTP = true
	return s.httpRouter
}

// Handler exposes the HTTP router without enabling the built-in server, for
// embedding in an existing server or tests.
func (s *Service) Handler() http.Handler {
	return s.httpRouter
}

// Running is closed once every consumer has subscribed.
func (s *Service) Running() <-chan struct{} {
	return s.router.Running()
}

// Capabilities reports the active transport's delivery guarantees.
func (s *Service) Capabilities() transport.Capabilities {
	return s.capabilities
}

// Start runs the router, and the HTTP server when enabled, until ctx is
// cancelled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	select {
	case <-s.closed:
		s.mu.Unlock()
		return errspkg.ErrServiceClosed
	default:
	}
	s.started = true
	serve := s.serveHTTP
	s.mu.Unlock()

	s.log.Info("Transport capabilities", loggingpkg.LogFields{
		"transport":           s.transportName,
		"supports_ack":        s.capabilities.SupportsAck,
		"supports_ordering":   s.capabilities.SupportsOrdering,
		"competing_consumers": s.capabilities.CompetingConsumers,
		"durable":             s.capabilities.Durable,
	})

	if serve {
		s.startHTTPServer()
	}
	if s.onRunning != nil {
		go func() {
			select {
			case <-s.router.Running():
			case <-s.closed:
				return
			}
			if err := s.onRunning(); err != nil {
				s.log.Error("Transport failed to start listening", err, nil)
			}
		}()
	}
	return routerRun(s.router, ctx)
}

func (s *Service) startHTTPServer() {
	s.server = &http.Server{
		Addr:         s.conf.HTTP.Address,
		Handler:      s.httpRouter,
		ReadTimeout:  s.conf.HTTP.ReadTimeout,
		WriteTimeout: s.conf.HTTP.WriteTimeout,
	}
	s.log.Info("Starting HTTP server", loggingpkg.LogFields{"address": s.conf.HTTP.Address})
	go func(server *http.Server) {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": server.Addr})
		}
	}(s.server)
}

// Close stops intake, waits for in-flight messages up to the shutdown
// timeout, cancels what is left and closes the transport. It is safe to call
// more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()

		var errs []error
		// An unstarted router never reports closed; waiting on it only burns
		// the shutdown timeout.
		if started {
			if err := s.router.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		if !s.waitInflight(s.conf.HTTP.ShutdownTimeout) {
			s.log.Info("Cancelling in-flight messages", nil)
		}
		s.stop()
		s.waitInflight(time.Second)

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.conf.HTTP.ShutdownTimeout)
			if err := s.server.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}

		if err := s.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		if closer, ok := s.subscriber.(interface{ Close() error }); ok && any(s.subscriber) != any(s.publisher) {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) waitInflight(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
