package hookflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"

	"github.com/drblury/hookflow/internal/correlation"
	"github.com/drblury/hookflow/internal/failures"
	"github.com/drblury/hookflow/internal/ingress"
	"github.com/drblury/hookflow/internal/notifier"
	"github.com/drblury/hookflow/internal/recovery"
	runtimepkg "github.com/drblury/hookflow/internal/runtime"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	loggingpkg "github.com/drblury/hookflow/internal/runtime/logging"
	metricspkg "github.com/drblury/hookflow/internal/runtime/metrics"
	"github.com/drblury/hookflow/internal/storage"
	"github.com/drblury/hookflow/transport"
	_ "github.com/drblury/hookflow/transport/transports"
)

// Options are the optional collaborators of an App.
type Options struct {
	Logger ServiceLogger
	// Registerer receives the Prometheus collectors when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer       prometheus.Registerer
	TransportFactory transport.Builder
	Hooks            ConsumerHooks
	Middlewares      []MiddlewareRegistration
	// HTTPClient delivers completion callbacks.
	HTTPClient *http.Client
	Clock      func() time.Time
}

// App is one hookflow instance: the stores, the consumer runtime, the
// ingress gate, the recovery API and the completion notifier, mounted on the
// service's HTTP router.
type App struct {
	Config    Config
	Service   *Service
	Tracker   *correlation.Tracker
	Failures  failures.Store
	Gate      *ingress.Gate
	Recovery  *recovery.Service
	Notifier  *notifier.Notifier
	Scheduler *notifier.Scheduler
	Metrics   *metricspkg.Registry

	log   ServiceLogger
	db    *bun.DB
	redis *redis.Client

	closeOnce sync.Once
	closeErr  error
}

// New validates conf, opens the configured stores and wires every component.
// Register consumers on App.Service before calling Start.
func New(ctx context.Context, conf Config, opts Options) (*App, error) {
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	log := loggingpkg.OrNop(opts.Logger)

	a := &App{Config: conf, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	correlations, failureStore, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	a.Failures = failureStore

	if a.Tracker, err = correlation.NewTracker(correlations, log); err != nil {
		return nil, err
	}
	if conf.Metrics.Enabled {
		a.Metrics = metricspkg.New(opts.Registerer)
	}

	a.Service, err = runtimepkg.NewService(conf, log, ctx, runtimepkg.ServiceDependencies{
		Correlations:     a.Tracker,
		Failures:         failureStore,
		Metrics:          a.Metrics,
		Hooks:            opts.Hooks,
		Middlewares:      opts.Middlewares,
		TransportFactory: opts.TransportFactory,
		Clock:            opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	if a.Gate, err = ingress.NewGate(conf.Ingress, a.Service, a.Tracker, log); err != nil {
		return nil, err
	}
	if a.Recovery, err = recovery.NewService(conf.DLQ, failureStore, a.Service, a.Metrics, log); err != nil {
		return nil, err
	}
	a.Notifier, err = notifier.New(conf.Notifier, correlations, notifier.Dependencies{
		Client:  opts.HTTPClient,
		Metrics: a.Metrics,
		Clock:   opts.Clock,
	}, log)
	if err != nil {
		return nil, err
	}
	if conf.Notifier.Enabled {
		if a.Scheduler, err = notifier.NewScheduler(a.Notifier, conf.Notifier.Schedule, log); err != nil {
			return nil, err
		}
		a.Tracker.OnComplete(a.Scheduler.OnComplete)
	}

	router := a.Service.HTTPRouter()
	auth := a.Gate.Auth()
	a.Gate.Register(router)
	recovery.NewAPI(a.Recovery, log).Register(router, auth.Middleware)
	correlation.NewAPI(a.Tracker, log).Register(router, correlation.DefaultBasePath, auth.Middleware)

	ok = true
	return a, nil
}

func (a *App) openStores(ctx context.Context) (correlation.Store, failures.Store, error) {
	conf := a.Config.Storage

	var failureStore failures.Store = failures.NewMemoryStore()
	var correlations correlation.Store = correlation.NewMemoryStore()

	if storage.IsSQL(conf.Driver) {
		db, err := storage.Open(ctx, conf)
		if err != nil {
			return nil, nil, err
		}
		a.db = db

		sqlFailures := failures.NewSQLStore(db)
		if err := sqlFailures.CreateSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("create failure schema: %w", err)
		}
		failureStore = sqlFailures

		sqlCorrelations := correlation.NewSQLStore(db)
		if err := sqlCorrelations.CreateSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("create correlation schema: %w", err)
		}
		correlations = sqlCorrelations
	}

	if conf.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis %s: %w", conf.Redis.Addr, err)
		}
		correlations = correlation.NewRedisStore(a.redis, correlation.DefaultRedisPrefix)
	}

	a.log.Info("Stores opened", loggingpkg.LogFields{
		"driver": conf.Driver,
		"redis":  conf.Redis.Addr != "",
	})
	return correlations, failureStore, nil
}

// Handler returns the HTTP router carrying ingress, management APIs and
// metrics.
func (a *App) Handler() http.Handler {
	return a.Service.Handler()
}

// Start runs the notifier schedule and the consumer runtime until ctx is
// cancelled or Close is called.
func (a *App) Start(ctx context.Context) error {
	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
	}
	return a.Service.Start(ctx)
}

// Close stops the notifier, drains the runtime and closes the stores. It is
// safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.Scheduler != nil {
			a.Scheduler.Stop()
		}
		var errs []error
		if a.Service != nil {
			if err := a.Service.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.closeStores(); err != nil {
			errs = append(errs, err)
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) closeStores() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
		a.db = nil
	}
	return errors.Join(errs...)
}

// DefaultConfig returns a single-instance in-memory configuration.
func DefaultConfig() Config {
	return configpkg.Default()
}
