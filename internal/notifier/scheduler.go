package notifier

import (
	"context"
	"fmt"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/drblury/hookflow/internal/correlation"
	"github.com/drblury/hookflow/internal/runtime/logging"
)

var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a five-field cron expression or a descriptor such
// as "@every 15s".
func ParseSchedule(spec string) (cronlib.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid notifier schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Scheduler runs notification sweeps on a cron schedule and on demand.
// Overlapping scheduled runs are skipped.
type Scheduler struct {
	notifier *Notifier
	cron     *cronlib.Cron
	trigger  chan struct{}
	log      logging.ServiceLogger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewScheduler(n *Notifier, spec string, log logging.ServiceLogger) (*Scheduler, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	log = logging.OrNop(log).With(logging.LogFields{"component": "notifier-scheduler"})
	adapter := cronLogger{log: log}

	s := &Scheduler{
		notifier: n,
		trigger:  make(chan struct{}, 1),
		log:      log,
	}
	s.cron = cronlib.New(
		cronlib.WithParser(scheduleParser),
		cronlib.WithLogger(adapter),
		cronlib.WithChain(cronlib.Recover(adapter), cronlib.SkipIfStillRunning(adapter)),
	)
	s.cron.Schedule(sched, cronlib.FuncJob(func() { s.sweep("schedule") }))
	return s, nil
}

// Start begins scheduled sweeps. Sweeps stop when ctx is cancelled or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.ctx = runCtx

	s.cron.Start()
	go s.loop(runCtx, s.done)
}

// Trigger asks for an immediate sweep. Calls made while one is already
// queued are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels running sweeps and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			s.sweep("trigger")
		}
	}
}

// OnComplete is a correlation.Listener that triggers a sweep as soon as a
// record with a pending callback reaches a terminal status.
func (s *Scheduler) OnComplete(_ context.Context, rec correlation.Record) {
	if rec.PendingNotification() {
		s.Trigger()
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) sweep(source string) {
	ctx := s.runContext()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	report, err := s.notifier.ProcessPendingNotifications(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Error("Notification sweep failed", err, logging.LogFields{"source": source})
		return
	}
	if report.Scanned > 0 {
		s.log.Trace("Notification sweep", logging.LogFields{
			"source":    source,
			"delivered": report.Delivered,
			"failed":    report.Failed,
		})
	}
}

type cronLogger struct {
	log logging.ServiceLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Trace(msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, err, kvFields(keysAndValues))
}

func kvFields(kv []interface{}) logging.LogFields {
	fields := make(logging.LogFields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
