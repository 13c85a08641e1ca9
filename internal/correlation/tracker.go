package correlation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/logging"
)

// Listener is called after a record reaches a terminal status or after its
// callback was re-armed. It runs on the caller's goroutine and must not block.
type Listener func(ctx context.Context, rec Record)

// BeginRequest opens a correlation in the Received status.
type BeginRequest struct {
	CorrelationID string
	MessageType   string
	MessageID     string
	// CallbackURL is optional; when set it must be an absolute http(s) URL.
	CallbackURL string
}

// Tracker drives correlation records through their lifecycle on top of a
// Store.
type Tracker struct {
	store Store
	log   logging.ServiceLogger
	now   func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func NewTracker(store Store, log logging.ServiceLogger) (*Tracker, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	return &Tracker{
		store: store,
		log:   logging.OrNop(log).With(logging.LogFields{"component": "correlation"}),
		now:   time.Now,
	}, nil
}

// Store exposes the underlying store for the notifier.
func (t *Tracker) Store() Store {
	return t.store
}

// OnComplete registers a listener for terminal transitions and re-triggers.
func (t *Tracker) OnComplete(l Listener) {
	if l == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// ValidateCallbackURL accepts absolute http and https URLs with a host.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", errspkg.ErrInvalidCallbackURL, raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("%w: %q", errspkg.ErrInvalidCallbackURL, raw)
	}
}

// Begin creates a Received record.
func (t *Tracker) Begin(ctx context.Context, req BeginRequest) (Record, error) {
	id := strings.TrimSpace(req.CorrelationID)
	if id == "" {
		return Record{}, errspkg.ErrCorrelationIDRequired
	}
	rec := Record{
		CorrelationID: id,
		Status:        StatusReceived,
		MessageType:   req.MessageType,
		MessageID:     req.MessageID,
		ReceivedAt:    t.now().UTC(),
	}
	if req.CallbackURL != "" {
		if err := ValidateCallbackURL(req.CallbackURL); err != nil {
			return Record{}, err
		}
		rec.Notification = &NotificationConfig{CallbackURL: req.CallbackURL}
	}
	if err := t.store.Create(ctx, rec); err != nil {
		return Record{}, err
	}
	rec.Version = 1

	t.log.Debug("Correlation received", logging.LogFields{
		"correlation_id": id,
		"message_type":   req.MessageType,
		"message_id":     req.MessageID,
	})
	return rec, nil
}

// MarkProcessing moves a Received record to Processing. Records that already
// progressed and unknown ids are left alone.
func (t *Tracker) MarkProcessing(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := t.store.Update(ctx, id, func(rec *Record) error {
		if rec.Status != StatusReceived {
			return ErrSkipUpdate
		}
		rec.Status = StatusProcessing
		return nil
	})
	if errors.Is(err, errspkg.ErrNotFound) {
		t.log.Trace("No correlation to mark as processing", logging.LogFields{"correlation_id": id})
		return nil
	}
	return err
}

// CompleteCorrelation records the business outcome. A record that is already
// terminal is returned unchanged with applied=false, which makes repeated
// calls harmless. Unknown ids yield a zero record, applied=false and no error.
func (t *Tracker) CompleteCorrelation(ctx context.Context, id string, outcome Outcome) (Record, bool, error) {
	if id == "" {
		return Record{}, false, nil
	}
	applied := false
	rec, err := t.store.Update(ctx, id, func(rec *Record) error {
		applied = false
		if rec.Status.Terminal() {
			return ErrSkipUpdate
		}
		now := t.now().UTC()
		rec.CompletedAt = &now
		if outcome.Success {
			rec.Status = StatusCompleted
			rec.ResultPayload = outcome.Result
			rec.ErrorMessage = ""
		} else {
			rec.Status = StatusFailed
			rec.ErrorMessage = outcome.Error
		}
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, errspkg.ErrNotFound) {
			t.log.Trace("No correlation to complete", logging.LogFields{"correlation_id": id})
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	if applied {
		t.log.Info("Correlation completed", logging.LogFields{
			"correlation_id": id,
			"status":         string(rec.Status),
		})
		t.notify(ctx, rec)
	}
	return rec, applied, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (Record, error) {
	return t.store.Get(ctx, id)
}

// Retrigger re-arms the completion callback of a terminal record, clearing
// delivery attempts and the abandoned flag.
func (t *Tracker) Retrigger(ctx context.Context, id string) (Record, error) {
	rec, err := t.store.Update(ctx, id, func(rec *Record) error {
		if !rec.Status.Terminal() {
			return fmt.Errorf("%w: correlation %s is %s", errspkg.ErrConflict, rec.CorrelationID, rec.Status)
		}
		if rec.CallbackURL() == "" {
			return fmt.Errorf("%w: correlation %s has no completion url", errspkg.ErrConflict, rec.CorrelationID)
		}
		rec.RetryCount = 0
		rec.NotificationAbandoned = false
		rec.NotifiedAt = nil
		rec.LastNotificationError = ""
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	t.log.Info("Completion callback re-triggered", logging.LogFields{"correlation_id": id})
	t.notify(ctx, rec)
	return rec, nil
}

func (t *Tracker) notify(ctx context.Context, rec Record) {
	t.mu.RLock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, rec.Clone())
	}
}
