// Package recovery lets operators inspect, edit, resubmit and remove stored
// failures.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/hookflow/internal/failures"
	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/jsoncodec"
	"github.com/drblury/hookflow/internal/runtime/logging"
	"github.com/drblury/hookflow/internal/runtime/metadata"
	metricspkg "github.com/drblury/hookflow/internal/runtime/metrics"
)

const rollbackTimeout = 5 * time.Second

// Dispatcher validates and resubmits payloads. *runtime.Service satisfies it.
type Dispatcher interface {
	ValidatePayload(messageType string, payload []byte) error
	Dispatch(ctx context.Context, messageType string, payload []byte, md metadata.Metadata) (string, error)
}

// ReprocessResult describes one successful resubmission.
type ReprocessResult struct {
	ID             string `json:"id"`
	MessageID      string `json:"messageId"`
	ReprocessCount int    `json:"reprocessCount"`
	CanReprocess   bool   `json:"canReprocess"`
}

// EditRequest replaces the stored payload of a failure. ID, FailedAt and
// FailureSource are accepted only when they match the stored record.
type EditRequest struct {
	OriginalPayload json.RawMessage `json:"originalPayload"`
	CanReprocess    *bool           `json:"canReprocess,omitempty"`

	ID            string          `json:"id,omitempty"`
	FailedAt      *time.Time      `json:"failedAt,omitempty"`
	FailureSource failures.Source `json:"failureSource,omitempty"`
}

// Service implements the recovery operations on top of a failure store.
type Service struct {
	conf       configpkg.DLQConfig
	store      failures.Store
	dispatcher Dispatcher
	metrics    *metricspkg.Registry
	now        func() time.Time
	log        logging.ServiceLogger
}

// NewService builds a Service. metrics may be nil.
func NewService(conf configpkg.DLQConfig, store failures.Store, dispatcher Dispatcher, metrics *metricspkg.Registry, log logging.ServiceLogger) (*Service, error) {
	if store == nil {
		return nil, errspkg.ErrFailureStoreRequired
	}
	if dispatcher == nil {
		return nil, errspkg.ErrDispatcherRequired
	}
	if conf.BasePath == "" {
		conf.BasePath = configpkg.DefaultDLQBasePath
	}
	return &Service{
		conf:       conf,
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		now:        time.Now,
		log:        logging.OrNop(log).With(logging.LogFields{"component": "recovery"}),
	}, nil
}

func (s *Service) List(ctx context.Context, filter failures.Filter, page failures.PageRequest) (failures.Page, error) {
	return s.store.List(ctx, filter, page.Normalize())
}

func (s *Service) Get(ctx context.Context, id string) (failures.Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Statistics(ctx context.Context) (failures.Statistics, error) {
	return s.store.Statistics(ctx)
}

// Metrics returns the in-process per-queue counters. It is empty when the
// service was built without a metrics registry.
func (s *Service) Metrics() metricspkg.Snapshot {
	return s.metrics.Snapshot()
}

func (s *Service) withinBudget(count int) bool {
	return s.conf.MaxReprocessAttempts <= 0 || count < s.conf.MaxReprocessAttempts
}

// Reprocess resubmits the stored payload to the consumer of its message
// type. The record is marked Processing and its reprocess counter bumped
// before dispatch; both are rolled back if the dispatch fails. Reaching
// MaxReprocessAttempts clears canReprocess.
func (s *Service) Reprocess(ctx context.Context, id string) (ReprocessResult, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return ReprocessResult{}, err
	}
	if err := s.checkReprocessable(rec); err != nil {
		return ReprocessResult{}, err
	}
	if s.conf.ValidateBeforeReprocess {
		if err := s.dispatcher.ValidatePayload(rec.MessageType, rec.OriginalPayload); err != nil {
			if errors.Is(err, errspkg.ErrInvalidPayload) {
				return ReprocessResult{}, err
			}
			return ReprocessResult{}, fmt.Errorf("%w: %v", errspkg.ErrInvalidPayload, err)
		}
	}

	previous := rec
	claimed, err := s.store.Update(ctx, id, func(r *failures.Record) error {
		if err := s.checkReprocessable(*r); err != nil {
			return err
		}
		previous = r.Clone()
		now := s.now().UTC()
		r.ReprocessCount++
		r.LastReprocessedAt = &now
		r.Status = failures.StatusProcessing
		if !s.withinBudget(r.ReprocessCount) {
			r.CanReprocess = false
		}
		return nil
	})
	if err != nil {
		return ReprocessResult{}, err
	}

	md := metadata.New(
		metadata.KeyOriginalMessageID, claimed.OriginalMessageID,
		metadata.KeyReprocessOf, claimed.ID,
	)
	md.SetInt(metadata.KeyReprocessCount, claimed.ReprocessCount)
	if claimed.CorrelationID != "" {
		md[metadata.KeyCorrelationID] = claimed.CorrelationID
	}

	messageID, err := s.dispatcher.Dispatch(ctx, claimed.MessageType, claimed.OriginalPayload, md)
	if err != nil {
		s.metrics.Reprocessed(queueOf(claimed), false)
		s.rollback(ctx, previous)
		s.log.Error("Reprocess dispatch failed", err, logging.LogFields{
			"failure_id":   id,
			"message_type": claimed.MessageType,
		})
		return ReprocessResult{}, fmt.Errorf("dispatch %s: %w", claimed.MessageType, err)
	}

	s.metrics.Reprocessed(queueOf(claimed), true)
	s.log.Info("Failed message reprocessed", logging.LogFields{
		"failure_id":      id,
		"message_type":    claimed.MessageType,
		"message_id":      messageID,
		"reprocess_count": claimed.ReprocessCount,
	})
	return ReprocessResult{
		ID:             claimed.ID,
		MessageID:      messageID,
		ReprocessCount: claimed.ReprocessCount,
		CanReprocess:   claimed.CanReprocess,
	}, nil
}

func (s *Service) checkReprocessable(rec failures.Record) error {
	switch {
	case rec.Status == failures.StatusProcessing:
		return fmt.Errorf("%w: failed message %s is already being reprocessed", errspkg.ErrConflict, rec.ID)
	case !rec.CanReprocess:
		return fmt.Errorf("%w: failed message %s", errspkg.ErrNotReprocessable, rec.ID)
	case !s.withinBudget(rec.ReprocessCount):
		return fmt.Errorf("%w: failed message %s reached %d reprocess attempts", errspkg.ErrNotReprocessable, rec.ID, rec.ReprocessCount)
	}
	return nil
}

// rollback restores the reprocess bookkeeping of a record whose dispatch
// failed.
func (s *Service) rollback(ctx context.Context, previous failures.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	_, err := s.store.Update(ctx, previous.ID, func(r *failures.Record) error {
		r.ReprocessCount = previous.ReprocessCount
		r.LastReprocessedAt = previous.LastReprocessedAt
		r.CanReprocess = previous.CanReprocess
		r.Status = previous.Status
		return nil
	})
	if err != nil {
		s.log.Error("Failed to roll back reprocess", err, logging.LogFields{"failure_id": previous.ID})
	}
}

// Edit replaces the stored payload and recomputes canReprocess. It requires
// AllowEdit.
func (s *Service) Edit(ctx context.Context, id string, req EditRequest) (failures.Record, error) {
	if !s.conf.AllowEdit {
		return failures.Record{}, errspkg.ErrEditDisabled
	}
	if len(req.OriginalPayload) == 0 || !jsoncodec.Valid(req.OriginalPayload) {
		return failures.Record{}, fmt.Errorf("%w: originalPayload must be valid JSON", errspkg.ErrInvalidPayload)
	}

	updated, err := s.store.Update(ctx, id, func(r *failures.Record) error {
		switch {
		case req.ID != "" && req.ID != r.ID:
			return fmt.Errorf("%w: id", errspkg.ErrImmutableField)
		case req.FailedAt != nil && !req.FailedAt.Equal(r.FailedAt):
			return fmt.Errorf("%w: failedAt", errspkg.ErrImmutableField)
		case req.FailureSource != "" && req.FailureSource != r.FailureSource:
			return fmt.Errorf("%w: failureSource", errspkg.ErrImmutableField)
		case r.Status == failures.StatusProcessing:
			return fmt.Errorf("%w: failed message %s is being reprocessed", errspkg.ErrConflict, r.ID)
		}

		want := true
		if req.CanReprocess != nil {
			want = *req.CanReprocess
		}
		r.OriginalPayload = append(json.RawMessage(nil), req.OriginalPayload...)
		r.CanReprocess = want &&
			r.FailureSource == failures.SourceConsumer &&
			s.withinBudget(r.ReprocessCount)
		return nil
	})
	if err != nil {
		return failures.Record{}, err
	}
	s.log.Info("Failed message edited", logging.LogFields{
		"failure_id":    id,
		"can_reprocess": updated.CanReprocess,
	})
	return updated, nil
}

// Delete removes one record.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.Removed(queueOf(rec), 1)
	s.log.Info("Failed message deleted", logging.LogFields{"failure_id": id})
	return nil
}

func queueOf(rec failures.Record) string {
	if rec.Queue != "" {
		return rec.Queue
	}
	return rec.MessageType
}
