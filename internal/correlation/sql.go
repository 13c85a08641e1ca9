package correlation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/storage"
)

type correlationModel struct {
	bun.BaseModel `bun:"table:hookflow_correlations,alias:hc"`

	CorrelationID         string     `bun:"correlation_id,pk"`
	Status                string     `bun:"status,notnull"`
	MessageType           string     `bun:"message_type"`
	MessageID             string     `bun:"message_id"`
	ReceivedAt            time.Time  `bun:"received_at,notnull"`
	CompletedAt           *time.Time `bun:"completed_at,nullzero"`
	CallbackURL           string     `bun:"callback_url"`
	ResultPayload         []byte     `bun:"result_payload"`
	ErrorMessage          string     `bun:"error_message"`
	RetryCount            int        `bun:"retry_count,notnull"`
	NotifiedAt            *time.Time `bun:"notified_at,nullzero"`
	LastNotificationError string     `bun:"last_notification_error"`
	NotificationAbandoned bool       `bun:"notification_abandoned,notnull"`
	PendingNotification   bool       `bun:"pending_notification,notnull"`
	Version               int64      `bun:"version,notnull"`
}

func newCorrelationModel(rec Record) *correlationModel {
	return &correlationModel{
		CorrelationID:         rec.CorrelationID,
		Status:                string(rec.Status),
		MessageType:           rec.MessageType,
		MessageID:             rec.MessageID,
		ReceivedAt:            rec.ReceivedAt.UTC(),
		CompletedAt:           utcPtr(rec.CompletedAt),
		CallbackURL:           rec.CallbackURL(),
		ResultPayload:         rec.ResultPayload,
		ErrorMessage:          rec.ErrorMessage,
		RetryCount:            rec.RetryCount,
		NotifiedAt:            utcPtr(rec.NotifiedAt),
		LastNotificationError: rec.LastNotificationError,
		NotificationAbandoned: rec.NotificationAbandoned,
		PendingNotification:   rec.PendingNotification(),
		Version:               rec.Version,
	}
}

func (m *correlationModel) toRecord() Record {
	rec := Record{
		CorrelationID:         m.CorrelationID,
		Status:                Status(m.Status),
		MessageType:           m.MessageType,
		MessageID:             m.MessageID,
		ReceivedAt:            m.ReceivedAt.UTC(),
		CompletedAt:           utcPtr(m.CompletedAt),
		ErrorMessage:          m.ErrorMessage,
		RetryCount:            m.RetryCount,
		NotifiedAt:            utcPtr(m.NotifiedAt),
		LastNotificationError: m.LastNotificationError,
		NotificationAbandoned: m.NotificationAbandoned,
		Version:               m.Version,
	}
	if m.CallbackURL != "" {
		rec.Notification = &NotificationConfig{CallbackURL: m.CallbackURL}
	}
	if len(m.ResultPayload) > 0 {
		rec.ResultPayload = append([]byte(nil), m.ResultPayload...)
	}
	return rec
}

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := ts.UTC()
	return &v
}

// SQLStore persists records with bun on SQLite or PostgreSQL. Updates use a
// version column and are retried on conflict.
type SQLStore struct {
	db bun.IDB
}

func NewSQLStore(db bun.IDB) *SQLStore {
	return &SQLStore{db: db}
}

// CreateSchema creates the table and indexes when missing.
func (s *SQLStore) CreateSchema(ctx context.Context) error {
	return storage.CreateSchema(ctx, s.db, (*correlationModel)(nil),
		storage.Index{Name: "idx_hookflow_correlations_pending", Columns: []string{"pending_notification", "completed_at"}},
	)
}

func (s *SQLStore) Create(ctx context.Context, rec Record) error {
	rec.Version = 1
	if _, err := s.db.NewInsert().Model(newCorrelationModel(rec)).Exec(ctx); err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("%w: correlation %s", errspkg.ErrAlreadyExists, rec.CorrelationID)
		}
		return fmt.Errorf("insert correlation: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	model, err := s.load(ctx, s.db, id)
	if err != nil {
		return Record{}, err
	}
	return model.toRecord(), nil
}

func (s *SQLStore) load(ctx context.Context, db bun.IDB, id string) (*correlationModel, error) {
	model := &correlationModel{}
	err := db.NewSelect().Model(model).Where("?TableAlias.correlation_id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("select correlation: %w", err)
	}
	return model, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	var out Record
	err := storage.RetryOnConflict(ctx, storage.DefaultConflictRetries, func(ctx context.Context) error {
		current, err := s.load(ctx, s.db, id)
		if err != nil {
			return err
		}
		next, changed, err := applyUpdate(current.toRecord(), fn)
		if err != nil {
			return err
		}
		out = next
		if !changed {
			return nil
		}

		res, err := s.db.NewUpdate().
			Model(newCorrelationModel(next)).
			WherePK().
			Where("version = ?", current.Version).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update correlation: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errspkg.ErrVersionMismatch
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *SQLStore) ListPendingNotifications(ctx context.Context, limit int) ([]Record, error) {
	var models []correlationModel
	q := s.db.NewSelect().
		Model(&models).
		Where("?TableAlias.pending_notification = ?", true).
		OrderExpr("?TableAlias.completed_at ASC, ?TableAlias.correlation_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}

	out := make([]Record, 0, len(models))
	for i := range models {
		out = append(out, models[i].toRecord())
	}
	return out, nil
}
