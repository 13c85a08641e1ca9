package failures

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/storage"
)

type failureModel struct {
	bun.BaseModel `bun:"table:hookflow_failed_messages,alias:hf"`

	ID                   string     `bun:"id,pk"`
	OriginalMessageID    string     `bun:"original_message_id,notnull"`
	CorrelationID        string     `bun:"correlation_id"`
	MessageType          string     `bun:"message_type,notnull"`
	Consumer             string     `bun:"consumer"`
	Queue                string     `bun:"queue"`
	OriginalPayload      []byte     `bun:"original_payload"`
	FailedAt             time.Time  `bun:"failed_at,notnull"`
	LastFailedAt         time.Time  `bun:"last_failed_at,notnull"`
	ErrorType            string     `bun:"error_type"`
	ErrorKind            string     `bun:"error_kind"`
	ErrorMessage         string     `bun:"error_message"`
	StackTrace           string     `bun:"stack_trace"`
	RetryCount           int        `bun:"retry_count,notnull"`
	ReprocessCount       int        `bun:"reprocess_count,notnull"`
	LastReprocessedAt    *time.Time `bun:"last_reprocessed_at,nullzero"`
	CanReprocess         bool       `bun:"can_reprocess,notnull"`
	Occurrences          int        `bun:"occurrences,notnull"`
	FailureSource        string     `bun:"failure_source,notnull"`
	OriginalConsumerType string     `bun:"original_consumer_type"`
	Status               string     `bun:"status,notnull"`
	Version              int64      `bun:"version,notnull"`
}

func newFailureModel(rec Record) *failureModel {
	m := &failureModel{
		ID:                   rec.ID,
		OriginalMessageID:    rec.OriginalMessageID,
		CorrelationID:        rec.CorrelationID,
		MessageType:          rec.MessageType,
		Consumer:             rec.Consumer,
		Queue:                rec.Queue,
		OriginalPayload:      rec.OriginalPayload,
		FailedAt:             rec.FailedAt.UTC(),
		LastFailedAt:         rec.LastFailedAt.UTC(),
		ErrorType:            rec.ErrorType,
		ErrorKind:            rec.ErrorKind,
		ErrorMessage:         rec.ErrorMessage,
		StackTrace:           rec.StackTrace,
		RetryCount:           rec.RetryCount,
		ReprocessCount:       rec.ReprocessCount,
		CanReprocess:         rec.CanReprocess,
		Occurrences:          rec.Occurrences,
		FailureSource:        string(rec.FailureSource),
		OriginalConsumerType: rec.OriginalConsumerType,
		Status:               string(rec.Status),
		Version:              rec.Version,
	}
	if rec.LastReprocessedAt != nil {
		ts := rec.LastReprocessedAt.UTC()
		m.LastReprocessedAt = &ts
	}
	return m
}

func (m *failureModel) toRecord() Record {
	rec := Record{
		ID:                   m.ID,
		OriginalMessageID:    m.OriginalMessageID,
		CorrelationID:        m.CorrelationID,
		MessageType:          m.MessageType,
		Consumer:             m.Consumer,
		Queue:                m.Queue,
		FailedAt:             m.FailedAt.UTC(),
		LastFailedAt:         m.LastFailedAt.UTC(),
		ErrorType:            m.ErrorType,
		ErrorKind:            m.ErrorKind,
		ErrorMessage:         m.ErrorMessage,
		StackTrace:           m.StackTrace,
		RetryCount:           m.RetryCount,
		ReprocessCount:       m.ReprocessCount,
		CanReprocess:         m.CanReprocess,
		Occurrences:          m.Occurrences,
		FailureSource:        Source(m.FailureSource),
		OriginalConsumerType: m.OriginalConsumerType,
		Status:               Status(m.Status),
		Version:              m.Version,
	}
	if len(m.OriginalPayload) > 0 {
		rec.OriginalPayload = append([]byte(nil), m.OriginalPayload...)
	}
	if m.LastReprocessedAt != nil {
		ts := m.LastReprocessedAt.UTC()
		rec.LastReprocessedAt = &ts
	}
	return rec
}

// SQLStore persists failure records with bun.
type SQLStore struct {
	db bun.IDB
}

func NewSQLStore(db bun.IDB) *SQLStore {
	return &SQLStore{db: db}
}

// CreateSchema creates the table and its indexes when missing.
func (s *SQLStore) CreateSchema(ctx context.Context) error {
	return storage.CreateSchema(ctx, s.db, (*failureModel)(nil),
		storage.Index{Name: "idx_hookflow_failed_messages_recent", Columns: []string{"last_failed_at", "id"}},
		storage.Index{Name: "idx_hookflow_failed_messages_origin", Columns: []string{"original_message_id", "failure_source"}},
		storage.Index{Name: "idx_hookflow_failed_messages_type", Columns: []string{"message_type", "can_reprocess"}},
	)
}

func (s *SQLStore) Insert(ctx context.Context, rec Record) error {
	rec, err := prepareInsert(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(newFailureModel(rec)).Exec(ctx); err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("%w: failed message %s", errspkg.ErrAlreadyExists, rec.ID)
		}
		return fmt.Errorf("insert failed message: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	model, err := s.load(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return model.toRecord(), nil
}

func (s *SQLStore) load(ctx context.Context, id string) (*failureModel, error) {
	model := &failureModel{}
	err := s.db.NewSelect().Model(model).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("select failed message: %w", err)
	}
	return model, nil
}

func (s *SQLStore) FindLatest(ctx context.Context, originalMessageID string, source Source) (Record, error) {
	model := &failureModel{}
	err := s.db.NewSelect().
		Model(model).
		Where("?TableAlias.original_message_id = ?", originalMessageID).
		Where("?TableAlias.failure_source = ?", string(source)).
		OrderExpr("?TableAlias.last_failed_at DESC, ?TableAlias.id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, notFound(originalMessageID)
		}
		return Record{}, fmt.Errorf("select latest failed message: %w", err)
	}
	return model.toRecord(), nil
}

func (s *SQLStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	var out Record
	err := storage.RetryOnConflict(ctx, storage.DefaultConflictRetries, func(ctx context.Context) error {
		current, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		next, err := applyUpdate(current.toRecord(), fn)
		if err != nil {
			return err
		}
		res, err := s.db.NewUpdate().
			Model(newFailureModel(next)).
			WherePK().
			Where("version = ?", current.Version).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update failed message: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errspkg.ErrVersionMismatch
		}
		out = next
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter, req PageRequest) (Page, error) {
	req = req.Normalize()

	var models []failureModel
	q := s.db.NewSelect().Model(&models)
	q = applyFilter(q, filter).
		OrderExpr("?TableAlias.last_failed_at DESC, ?TableAlias.id DESC").
		Limit(req.PageSize).
		Offset(req.offset())

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("list failed messages: %w", err)
	}

	items := make([]Record, 0, len(models))
	for i := range models {
		items = append(items, models[i].toRecord())
	}
	return newPage(items, total, req), nil
}

func applyFilter(q *bun.SelectQuery, f Filter) *bun.SelectQuery {
	if f.MessageType != "" {
		q = q.Where("?TableAlias.message_type = ?", f.MessageType)
	}
	if f.CanReprocess != nil {
		q = q.Where("?TableAlias.can_reprocess = ?", *f.CanReprocess)
	}
	if f.FailureSource != "" {
		q = q.Where("?TableAlias.failure_source = ?", string(f.FailureSource))
	}
	if f.Status != "" {
		q = q.Where("?TableAlias.status = ?", string(f.Status))
	}
	if f.Queue != "" {
		q = q.Where("?TableAlias.queue = ?", f.Queue)
	}
	if f.From != nil {
		q = q.Where("?TableAlias.last_failed_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("?TableAlias.last_failed_at <= ?", f.To.UTC())
	}
	if needle := strings.ToLower(strings.TrimSpace(f.SearchText)); needle != "" {
		pattern := "%" + needle + "%"
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("LOWER(?TableAlias.error_type) LIKE ?", pattern).
				WhereOr("LOWER(?TableAlias.error_message) LIKE ?", pattern).
				WhereOr("LOWER(?TableAlias.stack_trace) LIKE ?", pattern)
		})
	}
	return q
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.NewDelete().
		Model((*failureModel)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete failed message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

type groupCount struct {
	Label string `bun:"label"`
	Total int    `bun:"total"`
}

func (s *SQLStore) Statistics(ctx context.Context) (Statistics, error) {
	stats := newStatistics()

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"message_type", stats.ByMessageType},
		{"error_type", stats.ByErrorType},
		{"failure_source", stats.BySource},
		{"status", stats.ByStatus},
	}
	for _, g := range groups {
		var rows []groupCount
		err := s.db.NewSelect().
			Model((*failureModel)(nil)).
			ColumnExpr("?TableAlias.? AS label", bun.Ident(g.column)).
			ColumnExpr("COUNT(*) AS total").
			GroupExpr("?TableAlias.?", bun.Ident(g.column)).
			Scan(ctx, &rows)
		if err != nil {
			return Statistics{}, fmt.Errorf("failed message statistics by %s: %w", g.column, err)
		}
		for _, row := range rows {
			g.into[row.Label] = row.Total
		}
	}

	var reprocessable []groupCount
	err := s.db.NewSelect().
		Model((*failureModel)(nil)).
		ColumnExpr("CASE WHEN ?TableAlias.can_reprocess THEN 'yes' ELSE 'no' END AS label").
		ColumnExpr("COUNT(*) AS total").
		GroupExpr("label").
		Scan(ctx, &reprocessable)
	if err != nil {
		return Statistics{}, fmt.Errorf("failed message statistics by reprocessability: %w", err)
	}
	for _, row := range reprocessable {
		if row.Label == "yes" {
			stats.Reprocessable = row.Total
		} else {
			stats.NotReprocessable = row.Total
		}
	}
	stats.TotalMessages = stats.Reprocessable + stats.NotReprocessable

	if stats.TotalMessages > 0 {
		oldest, err := s.edge(ctx, "ASC")
		if err != nil {
			return Statistics{}, err
		}
		newest, err := s.edge(ctx, "DESC")
		if err != nil {
			return Statistics{}, err
		}
		stats.OldestFailure = &oldest
		stats.NewestFailure = &newest
	}
	return stats, nil
}

func (s *SQLStore) edge(ctx context.Context, direction string) (time.Time, error) {
	model := &failureModel{}
	err := s.db.NewSelect().
		Model(model).
		Column("last_failed_at").
		OrderExpr("?TableAlias.last_failed_at " + direction).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed message statistics range: %w", err)
	}
	return model.LastFailedAt.UTC(), nil
}
