// Package storage opens the SQL database that backs the correlation and
// failed-message stores.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
)

var errMemoryDriver = errors.New("storage: memory driver has no SQL database")

const pingTimeout = 5 * time.Second

// IsSQL reports whether driver selects a SQL backend.
func IsSQL(driver string) bool {
	switch normalizeDriver(driver) {
	case DriverSQLite, DriverPostgres, DriverPGX:
		return true
	default:
		return false
	}
}

func normalizeDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "", DriverMemory:
		return DriverMemory
	case "sqlite":
		return DriverSQLite
	case "postgresql":
		return DriverPostgres
	default:
		return driver
	}
}

// Open connects to the configured database and verifies it with a ping.
func Open(ctx context.Context, cfg configpkg.StorageConfig) (*bun.DB, error) {
	driver := normalizeDriver(cfg.Driver)

	var (
		sqlDB *sql.DB
		err   error
		db    *bun.DB
	)
	switch driver {
	case DriverMemory:
		return nil, errMemoryDriver
	case DriverSQLite:
		sqlDB, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("storage: open sqlite: %w", err)
		}
		// SQLite serialises writers; one connection avoids SQLITE_BUSY and keeps
		// in-memory databases alive.
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	case DriverPostgres, DriverPGX:
		sqlDB, err = sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", driver, err)
		}
		db = bun.NewDB(sqlDB, pgdialect.New())
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", driver, err)
	}
	return db, nil
}

// Index describes a secondary index created by CreateSchema.
type Index struct {
	Name    string
	Columns []string
}

// CreateSchema creates the table for model and its indexes when missing.
func CreateSchema(ctx context.Context, db bun.IDB, model any, indexes ...Index) error {
	if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("storage: create table: %w", err)
	}
	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().
			Model(model).
			Index(idx.Name).
			Column(idx.Columns...).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("storage: create index %s: %w", idx.Name, err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint failure on any supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

var memoryDBSeq atomic.Uint64

// MemorySQLiteDSN returns a DSN for a private shared-cache in-memory SQLite
// database.
func MemorySQLiteDSN(name string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '/' || r == ' ' || r == '?' || r == '&' {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", clean, memoryDBSeq.Add(1))
}

// DefaultConflictRetries bounds RetryOnConflict.
const DefaultConflictRetries = 5

// Backoff between optimistic write attempts.
var (
	conflictInitialInterval = 5 * time.Millisecond
	conflictMaxInterval     = 200 * time.Millisecond
)

// RetryOnConflict runs fn again with backoff while it reports
// errspkg.ErrVersionMismatch, up to attempts calls. Any other error,
// including domain conflicts, is returned at once.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultConflictRetries
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conflictInitialInterval
	b.MaxInterval = conflictMaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && !errors.Is(err, errspkg.ErrVersionMismatch) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	return err
}
