// Package postgres provides PostgreSQL-backed implementations of the
// persistence ports: event store, snapshot store, dead letter queue, saga
// instance store and a durable query cache tier. All of them run on one
// gorm connection and can share a single transaction via the unit of work.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/codewandler/esrc-go/core/es"
)

// Config holds connection settings for Open.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
}

// Open connects to PostgreSQL and returns a gorm handle with error
// translation enabled, so duplicate key violations surface as
// gorm.ErrDuplicatedKey.
func Open(log *slog.Logger, cfg Config) (*gorm.DB, error) {
	logLevel := logger.Error
	if cfg.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		TranslateError: true,
		Logger: logger.New(&logAdapter{log: log.With(slog.String("component", "gorm"))}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate creates or updates all tables used by this package.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&eventRecord{},
		&streamRecord{},
		&sequenceRecord{},
		&snapshotRecord{},
		&deadLetterRecord{},
		&sagaRecord{},
		&cacheEntryRecord{},
		&cacheTagRecord{},
	)
}

type logAdapter struct{ log *slog.Logger }

func (l *logAdapter) Printf(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

type txKey struct{}

func withTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// handle returns the transaction bound to ctx by the unit of work, or the
// base connection.
func handle(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// UnitOfWork runs a function inside one database transaction and binds the
// transaction to the context, so every store in this package joins it.
type UnitOfWork struct {
	db *gorm.DB
}

func NewUnitOfWork(db *gorm.DB) *UnitOfWork { return &UnitOfWork{db: db} }

func (u *UnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(withTx(ctx, tx))
	})
}

var _ es.UnitOfWork = (*UnitOfWork)(nil)
