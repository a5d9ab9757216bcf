// Package store is the durable-store adapter: every query and transaction
// issued by the runtime goes through Adapter so a failing database trips
// one shared circuit breaker instead of being hammered by every caller.
package store

import (
	"context"
	"errors"
	"fmt"

	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/resilience"

	"gorm.io/gorm"
)

// ErrNoDatabase is returned when an adapter is built without a database handle
var ErrNoDatabase = errors.New("store: no database supplied")

// Adapter wraps gorm with a circuit breaker
type Adapter struct {
	db      *gorm.DB
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
}

// New creates an adapter. A nil breaker gets the default configuration.
func New(db *gorm.DB, breaker *resilience.CircuitBreaker, log *logger.Logger) (*Adapter, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}
	if log == nil {
		log = logger.GetGlobal()
	}
	if breaker == nil {
		breaker = NewBreaker(resilience.DefaultCircuitBreakerConfig("durable-store"), log)
	}
	return &Adapter{db: db, breaker: breaker, log: log}, nil
}

// NewBreaker builds a breaker that only counts database failures: "record
// not found", cancellation and rejected errors leave it untouched
func NewBreaker(cfg resilience.CircuitBreakerConfig, log *logger.Logger) *resilience.CircuitBreaker {
	cfg.IsSuccessful = func(err error) bool {
		return errors.Is(err, gorm.ErrRecordNotFound) ||
			errors.Is(err, context.Canceled) ||
			IsRejected(err)
	}
	return resilience.NewCircuitBreaker(cfg, log)
}

type rejection struct {
	err error
}

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

// Reject marks err as the caller's fault (missing row, ownership conflict,
// invalid input). Returned from a Do or Transaction callback it still rolls
// the transaction back, but the breaker does not record a failure.
// errors.Is and errors.As see through the mark.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejection{err: err}
}

// IsRejected reports whether err was marked with Reject
func IsRejected(err error) bool {
	var r *rejection
	return errors.As(err, &r)
}

// Do runs fn against the database through the breaker
func (a *Adapter) Do(ctx context.Context, fn func(db *gorm.DB) error) error {
	return a.breaker.Execute(func() error {
		return fn(a.db.WithContext(ctx))
	})
}

// Transaction runs fn inside one database transaction through the breaker.
// Any error returned by fn rolls back every row written in it.
func (a *Adapter) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return a.breaker.Execute(func() error {
		return a.db.WithContext(ctx).Transaction(fn)
	})
}

// Ping checks connectivity without going through the breaker
func (a *Adapter) Ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Breaker exposes the breaker for health reporting
func (a *Adapter) Breaker() *resilience.CircuitBreaker {
	return a.breaker
}

// Migrate creates or updates every table the runtime uses
func (a *Adapter) Migrate(ctx context.Context) error {
	return a.db.WithContext(ctx).AutoMigrate(models.All()...)
}

// DB returns the raw handle for components that bring their own breaker (e.g. migrations)
func (a *Adapter) DB() *gorm.DB {
	return a.db
}

// IsNotFound reports whether err means "no such row"
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
