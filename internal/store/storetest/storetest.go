// Package storetest opens throwaway in-memory sqlite stores for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"ai-character-runtime/backend/internal/store"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/resilience"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB returns a migrated in-memory database private to the test
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	adapter, err := store.New(db, nil, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, adapter.Migrate(context.Background()))

	return db
}

// NewAdapter returns an adapter over a fresh in-memory database with a
// breaker tuned for tests.
func NewAdapter(t testing.TB) *store.Adapter {
	t.Helper()

	breaker := store.NewBreaker(resilience.CircuitBreakerConfig{
		Name:                "test-store",
		FailureThreshold:    3,
		ResetTimeout:        50 * time.Millisecond,
		HalfOpenMaxAttempts: 1,
	}, logger.Nop())

	adapter, err := store.New(OpenDB(t), breaker, logger.Nop())
	require.NoError(t, err)
	return adapter
}
