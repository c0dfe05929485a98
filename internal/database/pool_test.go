package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/brokerflow/config"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return mock, gormDB
}

type countingReporter struct {
	calls atomic.Int64
}

func (r *countingReporter) ObserveDBStats(sql.DBStats) { r.calls.Add(1) }

func TestNewPoolManager(t *testing.T) {
	_, gormDB := setupMockDB(t)

	cfg := PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour}
	pm, err := NewPoolManager(gormDB, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, gormDB, pm.DB())
	assert.Equal(t, 10, pm.Stats().MaxOpenConnections)
	assert.Nil(t, pm.done, "no health loop without interval")

	_, err = NewPoolManager(nil, cfg, nil, nil)
	assert.Error(t, err)
}

func TestPoolManager_PingAndClose(t *testing.T) {
	mock, gormDB := setupMockDB(t)
	pm, err := NewPoolManager(gormDB, PoolConfig{}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, pm.Ping(context.Background()))

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())
	assert.ErrorIs(t, pm.Ping(context.Background()), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolConfigFrom(t *testing.T) {
	cfg := config.DefaultDatabaseConfig()
	pc := PoolConfigFrom(cfg)
	assert.Equal(t, cfg.MaxOpenConns, pc.MaxOpenConns)
	assert.Equal(t, cfg.MaxIdleConns, pc.MaxIdleConns)
	assert.Equal(t, cfg.HealthCheckInterval, pc.HealthCheckInterval)
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite", "sqlite3", "SQLite"} {
		d, err := Dialector(config.DatabaseConfig{Driver: driver, Name: "x"})
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}

	_, err := Dialector(config.DatabaseConfig{Driver: "memory"})
	assert.ErrorIs(t, err, ErrMemoryDriver)

	_, err = Dialector(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpen_SQLiteHealthLoopReportsStats(t *testing.T) {
	reporter := &countingReporter{}
	pm, err := Open(config.DatabaseConfig{
		Driver:              "sqlite",
		Name:                filepath.Join(t.TempDir(), "brokerflow.db"),
		MaxOpenConns:        1,
		HealthCheckInterval: 5 * time.Millisecond,
	}, reporter, zap.NewNop())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return reporter.calls.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, pm.Close())
	after := reporter.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, reporter.calls.Load(), "loop stops on close")
}

func TestOpen_Memory(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "memory"}, nil, nil)
	assert.ErrorIs(t, err, ErrMemoryDriver)
}
