package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type row struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&row{}))
	return db
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), nil)
	require.Error(t, err)
}

func TestPoolManager_ZeroConfigKeepsDriverSettings(t *testing.T) {
	pm, err := NewPoolManager(openTestDB(t), PoolConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pm.Close()

	assert.Equal(t, 1, pm.Stats().MaxOpenConnections)
	require.NoError(t, pm.Ping(context.Background()))
}

func TestPoolManager_AppliesConfig(t *testing.T) {
	pm, err := NewPoolManager(openTestDB(t), PoolConfig{MaxOpenConns: 4}, nil)
	require.NoError(t, err)
	defer pm.Close()
	assert.Equal(t, 4, pm.Stats().MaxOpenConnections)
}

func TestPoolManager_CloseIdempotent(t *testing.T) {
	pm, err := NewPoolManager(openTestDB(t), PoolConfig{HealthCheckInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())

	assert.ErrorIs(t, pm.Ping(context.Background()), ErrPoolClosed)
	assert.ErrorIs(t, pm.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }), ErrPoolClosed)
}

func TestPoolManager_WithTransaction(t *testing.T) {
	pm, err := NewPoolManager(openTestDB(t), PoolConfig{}, nil)
	require.NoError(t, err)
	defer pm.Close()
	ctx := context.Background()

	require.NoError(t, pm.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&row{Name: "kept"}).Error
	}))

	boom := errors.New("boom")
	err = pm.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&row{Name: "rolled back"}).Error; err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int64
	require.NoError(t, pm.DB().Model(&row{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	pm, err := NewPoolManager(openTestDB(t), PoolConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pm.Close()

	attempts := 0
	err = pm.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return tx.Create(&row{Name: "third time"}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = pm.WithTransactionRetry(context.Background(), 3, func(*gorm.DB) error {
		attempts++
		return errors.New("constraint violation")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")))
	assert.True(t, IsRetryable(errors.New("pq: could not serialize access (SQLSTATE 40001)")))
	assert.True(t, IsRetryable(errors.New("driver: bad connection")))
	assert.False(t, IsRetryable(errors.New("record not found")))
}
