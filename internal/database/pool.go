package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPoolClosed is returned after Close.
var ErrPoolClosed = errors.New("database pool is closed")

// =============================================================================
// 🗄️ 连接池管理器
// =============================================================================

// PoolManager owns a gorm.DB and its sql.DB pool.
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// PoolConfig 连接池配置，零值字段保留驱动默认值
type PoolConfig struct {
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`

	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// 连接最大空闲时间
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 健康检查间隔，0 表示不做后台探活
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        5,
		MaxOpenConns:        20,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// NewPoolManager applies config to db's pool and starts the health check
// loop when an interval is set.
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
		done:   make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		pm.wg.Add(1)
		go pm.healthCheckLoop()
	}

	pm.logger.Debug("database pool initialized",
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)
	return pm, nil
}

// DB 返回 GORM 数据库实例
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Ping 检查数据库连接
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Close stops the health check loop and closes the pool. It is idempotent.
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.done)
	pm.mu.Unlock()

	pm.wg.Wait()
	pm.logger.Debug("closing database pool")
	return pm.sqlDB.Close()
}

func (pm *PoolManager) healthCheckLoop() {
	defer pm.wg.Done()
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pm.Ping(ctx); err != nil && !errors.Is(err, ErrPoolClosed) {
			pm.logger.Error("database health check failed", zap.Error(err))
		} else if err == nil {
			stats := pm.Stats()
			pm.logger.Debug("database health check passed",
				zap.Int("open_connections", stats.OpenConnections),
				zap.Int("in_use", stats.InUse),
				zap.Int("idle", stats.Idle),
			)
		}
		cancel()
	}
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// PoolStats 连接池统计信息
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// Stats 返回连接池统计信息
func (pm *PoolManager) Stats() PoolStats {
	s := pm.sqlDB.Stats()
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}

// =============================================================================
// 🔄 事务管理
// =============================================================================

// TransactionFunc 事务函数类型
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在事务中执行函数
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return pm.db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry retries fn on deadlocks, serialization failures and
// dropped connections, with exponential backoff starting at 50ms.
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, maxAttempts int, fn TransactionFunc) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		err := pm.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || i == maxAttempts-1 {
			break
		}

		pm.logger.Warn("transaction failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<uint(i)) * 50 * time.Millisecond):
		}
	}
	return lastErr
}

// retryableMessages are driver error fragments worth a retry.
var retryableMessages = []string{
	"deadlock",
	"serialization failure",
	"40001",
	"database is locked",
	"connection reset",
	"connection refused",
	"broken pipe",
	"lock wait timeout",
	"bad connection",
}

// IsRetryable reports whether a transaction error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
