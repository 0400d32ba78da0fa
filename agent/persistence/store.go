package persistence

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("concurrent update conflict")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// MaxTxRetries bounds optimistic transaction retries per update
	MaxTxRetries int `json:"max_tx_retries" yaml:"max_tx_retries"`

	// DialTimeout bounds the initial connectivity check
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	// TLS enables TLS 1.2+ to the Redis server
	TLS bool `json:"tls" yaml:"tls"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Redis: RedisStoreConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			KeyPrefix:    "a2aflow:",
			MaxTxRetries: 16,
			DialTimeout:  5 * time.Second,
		},
	}
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}
