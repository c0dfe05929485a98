package persistence

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
	// ErrLeaseLost is returned when a worker reports on a task it no longer holds.
	ErrLeaseLost = errors.New("lease lost")
)

// StoreType names a task store backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// CleanupConfig drops succeeded tasks older than TaskRetention every
// Interval. Dead tasks are kept for operators.
type CleanupConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Interval      time.Duration `json:"interval" yaml:"interval"`
	TaskRetention time.Duration `json:"task_retention" yaml:"task_retention"`
}

// DefaultCleanupConfig 默认关闭清理，保留 24 小时
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:      time.Hour,
		TaskRetention: 24 * time.Hour,
	}
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	Type    StoreType        `json:"type" yaml:"type"`
	Redis   RedisStoreConfig `json:"redis" yaml:"redis"` // only for redis
	Cleanup CleanupConfig    `json:"cleanup" yaml:"cleanup"`
}

// RedisStoreConfig 连接参数；KeyPrefix 隔离同一实例上的多个队列
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns an in-memory store config.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "brokerflow:",
		},
		Cleanup: DefaultCleanupConfig(),
	}
}

// Store is what every backend shares; Ping backs the readiness check.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
}
