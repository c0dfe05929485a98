// =============================================================================
// 📦 BrokerFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Queue:        DefaultQueueConfig(),
		Handoff:      DefaultHandoffConfig(),
		Tools:        DefaultToolsConfig(),
		Conversation: DefaultConversationConfig(),
		Kafka:        DefaultKafkaConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		KeyPrefix: "brokerflow:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置。默认使用纯 Go 的 sqlite 文件库。
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "sqlite",
		Host:                "localhost",
		Port:                5432,
		User:                "brokerflow",
		Name:                "brokerflow.db",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		AutoMigrate:         true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "brokerflow",
		SampleRate:   0.1,
	}
}

// DefaultQueueConfig 返回默认任务队列配置
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Store:         "memory",
		LeaseDuration: 30 * time.Second,
		MaxAttempts:   3,
		BaseBackoff:   time.Second,
		MaxBackoff:    5 * time.Minute,
		Workers:       4,
		PollInterval:  200 * time.Millisecond,
	}
}

// DefaultHandoffConfig 返回默认交接配置
func DefaultHandoffConfig() HandoffConfig {
	return HandoffConfig{
		Timeout:       2 * time.Minute,
		SweepInterval: 5 * time.Second,
		Retention:     10 * time.Minute,
		AutoReview:    true,
	}
}

// DefaultToolsConfig 返回默认工具调用配置
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Parallelism:    4,
		DefaultTimeout: 30 * time.Second,
	}
}

// DefaultConversationConfig 返回默认对话循环配置
func DefaultConversationConfig() ConversationConfig {
	return ConversationConfig{
		MaxTurnDepth: 10,
		Timeout:      2 * time.Minute,
	}
}

// DefaultKafkaConfig 返回默认 Kafka 配置（关闭）
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Enabled:     false,
		Brokers:     []string{"localhost:9092"},
		TopicPrefix: "brokerflow.",
		Timeout:     5 * time.Second,
	}
}
