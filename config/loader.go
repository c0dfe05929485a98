// =============================================================================
// 📦 BrokerFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("BROKERFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 BrokerFlow 的完整配置结构
type Config struct {
	Server       ServerConfig       `yaml:"server" env:"SERVER"`
	Log          LogConfig          `yaml:"log" env:"LOG"`
	Redis        RedisConfig        `yaml:"redis" env:"REDIS"`
	Database     DatabaseConfig     `yaml:"database" env:"DATABASE"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" env:"TELEMETRY"`
	Queue        QueueConfig        `yaml:"queue" env:"QUEUE"`
	Handoff      HandoffConfig      `yaml:"handoff" env:"HANDOFF"`
	Tools        ToolsConfig        `yaml:"tools" env:"TOOLS"`
	Conversation ConversationConfig `yaml:"conversation" env:"CONVERSATION"`
	Kafka        KafkaConfig        `yaml:"kafka" env:"KAFKA"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// JWTSecret 为空时不校验 Bearer Token
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// CORS 允许的来源，空表示不开启
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// RedisConfig Redis 配置（任务队列存储）
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig 数据库配置（工作流实例存储）
type DatabaseConfig struct {
	// 驱动类型: memory, postgres, mysql, sqlite, sqlite3
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 下为文件路径
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 连接池
	MaxOpenConns        int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns        int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// 启动时自动执行迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	// 存储: memory, redis
	Store         string        `yaml:"store" env:"STORE"`
	LeaseDuration time.Duration `yaml:"lease_duration" env:"LEASE_DURATION"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseBackoff   time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff    time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	Workers       int           `yaml:"workers" env:"WORKERS"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// HandoffConfig 任务交接配置
type HandoffConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	Retention     time.Duration `yaml:"retention" env:"RETENTION"` // 已解决的交接保留时长
	// 由接收方立即审阅提议
	AutoReview bool `yaml:"auto_review" env:"AUTO_REVIEW"`
}

// ToolsConfig 工具调用配置
type ToolsConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay      time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Parallelism    int           `yaml:"parallelism" env:"PARALLELISM"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 远程工具端点，仅支持 YAML 配置
	Endpoints []ToolEndpoint `yaml:"endpoints" env:"-"`
}

// ToolEndpoint 一个以 HTTP 提供的工具
type ToolEndpoint struct {
	Name        string            `yaml:"name"`
	URL         string            `yaml:"url"`
	Description string            `yaml:"description"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
	// 每秒调用次数，0 表示不限流
	RateLimit float64 `yaml:"rate_limit"`
}

// ConversationConfig 流式对话循环配置
type ConversationConfig struct {
	MaxTurnDepth int    `yaml:"max_turn_depth" env:"MAX_TURN_DEPTH"`
	Model        string `yaml:"model" env:"MODEL"`
	// 补全服务的 SSE 端点；为空时分析与撰写步骤直接透传输入
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT"`
	APIKey   string        `yaml:"api_key" env:"API_KEY"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// KafkaConfig 总线事件转发到 Kafka
type KafkaConfig struct {
	Enabled     bool          `yaml:"enabled" env:"ENABLED"`
	Brokers     []string      `yaml:"brokers" env:"BROKERS"`
	TopicPrefix string        `yaml:"topic_prefix" env:"TOPIC_PREFIX"`
	Topics      []string      `yaml:"topics" env:"TOPICS"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BROKERFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}

	switch c.Database.Driver {
	case "memory", "postgres", "mysql", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	switch c.Queue.Store {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unsupported queue store %q", c.Queue.Store))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.max_attempts must be positive")
	}
	if c.Queue.LeaseDuration <= 0 {
		errs = append(errs, "queue.lease_duration must be positive")
	}
	if c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		errs = append(errs, "queue.max_backoff must not be below base_backoff")
	}

	if c.Handoff.Timeout <= 0 {
		errs = append(errs, "handoff.timeout must be positive")
	}
	if c.Tools.MaxRetries < 0 {
		errs = append(errs, "tools.max_retries must not be negative")
	}
	seen := make(map[string]bool, len(c.Tools.Endpoints))
	for _, ep := range c.Tools.Endpoints {
		if ep.Name == "" || ep.URL == "" {
			errs = append(errs, "tools.endpoints entries need a name and url")
			continue
		}
		if seen[ep.Name] {
			errs = append(errs, fmt.Sprintf("duplicate tool endpoint %q", ep.Name))
		}
		seen[ep.Name] = true
	}
	if c.Conversation.MaxTurnDepth <= 0 {
		errs = append(errs, "conversation.max_turn_depth must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers is required when kafka is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}
