// =============================================================================
// 📦 a2aflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("a2aflow.yaml").
//	    WithEnvPrefix("A2AFLOW").
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

// Config 是 a2aflow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Router 消息路由配置
	Router RouterConfig `yaml:"router" env:"ROUTER"`

	// Workflow 流水线配置
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// Agents 三个内置 agent 的配置
	Agents AgentsConfig `yaml:"agents" env:"AGENTS"`

	// Backend 训练后端配置
	Backend BackendConfig `yaml:"backend" env:"BACKEND"`

	// Store 任务存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Journal 状态迁移日志配置
	Journal JournalConfig `yaml:"journal" env:"JOURNAL"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求数限制，0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 同步路由请求的超时
	RouteTimeout time.Duration `yaml:"route_timeout" env:"ROUTE_TIMEOUT"`
}

// RouterConfig 路由配置
type RouterConfig struct {
	// follow-on CALL 的最大转发深度
	MaxForwardDepth int `yaml:"max_forward_depth" env:"MAX_FORWARD_DEPTH"`
	// EVENT 投递协程数
	EventWorkers int `yaml:"event_workers" env:"EVENT_WORKERS"`
	// EVENT 队列长度
	EventQueueSize int `yaml:"event_queue_size" env:"EVENT_QUEUE_SIZE"`
	// 事件总线缓冲区
	BusBufferSize int `yaml:"bus_buffer_size" env:"BUS_BUFFER_SIZE"`
	// agent 端点基地址，写入 agent card
	EndpointBase string `yaml:"endpoint_base" env:"ENDPOINT_BASE"`
}

// WorkflowConfig 流水线配置
type WorkflowConfig struct {
	// 最大重训次数，0 表示不重训
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// RunBatch 并发度
	BatchConcurrency int `yaml:"batch_concurrency" env:"BATCH_CONCURRENCY"`
	// 发送方 id
	Sender string `yaml:"sender" env:"SENDER"`
	// 重训参数策略: repeat, scale
	Policy string `yaml:"policy" env:"POLICY"`
	// scale 策略调整的参数名
	ScaleParam string `yaml:"scale_param" env:"SCALE_PARAM"`
	// scale 策略的倍数
	ScaleFactor float64 `yaml:"scale_factor" env:"SCALE_FACTOR"`
}

// AgentsConfig 内置 agent 配置
type AgentsConfig struct {
	// 合规审查的偏差阈值
	BiasThreshold float64 `yaml:"bias_threshold" env:"BIAS_THRESHOLD"`
	// 处理数据集时复制文件到 enc 路径，关闭后训练阶段读不到处理后的数据
	CopyDatasets bool `yaml:"copy_datasets" env:"COPY_DATASETS"`
	// 模拟数据漂移
	SimulateDrift bool `yaml:"simulate_drift" env:"SIMULATE_DRIFT"`
}

// BackendConfig 训练后端配置
type BackendConfig struct {
	// 类型: simulator, http
	Type string `yaml:"type" env:"TYPE"`
	// http 后端地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// http 后端 Bearer token
	Token string `yaml:"token" env:"TOKEN"`
	// 单次短调用超时
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// Autopilot 超时
	AutopilotTimeout time.Duration `yaml:"autopilot_timeout" env:"AUTOPILOT_TIMEOUT"`
	// 每秒调用数限制，0 表示不限流
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	// 限流突发容量
	Burst int `yaml:"burst" env:"BURST"`
	// 熔断阈值，0 表示关闭熔断
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断恢复时间
	BreakerRecovery time.Duration `yaml:"breaker_recovery" env:"BREAKER_RECOVERY"`
	// 模拟器调用延迟
	SimLatency time.Duration `yaml:"sim_latency" env:"SIM_LATENCY"`
	// 模拟器依次返回的偏差值
	SimBias []float64 `yaml:"sim_bias" env:"SIM_BIAS"`
}

// StoreConfig 任务存储配置
type StoreConfig struct {
	// 类型: memory, redis
	Type string `yaml:"type" env:"TYPE"`
	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// JournalConfig 状态迁移日志配置
type JournalConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// 连接串，sqlite 为文件路径
	DSN string `yaml:"dsn" env:"DSN"`
	// 最大打开连接数，sqlite 固定为 1
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 后台探活间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
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

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
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
		envPrefix:  "A2AFLOW",
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
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

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
		// 逗号分隔
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		switch field.Type().Elem().Kind() {
		case reflect.String:
			field.Set(reflect.ValueOf(parts))
		case reflect.Float64:
			floats := make([]float64, 0, len(parts))
			for _, p := range parts {
				f, err := strconv.ParseFloat(p, 64)
				if err != nil {
					return err
				}
				floats = append(floats, f)
			}
			field.Set(reflect.ValueOf(floats))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

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
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	if c.Router.MaxForwardDepth <= 0 {
		errs = append(errs, "router.max_forward_depth must be positive")
	}
	if c.Workflow.MaxRetries < 0 {
		errs = append(errs, "workflow.max_retries must not be negative")
	}
	switch c.Workflow.Policy {
	case "", "repeat":
	case "scale":
		if c.Workflow.ScaleParam == "" {
			errs = append(errs, "workflow.scale_param is required for the scale policy")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown workflow.policy %q", c.Workflow.Policy))
	}
	if c.Agents.BiasThreshold <= 0 || c.Agents.BiasThreshold > 1 {
		errs = append(errs, "agents.bias_threshold must be in (0, 1]")
	}

	switch c.Backend.Type {
	case "simulator":
	case "http":
		if c.Backend.BaseURL == "" {
			errs = append(errs, "backend.base_url is required for the http backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown backend.type %q", c.Backend.Type))
	}

	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, "store.redis.addr is required for the redis store")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store.type %q", c.Store.Type))
	}

	if c.Journal.Enabled {
		switch c.Journal.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("unknown journal.driver %q", c.Journal.Driver))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
