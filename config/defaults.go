// =============================================================================
// 📦 a2aflow 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Router:    DefaultRouterConfig(),
		Workflow:  DefaultWorkflowConfig(),
		Agents:    DefaultAgentsConfig(),
		Backend:   DefaultBackendConfig(),
		Store:     DefaultStoreConfig(),
		Journal:   DefaultJournalConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		RouteTimeout:    2 * time.Minute,
	}
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxForwardDepth: 8,
		EventWorkers:    8,
		EventQueueSize:  1024,
		BusBufferSize:   256,
		EndpointBase:    "http://localhost:8080/a2a",
	}
}

// DefaultWorkflowConfig 返回默认流水线配置
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxRetries:       1,
		BatchConcurrency: 4,
		Sender:           "orchestrator",
		Policy:           "repeat",
		ScaleFactor:      1,
	}
}

// DefaultAgentsConfig 返回默认 agent 配置
func DefaultAgentsConfig() AgentsConfig {
	return AgentsConfig{
		BiasThreshold: 0.05,
		CopyDatasets:  true,
		SimulateDrift: false,
	}
}

// DefaultBackendConfig 返回默认后端配置
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Type:             "simulator",
		CallTimeout:      30 * time.Second,
		AutopilotTimeout: 30 * time.Minute,
		Burst:            1,
		BreakerThreshold: 5,
		BreakerRecovery:  30 * time.Second,
		SimBias:          []float64{0.03},
	}
}

// DefaultStoreConfig 返回默认任务存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: "memory",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "a2aflow:",
		},
	}
}

// DefaultJournalConfig 返回默认迁移日志配置
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		Enabled:             false,
		Driver:              "sqlite",
		DSN:                 "a2aflow-journal.db",
		MaxOpenConns:        10,
		MaxIdleConns:        5,
		ConnMaxLifetime:     time.Hour,
		HealthCheckInterval: 30 * time.Second,
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

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "a2aflow",
		SampleRate:   0.1,
	}
}
