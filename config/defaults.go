package config

import "time"

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Loop:      DefaultLoopConfig(),
		Runner:    DefaultRunnerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig returns an embedded sqlite database.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "stepflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRedisConfig returns the session cache defaults. The cache stays
// disabled until an address is configured.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		PoolSize:     10,
		MinIdleConns: 2,
		SessionTTL:   time.Hour,
	}
}

// DefaultSchedulerConfig returns the polling defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:      3 * time.Second,
		BatchLimit:        10,
		MaxConcurrent:     4,
		RunnerTimeout:     10 * time.Minute,
		MaxRunnerAttempts: 3,
	}
}

// DefaultLoopConfig returns the verifier-worker loop defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxRounds:  10,
		SessionDir: "sessions",
	}
}

// DefaultRunnerConfig returns local in-process execution.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Mode:           "local",
		TokenTTL:       24 * time.Hour,
		RequestTimeout: 30 * time.Second,
		CommitAuthor:   "stepflow <noreply@stepflow>",
		WorkspaceRoot:  "workspaces",
	}
}

// DefaultLogConfig returns JSON logging at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig returns disabled tracing.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		ServiceName: "stepflow",
		SampleRate:  1.0,
	}
}
