// 提供所有配置项的合理默认值
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Security:  SecurityConfig{},
		RateLimit: DefaultRateLimitConfig(),
		Sandbox:   DefaultSandboxConfig(),
		Terminal:  DefaultTerminalConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     RedisConfig{},
		AI:        DefaultAIConfig(),
		Log:       DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            3000,
		Mode:            "development",
		CORSOrigin:      "*",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultRateLimitConfig 返回默认限流配置。
// 通用端点 15 分钟 100 次；代码执行 5 分钟 20 次。
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		WindowMS:           15 * 60 * 1000,
		MaxRequests:        100,
		ExecuteWindowMS:    5 * 60 * 1000,
		ExecuteMaxRequests: 20,
	}
}

// DefaultSandboxConfig 返回默认沙箱配置
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MaxCodeBytes:  1 << 20,
		MaxStdinBytes: 10 << 10,
	}
}

// DefaultTerminalConfig 返回默认交互终端配置
func DefaultTerminalConfig() TerminalConfig {
	return TerminalConfig{
		IdleThreshold: 30 * time.Minute,
		ReapInterval:  time.Minute,
		MaxSessions:   50,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Path:         "codepod.db",
		MaxIdleConns: 2,
		MaxOpenConns: 8,
	}
}

// DefaultAIConfig 返回默认 AI 网关配置
func DefaultAIConfig() AIConfig {
	return AIConfig{
		Strategy:        "priority",
		CacheEnabled:    true,
		FallbackEnabled: true,
		CacheTTL:        time.Hour,
		QueueTick:       30 * time.Second,
		QueueMaxRetries: 5,
		MaxMessageBytes: 10_000,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}
