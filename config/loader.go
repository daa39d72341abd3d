// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
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

// Config 是 codepod 的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Security  SecurityConfig  `yaml:"security" env:"SECURITY"`
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
	Sandbox   SandboxConfig   `yaml:"sandbox" env:"SANDBOX"`
	Terminal  TerminalConfig  `yaml:"terminal" env:"TERMINAL"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	AI        AIConfig        `yaml:"ai" env:"AI"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	Mode            string        `yaml:"mode" env:"MODE"` // development | production
	CORSOrigin      string        `yaml:"cors_origin" env:"CORS_ORIGIN"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig API 访问控制
type SecurityConfig struct {
	// APIKey 非空时保护 /api 和 /ai 端点
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// AdminKey 管理端点密钥；production 下为空时管理端点被禁用
	AdminKey string `yaml:"admin_key" env:"ADMIN_KEY"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	WindowMS    int `yaml:"window_ms" env:"WINDOW_MS"`
	MaxRequests int `yaml:"max_requests" env:"MAX_REQUESTS"`

	ExecuteWindowMS    int `yaml:"execute_window_ms" env:"EXECUTE_WINDOW_MS"`
	ExecuteMaxRequests int `yaml:"execute_max_requests" env:"EXECUTE_MAX_REQUESTS"`
}

// SandboxConfig 沙箱配置
type SandboxConfig struct {
	DockerHost    string `yaml:"docker_host" env:"DOCKER_HOST"`
	MaxCodeBytes  int    `yaml:"max_code_bytes" env:"MAX_CODE_BYTES"`
	MaxStdinBytes int    `yaml:"max_stdin_bytes" env:"MAX_STDIN_BYTES"`
	// CatalogPath 可选的语言目录 yaml，覆盖内置默认
	CatalogPath string `yaml:"catalog_path" env:"CATALOG_PATH"`
}

// TerminalConfig 交互终端配置
type TerminalConfig struct {
	IdleThreshold time.Duration `yaml:"idle_threshold" env:"IDLE_THRESHOLD"`
	ReapInterval  time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
	MaxSessions   int           `yaml:"max_sessions" env:"MAX_SESSIONS"`
}

// DatabaseConfig 数据库配置（sqlite）
type DatabaseConfig struct {
	Path         string `yaml:"path" env:"PATH"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

// RedisConfig Redis 二级缓存配置；Addr 为空时仅用进程内缓存
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// ProviderConfig 单个 AI 供应商配置
type ProviderConfig struct {
	APIKey       string  `yaml:"api_key" env:"API_KEY"`
	BaseURL      string  `yaml:"base_url" env:"BASE_URL"`
	Model        string  `yaml:"model" env:"MODEL"`
	CostPerToken float64 `yaml:"cost_per_token" env:"COST_PER_TOKEN"`
}

// AIConfig AI 网关配置
type AIConfig struct {
	Strategy        string        `yaml:"strategy" env:"STRATEGY"`
	CacheEnabled    bool          `yaml:"cache_enabled" env:"CACHE_ENABLED"`
	FallbackEnabled bool          `yaml:"fallback_enabled" env:"FALLBACK_ENABLED"`
	CacheTTL        time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	QueueTick       time.Duration `yaml:"queue_tick" env:"QUEUE_TICK"`
	QueueMaxRetries int           `yaml:"queue_max_retries" env:"QUEUE_MAX_RETRIES"`
	MaxMessageBytes int           `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`

	Gemini    ProviderConfig `yaml:"gemini" env:"GEMINI"`
	OpenAI    ProviderConfig `yaml:"openai" env:"OPENAI"`
	Anthropic ProviderConfig `yaml:"anthropic" env:"ANTHROPIC"`
	GLM       ProviderConfig `yaml:"glm" env:"GLM"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"FORMAT"` // json | console
}

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CODEPOD",
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
// 优先级: 默认值 → YAML 文件 → 前缀环境变量 → 无前缀别名
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	applyEnvAliases(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

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

// setFieldsFromEnv 根据 env tag 递归覆盖结构体字段
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

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
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

// envAliases 是历史部署使用的无前缀环境变量；优先级最高。
var envAliases = []struct {
	key string
	set func(*Config, string) error
}{
	{"PORT", func(c *Config, v string) error { return parseInt(v, &c.Server.Port) }},
	{"NODE_ENV", func(c *Config, v string) error { c.Server.Mode = v; return nil }},
	{"CORS_ORIGIN", func(c *Config, v string) error { c.Server.CORSOrigin = v; return nil }},
	{"API_KEY", func(c *Config, v string) error { c.Security.APIKey = v; return nil }},
	{"ADMIN_KEY", func(c *Config, v string) error { c.Security.AdminKey = v; return nil }},
	{"RATE_LIMIT_WINDOW_MS", func(c *Config, v string) error { return parseInt(v, &c.RateLimit.WindowMS) }},
	{"RATE_LIMIT_MAX_REQUESTS", func(c *Config, v string) error { return parseInt(v, &c.RateLimit.MaxRequests) }},
	{"MAX_CODE_SIZE_BYTES", func(c *Config, v string) error { return parseInt(v, &c.Sandbox.MaxCodeBytes) }},
	{"MAX_INPUT_SIZE_BYTES", func(c *Config, v string) error { return parseInt(v, &c.Sandbox.MaxStdinBytes) }},
	{"DOCKER_HOST", func(c *Config, v string) error { c.Sandbox.DockerHost = v; return nil }},
	{"REDIS_URL", func(c *Config, v string) error { c.Redis.Addr = v; return nil }},
	{"GEMINI_API_KEY", func(c *Config, v string) error { c.AI.Gemini.APIKey = v; return nil }},
	{"OPENAI_API_KEY", func(c *Config, v string) error { c.AI.OpenAI.APIKey = v; return nil }},
	{"ANTHROPIC_API_KEY", func(c *Config, v string) error { c.AI.Anthropic.APIKey = v; return nil }},
	{"GLM_API_KEY", func(c *Config, v string) error { c.AI.GLM.APIKey = v; return nil }},
}

func applyEnvAliases(cfg *Config) {
	for _, a := range envAliases {
		if v := os.Getenv(a.key); v != "" {
			_ = a.set(cfg, v)
		}
	}
}

func parseInt(value string, dst *int) error {
	i, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = i
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

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Server.Mode != "development" && c.Server.Mode != "production" {
		errs = append(errs, "mode must be development or production")
	}
	if c.RateLimit.WindowMS <= 0 || c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, "rate limit window and max requests must be positive")
	}
	if c.Sandbox.MaxCodeBytes <= 0 || c.Sandbox.MaxStdinBytes <= 0 {
		errs = append(errs, "sandbox size limits must be positive")
	}
	switch c.AI.Strategy {
	case "priority", "weighted", "cost", "quality", "round-robin":
	default:
		errs = append(errs, fmt.Sprintf("unknown ai strategy %q", c.AI.Strategy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsProduction 是否生产模式
func (c *Config) IsProduction() bool {
	return c.Server.Mode == "production"
}
