package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath 是未设置 TRUSTY_CONFIG 时读取的配置文件。
const DefaultPath = "configs/trusty.yaml"

// Config 描述了 Trusty 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Translator TranslatorConfig `json:"translator" yaml:"translator"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Alerting   AlertingConfig   `json:"alerting" yaml:"alerting"`
	Templates  TemplatesConfig  `json:"templates" yaml:"templates"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string   `json:"address" yaml:"address"`
	ReadTimeoutSeconds     int      `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int      `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	CORSOrigins            []string `json:"cors_origins" yaml:"cors_origins"`
}

// StorageConfig 选择存储驱动并描述连接池参数。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// EventsConfig 选择领域事件总线。
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Queue    string `json:"queue" yaml:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// TranslatorConfig 配置自然语言约束翻译。
type TranslatorConfig struct {
	Provider       string      `json:"provider" yaml:"provider"`
	APIKey         string      `json:"api_key" yaml:"api_key"`
	BaseURL        string      `json:"base_url" yaml:"base_url"`
	Model          string      `json:"model" yaml:"model"`
	TimeoutSeconds int         `json:"timeout_seconds" yaml:"timeout_seconds"`
	Cache          CacheConfig `json:"cache" yaml:"cache"`
}

// CacheConfig 配置翻译结果缓存，Driver 为空表示不缓存。
type CacheConfig struct {
	Driver     string `json:"driver" yaml:"driver"`
	Address    string `json:"address" yaml:"address"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// AuthConfig 配置身份认证方式。
type AuthConfig struct {
	Mode       string    `json:"mode" yaml:"mode"`
	HeaderName string    `json:"header_name" yaml:"header_name"`
	JWT        JWTConfig `json:"jwt" yaml:"jwt"`
}

// JWTConfig 描述令牌签发参数。
type JWTConfig struct {
	Secret            string   `json:"secret" yaml:"secret"`
	Issuer            string   `json:"issuer" yaml:"issuer"`
	Audience          []string `json:"audience" yaml:"audience"`
	AccessTTLSeconds  int64    `json:"access_ttl_seconds" yaml:"access_ttl_seconds"`
	RefreshTTLSeconds int64    `json:"refresh_ttl_seconds" yaml:"refresh_ttl_seconds"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Format  string      `json:"format" yaml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs"`
	Audit   AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 配置审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig 配置独立的 Prometheus 端口，Address 为空时只挂载在 API 路由上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	Webhooks []WebhookConfig `json:"webhooks" yaml:"webhooks"`
}

// WebhookConfig 描述一个 webhook 告警目标。
type WebhookConfig struct {
	URL    string `json:"url" yaml:"url"`
	Format string `json:"format" yaml:"format"`
}

// TemplatesConfig 指定模板目录文件。
type TemplatesConfig struct {
	Path string `json:"path" yaml:"path"`
}

// Load 解析指定路径的配置文件，按扩展名选择 JSON 或 YAML。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &cfg)
	default:
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// LoadFromEnv 先加载 .env，再读取 TRUSTY_CONFIG 指向的文件并应用环境变量覆盖。
// 未显式指定且默认文件不存在时使用内置默认值。
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	path, explicit := os.LookupEnv("TRUSTY_CONFIG")
	if !explicit || strings.TrimSpace(path) == "" {
		path = DefaultPath
	}

	cfg, err := Load(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
		cfg.applyDefaults(".")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 2
	}

	if c.Translator.Provider == "" {
		c.Translator.Provider = "openai"
	}
	if c.Translator.TimeoutSeconds <= 0 {
		c.Translator.TimeoutSeconds = 10
	}
	if c.Translator.Cache.TTLSeconds <= 0 {
		c.Translator.Cache.TTLSeconds = 3600
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "jwt"
	}
	if c.Auth.JWT.Issuer == "" {
		c.Auth.JWT.Issuer = "trusty"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	} else if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Templates.Path == "" {
		c.Templates.Path = filepath.Join(baseDir, "templates.yaml")
	} else if !filepath.IsAbs(c.Templates.Path) {
		c.Templates.Path = filepath.Join(baseDir, c.Templates.Path)
	}
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Address, "TRUSTY_HTTP_ADDRESS")
	setString(&c.Storage.Driver, "TRUSTY_DATABASE_DRIVER")
	setString(&c.Storage.DSN, "TRUSTY_DATABASE_DSN")
	setString(&c.Events.Driver, "TRUSTY_EVENTS_DRIVER")
	setString(&c.Events.Redis.Address, "TRUSTY_REDIS_ADDRESS")
	setString(&c.Events.RabbitMQ.URL, "TRUSTY_RABBITMQ_URL")
	setString(&c.Translator.APIKey, "OPENAI_API_KEY")
	setString(&c.Translator.BaseURL, "OPENAI_BASE_URL")
	setString(&c.Translator.Model, "OPENAI_MODEL")
	setString(&c.Auth.Mode, "TRUSTY_AUTH_MODE")
	setString(&c.Auth.JWT.Secret, "TRUSTY_JWT_SECRET")
	setString(&c.Logging.Level, "TRUSTY_LOG_LEVEL")
	setString(&c.Metrics.Address, "TRUSTY_METRICS_ADDRESS")

	if raw := strings.TrimSpace(os.Getenv("TRUSTY_TRANSLATOR_TIMEOUT_SECONDS")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("TRUSTY_TRANSLATOR_TIMEOUT_SECONDS 必须为正整数: %q", raw)
		}
		c.Translator.TimeoutSeconds = v
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

// Validate 检查驱动与认证配置的组合是否可用。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "mysql", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("存储驱动 %s 需要 dsn", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver))
	}

	switch c.Events.Driver {
	case "memory", "none":
	case "redis":
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("redis 事件总线需要 events.redis.address"))
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq 事件总线需要 events.rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的事件总线: %s", c.Events.Driver))
	}

	switch c.Auth.Mode {
	case "jwt":
		if strings.TrimSpace(c.Auth.JWT.Secret) == "" {
			errs = append(errs, errors.New("jwt 认证模式需要 auth.jwt.secret 或 TRUSTY_JWT_SECRET"))
		}
	case "header":
	default:
		errs = append(errs, fmt.Errorf("未知的认证模式: %s", c.Auth.Mode))
	}

	if c.Translator.Cache.Driver != "" && c.Translator.Cache.Driver != "redis" {
		errs = append(errs, fmt.Errorf("未知的翻译缓存: %s", c.Translator.Cache.Driver))
	}
	return errors.Join(errs...)
}

// TranslatorTimeout 返回翻译调用的超时时间。
func (c *Config) TranslatorTimeout() time.Duration {
	return time.Duration(c.Translator.TimeoutSeconds) * time.Second
}

// ShutdownTimeout 返回优雅关闭的等待时间。
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
