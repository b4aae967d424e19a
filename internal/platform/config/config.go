package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"` // sqlite3 or postgres
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

// RedisConfig is optional; an empty Addr disables delivery stats.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	StatsTTL  time.Duration `mapstructure:"stats_ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type RateLimitConfig struct {
	APIPerMinute  int `mapstructure:"api_per_minute"`
	TestPerMinute int `mapstructure:"test_per_minute"`
}

type WebhooksConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	Concurrency      int           `mapstructure:"concurrency"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	UserAgent        string        `mapstructure:"user_agent"`
	SecretKey        string        `mapstructure:"secret_key"` // hex, 32 bytes
	LogRetention     time.Duration `mapstructure:"log_retention"`
	PruneSchedule    string        `mapstructure:"prune_schedule"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Every key needs a default so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "file:./data/casehooks.db")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stats_ttl", 30*24*time.Hour)
	v.SetDefault("redis.key_prefix", "casehooks")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "casehooks")
	v.SetDefault("jwt.access_token_ttl", time.Hour)

	v.SetDefault("rate_limit.api_per_minute", 600)
	v.SetDefault("rate_limit.test_per_minute", 10)

	v.SetDefault("webhooks.request_timeout", 10*time.Second)
	v.SetDefault("webhooks.concurrency", 8)
	v.SetDefault("webhooks.retry_attempts", 1)
	v.SetDefault("webhooks.retry_backoff", 2*time.Second)
	v.SetDefault("webhooks.user_agent", "casehooks-webhooks/1.0")
	v.SetDefault("webhooks.secret_key", "")
	v.SetDefault("webhooks.log_retention", 30*24*time.Hour)
	v.SetDefault("webhooks.prune_schedule", "@daily")
	v.SetDefault("webhooks.max_response_bytes", 4096)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads the YAML file at path (optional when empty) and applies
// environment overrides such as JWT_SECRET or WEBHOOKS_REQUEST_TIMEOUT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if len(c.JWT.Secret) < 16 {
		errs = append(errs, errors.New("jwt.secret must be at least 16 characters"))
	}
	if c.Webhooks.RequestTimeout <= 0 {
		errs = append(errs, errors.New("webhooks.request_timeout must be positive"))
	}
	if c.Webhooks.Concurrency < 1 {
		errs = append(errs, errors.New("webhooks.concurrency must be at least 1"))
	}
	if c.Webhooks.RetryAttempts < 1 || c.Webhooks.RetryAttempts > 5 {
		errs = append(errs, errors.New("webhooks.retry_attempts must be between 1 and 5"))
	}
	if k := c.Webhooks.SecretKey; k != "" && len(k) != 64 {
		errs = append(errs, errors.New("webhooks.secret_key must be 64 hex characters"))
	}

	return errors.Join(errs...)
}
