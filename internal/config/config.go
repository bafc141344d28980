package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LEDGERSYNC"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, also writes JSON logs to a rotating file.
	File string `mapstructure:"file"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type SyncConfig struct {
	PageSize         int           `mapstructure:"page_size"`
	BatchSize        int           `mapstructure:"batch_size"`
	PageDelay        time.Duration `mapstructure:"page_delay"`
	CheckpointTTL    time.Duration `mapstructure:"checkpoint_ttl"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	// LeaseTTL bounds how long a crashed worker can block other syncs.
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
	LeasePoll time.Duration `mapstructure:"lease_poll"`
}

type RateLimitConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxCalls      int           `mapstructure:"max_calls"`
	Per           time.Duration `mapstructure:"per"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type XeroConfig struct {
	BaseURL      string          `mapstructure:"base_url"`
	TokenURL     string          `mapstructure:"token_url"`
	ClientID     string          `mapstructure:"client_id"`
	ClientSecret string          `mapstructure:"client_secret"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

type EmailConfig struct {
	From            string   `mapstructure:"from"`
	SMTPHost        string   `mapstructure:"smtp_host"`
	SMTPPort        int      `mapstructure:"smtp_port"`
	Username        string   `mapstructure:"username"`
	Password        string   `mapstructure:"password"`
	AlertRecipients []string `mapstructure:"alert_recipients"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Config struct {
	DatabaseURL   string         `mapstructure:"database_url"`
	ServerPort    string         `mapstructure:"server_port"`
	JWTSecret     string         `mapstructure:"jwt_secret"`
	EncryptionKey string         `mapstructure:"encryption_key"`
	Log           LogConfig      `mapstructure:"log"`
	Temporal      TemporalConfig `mapstructure:"temporal"`
	Sync          SyncConfig     `mapstructure:"sync"`
	Xero          XeroConfig     `mapstructure:"xero"`
	Email         EmailConfig    `mapstructure:"email"`
	CORS          CORSConfig     `mapstructure:"cors"`
}

// defaults doubles as the key list for environment binding: viper only
// unmarshals env overrides for keys it already knows.
var defaults = map[string]interface{}{
	"database_url":   "",
	"server_port":    "8080",
	"jwt_secret":     "",
	"encryption_key": "",

	"log.level":  "info",
	"log.format": "console",
	"log.file":   "",

	"temporal.host_port":  "localhost:7233",
	"temporal.namespace":  "default",
	"temporal.task_queue": "LEDGERSYNC_HISTORICAL",

	"sync.page_size":         100,
	"sync.batch_size":        50,
	"sync.page_delay":        "100ms",
	"sync.checkpoint_ttl":    "24h",
	"sync.heartbeat_timeout": "5m",
	"sync.max_attempts":      3,
	"sync.lease_ttl":         "10m",
	"sync.lease_poll":        "15s",

	"xero.base_url":      "https://api.xero.com/api.xro/2.0",
	"xero.token_url":     "https://identity.xero.com/connect/token",
	"xero.client_id":     "",
	"xero.client_secret": "",

	"xero.rate_limit.max_concurrent": 5,
	"xero.rate_limit.max_calls":      60,
	"xero.rate_limit.per":            "1m",
	"xero.rate_limit.min_interval":   "0s",
	"xero.rate_limit.max_retries":    3,

	"email.from":             "",
	"email.smtp_host":        "",
	"email.smtp_port":        587,
	"email.username":         "",
	"email.password":         "",
	"email.alert_recipients": []string{},

	"cors.allowed_origins": []string{"http://localhost:3000"},
}

// Load reads config.yaml from the given directories (default "." and
// "./config"), then applies a .env file and LEDGERSYNC_* environment
// variables on top. The file is optional.
func Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.applyFallbacks()

	if strings.TrimSpace(config.DatabaseURL) == "" {
		return nil, fmt.Errorf("database_url must be set")
	}
	return &config, nil
}

// RequireSecrets checks the keys needed to serve requests and run syncs.
// Migrations run without them.
func (c *Config) RequireSecrets() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "jwt_secret")
	}
	if c.EncryptionKey == "" {
		missing = append(missing, "encryption_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) applyFallbacks() {
	if c.ServerPort == "" {
		c.ServerPort = "8080"
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = 100
	}
	switch {
	case c.Sync.BatchSize <= 0:
		c.Sync.BatchSize = 50
	case c.Sync.BatchSize > 100:
		c.Sync.BatchSize = 100
	}
	if c.Sync.CheckpointTTL <= 0 {
		c.Sync.CheckpointTTL = 24 * time.Hour
	}
	if c.Sync.HeartbeatTimeout <= 0 {
		c.Sync.HeartbeatTimeout = 5 * time.Minute
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 3
	}
	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
}
