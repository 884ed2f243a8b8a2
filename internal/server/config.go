// Package server provides configuration helpers that define runtime defaults,
// file and environment loading, and validation for the chat relay service.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// Default values for the server configuration.
const (
	DefaultPort           = ":5000"
	DefaultDevOrigin      = "http://localhost:3000"
	DefaultMaxMessageSize = 4096
	DefaultSendBuffer     = 256
	DefaultRateInterval   = time.Second
	DefaultLogLevel       = "INFO"
	DefaultSQLitePath     = "chatrelay.db"

	// EnvironmentProduction disables the implicit development origins.
	EnvironmentProduction = "production"
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A Burst of zero, the default, leaves connections unthrottled.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	// Port is the listen address, ":5000" style. A bare number is accepted.
	Port string `yaml:"port"`

	// Environment is "production" or anything else for development.
	Environment string `yaml:"environment"`

	// AllowedOrigins is the cross-origin allow-list shared by the HTTP API and
	// the websocket handshake. "*" allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AllowMissingOrigin accepts requests that carry no Origin header, such as
	// curl or server-side clients.
	AllowMissingOrigin bool `yaml:"allow_missing_origin"`

	MaxMessageSize int64 `yaml:"max_message_size"`
	SendBuffer     int   `yaml:"send_buffer"`
	HistoryLimit   int   `yaml:"history_limit"`

	// MaxUserLength and MaxTextLength reject longer fields when positive.
	MaxUserLength int `yaml:"max_user_length"`
	MaxTextLength int `yaml:"max_text_length"`

	// AckErrors sends an error frame to a sender whose message was dropped.
	AckErrors bool `yaml:"ack_errors"`

	LogLevel  string          `yaml:"log_level"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Store     store.Config    `yaml:"store"`
}

// envOverrides lists the environment variables read on top of the file.
// Pointer fields stay nil when the variable is unset.
type envOverrides struct {
	Port               *string `env:"PORT"`
	Environment        *string `env:"APP_ENV"`
	AllowedOrigins     *string `env:"ALLOWED_ORIGINS"`
	AllowMissingOrigin *bool   `env:"ALLOW_MISSING_ORIGIN"`
	MaxMessageSize     *int64  `env:"MAX_MESSAGE_SIZE"`
	SendBuffer         *int    `env:"SEND_BUFFER"`
	HistoryLimit       *int    `env:"HISTORY_LIMIT"`
	MaxUserLength      *int    `env:"MAX_USER_LENGTH"`
	MaxTextLength      *int    `env:"MAX_TEXT_LENGTH"`
	AckErrors          *bool   `env:"ACK_ERRORS"`
	LogLevel           *string `env:"LOG_LEVEL"`
	RateLimitBurst     *int    `env:"RATE_LIMIT_BURST"`
	RateLimitRefill    *int    `env:"RATE_LIMIT_REFILL_INTERVAL"` // seconds
	StoreDriver        *string `env:"STORE_DRIVER"`
	StorePath          *string `env:"STORE_PATH"`
}

func defaultConfig() Config {
	return Config{
		Port:               DefaultPort,
		AllowedOrigins:     []string{DefaultDevOrigin},
		AllowMissingOrigin: true,
		MaxMessageSize:     DefaultMaxMessageSize,
		SendBuffer:         DefaultSendBuffer,
		HistoryLimit:       store.DefaultHistoryLimit,
		LogLevel:           DefaultLogLevel,
		RateLimit: RateLimitConfig{
			RefillInterval: DefaultRateInterval,
		},
		Store: store.Config{
			Driver: store.DriverSQLite,
			Path:   DefaultSQLitePath,
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from defaults and environment variables only.
func NewConfigFromEnv() (*Config, error) {
	return LoadConfig("")
}

// LoadConfig reads the YAML file at path (skipped when path is empty),
// applies environment overrides, then fills in defaults for unset or
// non-positive values and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("server config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("server config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("server config: environment: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return err
	}

	setString(&cfg.Port, o.Port)
	setString(&cfg.Environment, o.Environment)
	setString(&cfg.LogLevel, o.LogLevel)
	setString(&cfg.Store.Driver, o.StoreDriver)
	setString(&cfg.Store.Path, o.StorePath)
	if o.AllowedOrigins != nil {
		cfg.AllowedOrigins = parseOrigins(*o.AllowedOrigins)
	}
	if o.AllowMissingOrigin != nil {
		cfg.AllowMissingOrigin = *o.AllowMissingOrigin
	}
	if o.MaxMessageSize != nil {
		cfg.MaxMessageSize = *o.MaxMessageSize
	}
	setInt(&cfg.SendBuffer, o.SendBuffer)
	setInt(&cfg.HistoryLimit, o.HistoryLimit)
	setInt(&cfg.MaxUserLength, o.MaxUserLength)
	setInt(&cfg.MaxTextLength, o.MaxTextLength)
	setInt(&cfg.RateLimit.Burst, o.RateLimitBurst)
	if o.AckErrors != nil {
		cfg.AckErrors = *o.AckErrors
	}
	if o.RateLimitRefill != nil {
		cfg.RateLimit.RefillInterval = time.Duration(*o.RateLimitRefill) * time.Second
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = store.DefaultHistoryLimit
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = DefaultRateInterval
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = store.DriverSQLite
	}
	if cfg.Store.Driver == store.DriverSQLite && cfg.Store.Path == "" {
		cfg.Store.Path = DefaultSQLitePath
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	if !cfg.IsProduction() {
		var dev []string
		for _, o := range devOrigins(cfg.Port) {
			if !containsOrigin(cfg.AllowedOrigins, o) {
				dev = append(dev, o)
			}
		}
		cfg.AllowedOrigins = append(dev, cfg.AllowedOrigins...)
	}

	return cfg
}

// devOrigins lists the origins allowed outside production: the local
// frontend dev server and the relay's own localhost address, which serves
// the /test page.
func devOrigins(port string) []string {
	origins := []string{DefaultDevOrigin}
	if _, p, err := net.SplitHostPort(port); err == nil && p != "" && p != "0" {
		self := "http://localhost:" + p
		if self != DefaultDevOrigin {
			origins = append(origins, self)
		}
	}
	return origins
}

func containsOrigin(origins []string, want string) bool {
	for _, o := range origins {
		if strings.TrimSuffix(strings.TrimSpace(o), "/") == want {
			return true
		}
	}
	return false
}

// validate checks structural constraints on the sanitized configuration.
func validate(cfg Config) error {
	switch cfg.Store.Driver {
	case store.DriverMemory, store.DriverSQLite, store.DriverBadger:
	default:
		return fmt.Errorf("store.driver %q unknown: want memory|sqlite|badger", cfg.Store.Driver)
	}
	if cfg.MaxUserLength < 0 || cfg.MaxTextLength < 0 {
		return errors.New("max_user_length and max_text_length must not be negative")
	}
	return nil
}

// IsProduction reports whether the server runs with production defaults.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvironmentProduction)
}
