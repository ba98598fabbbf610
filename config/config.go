// Package config loads the service configuration.
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Default values (set via SetConfigDefaults)
//  2. Configuration file (./config.yaml, ./configs/config.yaml, ~/.hut/config.yaml, /etc/hut/config.yaml)
//  3. .env file
//  4. Environment variables (prefix HUT_, e.g. HUT_SERVER_PORT=8095,
//     HUT_NETWORKS_BITCOIN_TIMEOUT=2h, HUT_STORAGE_BACKEND=redis)
//
// The defaults reproduce the production constants: a 30 minute activation
// window, per-asset activation minimums and the bitcoin, ethereum, solana
// and icp network timings.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"hut.evalgo.org/chain"
	"hut.evalgo.org/common"
	"hut.evalgo.org/lifecycle"
	"hut.evalgo.org/orchestrator"
	"hut.evalgo.org/statemanager"
	"hut.evalgo.org/store"
)

// EnvPrefix is the environment variable prefix
const EnvPrefix = "HUT"

// insecureSecret is the development default rejected in production
const insecureSecret = "hut-development-secret"

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port" yaml:"port"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// BodyLimit caps request bodies (e.g. "1M")
	BodyLimit string `mapstructure:"body_limit" yaml:"body_limit"`

	// Debug enables echo debug mode
	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format" yaml:"format"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second (0 = unlimited)
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	// JWTSecret is the secret key for signing JWT tokens
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`

	// JWTIssuer is stamped into and required from tokens when set
	JWTIssuer string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`

	// JWTExpiration is the JWT token expiration duration (default: 24h)
	JWTExpiration time.Duration `mapstructure:"jwt_expiration" yaml:"jwt_expiration"`

	// IssueTokens enables POST /auth/token (development only)
	IssueTokens bool `mapstructure:"issue_tokens" yaml:"issue_tokens"`

	// Operators are token subjects allowed to read all operations and post
	// adapter callbacks
	Operators []string `mapstructure:"operators" yaml:"operators"`
}

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	Name string `mapstructure:"name" yaml:"name"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// HutConfig configures the container lifecycle.
type HutConfig struct {
	ActivationWindow time.Duration      `mapstructure:"activation_window" yaml:"activation_window"`
	ExpiredRetention time.Duration      `mapstructure:"expired_retention" yaml:"expired_retention"`
	ReaperInterval   time.Duration      `mapstructure:"reaper_interval" yaml:"reaper_interval"`
	Minimums         map[string]float64 `mapstructure:"minimums" yaml:"minimums"`
}

// TrackerConfig configures the operation tracker.
type TrackerConfig struct {
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxOperations int           `mapstructure:"max_operations" yaml:"max_operations"`

	// OperationTimeout overrides the deadline derived from network timeouts
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// SchedulerConfig configures the step scheduler.
type SchedulerConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// NetworkConfig contains the per-network constants.
type NetworkConfig struct {
	RequiredConfirmations int           `mapstructure:"required_confirmations" yaml:"required_confirmations"`
	NominalDuration       time.Duration `mapstructure:"nominal_duration" yaml:"nominal_duration"`
	Timeout               time.Duration `mapstructure:"timeout" yaml:"timeout"`
	InProgressFraction    float64       `mapstructure:"in_progress_fraction" yaml:"in_progress_fraction"`
	ConfirmingFraction    float64       `mapstructure:"confirming_fraction" yaml:"confirming_fraction"`
	RateLimit             float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst                 int           `mapstructure:"burst" yaml:"burst"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	// Backend is memory, bolt or redis
	Backend   string `mapstructure:"backend" yaml:"backend"`
	BoltPath  string `mapstructure:"bolt_path" yaml:"bolt_path"`
	RedisURL  string `mapstructure:"redis_url" yaml:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// LockTTL is the lease of a per-record redis lock shared by replicas
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// EventsConfig configures lifecycle event publishing. Events are dropped
// when AMQPURL is empty.
type EventsConfig struct {
	AMQPURL string `mapstructure:"amqp_url" yaml:"amqp_url"`
	Queue   string `mapstructure:"queue" yaml:"queue"`
}

// Config is the complete service configuration.
type Config struct {
	Service   ServiceConfig            `mapstructure:"service" yaml:"service"`
	Server    ServerConfig             `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig            `mapstructure:"logging" yaml:"logging"`
	Security  SecurityConfig           `mapstructure:"security" yaml:"security"`
	Hut       HutConfig                `mapstructure:"hut" yaml:"hut"`
	Tracker   TrackerConfig            `mapstructure:"tracker" yaml:"tracker"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler" yaml:"scheduler"`
	Networks  map[string]NetworkConfig `mapstructure:"networks" yaml:"networks"`
	Assets    map[string]string        `mapstructure:"assets" yaml:"assets"`
	Storage   StorageConfig            `mapstructure:"storage" yaml:"storage"`
	Events    EventsConfig             `mapstructure:"events" yaml:"events"`
}

// ChainNetworks returns the network table sorted by name.
func (c *Config) ChainNetworks() []chain.NetworkConfig {
	out := make([]chain.NetworkConfig, 0, len(c.Networks))
	for name, n := range c.Networks {
		out = append(out, chain.NetworkConfig{
			Name:                  common.NormalizeKey(name),
			RequiredConfirmations: n.RequiredConfirmations,
			NominalDuration:       n.NominalDuration,
			Timeout:               n.Timeout,
			InProgressFraction:    n.InProgressFraction,
			ConfirmingFraction:    n.ConfirmingFraction,
			RateLimit:             n.RateLimit,
			Burst:                 n.Burst,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	c.Security.JWTSecret = common.MaskSecret(c.Security.JWTSecret)
	return c
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the service defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "hutd")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.body_limit", "1M")
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")

	l.v.SetDefault("security.rate_limit", 100)
	l.v.SetDefault("security.allowed_origins", []string{"*"})
	l.v.SetDefault("security.jwt_secret", insecureSecret)
	l.v.SetDefault("security.jwt_expiration", "24h")
	l.v.SetDefault("security.issue_tokens", false)
	l.v.SetDefault("security.operators", []string{})

	l.v.SetDefault("hut.activation_window", lifecycle.DefaultActivationWindow.String())
	l.v.SetDefault("hut.expired_retention", lifecycle.DefaultExpiredRetention.String())
	l.v.SetDefault("hut.reaper_interval", orchestrator.DefaultReapInterval.String())
	minimums := make(map[string]interface{}, len(lifecycle.DefaultMinimums))
	for asset, min := range lifecycle.DefaultMinimums {
		minimums[asset] = min
	}
	l.v.SetDefault("hut.minimums", minimums)

	l.v.SetDefault("tracker.retention", statemanager.DefaultRetention.String())
	l.v.SetDefault("tracker.sweep_interval", orchestrator.DefaultSweepInterval.String())
	l.v.SetDefault("tracker.max_retries", statemanager.DefaultMaxRetries)
	l.v.SetDefault("tracker.retry_backoff", statemanager.DefaultRetryBackoff.String())
	l.v.SetDefault("tracker.max_operations", 0)
	l.v.SetDefault("tracker.operation_timeout", "0s")

	l.v.SetDefault("scheduler.tick_interval", orchestrator.DefaultTickInterval.String())
	l.v.SetDefault("scheduler.max_concurrent", 8)

	l.v.SetDefault("networks", map[string]interface{}{
		"bitcoin":  network(1, "10m", "1h"),
		"ethereum": network(12, "3m", "30m"),
		"solana":   network(32, "5s", "5m"),
		"icp":      network(1, "15s", "1m"),
	})

	assets := make(map[string]interface{}, len(orchestrator.DefaultAssetNetworks))
	for asset, net := range orchestrator.DefaultAssetNetworks {
		assets[asset] = net
	}
	l.v.SetDefault("assets", assets)

	l.v.SetDefault("storage.backend", store.BackendMemory)
	l.v.SetDefault("storage.bolt_path", "hut.db")
	l.v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	l.v.SetDefault("storage.key_prefix", "hut:")
	l.v.SetDefault("storage.lock_ttl", 30*time.Second)

	l.v.SetDefault("events.amqp_url", "")
	l.v.SetDefault("events.queue", "hut.events")
}

func network(confirmations int, nominal, timeout string) map[string]interface{} {
	return map[string]interface{}{
		"required_confirmations": confirmations,
		"nominal_duration":       nominal,
		"timeout":                timeout,
		"in_progress_fraction":   0.0,
		"confirming_fraction":    0.7,
		"rate_limit":             0.0,
		"burst":                  1,
	}
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.hut")
		l.v.AddConfigPath("/etc/hut")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads configuration with the service defaults and validates it.
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Security.JWTSecret == "" {
		return errors.New("security.jwt_secret is required")
	}
	if cfg.Service.Environment == "production" && cfg.Security.JWTSecret == insecureSecret {
		return errors.New("security.jwt_secret must be changed in production")
	}

	if cfg.Hut.ActivationWindow <= 0 {
		return fmt.Errorf("invalid hut.activation_window: %s", cfg.Hut.ActivationWindow)
	}
	for asset, min := range cfg.Hut.Minimums {
		if min < 0 {
			return fmt.Errorf("hut.minimums.%s must not be negative", asset)
		}
	}

	if cfg.Tracker.MaxRetries < 1 {
		return fmt.Errorf("invalid tracker.max_retries: %d", cfg.Tracker.MaxRetries)
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("invalid scheduler.tick_interval: %s", cfg.Scheduler.TickInterval)
	}

	if len(cfg.Networks) == 0 {
		return errors.New("at least one network must be configured")
	}
	for name, n := range cfg.Networks {
		if n.RequiredConfirmations < 0 {
			return fmt.Errorf("networks.%s.required_confirmations must not be negative", name)
		}
		if n.NominalDuration <= 0 || n.Timeout <= 0 {
			return fmt.Errorf("networks.%s needs a positive nominal_duration and timeout", name)
		}
		if n.InProgressFraction < 0 || n.InProgressFraction > 1 {
			return fmt.Errorf("networks.%s.in_progress_fraction must be within [0,1]", name)
		}
		if n.ConfirmingFraction <= 0 || n.ConfirmingFraction > 1 {
			return fmt.Errorf("networks.%s.confirming_fraction must be within (0,1]", name)
		}
		if n.RateLimit < 0 {
			return fmt.Errorf("networks.%s.rate_limit must not be negative", name)
		}
	}

	for asset, net := range cfg.Assets {
		if _, ok := cfg.Networks[common.NormalizeKey(net)]; !ok {
			return fmt.Errorf("asset %s is mapped to unknown network %q", asset, net)
		}
	}

	switch cfg.Storage.Backend {
	case store.BackendMemory, store.BackendRedis:
	case store.BackendBolt:
		if cfg.Storage.BoltPath == "" {
			return errors.New("storage.bolt_path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
