package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/angeloszaimis/reverse-proxy/internal/handler"
	"github.com/angeloszaimis/reverse-proxy/internal/strategy"
	"github.com/angeloszaimis/reverse-proxy/internal/timeout"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const envPrefix = "PROXY"

// ErrInvalidConfig wraps every configuration problem found by Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// CLI holds command-line arguments parsed by Kong. Non-zero values override
// the configuration file.
type CLI struct {
	Config   string `kong:"short='c',help='Path to YAML config file.',type='path',env='PROXY_CONFIG'"`
	Host     string `kong:"short='H',help='Listen host (overrides config).'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).'"`
	LogLevel string `kong:"name='log-level',help='Log level: debug|info|warn|error (overrides config).'"`
	Check    bool   `kong:"help='Validate the configuration, print it as YAML and exit.'"`
}

type ServerConfig struct {
	Address       string `mapstructure:"address" yaml:"address"`
	Environment   string `mapstructure:"environment" yaml:"environment"`
	ProxyProtocol bool   `mapstructure:"proxy_protocol" yaml:"proxy_protocol"`
}

type UpstreamConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type TimeoutsConfig struct {
	Connect      string `mapstructure:"connect" yaml:"connect"`
	Header       string `mapstructure:"header" yaml:"header"`
	IdleBody     string `mapstructure:"idle_body" yaml:"idle_body"`
	ClientHeader string `mapstructure:"client_header" yaml:"client_header"`
	Keepalive    string `mapstructure:"keepalive" yaml:"keepalive"`
}

type LimitsConfig struct {
	MaxClientConns      int `mapstructure:"max_client_conns" yaml:"max_client_conns"`
	MaxConnsPerUpstream int `mapstructure:"max_conns_per_upstream" yaml:"max_conns_per_upstream"`
	MaxIdlePerUpstream  int `mapstructure:"max_idle_per_upstream" yaml:"max_idle_per_upstream"`
}

type HealthConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Interval         string `mapstructure:"interval" yaml:"interval"`
	Timeout          string `mapstructure:"timeout" yaml:"timeout"`
	// Path switches probes from a TCP connect to an HTTP GET.
	Path string `mapstructure:"path" yaml:"path"`
}

type RetryConfig struct {
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

type StrategyConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type AdminConfig struct {
	Address   string  `mapstructure:"address" yaml:"address"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type Config struct {
	Server    ServerConfig     `mapstructure:"server" yaml:"server"`
	Upstreams []UpstreamConfig `mapstructure:"upstreams" yaml:"upstreams"`
	Timeouts  TimeoutsConfig   `mapstructure:"timeouts" yaml:"timeouts"`
	Limits    LimitsConfig     `mapstructure:"limits" yaml:"limits"`
	Health    HealthConfig     `mapstructure:"health" yaml:"health"`
	Retry     RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Strategy  StrategyConfig   `mapstructure:"strategy" yaml:"strategy"`
	Logging   LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Admin     AdminConfig      `mapstructure:"admin" yaml:"admin"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.proxy_protocol", false)
	v.SetDefault("timeouts.connect", "1s")
	v.SetDefault("timeouts.header", "15s")
	v.SetDefault("timeouts.idle_body", "15s")
	v.SetDefault("timeouts.client_header", "15s")
	v.SetDefault("timeouts.keepalive", "60s")
	v.SetDefault("limits.max_client_conns", 1000)
	v.SetDefault("limits.max_conns_per_upstream", 100)
	v.SetDefault("limits.max_idle_per_upstream", 16)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.interval", "2s")
	v.SetDefault("health.timeout", "1s")
	v.SetDefault("health.path", "")
	v.SetDefault("retry.max_retries", handler.DefaultMaxRetries)
	v.SetDefault("strategy.type", strategy.RoundRobin)
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("admin.address", "")
	v.SetDefault("admin.rate_limit", 20)
}

// Load resolves the configuration from defaults, the YAML file, PROXY_*
// environment variables and finally the command line, then validates it.
// Without an explicit path config.yaml is looked up in ./config and the
// working directory and may be absent.
func Load(cli *CLI) (*Config, error) {
	if cli == nil {
		cli = &CLI{}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if cli.Config != "" {
		v.SetConfigFile(cli.Config)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cli.Config != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		slog.Warn("Config file not found, using defaults and environment variables")
	} else {
		slog.Info("Loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	// listen is shorthand for server.address.
	if v.InConfig("listen") && !v.InConfig("server.address") {
		if err := v.MergeConfigMap(map[string]any{
			"server": map[string]any{"address": v.GetString("listen")},
		}); err != nil {
			return nil, fmt.Errorf("config: listen: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.applyCLI(cli)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return &cfg, nil
}

func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" || cli.Port != 0 {
		host, port, err := net.SplitHostPort(c.Server.Address)
		if err != nil {
			host, port = c.Server.Address, ""
		}
		if cli.Host != "" {
			host = cli.Host
		}
		if cli.Port != 0 {
			port = strconv.Itoa(cli.Port)
		}
		c.Server.Address = net.JoinHostPort(host, port)
	}
	if cli.LogLevel != "" {
		c.Logging.Level = strings.ToLower(cli.LogLevel)
	}
}

// Deadlines returns the upstream phase budgets.
func (c *Config) Deadlines() timeout.Deadlines {
	return timeout.Deadlines{
		Connect:  duration(c.Timeouts.Connect),
		Header:   duration(c.Timeouts.Header),
		IdleBody: duration(c.Timeouts.IdleBody),
	}
}

func (t TimeoutsConfig) ClientHeaderTimeout() time.Duration { return duration(t.ClientHeader) }

func (t TimeoutsConfig) KeepaliveTimeout() time.Duration { return duration(t.Keepalive) }

func (h HealthConfig) IntervalDuration() time.Duration { return duration(h.Interval) }

func (h HealthConfig) TimeoutDuration() time.Duration { return duration(h.Timeout) }

// YAML renders the resolved configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// duration parses a value that already passed validation.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Upstreams,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateUpstreamConfig)),
		),
		validation.Field(&c.Timeouts,
			validation.Required,
			validation.By(func(value interface{}) error {
				tc, ok := value.(TimeoutsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a TimeoutsConfig")
				}
				return validation.ValidateStruct(&tc,
					validation.Field(&tc.Connect, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&tc.Header, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&tc.IdleBody, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&tc.ClientHeader, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&tc.Keepalive, validation.Required, validation.By(validatePositiveDuration)),
				)
			}),
		),
		validation.Field(&c.Limits,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LimitsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LimitsConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.MaxClientConns, validation.Min(0)),
					validation.Field(&lc.MaxConnsPerUpstream, validation.Required, validation.Min(1)),
					validation.Field(&lc.MaxIdlePerUpstream, validation.Min(0)),
				)
			}),
		),
		validation.Field(&c.Health,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.FailureThreshold, validation.Required, validation.Min(1)),
					validation.Field(&hc.Interval, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&hc.Timeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&hc.Path, validation.When(hc.Path != "", validation.By(validatePath))),
				)
			}),
		),
		validation.Field(&c.Retry,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RetryConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RetryConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.MaxRetries, validation.Min(0), validation.Max(10)),
				)
			}),
		),
		validation.Field(&c.Strategy,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StrategyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StrategyConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Type,
						validation.Required,
						validation.In(strategy.RoundRobin, strategy.Random, strategy.LeastConn, strategy.LeastResponse),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.Address, validation.When(ac.Address != "", validation.By(validateHostPort))),
					validation.Field(&ac.RateLimit, validation.Min(0.0)),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return validation.NewError("validation_invalid_port", "port must be between 0 and 65535")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d <= 0 {
		return validation.NewError("validation_non_positive_duration", "must be greater than zero")
	}

	return nil
}

func validatePath(value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if !strings.HasPrefix(path, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}
	return nil
}

func validateUpstreamConfig(value interface{}) error {
	uc, ok := value.(UpstreamConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be an UpstreamConfig")
	}

	return validation.ValidateStruct(&uc,
		validation.Field(&uc.Host, validation.Required, is.Host),
		validation.Field(&uc.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}
