package mqttv5

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is a file based client configuration. It is loaded from YAML and
// can be overridden by MQTT_* environment variables.
type Config struct {
	Broker BrokerConfig `yaml:"broker"`

	ClientID   string `yaml:"client_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	KeepAlive  int    `yaml:"keep_alive"` // seconds
	CleanStart bool   `yaml:"clean_start"`
	DefaultQoS int    `yaml:"default_qos"`

	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	SessionExpiry  uint32 `yaml:"session_expiry"`  // seconds

	PublishRate  float64 `yaml:"publish_rate"` // messages per second, 0 = unlimited
	PublishBurst int     `yaml:"publish_burst"`
	MaxQueued    int     `yaml:"max_queued"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BrokerConfig locates the broker.
type BrokerConfig struct {
	Scheme string `yaml:"scheme"` // tcp, tls, ws, wss, quic, unix
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Path   string `yaml:"path"` // WebSocket path
}

// ReconnectConfig feeds ReconnectPolicy.
type ReconnectConfig struct {
	InitialDelay int  `yaml:"initial_delay"` // seconds
	MaxDelay     int  `yaml:"max_delay"`     // seconds
	MaxAttempts  int  `yaml:"max_attempts"`  // 0 = unlimited
	Resubscribe  bool `yaml:"resubscribe"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads the YAML file at path over the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
//
// Environment variables: MQTT_SCHEME, MQTT_HOST, MQTT_PORT, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD, MQTT_KEEP_ALIVE, MQTT_CLEAN_START,
// MQTT_DEFAULT_QOS, MQTT_LOG_LEVEL.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Scheme: "tcp",
			Host:   "localhost",
			Port:   1883,
		},
		KeepAlive:      60,
		CleanStart:     true,
		DefaultQoS:     0,
		ConnectTimeout: 10,
		MaxQueued:      1000,
		Reconnect: ReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     60,
			Resubscribe:  true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MQTT_SCHEME"); v != "" {
		cfg.Broker.Scheme = v
	}
	if v := os.Getenv("MQTT_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MQTT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"MQTT_PORT", &cfg.Broker.Port},
		{"MQTT_KEEP_ALIVE", &cfg.KeepAlive},
		{"MQTT_DEFAULT_QOS", &cfg.DefaultQoS},
	}
	for _, e := range ints {
		v := os.Getenv(e.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.env, err)
		}
		*e.dst = n
	}

	if v := os.Getenv("MQTT_CLEAN_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MQTT_CLEAN_START: %w", err)
		}
		cfg.CleanStart = b
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Broker.Host == "" {
		errs = append(errs, "broker.host is required")
	}
	if c.Broker.Scheme != "unix" && (c.Broker.Port < 1 || c.Broker.Port > 65535) {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if _, err := ParseEndpoint(c.Endpoint()); err != nil {
		errs = append(errs, err.Error())
	}
	if c.KeepAlive < 0 || c.KeepAlive > 65535 {
		errs = append(errs, "keep_alive must be between 0 and 65535")
	}
	if c.DefaultQoS < 0 || c.DefaultQoS > 2 {
		errs = append(errs, "default_qos must be 0, 1, or 2")
	}
	if c.ConnectTimeout < 0 {
		errs = append(errs, "connect_timeout must not be negative")
	}
	if c.PublishRate < 0 {
		errs = append(errs, "publish_rate must not be negative")
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Endpoint returns the broker address in the form Connect accepts.
func (c *Config) Endpoint() string {
	scheme := c.Broker.Scheme
	if scheme == "" {
		scheme = "tcp"
	}
	if scheme == "unix" {
		return "unix://" + c.Broker.Host
	}
	return scheme + "://" + net.JoinHostPort(c.Broker.Host, strconv.Itoa(c.Broker.Port)) + c.Broker.Path
}

// Options converts the configuration into client options. Extra options
// are appended and take precedence.
func (c *Config) Options(extra ...Option) []Option {
	opts := []Option{
		WithClientID(c.ClientID),
		WithKeepAlive(uint16(c.KeepAlive)),
		WithCleanStart(c.CleanStart),
		WithDefaultQoS(byte(c.DefaultQoS)),
		WithConnectTimeout(time.Duration(c.ConnectTimeout) * time.Second),
	}
	if c.Username != "" {
		opts = append(opts, WithCredentials(c.Username, c.Password))
	}
	if c.SessionExpiry > 0 {
		opts = append(opts, WithSessionExpiry(c.SessionExpiry))
	}
	if c.PublishRate > 0 {
		opts = append(opts, WithPublishRateLimit(rate.Limit(c.PublishRate), c.PublishBurst))
	}
	if c.MaxQueued > 0 {
		opts = append(opts, WithMaxQueuedPublishes(c.MaxQueued))
	}
	return append(opts, extra...)
}

// ReconnectPolicy returns the retry policy described by the reconnect
// section.
func (c *Config) ReconnectPolicy() ReconnectPolicy {
	p := DefaultReconnectPolicy()
	if c.Reconnect.InitialDelay > 0 {
		p.InitialBackoff = time.Duration(c.Reconnect.InitialDelay) * time.Second
	}
	if c.Reconnect.MaxDelay > 0 {
		p.MaxBackoff = time.Duration(c.Reconnect.MaxDelay) * time.Second
	}
	p.MaxAttempts = c.Reconnect.MaxAttempts
	p.Resubscribe = c.Reconnect.Resubscribe
	return p
}

// LogLevel returns the configured level, LogLevelInfo when it is invalid.
func (c *Config) LogLevel() LogLevel {
	level, err := ParseLogLevel(c.Logging.Level)
	if err != nil {
		return LogLevelInfo
	}
	return level
}
