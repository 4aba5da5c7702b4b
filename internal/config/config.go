// Package config loads consumer settings from the environment, optionally
// layered over a YAML file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lsm/cdctail/internal/kafka"
	"github.com/lsm/cdctail/internal/retry"
	"github.com/lsm/cdctail/internal/sink/logsink"
	"github.com/lsm/cdctail/internal/tracing"
)

// Environment variables read by Load.
const (
	EnvBrokers        = "KAFKA_BROKERS"
	EnvTopic          = "KAFKA_TOPIC"
	EnvConsumerGroup  = "KAFKA_CONSUMER_GROUP"
	EnvClientID       = "KAFKA_CLIENT_ID"
	EnvConnectTimeout = "KAFKA_CONNECT_TIMEOUT_MS"
	EnvSASLMechanism  = "KAFKA_SASL_MECHANISM"
	EnvSASLUsername   = "KAFKA_SASL_USERNAME"
	EnvSASLPassword   = "KAFKA_SASL_PASSWORD"
	EnvTLSEnabled     = "KAFKA_TLS_ENABLED"
	EnvTLSCAFile      = "KAFKA_TLS_CA_FILE"
	EnvTLSCertFile    = "KAFKA_TLS_CERT_FILE"
	EnvTLSKeyFile     = "KAFKA_TLS_KEY_FILE"
	EnvTLSSkipVerify  = "KAFKA_TLS_SKIP_VERIFY"
	EnvRetryMS        = "CDC_CONSUMER_RETRY_MS"
	EnvFromBeginning  = "CDC_FROM_BEGINNING"
	EnvFailurePolicy  = "CDC_FAILURE_POLICY"
	EnvSourceTag      = "CDC_SOURCE_TAG"
	EnvEnabled        = "ENABLE_CDC_LOGS"
	EnvLogLevel       = "LOG_LEVEL"
	EnvMetricsAddr    = "CDC_METRICS_ADDR"
	EnvConfigFile     = "CDC_CONFIG_FILE"
	EnvOTelEnabled    = "CDC_OTEL_ENABLED"
	EnvOTelEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Defaults.
const (
	DefaultBrokers       = "kafka:9092"
	DefaultTopic         = "flowershop_cdc"
	DefaultConsumerGroup = "flowershop-cdc-group"
	DefaultClientID      = "flowershop-cdc-consumer"
	DefaultMetricsAddr   = ":9090"
	DefaultOTelEndpoint  = "localhost:4317"
	DefaultLogLevel      = "info"
	ServiceName          = "cdctail"
)

// Config is the fully resolved consumer configuration.
type Config struct {
	Enabled       bool
	Cluster       kafka.ClusterConfig
	Topic         string
	ConsumerGroup string
	FromBeginning bool
	Retry         retry.Config
	SourceTag     string
	LogLevel      string
	// LogLevelPinned is set when LOG_LEVEL came from the environment; the
	// file watcher then leaves the level alone.
	LogLevelPinned bool
	MetricsAddr    string
	ConfigFile     string
	Tracing        tracing.Config
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Enabled: true,
		Cluster: kafka.ClusterConfig{
			Brokers:     kafka.ParseBrokers(DefaultBrokers),
			ClientID:    DefaultClientID,
			DialTimeout: kafka.DefaultDialTimeout,
		},
		Topic:         DefaultTopic,
		ConsumerGroup: DefaultConsumerGroup,
		FromBeginning: true,
		Retry:         retry.DefaultConfig(),
		SourceTag:     logsink.DefaultSourceTag,
		LogLevel:      DefaultLogLevel,
		MetricsAddr:   DefaultMetricsAddr,
		Tracing: tracing.Config{
			Endpoint:    DefaultOTelEndpoint,
			ServiceName: ServiceName,
		},
	}
}

// LookupFunc reports the value of an environment variable and whether it is
// set. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load resolves the configuration: defaults, then the YAML file named by
// CDC_CONFIG_FILE, then the environment. Malformed values are errors. The
// result is validated unless consumption is disabled.
func Load(lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path, ok := lookup(EnvConfigFile); ok && path != "" {
		f, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := f.apply(cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		cfg.ConfigFile = path
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	// The logger is built even when consumption is disabled.
	if !cfg.Enabled {
		if err := cfg.validateLogLevel(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
			return
		}
		*dst = b
	}
	millis := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid millisecond count %q", key, v))
			return
		}
		*dst = time.Duration(n) * time.Millisecond
	}

	if v, ok := lookup(EnvBrokers); ok && strings.TrimSpace(v) != "" {
		cfg.Cluster.Brokers = kafka.ParseBrokers(v)
	}
	str(EnvTopic, &cfg.Topic)
	str(EnvConsumerGroup, &cfg.ConsumerGroup)
	str(EnvClientID, &cfg.Cluster.ClientID)
	millis(EnvConnectTimeout, &cfg.Cluster.DialTimeout)

	str(EnvSASLMechanism, &cfg.Cluster.Auth.Mechanism)
	str(EnvSASLUsername, &cfg.Cluster.Auth.Username)
	if v, ok := lookup(EnvSASLPassword); ok && v != "" {
		cfg.Cluster.Auth.Password = v
	}
	boolean(EnvTLSEnabled, &cfg.Cluster.TLS.Enabled)
	str(EnvTLSCAFile, &cfg.Cluster.TLS.CAFile)
	str(EnvTLSCertFile, &cfg.Cluster.TLS.CertFile)
	str(EnvTLSKeyFile, &cfg.Cluster.TLS.KeyFile)
	boolean(EnvTLSSkipVerify, &cfg.Cluster.TLS.SkipVerify)

	// A zero retry delay means "use the default" rather than a busy loop.
	var retryDelay time.Duration
	millis(EnvRetryMS, &retryDelay)
	if retryDelay > 0 {
		cfg.Retry.Delay = retryDelay
	}
	boolean(EnvFromBeginning, &cfg.FromBeginning)
	if v, ok := lookup(EnvFailurePolicy); ok && strings.TrimSpace(v) != "" {
		p, err := retry.ParseFailurePolicy(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvFailurePolicy, err))
		} else {
			cfg.Retry.Policy = p
		}
	}
	str(EnvSourceTag, &cfg.SourceTag)
	boolean(EnvEnabled, &cfg.Enabled)

	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		cfg.LogLevel = strings.TrimSpace(v)
		cfg.LogLevelPinned = true
	}

	// An explicitly empty address disables the metrics server.
	if v, ok := lookup(EnvMetricsAddr); ok {
		cfg.MetricsAddr = strings.TrimSpace(v)
	}

	boolean(EnvOTelEnabled, &cfg.Tracing.Enabled)
	str(EnvOTelEndpoint, &cfg.Tracing.Endpoint)

	return errors.Join(errs...)
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Cluster.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("consumer group is required"))
	}
	if c.Retry.Delay <= 0 {
		errs = append(errs, errors.New("retry delay must be positive"))
	}
	if err := c.validateLogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}

func (c *Config) validateLogLevel() error {
	if !ValidLogLevel(c.LogLevel) {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// ValidLogLevel reports whether s names a supported level.
func ValidLogLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}
