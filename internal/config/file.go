package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/cdctail/internal/kafka"
	"github.com/lsm/cdctail/internal/retry"
)

// File is the YAML overlay. Zero values mean "not set".
type File struct {
	Enabled       *bool               `yaml:"enabled"`
	Kafka         kafka.ClusterConfig `yaml:"kafka"`
	Topic         string              `yaml:"topic"`
	ConsumerGroup string              `yaml:"consumerGroup"`
	FromBeginning *bool               `yaml:"fromBeginning"`
	RetryDelay    time.Duration       `yaml:"retryDelay"`
	FailurePolicy string              `yaml:"failurePolicy"`
	SourceTag     string              `yaml:"sourceTag"`
	LogLevel      string              `yaml:"logLevel"`
	MetricsAddr   *string             `yaml:"metricsAddr"`
	Tracing       FileTracing         `yaml:"tracing"`
}

// FileTracing is the tracing block of the YAML overlay.
type FileTracing struct {
	Enabled  *bool  `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// ReadFile reads and parses a YAML overlay. Unknown keys are rejected.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile parses YAML overlay bytes. An empty document is valid.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &f, nil
}

func (f *File) apply(cfg *Config) error {
	if f.Enabled != nil {
		cfg.Enabled = *f.Enabled
	}

	k := f.Kafka
	if len(k.Brokers) > 0 {
		cfg.Cluster.Brokers = kafka.ParseBrokers(strings.Join(k.Brokers, ","))
	}
	if k.ClientID != "" {
		cfg.Cluster.ClientID = k.ClientID
	}
	if k.DialTimeout != 0 {
		cfg.Cluster.DialTimeout = k.DialTimeout
	}
	if k.Auth.Mechanism != "" {
		cfg.Cluster.Auth = k.Auth
	}
	if k.TLS.Enabled {
		cfg.Cluster.TLS = k.TLS
	}

	if f.Topic != "" {
		cfg.Topic = f.Topic
	}
	if f.ConsumerGroup != "" {
		cfg.ConsumerGroup = f.ConsumerGroup
	}
	if f.FromBeginning != nil {
		cfg.FromBeginning = *f.FromBeginning
	}
	if f.RetryDelay != 0 {
		cfg.Retry.Delay = f.RetryDelay
	}
	if f.FailurePolicy != "" {
		p, err := retry.ParseFailurePolicy(f.FailurePolicy)
		if err != nil {
			return err
		}
		cfg.Retry.Policy = p
	}
	if f.SourceTag != "" {
		cfg.SourceTag = f.SourceTag
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.MetricsAddr != nil {
		cfg.MetricsAddr = *f.MetricsAddr
	}
	if f.Tracing.Enabled != nil {
		cfg.Tracing.Enabled = *f.Tracing.Enabled
	}
	if f.Tracing.Endpoint != "" {
		cfg.Tracing.Endpoint = f.Tracing.Endpoint
	}
	return nil
}
