// Package kafka provides Kafka cluster configuration and client option building.
package kafka

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultDialTimeout bounds a single broker dial when no timeout is configured.
const DefaultDialTimeout = 10 * time.Second

// ClusterConfig describes how to reach a Kafka cluster.
type ClusterConfig struct {
	Brokers     []string      `yaml:"brokers"`
	ClientID    string        `yaml:"clientId,omitempty"`
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
	Auth        AuthConfig    `yaml:"auth,omitempty"`
	TLS         TLSConfig     `yaml:"tls,omitempty"`
}

// AuthConfig defines SASL authentication for Kafka.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig defines TLS settings for Kafka connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"` // For mTLS
	KeyFile    string `yaml:"keyFile,omitempty"`  // For mTLS
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

var validMechanisms = map[string]bool{
	"PLAIN":         true,
	"SCRAM-SHA-256": true,
	"SCRAM-SHA-512": true,
}

// Validate checks the cluster configuration for errors.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	for _, b := range c.Brokers {
		if !strings.Contains(b, ":") {
			errs = append(errs, fmt.Errorf("broker %q must be host:port", b))
		}
	}
	if c.DialTimeout < 0 {
		errs = append(errs, errors.New("dialTimeout must not be negative"))
	}

	if c.Auth.Mechanism != "" {
		if !validMechanisms[c.Auth.Mechanism] {
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512)", c.Auth.Mechanism))
		}
		if c.Auth.Username == "" {
			errs = append(errs, errors.New("auth.username is required when mechanism is set"))
		}
		if c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.password is required when mechanism is set"))
		}
	}

	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		errs = append(errs, errors.New("tls.keyFile is required when certFile is specified"))
	}
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		errs = append(errs, errors.New("tls.certFile is required when keyFile is specified"))
	}

	return errors.Join(errs...)
}

// ParseBrokers splits a comma-separated broker list, trimming whitespace and
// dropping empty entries. Order is preserved.
func ParseBrokers(s string) []string {
	parts := strings.Split(s, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}
