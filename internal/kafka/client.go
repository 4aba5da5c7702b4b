package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// ClientOptions returns the connection options shared by every client built
// for the cluster: seeds, client id, dial timeout, SASL and TLS.
func ClientOptions(cfg *ClusterConfig) ([]kgo.Opt, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DialTimeout(dialTimeout),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.Auth.Mechanism != "" {
		saslOpt, err := saslOption(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("sasl config: %w", err)
		}
		opts = append(opts, saslOpt)
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}

	return opts, nil
}

// ConsumerOptions appends group consumption settings to the cluster options.
// Offsets are committed by the client's periodic group auto-commit.
func ConsumerOptions(cfg *ClusterConfig, topic, group string, fromBeginning bool) ([]kgo.Opt, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	offset := kgo.NewOffset().AtEnd()
	if fromBeginning {
		offset = kgo.NewOffset().AtStart()
	}

	return append(opts,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(offset),
	), nil
}

func saslOption(auth AuthConfig) (kgo.Opt, error) {
	var mechanism sasl.Mechanism

	switch auth.Mechanism {
	case "PLAIN":
		mechanism = plain.Auth{
			User: auth.Username,
			Pass: auth.Password,
		}.AsMechanism()

	case "SCRAM-SHA-256":
		mechanism = scram.Auth{
			User: auth.Username,
			Pass: auth.Password,
		}.AsSha256Mechanism()

	case "SCRAM-SHA-512":
		mechanism = scram.Auth{
			User: auth.Username,
			Pass: auth.Password,
		}.AsSha512Mechanism()

	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", auth.Mechanism)
	}

	return kgo.SASL(mechanism), nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // opt-in for dev clusters with self-signed certs
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
