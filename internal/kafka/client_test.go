package kafka

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// generateTestCert generates a self-signed certificate for testing.
func generateTestCert(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
}

// generateTestKeyPair generates a self-signed cert/key pair for mTLS testing.
func generateTestKeyPair(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func TestClientOptions_Basic(t *testing.T) {
	opts, err := ClientOptions(&ClusterConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	if len(opts) != 2 {
		t.Errorf("ClientOptions() returned %d options, want seeds and dial timeout", len(opts))
	}
}

func TestClientOptions_ClientID(t *testing.T) {
	opts, err := ClientOptions(&ClusterConfig{
		Brokers:     []string{"localhost:9092"},
		ClientID:    "flowershop-cdc-consumer",
		DialTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	if len(opts) != 3 {
		t.Errorf("ClientOptions() returned %d options, want 3", len(opts))
	}
}

func TestClientOptions_WithSASL(t *testing.T) {
	tests := []struct {
		mechanism string
		wantErr   bool
	}{
		{"PLAIN", false},
		{"SCRAM-SHA-256", false},
		{"SCRAM-SHA-512", false},
		{"UNKNOWN", true},
	}

	for _, tt := range tests {
		t.Run(tt.mechanism, func(t *testing.T) {
			cfg := &ClusterConfig{
				Brokers: []string{"localhost:9092"},
				Auth: AuthConfig{
					Mechanism: tt.mechanism,
					Username:  "user",
					Password:  "pass",
				},
			}

			opts, err := ClientOptions(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ClientOptions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), "sasl config") {
					t.Errorf("error = %v, want sasl config context", err)
				}
				return
			}
			if len(opts) != 3 {
				t.Errorf("ClientOptions() returned %d options, want SASL appended", len(opts))
			}
		})
	}
}

func TestClientOptions_WithTLS(t *testing.T) {
	opts, err := ClientOptions(&ClusterConfig{
		Brokers: []string{"localhost:9092"},
		TLS:     TLSConfig{Enabled: true, SkipVerify: true},
	})
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
	if len(opts) != 3 {
		t.Errorf("ClientOptions() returned %d options, want TLS appended", len(opts))
	}
}

func TestClientOptions_TLSWithCA(t *testing.T) {
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caFile, generateTestCert(t), 0600); err != nil {
		t.Fatalf("write CA file: %v", err)
	}

	_, err := ClientOptions(&ClusterConfig{
		Brokers: []string{"localhost:9092"},
		TLS:     TLSConfig{Enabled: true, CAFile: caFile},
	})
	if err != nil {
		t.Fatalf("ClientOptions() error = %v", err)
	}
}

func TestClientOptions_TLSWithInvalidCA(t *testing.T) {
	caFile := filepath.Join(t.TempDir(), "bad-ca.pem")
	if err := os.WriteFile(caFile, []byte("not a valid certificate"), 0600); err != nil {
		t.Fatalf("write CA file: %v", err)
	}

	tests := []struct {
		name   string
		caFile string
	}{
		{"missing file", "/nonexistent/ca.pem"},
		{"invalid PEM", caFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ClientOptions(&ClusterConfig{
				Brokers: []string{"localhost:9092"},
				TLS:     TLSConfig{Enabled: true, CAFile: tt.caFile},
			})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildTLSConfig_WithMTLS(t *testing.T) {
	tmpDir := t.TempDir()
	certFile := filepath.Join(tmpDir, "cert.pem")
	keyFile := filepath.Join(tmpDir, "key.pem")

	certPEM, keyPEM := generateTestKeyPair(t)
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatalf("write cert file: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	tlsCfg, err := buildTLSConfig(TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("buildTLSConfig() error = %v", err)
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Error("buildTLSConfig() should load client certificate")
	}
}

func TestBuildTLSConfig_InvalidKeyPair(t *testing.T) {
	_, err := buildTLSConfig(TLSConfig{
		Enabled:  true,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	})
	if err == nil {
		t.Error("buildTLSConfig() should fail with nonexistent cert/key files")
	}
}

func TestConsumerOptions(t *testing.T) {
	cfg := &ClusterConfig{Brokers: []string{"localhost:9092"}}

	for _, fromBeginning := range []bool{true, false} {
		opts, err := ConsumerOptions(cfg, "flowershop_cdc", "flowershop-cdc-group", fromBeginning)
		if err != nil {
			t.Fatalf("ConsumerOptions(fromBeginning=%v) error = %v", fromBeginning, err)
		}
		if len(opts) != 5 {
			t.Errorf("ConsumerOptions(fromBeginning=%v) returned %d options, want 5", fromBeginning, len(opts))
		}
	}
}

func TestConsumerOptions_PropagatesClusterError(t *testing.T) {
	cfg := &ClusterConfig{
		Brokers: []string{"localhost:9092"},
		Auth:    AuthConfig{Mechanism: "NOPE"},
	}
	if _, err := ConsumerOptions(cfg, "t", "g", true); err == nil {
		t.Fatal("expected error for bad SASL mechanism")
	}
}
