package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRedisTLSConfigDisabled(t *testing.T) {
	cfg, err := RedisConfig{}.tlsConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil TLS config when TLS is off")
	}
}

func TestRedisTLSConfigInsecure(t *testing.T) {
	cfg, err := RedisConfig{TLS: true, TLSInsecure: true, AllowInsecureTLS: true, ServerName: "redis.internal"}.tlsConfig()
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected insecure skip verify to be set")
	}
	if cfg.ServerName != "redis.internal" {
		t.Fatalf("expected server name redis.internal, got %q", cfg.ServerName)
	}
	if _, err := (RedisConfig{TLS: true, TLSInsecure: true}).tlsConfig(); err == nil {
		t.Fatal("expected insecure tls guard error")
	}
}

func TestRedisTLSConfigCAAndMTLS(t *testing.T) {
	tmp := t.TempDir()
	certPEM, keyPEM := mustCreateSelfSignedPEM(t)
	caPath := filepath.Join(tmp, "ca.pem")
	certPath := filepath.Join(tmp, "client.pem")
	keyPath := filepath.Join(tmp, "client-key.pem")
	for path, data := range map[string][]byte{caPath: certPEM, certPath: certPEM, keyPath: keyPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	cfg, err := RedisConfig{TLS: true, CACertFile: caPath, CertFile: certPath, KeyFile: keyPath}.tlsConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected RootCAs to be populated")
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}
}

func TestRedisTLSConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  RedisConfig
	}{
		{name: "incomplete_mtls", cfg: RedisConfig{TLS: true, CertFile: "/tmp/client.pem"}},
		{name: "missing_ca", cfg: RedisConfig{TLS: true, CACertFile: "/tmp/non-existent-ca.pem"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cfg.tlsConfig(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func mustCreateSelfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "redis-test",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}
