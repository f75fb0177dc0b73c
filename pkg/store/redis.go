package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr             string
	Password         string
	DB               int
	TLS              bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	ServerName       string
	CACertFile       string
	CertFile         string
	KeyFile          string
	RequireTLS       bool
}

// RedisConfigFromEnv reads REDIS_* variables. An unparsable REDIS_DB falls back to 0.
func RedisConfigFromEnv(getenv func(string) string) RedisConfig {
	cfg := RedisConfig{
		Addr:             strings.TrimSpace(getenv("REDIS_ADDR")),
		Password:         getenv("REDIS_PASSWORD"),
		TLS:              isTrue(getenv("REDIS_TLS")),
		TLSInsecure:      isTrue(getenv("REDIS_TLS_INSECURE")),
		AllowInsecureTLS: isTrue(getenv("REDIS_ALLOW_INSECURE_TLS")),
		ServerName:       strings.TrimSpace(getenv("REDIS_TLS_SERVER_NAME")),
		CACertFile:       strings.TrimSpace(getenv("REDIS_TLS_CA_CERT_FILE")),
		CertFile:         strings.TrimSpace(getenv("REDIS_TLS_CERT_FILE")),
		KeyFile:          strings.TrimSpace(getenv("REDIS_TLS_KEY_FILE")),
		RequireTLS:       isTrue(getenv("REDIS_REQUIRE_TLS")),
	}
	if n, err := strconv.Atoi(strings.TrimSpace(getenv("REDIS_DB"))); err == nil {
		cfg.DB = n
	}
	return cfg
}

func NewRedis(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	addr := c.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsConfig, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}
	if c.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  c.Password,
		DB:        c.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (c RedisConfig) tlsConfig() (*tls.Config, error) {
	if !c.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.TLSInsecure {
		if !c.AllowInsecureTLS {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if c.ServerName != "" {
		cfg.ServerName = c.ServerName
	}
	if c.CACertFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(c.CACertFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" || c.KeyFile != "" {
		if c.CertFile == "" || c.KeyFile == "" {
			return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(c.CertFile), filepath.Clean(c.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
