// Package store owns the treasury's Postgres and Redis connections, the
// repository that persists vault snapshots and audit entries, and the
// idempotency cache used by the HTTP API.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresPingTimeout  = 2 * time.Second
	postgresSleep        = time.Sleep
)

type PostgresConfig struct {
	URL            string
	User           string
	Password       string
	Host           string
	Port           string
	Name           string
	SSLMode        string
	RequireTLS     bool
	MaxConns       int32
	MinConns       int32
	ConnectRetries int
	RetryDelay     time.Duration
}

// PostgresConfigFromEnv reads DATABASE_* variables. DATABASE_URL wins over the parts.
func PostgresConfigFromEnv(getenv func(string) string) PostgresConfig {
	cfg := PostgresConfig{
		URL:            strings.TrimSpace(getenv("DATABASE_URL")),
		User:           strings.TrimSpace(getenv("DATABASE_USER")),
		Password:       getenv("POSTGRES_PASSWORD"),
		Host:           strings.TrimSpace(getenv("DATABASE_HOST")),
		Port:           strings.TrimSpace(getenv("DATABASE_PORT")),
		Name:           strings.TrimSpace(getenv("DATABASE_NAME")),
		SSLMode:        strings.TrimSpace(getenv("DATABASE_SSLMODE")),
		RequireTLS:     isTrue(getenv("DATABASE_REQUIRE_TLS")),
		MaxConns:       10,
		MinConns:       1,
		ConnectRetries: 30,
		RetryDelay:     2 * time.Second,
	}
	if n, err := strconv.Atoi(strings.TrimSpace(getenv("DATABASE_MAX_CONNS"))); err == nil && n > 0 {
		cfg.MaxConns = int32(n)
	}
	if n, err := strconv.Atoi(strings.TrimSpace(getenv("DATABASE_CONNECT_RETRIES"))); err == nil && n > 0 {
		cfg.ConnectRetries = n
	}
	return cfg
}

// DSN returns URL or assembles one from the parts.
func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	user := c.User
	if user == "" {
		user = "treasury"
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	name := c.Name
	if name == "" {
		name = "treasury"
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{Scheme: "postgres", Host: host + ":" + port, Path: "/" + name}
	if c.Password != "" {
		uri.User = url.UserPassword(user, c.Password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

// NewPostgresPool connects and pings, retrying while the database comes up.
func NewPostgresPool(ctx context.Context, c PostgresConfig) (*pgxpool.Pool, error) {
	dsn := c.DSN()
	if c.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "treasuryd"
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		cfg.MinConns = c.MinConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	retries := c.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(c.RetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(c.RetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func isTrue(raw string) bool {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
