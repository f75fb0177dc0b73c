package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "verify_full_allowed", url: "postgres://u:p@db:5432/x?sslmode=verify-full"},
		{name: "require_allowed", url: "postgres://u:p@db:5432/x?sslmode=require"},
		{name: "prefer_denied", url: "postgres://u:p@db:5432/x?sslmode=prefer", wantErr: true},
		{name: "missing_sslmode_denied", url: "postgres://u:p@db:5432/x", wantErr: true},
		{name: "invalid_url_denied", url: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validatePostgresTLS(tt.url)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %q", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.url, err)
			}
		})
	}
}

func TestPostgresDSNDefaults(t *testing.T) {
	t.Parallel()
	got := PostgresConfig{}.DSN()
	want := "postgres://treasury@localhost:5432/treasury?sslmode=disable"
	if got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
	got = PostgresConfig{User: "ops", Password: "s3cret", Host: "db", Port: "6543", Name: "vaults", SSLMode: "require"}.DSN()
	want = "postgres://ops:s3cret@db:6543/vaults?sslmode=require"
	if got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
	if got := (PostgresConfig{URL: "postgres://x/y", Host: "ignored"}).DSN(); got != "postgres://x/y" {
		t.Fatalf("url should win, got %q", got)
	}
}

func TestPostgresConfigFromEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"DATABASE_HOST":            " db ",
		"DATABASE_REQUIRE_TLS":     "yes",
		"DATABASE_MAX_CONNS":       "25",
		"DATABASE_CONNECT_RETRIES": "bogus",
	}
	cfg := PostgresConfigFromEnv(func(k string) string { return env[k] })
	if cfg.Host != "db" || !cfg.RequireTLS {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MaxConns != 25 {
		t.Fatalf("max conns = %d", cfg.MaxConns)
	}
	if cfg.ConnectRetries != 30 {
		t.Fatalf("bad retries should keep default, got %d", cfg.ConnectRetries)
	}
}

func TestNewPostgresPoolRejectsInvalidInputs(t *testing.T) {
	if _, err := NewPostgresPool(context.Background(), PostgresConfig{URL: "://bad"}); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}
	_, err := NewPostgresPool(context.Background(), PostgresConfig{
		URL:        "postgres://u:p@db:5432/x?sslmode=disable",
		RequireTLS: true,
	})
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("expected insecure transport error, got %v", err)
	}
}

func stubPostgresDial(t *testing.T, newPool func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error)) {
	t.Helper()
	origPingTimeout := postgresPingTimeout
	origSleep := postgresSleep
	origNew := pgxPoolNewWithConfig
	t.Cleanup(func() {
		postgresPingTimeout = origPingTimeout
		postgresSleep = origSleep
		pgxPoolNewWithConfig = origNew
	})
	postgresPingTimeout = 50 * time.Millisecond
	postgresSleep = func(time.Duration) {}
	pgxPoolNewWithConfig = newPool
}

func TestNewPostgresPoolRetryExhaustedPing(t *testing.T) {
	stubPostgresDial(t, pgxpool.NewWithConfig)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = NewPostgresPool(context.Background(), PostgresConfig{
		URL:            "postgres://u:p@" + addr + "/x?sslmode=disable",
		ConnectRetries: 1,
	})
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected retry exhausted error, got %v", err)
	}
}

func TestNewPostgresPoolRetriesPoolErrors(t *testing.T) {
	attempts := 0
	var params map[string]string
	var maxConns int32
	stubPostgresDial(t, func(_ context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		params = cfg.ConnConfig.RuntimeParams
		maxConns = cfg.MaxConns
		return nil, errors.New("boom")
	})

	_, err := NewPostgresPool(context.Background(), PostgresConfig{
		URL:            "postgres://u:p@127.0.0.1:5432/x?sslmode=disable",
		ConnectRetries: 3,
		MaxConns:       7,
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected wrapped pool error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if params["application_name"] != "treasuryd" {
		t.Fatalf("application_name = %q", params["application_name"])
	}
	if maxConns != 7 {
		t.Fatalf("max conns = %d", maxConns)
	}
}

func TestNewPostgresPoolStopsOnCancelledContext(t *testing.T) {
	called := false
	stubPostgresDial(t, func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
		called = true
		return nil, errors.New("unreachable")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPostgresPool(ctx, PostgresConfig{URL: "postgres://u@127.0.0.1:5432/x", ConnectRetries: 5})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("pool should not be created after cancellation")
	}
}
