package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"treasury/pkg/telemetry"
)

func TestRunRefusesAuthOffWithoutOptIn(t *testing.T) {
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "")
	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ALLOW_INSECURE_AUTH_OFF") {
		t.Fatalf("expected auth off refusal, got %v", err)
	}
}

func TestRunRejectsWeakProductionConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "")
	if err := run(context.Background()); err == nil {
		t.Fatalf("expected production hardening failure")
	}
}

func TestRunServesInMemoryAndShutsDown(t *testing.T) {
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("SCREENING_URL", "")

	origListen, origTelemetry := listenFn, initTelemetryFn
	t.Cleanup(func() { listenFn, initTelemetryFn = origListen, origTelemetry })
	initTelemetryFn = func(context.Context, telemetry.Config, zerolog.Logger) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	started := make(chan *http.Server, 1)
	listenFn = func(server *http.Server) error {
		started <- server
		return http.ErrServerClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	select {
	case server := <-started:
		if server.Handler == nil || server.ReadHeaderTimeout != 5*time.Second {
			t.Fatalf("unexpected server: %+v", server)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never started")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}
