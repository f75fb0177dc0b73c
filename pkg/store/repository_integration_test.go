//go:build integration

package store

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"treasury/pkg/audit"
	"treasury/pkg/engine"
	"treasury/pkg/models"
)

// Run with: go test -tags=integration -timeout 180s -run TestRepositoryWithRealPostgres ./pkg/store/...
func TestRepositoryWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("treasury"),
		postgres.WithUsername("treasury"),
		postgres.WithPassword("treasury"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if err := Migrate(ctx, pool, Migrations(), t.Logf); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(ctx, pool, Migrations(), t.Logf); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}

	repo := NewRepository(pool)
	chain := audit.NewChain("vault:v1")
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first, err := chain.Record("alice", "vault:v1", "vault.created", audit.OutcomeOK, at, map[string]any{"threshold": 2})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if err := repo.CommitVault(ctx, engine.VaultSnapshot{ID: "v1", Version: 1, CustodyAddress: "bc1qcustody"}, []models.AuditEntry{first}); err != nil {
		t.Fatalf("commit v1: %v", err)
	}
	if err := repo.CommitVault(ctx, engine.VaultSnapshot{ID: "v1", Version: 1}, nil); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion on replayed version, got %v", err)
	}

	vaults, err := repo.LoadVaults(ctx)
	if err != nil || len(vaults) != 1 || vaults[0].CustodyAddress != "bc1qcustody" {
		t.Fatalf("load vaults: %+v %v", vaults, err)
	}
	trail, err := repo.Trail(ctx, "vault:v1", 0, 10)
	if err != nil || len(trail) != 1 {
		t.Fatalf("trail: %+v %v", trail, err)
	}
	if err := audit.Verify(trail); err != nil {
		t.Fatalf("persisted chain does not verify: %v", err)
	}
}
