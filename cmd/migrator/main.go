package main

import (
	"context"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"treasury/pkg/store"
)

type migratorDBCloser interface {
	store.MigrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv(os.Getenv))
	}
)

func main() {
	_ = godotenv.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool, migrationsFS(os.Getenv("MIGRATIONS_DIR")), log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

// migrationsFS serves dir when set, the embedded schema otherwise.
func migrationsFS(dir string) fs.FS {
	if dir = strings.TrimSpace(dir); dir != "" {
		return os.DirFS(dir)
	}
	return store.Migrations()
}
