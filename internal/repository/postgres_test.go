package repository

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDatabase starts a PostgreSQL testcontainer and applies migrations.
func setupTestDatabase(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("bridge_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	if err := MigratePostgres(connStr); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	// second run must be a no-op
	if err := MigratePostgres(connStr); err != nil {
		t.Fatalf("Re-running migrations failed: %v", err)
	}

	return connStr
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	connStr := setupTestDatabase(t)
	ctx := context.Background()

	runStoreContract(t, func(t *testing.T) EventStore {
		s, err := NewPostgresStore(ctx, connStr, 4)
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		// every subtest starts from an empty buffer
		if _, err := s.pool.Exec(ctx, "TRUNCATE events RESTART IDENTITY"); err != nil {
			t.Fatalf("Failed to truncate events: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
