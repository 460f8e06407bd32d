// Package dbtest spins up a disposable PostgreSQL container for
// integration tests across pkg/subscriber, pkg/workflow, pkg/queue,
// pkg/events and pkg/trigger, applying the engine's embedded migrations so
// tests run against the real schema.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sendloop/automation-engine/pkg/db"
)

// Open starts a postgres:16-alpine container, applies the engine's embedded
// migrations against it via db.Open, and returns a ready Pool. The
// container and pool are torn down automatically via t.Cleanup.
func Open(t *testing.T) *db.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("automation_engine_test"),
		postgres.WithUsername("automation"),
		postgres.WithPassword("automation"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := db.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "automation",
		Password:        "automation",
		Database:        "automation_engine_test",
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 15 * time.Minute,
	}

	pool, err := db.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}
