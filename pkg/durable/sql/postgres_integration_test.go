//go:build integration

package sql_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/marmos91/dittolease/pkg/durable"
	"github.com/marmos91/dittolease/pkg/durable/sql"
	"github.com/marmos91/dittolease/pkg/durable/storetest"
)

// startPostgres runs a throwaway PostgreSQL container and returns its
// connection settings.
func startPostgres(t *testing.T) sql.PostgresConfig {
	t.Helper()
	ctx := context.Background()

	// "ready to accept connections" is logged once during bootstrap and
	// once when the server is really up.
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dittolease_test"),
		postgres.WithUsername("dittolease_test"),
		postgres.WithPassword("dittolease_test"),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return sql.PostgresConfig{
		Host:     host,
		Port:     port.Int(),
		Database: "dittolease_test",
		User:     "dittolease_test",
		Password: "dittolease_test",
		SSLMode:  "disable",
	}
}

func TestPostgresConformance(t *testing.T) {
	pg := startPostgres(t)
	ctx := context.Background()

	storetest.RunConformanceSuite(t, func(t *testing.T) durable.Store {
		s, err := sql.New(&sql.Config{Type: sql.DatabaseTypePostgres, Postgres: pg})
		require.NoError(t, err)

		// The container is shared by every subtest; start each from an
		// empty table.
		handles, err := s.List(ctx)
		require.NoError(t, err)
		for _, h := range handles {
			require.NoError(t, s.Delete(ctx, h.Key()))
		}

		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
