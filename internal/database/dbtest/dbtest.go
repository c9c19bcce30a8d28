// Package dbtest starts a throwaway Postgres for integration tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Setup spins up a Postgres container, runs migrations and returns a DB.
// Integration tests are skipped with -short.
func Setup(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("fluxqc_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.RunMigrations(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return database.FromPool(pool)
}

// SeedInstrument inserts an instrument and returns its id.
func SeedInstrument(t *testing.T, db *database.DB, name string, delaySeconds int, standards []string) int64 {
	t.Helper()
	if standards == nil {
		standards = []string{}
	}
	var id int64
	err := db.Pool().QueryRow(context.Background(), `
		INSERT INTO instruments (name, owner, time_delay_seconds, required_standards)
		VALUES ($1, gen_random_uuid(), $2, $3) RETURNING id`,
		name, delaySeconds, standards).Scan(&id)
	require.NoError(t, err)
	return id
}

// SeedDataset inserts a dataset in the given status and returns its id.
func SeedDataset(t *testing.T, db *database.DB, instrumentID int64, name string, status int, start, end time.Time) int64 {
	t.Helper()
	var id int64
	err := db.Pool().QueryRow(context.Background(), `
		INSERT INTO datasets (instrument_id, name, start_time, end_time, status)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		instrumentID, name, start, end, status).Scan(&id)
	require.NoError(t, err)
	return id
}
