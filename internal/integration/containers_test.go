//go:build ignore
// Integration tests are disabled by default; run with -tags=ignore removed
// and a local Docker daemon available.

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ixfleet/orchestrator/internal/adapter/repo/postgres"
	"github.com/ixfleet/orchestrator/internal/domain"
)

// Test_Postgres_JobStore_RoundTrip starts a real Postgres container, applies
// the fleet schema, and exercises JobRepo.Create/Get against it the way the
// worker does in production, instead of against the in-memory fakes the rest
// of the suite uses.
func Test_Postgres_JobStore_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "app"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: pgReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/app?sslmode=disable"

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, time.Second)

	schema, err := os.ReadFile("../../migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	var profileID int64
	row := pool.QueryRow(ctx, `INSERT INTO profiles (window_name, group_title, plan) VALUES ($1,$2,$3) RETURNING id`,
		"win-integration", "group-a", "plus")
	require.NoError(t, row.Scan(&profileID))

	repo := postgres.NewJobRepo(postgres.NewPoolAdapter(pool))
	id, err := repo.Create(ctx, domain.Job{
		ProfileID:   profileID,
		WindowName:  "win-integration",
		GroupTitle:  "group-a",
		Prompt:      "a cat wearing sunglasses",
		Duration:    5,
		AspectRatio: "16:9",
		Status:      domain.JobQueued,
		Phase:       domain.PhaseQueue,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "a cat wearing sunglasses", got.Prompt)
	require.Equal(t, domain.JobQueued, got.Status)
}

// Test_Redis_RateLimiter_Up verifies the Lua-based rate limiter's backing
// Redis is reachable under the driver this package actually ships with,
// complementing the miniredis-backed unit tests in ratelimiter.
func Test_Redis_RateLimiter_Up(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rdReq := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	rdC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: rdReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdC.Terminate(ctx) })

	host, err := rdC.Host(ctx)
	require.NoError(t, err)
	port, err := rdC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	defer rdb.Close()
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)
}
