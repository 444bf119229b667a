package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/statekeep/internal/history"
)

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("statekeep"),
		postgres.WithUsername("statekeep"),
		postgres.WithPassword("statekeep"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { assert.NoError(t, ctr.Terminate(context.Background())) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestSink_StoresSessionEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test needs docker")
	}
	ctx := context.Background()
	sink, err := New(startPostgres(ctx, t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	now := time.Now().UTC()
	for _, e := range []history.Event{
		{Session: "pg-session", Application: "./counter", Type: history.EventRecorded, OccurredAt: now},
		{Session: "pg-session", Application: "./counter", Type: history.EventError, Kind: "persist_io_failure", Message: "disk full", OccurredAt: now.Add(time.Millisecond)},
		{Session: "pg-session", Application: "./counter", Type: history.EventTerminated, OccurredAt: now.Add(2 * time.Millisecond)},
	} {
		require.NoError(t, sink.Send(ctx, e), "send %s", e.Type)
	}

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM supervisor_history WHERE session = $1", "pg-session").Scan(&count))
	assert.Equal(t, 3, count)

	var kind, message sql.NullString
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT kind, message FROM supervisor_history WHERE type = 'error' AND session = $1", "pg-session").Scan(&kind, &message))
	assert.Equal(t, "persist_io_failure", kind.String)
	assert.Equal(t, "disk full", message.String)

	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT kind FROM supervisor_history WHERE type = 'application_terminated' AND session = $1", "pg-session").Scan(&kind))
	assert.False(t, kind.Valid, "empty kind is stored as NULL")

	assert.Error(t, sink.Send(ctx, history.Event{Session: "pg-session", Type: history.EventRecorded}))
}

func TestNew_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.EqualError(t, err, "empty PostgreSQL DSN")
}
