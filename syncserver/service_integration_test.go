package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestPool starts a throwaway Postgres; the test is skipped when Docker is unavailable
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("farmsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

type messageRow struct {
	Text string `json:"text"`
}

// messagesHandler materializes message mutations into public.messages
type messagesHandler struct{}

func (messagesHandler) ApplyMutation(ctx context.Context, tx pgx.Tx, userID string, req *ApplyRequest) error {
	if req.Op == OpDelete {
		_, err := tx.Exec(ctx, `DELETE FROM public.messages WHERE user_id = $1 AND id = $2`, userID, req.RecordID)
		return err
	}
	var row messageRow
	if err := json.Unmarshal(req.Payload, &row); err != nil {
		return err
	}
	if row.Text == "" {
		return errors.New("text is required")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO public.messages (user_id, id, text) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, id) DO UPDATE SET text = EXCLUDED.text
	`, userID, req.RecordID, row.Text)
	return err
}

func newIntegrationService(t *testing.T) *Service {
	t.Helper()
	pool := newTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `CREATE TABLE public.messages (
		user_id TEXT NOT NULL,
		id      TEXT NOT NULL,
		text    TEXT NOT NULL,
		PRIMARY KEY (user_id, id)
	)`)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	service, err := NewService(ctx, pool, &ServiceConfig{
		AppName: "farmsync-integration-test",
		RegisteredTables: []RegisteredTable{
			{Table: "messages", Handler: messagesHandler{}},
			{Table: "groups"},
		},
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	return service
}

func countRows(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

func TestService_ApplyIsIdempotent(t *testing.T) {
	service := newIntegrationService(t)
	ctx := context.Background()
	req := &ApplyRequest{
		IdempotencyKey: uuid.NewString(), Table: "messages", RecordID: "m1", Op: OpCreate,
		Payload: json.RawMessage(`{"text":"rain expected"}`),
	}

	resp, err := service.Apply(ctx, "farmer-1", "device-1", req)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, resp.Status)

	again, err := service.Apply(ctx, "farmer-1", "device-1", req)
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, again.Status)

	require.Equal(t, 1, countRows(t, service.Pool(), `SELECT count(*) FROM sync.applied_mutations WHERE user_id = $1`, "farmer-1"))
	require.Equal(t, 1, countRows(t, service.Pool(), `SELECT count(*) FROM public.messages WHERE user_id = $1`, "farmer-1"))

	// Keys are scoped per farmer
	other, err := service.Apply(ctx, "farmer-2", "device-9", req)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, other.Status)
}

func TestService_ApplyTracksRecordState(t *testing.T) {
	service := newIntegrationService(t)
	ctx := context.Background()

	steps := []*ApplyRequest{
		{IdempotencyKey: uuid.NewString(), Table: "groups", RecordID: "g1", Op: OpCreate, Payload: json.RawMessage(`{"name":"Maize growers"}`)},
		{IdempotencyKey: uuid.NewString(), Table: "groups", RecordID: "g1", Op: OpUpdate, Payload: json.RawMessage(`{"name":"Maize & beans"}`)},
	}
	for _, req := range steps {
		resp, err := service.Apply(ctx, "farmer-1", "device-1", req)
		require.NoError(t, err)
		require.Equal(t, StatusApplied, resp.Status)
	}

	var name string
	require.NoError(t, service.Pool().QueryRow(ctx,
		`SELECT payload->>'name' FROM sync.record_state WHERE user_id = $1 AND table_name = 'groups' AND record_id = 'g1'`,
		"farmer-1").Scan(&name))
	require.Equal(t, "Maize & beans", name)

	resp, err := service.Apply(ctx, "farmer-1", "device-1",
		&ApplyRequest{IdempotencyKey: uuid.NewString(), Table: "groups", RecordID: "g1", Op: OpDelete})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, resp.Status)

	var deleted bool
	var payload []byte
	require.NoError(t, service.Pool().QueryRow(ctx,
		`SELECT deleted, payload FROM sync.record_state WHERE user_id = $1 AND table_name = 'groups' AND record_id = 'g1'`,
		"farmer-1").Scan(&deleted, &payload))
	require.True(t, deleted)
	require.Nil(t, payload)
}

func TestService_HandlerFailureRollsBack(t *testing.T) {
	service := newIntegrationService(t)
	ctx := context.Background()
	req := &ApplyRequest{
		IdempotencyKey: uuid.NewString(), Table: "messages", RecordID: "m1", Op: OpCreate,
		Payload: json.RawMessage(`{"text":""}`),
	}

	resp, err := service.Apply(ctx, "farmer-1", "device-1", req)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, resp.Status)
	require.Equal(t, ReasonMaterializeError, resp.Reason)
	require.Equal(t, 0, countRows(t, service.Pool(), `SELECT count(*) FROM sync.applied_mutations`))

	// The key was not consumed, so a corrected retry applies
	req.Payload = json.RawMessage(`{"text":"fixed"}`)
	resp, err = service.Apply(ctx, "farmer-1", "device-1", req)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, resp.Status)
}

func TestService_ConcurrentDuplicates(t *testing.T) {
	service := newIntegrationService(t)
	ctx := context.Background()
	req := ApplyRequest{
		IdempotencyKey: uuid.NewString(), Table: "groups", RecordID: "g1", Op: OpCreate,
		Payload: json.RawMessage(`{"name":"Coffee"}`),
	}

	const workers = 8
	statuses := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := req
			resp, err := service.Apply(ctx, "farmer-1", "device-1", &r)
			if err != nil {
				statuses <- "error: " + err.Error()
				return
			}
			statuses <- resp.Status
		}()
	}
	wg.Wait()
	close(statuses)

	applied := 0
	for s := range statuses {
		if s == StatusApplied {
			applied++
			continue
		}
		require.Equal(t, StatusDuplicate, s)
	}
	require.Equal(t, 1, applied)
}
