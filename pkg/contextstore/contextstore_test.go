package contextstore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/testutil"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stores(t *testing.T) map[string]func(t *testing.T) ContextStore {
	t.Helper()

	return map[string]func(t *testing.T) ContextStore{
		"memory": func(*testing.T) ContextStore {
			return NewMemoryStore(discard())
		},
		"redis": func(t *testing.T) ContextStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			store := NewRedisStore(client, discard())
			t.Cleanup(func() { _ = store.Close() })

			return store
		},
		"nats": func(t *testing.T) ContextStore {
			conn := runNATS(t)

			store, err := NewNATSStore(context.Background(), conn, "TEST_CONTEXTS", discard())
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			return store
		},
	}
}

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}

	t.Cleanup(ns.Shutdown)

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)

	return conn
}

func forEachStore(t *testing.T, test func(t *testing.T, store ContextStore)) {
	t.Helper()

	for name, build := range stores(t) {
		t.Run(name, func(t *testing.T) {
			test(t, build(t))
		})
	}
}

func TestContextStore_CreateGetDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ContextStore) {
		ctx := context.Background()

		missing, err := store.GetContext(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, store.CreateContext(ctx, testutil.SwarmState("s1")))
		require.ErrorIs(t, store.CreateContext(ctx, testutil.SwarmState("s1")), ErrAlreadyExists)

		got, err := store.GetContext(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Test goal", got.ChatConfig.Goal)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, got.Resources.Remaining.MaxCredits.Equal(decimal.NewFromInt(100)))

		require.NoError(t, store.DeleteContext(ctx, "s1"))

		gone, err := store.GetContext(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, gone)

		require.NoError(t, store.HealthCheck(ctx))
	})
}

func TestContextStore_UpdateMergesNestedKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ContextStore) {
		ctx := context.Background()
		require.NoError(t, store.CreateContext(ctx, testutil.SwarmState("s1")))

		updated, err := store.UpdateContext(ctx, "s1", map[string]any{
			"chat_config": map[string]any{"blackboard": map[string]any{"topic": "pricing"}},
			"execution": map[string]any{
				"active_runs": map[string]any{
					"r1": models.ActiveRun{RunID: "r1", Status: "RUNNING"},
				},
			},
		}, "routine:r1")
		require.NoError(t, err)

		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, "routine:r1", updated.Metadata.UpdatedBy)
		assert.Equal(t, "Test goal", updated.ChatConfig.Goal, "sibling keys survive")
		assert.Equal(t, models.StringValue("pricing"), updated.ChatConfig.Blackboard["topic"])
		assert.Equal(t, "u1", updated.Execution.LeaderID)
		assert.Contains(t, updated.Execution.ActiveRuns, "r1")

		updated, err = store.UpdateContext(ctx, "s1", map[string]any{
			"execution": map[string]any{"active_runs": map[string]any{"r1": nil}},
		}, "")
		require.NoError(t, err)

		assert.Equal(t, int64(3), updated.Version)
		assert.NotContains(t, updated.Execution.ActiveRuns, "r1")

		stored, err := store.GetContext(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, updated.Version, stored.Version)
	})
}

func TestContextStore_UpdateRejectsProtectedAndMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ContextStore) {
		ctx := context.Background()
		require.NoError(t, store.CreateContext(ctx, testutil.SwarmState("s1")))

		_, err := store.UpdateContext(ctx, "s1", map[string]any{"resources": map[string]any{}}, "")
		require.ErrorIs(t, err, ErrProtectedField)

		_, err = store.UpdateContext(ctx, "missing", map[string]any{"chat_config": map[string]any{"goal": "x"}}, "")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestContextStore_AllocateAndRelease(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ContextStore) {
		ctx := context.Background()
		require.NoError(t, store.CreateContext(ctx, testutil.SwarmState("s1")))

		allocation, err := store.AllocateResources(ctx, "s1", models.AllocationRequest{
			RequesterID: "r1",
			Estimate:    testutil.Budget("30", 1000, 10, 10),
		})
		require.NoError(t, err)
		assert.Equal(t, "s1", allocation.SwarmID)

		_, err = store.AllocateResources(ctx, "s1", models.AllocationRequest{
			RequesterID: "r2",
			Estimate:    testutil.Budget("80", 1000, 10, 10),
		})
		require.ErrorIs(t, err, ErrInsufficientResources, "reservations count against remaining")

		usage := models.ResourceUsage{CreditsUsed: decimal.RequireFromString("12.5"), StepsExecuted: 3, ToolCalls: 2}
		require.NoError(t, store.ReleaseResources(ctx, "s1", allocation.ID, usage))
		require.NoError(t, store.ReleaseResources(ctx, "s1", allocation.ID, usage), "second release is a no-op")

		state, err := store.GetContext(ctx, "s1")
		require.NoError(t, err)

		assert.Empty(t, state.Resources.Allocated)
		assert.True(t, state.Resources.Consumed.CreditsUsed.Equal(decimal.RequireFromString("12.5")))
		assert.True(t, state.Resources.Remaining.MaxCredits.Equal(decimal.RequireFromString("87.5")))
		assert.True(t, TotalCredits(state.Resources).Equal(state.Resources.Budget.MaxCredits))
		assert.Equal(t, int64(2), state.Resources.Consumed.ToolCalls)
	})
}

func TestContextStore_ConcurrentAllocationsNeverOversubscribe(t *testing.T) {
	forEachStore(t, func(t *testing.T, store ContextStore) {
		ctx := context.Background()
		require.NoError(t, store.CreateContext(ctx, testutil.SwarmState("s1", func(s *models.SwarmState) {
			s.Resources = models.NewSwarmResources(testutil.Budget("50", 0, 0, 0))
		})))

		var (
			wg      sync.WaitGroup
			granted atomic.Int32
		)

		for i := range 10 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := store.AllocateResources(ctx, "s1", models.AllocationRequest{
					RequesterID: "r" + string(rune('a'+i)),
					Estimate:    testutil.Budget("10", 0, 0, 0),
				})
				if err == nil {
					granted.Add(1)
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, int32(5), granted.Load())

		state, err := store.GetContext(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, state.Resources.Allocated, 5)
	})
}

func TestMerge(t *testing.T) {
	dst := map[string]any{"a": map[string]any{"x": 1.0, "y": 2.0}, "b": "keep"}
	src := map[string]any{"a": map[string]any{"y": 3.0, "z": nil}, "c": []any{"v"}}

	got := merge(dst, src)

	assert.Equal(t, map[string]any{
		"a": map[string]any{"x": 1.0, "y": 3.0},
		"b": "keep",
		"c": []any{"v"},
	}, got)
	assert.Equal(t, 2.0, dst["a"].(map[string]any)["y"], "merge does not mutate its input")
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, "memory://", discard())
	require.NoError(t, err)
	require.NoError(t, store.HealthCheck(ctx))

	mr := miniredis.RunT(t)

	store, err = Open(ctx, "redis://"+mr.Addr()+"/0", discard())
	require.NoError(t, err)
	require.NoError(t, store.HealthCheck(ctx))
	_ = store.Close()

	_, err = Open(ctx, "ftp://nowhere", discard())
	assert.Error(t, err)
}
