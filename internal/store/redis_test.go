package store

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xiy/autodelete/pkg/types"
)

func setupRedisContainer(t *testing.T) (rdb *redis.Client, cleanup func()) {
	t.Helper()

	ctx := context.Background()

	cont, err := testredis.Run(ctx, "redis:7.0")
	require.NoError(t, err, "failed to start redis container")

	dsn, err := cont.ConnectionString(ctx)
	require.NoError(t, err, "failed to get connection string")

	client := redis.NewClient(&redis.Options{
		Addr: strings.TrimPrefix(dsn, "redis://"),
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	require.NoError(t, client.Ping(pingCtx).Err(), "failed to ping redis")

	return client, func() {
		assert.NoError(t, client.Close(), "failed to close redis client")

		termCtx, termCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer termCancel()
		assert.NoError(t, cont.Terminate(termCtx), "failed to terminate redis container")
	}
}

func TestRedisStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	rdb, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	logger := log.NewWithOptions(io.Discard, log.Options{})

	t.Run("SweepScenario", func(t *testing.T) {
		st := NewRedis(rdb, "test-scenario", logger)
		lifetime := 100 * time.Second

		_, err := st.Insert(ctx, types.Record{OriginID: -1001, RecordID: 1, CreatedAt: 100})
		require.NoError(t, err)
		_, err = st.Insert(ctx, types.Record{OriginID: -1001, RecordID: 2, CreatedAt: 200})
		require.NoError(t, err)

		got, err := st.SweepExpired(ctx, time.Unix(205, 0), lifetime)
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, recordIDs(got))
		assert.Equal(t, int64(-1001), got[0].OriginID)

		got, err = st.SweepExpired(ctx, time.Unix(305, 0), lifetime)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, recordIDs(got))

		got, err = st.SweepExpired(ctx, time.Unix(400, 0), lifetime)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("DuplicatePairStaysSingle", func(t *testing.T) {
		st := NewRedis(rdb, "test-dup", logger)

		first, err := st.Insert(ctx, types.Record{OriginID: 5, RecordID: 9, CreatedAt: 50})
		require.NoError(t, err)
		dup, err := st.Insert(ctx, types.Record{OriginID: 5, RecordID: 9, CreatedAt: 70})
		require.NoError(t, err)
		assert.Equal(t, first.Seq, dup.Seq)
		assert.Equal(t, int64(50), dup.CreatedAt)

		stats, err := st.Stats(ctx, time.Unix(60, 0), 0)
		require.NoError(t, err)
		assert.Equal(t, Stats{Pending: 1, Expired: 1, Oldest: 50, Newest: 50}, stats)

		oldest, err := st.Oldest(ctx, 10)
		require.NoError(t, err)
		require.Len(t, oldest, 1)
		assert.Equal(t, first.Seq, oldest[0].Seq)
	})

	t.Run("SurvivesReconnect", func(t *testing.T) {
		st := NewRedis(rdb, "test-reconnect", logger)
		for i := int64(1); i <= 10; i++ {
			_, err := st.Insert(ctx, types.Record{OriginID: 1, RecordID: i, CreatedAt: i})
			require.NoError(t, err)
		}

		again := NewRedis(rdb, "test-reconnect", logger)
		got, err := again.SweepExpired(ctx, time.Unix(100, 0), 0)
		require.NoError(t, err)
		assert.Len(t, got, 10)
		assert.Equal(t, int64(1), got[0].RecordID)
	})

	t.Run("SweepLogs", func(t *testing.T) {
		st := NewRedis(rdb, "test-logs", logger)
		require.NoError(t, st.InsertSweepLog(ctx, types.SweepLog{ID: "a", Removed: 1, Success: true}))
		require.NoError(t, st.InsertSweepLog(ctx, types.SweepLog{ID: "b", ErrorText: "boom"}))

		logs, err := st.RecentSweepLogs(ctx, 5)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "b", logs[0].ID)
		assert.False(t, logs[0].Success)
	})
}

func TestDecodeMember(t *testing.T) {
	t.Parallel()

	rec, err := decodeMember(memberKey(-100123, 42), "1700000000", "7")
	require.NoError(t, err)
	assert.Equal(t, types.Record{Seq: 7, OriginID: -100123, RecordID: 42, CreatedAt: 1700000000}, rec)

	_, err = decodeMember("garbage", "1", "1")
	assert.Error(t, err)
}
