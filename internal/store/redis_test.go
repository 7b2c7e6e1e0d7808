package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, Options{EntryTTL: 5 * time.Minute}), mr
}

func load(id, ip string, count int, cpu *float64, score float64) models.WorkerLoad {
	return models.WorkerLoad{
		Worker:         models.Worker{ID: id, Address: ip},
		ContainerCount: count,
		CPUPercent:     cpu,
		Score:          score,
	}
}

func pct(v float64) *float64 { return &v }

func TestPublishWritesRankingAndSummaries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.Publish(ctx, []models.WorkerLoad{
		load("i-2", "10.0.0.2", 9, pct(90), 0.9),
		load("i-1", "10.0.0.1", 2, pct(20), 0.2),
		load("i-3", "10.0.0.3", 0, nil, 0),
	})
	require.NoError(t, err)

	ids, err := s.Ranked(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-3", "i-1", "i-2"}, ids)

	assert.Equal(t, "-1", mr.HGet("instance:i-3", "metric"))
	assert.Equal(t, "0", mr.HGet("instance:i-1", "claimed"))
	assert.Equal(t, 5*time.Minute, mr.TTL("instance:i-1"))

	summary, ok, err := s.Summary(ctx, "i-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", summary.IP)
	assert.Equal(t, 2, summary.ContainerCount)
	require.NotNil(t, summary.CPUPercent)
	assert.InDelta(t, 20.0, *summary.CPUPercent, 1e-9)

	summary, ok, err = s.Summary(ctx, "i-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, summary.CPUPercent)
}

func TestPublishKeepsSingleEntryPerWorker(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-1", "10.0.0.1", 2, nil, 0.12)}))
	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-1", "10.0.0.1", 4, nil, 0.24)}))

	snapshot, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Workers, 1)
	assert.InDelta(t, 0.24, snapshot.Workers[0].Score, 1e-9)
	assert.Equal(t, 4, snapshot.Workers[0].Summary.ContainerCount)
}

func TestRankedWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{
		load("a", "10.0.0.1", 0, nil, 0.1),
		load("b", "10.0.0.2", 0, nil, 0.2),
		load("c", "10.0.0.3", 0, nil, 0.3),
	}))

	ids, err := s.Ranked(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)

	ids, err = s.Ranked(ctx, 3, 5)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPruneRemovesEntriesWithExpiredSummary(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{
		load("i-1", "10.0.0.1", 1, nil, 0.06),
		load("i-2", "10.0.0.2", 1, nil, 0.06),
	}))
	mr.Del("instance:i-2")

	pruned, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-2"}, pruned)

	ids, err := s.Ranked(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1"}, ids)

	pruned, err = s.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, pruned)
}

func TestPruneKeepsRepublishedWorker(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{
		load("i-1", "10.0.0.1", 1, nil, 0.06),
		load("i-2", "10.0.0.2", 2, nil, 0.12),
		load("i-3", "10.0.0.3", 3, nil, 0.18),
	}))
	mr.FastForward(5*time.Minute + time.Second)
	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-2", "10.0.0.2", 2, nil, 0.12)}))

	pruned, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i-1", "i-3"}, pruned)

	ids, err := s.Ranked(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-2"}, ids)
	assert.True(t, mr.Exists("instance:i-2"))
}

func TestClaim(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-1", "10.0.0.1", 8, nil, 0.48)}))

	result, summary, err := s.Claim(ctx, "i-1", 10)
	require.NoError(t, err)
	assert.Equal(t, ClaimOK, result)
	assert.Equal(t, 1, summary.Claimed)
	assert.Equal(t, 9, summary.Occupied())

	result, _, err = s.Claim(ctx, "i-1", 10)
	require.NoError(t, err)
	assert.Equal(t, ClaimOK, result)

	result, summary, err = s.Claim(ctx, "i-1", 10)
	require.NoError(t, err)
	assert.Equal(t, ClaimFull, result)
	assert.Equal(t, 10, summary.Occupied())

	require.NoError(t, s.Release(ctx, "i-1"))
	assert.Equal(t, "1", mr.HGet("instance:i-1", "claimed"))

	result, _, err = s.Claim(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Equal(t, ClaimStale, result)
}

func TestClaimMalformedSummaryUndoesClaim(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-1", "10.0.0.1", 2, nil, 0.12)}))
	mr.HSet("instance:i-1", "metric", "garbage")

	result, summary, err := s.Claim(ctx, "i-1", 10)
	require.NoError(t, err)
	assert.Equal(t, ClaimStale, result)
	assert.Nil(t, summary)
	assert.Equal(t, "0", mr.HGet("instance:i-1", "claimed"))
	assert.Equal(t, 5*time.Minute, mr.TTL("instance:i-1"))
}

func TestClaimFullWithMalformedSummary(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-1", "10.0.0.1", 10, nil, 0.6)}))
	mr.HSet("instance:i-1", "metric", "garbage")

	result, summary, err := s.Claim(ctx, "i-1", 10)
	require.NoError(t, err)
	assert.Equal(t, ClaimFull, result)
	assert.Nil(t, summary)
	assert.Equal(t, "0", mr.HGet("instance:i-1", "claimed"))
}

func TestReleaseNeverGoesNegativeOrRecreates(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-1", "10.0.0.1", 0, nil, 0)}))
	require.NoError(t, s.Release(ctx, "i-1"))
	assert.Equal(t, "0", mr.HGet("instance:i-1", "claimed"))

	require.NoError(t, s.Release(ctx, "gone"))
	assert.False(t, mr.Exists("instance:gone"))
}

func TestPublishResetsClaims(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-1", "10.0.0.1", 0, nil, 0)}))
	_, _, err := s.Claim(ctx, "i-1", 10)
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-1", "10.0.0.1", 1, nil, 0.06)}))
	summary, _, err := s.Summary(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)
	assert.Equal(t, 1, summary.ContainerCount)
}

func TestSummaryExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, []models.WorkerLoad{load("i-1", "10.0.0.1", 0, nil, 0)}))
	mr.FastForward(5*time.Minute + time.Second)

	_, ok, err := s.Summary(ctx, "i-1")
	require.NoError(t, err)
	assert.False(t, ok)

	snapshot, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Workers, 1)
	assert.True(t, snapshot.Workers[0].Stale)
}

func TestAssignments(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Assignment(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetAssignment(ctx, "alice", "http://10.0.0.1:3001"))
	url, ok, err := s.Assignment(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "http://10.0.0.1:3001", url)
	assert.Equal(t, time.Duration(0), mr.TTL("user:alice"))
}

func TestSummaryMalformed(t *testing.T) {
	s, mr := newTestStore(t)
	mr.HSet("instance:bad", "ip", "10.0.0.9", "count", "many")

	_, _, err := s.Summary(context.Background(), "bad")
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := Connect(context.Background(), Options{Addr: mr.Addr(), ConnectRetries: 1})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetAssignment(context.Background(), "bob", "http://x"))
	assert.True(t, mr.Exists("user:bob"))
}

func TestConnectGivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := Connect(ctx, Options{Addr: addr, ConnectRetries: 1, DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}
