package cache

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/churnrisk/internal/churn"
)

// countingStore records how often Latest reaches the backing store.
type countingStore struct {
	*churn.MemoryStore
	latestCalls int
}

func (s *countingStore) Latest(ctx context.Context, companyID, customerID string) (*churn.Score, error) {
	s.latestCalls++
	return s.MemoryStore.Latest(ctx, companyID, customerID)
}

func testScore(customerID string, now time.Time) *churn.Score {
	return &churn.Score{
		CompanyID:         "co_1",
		CustomerID:        customerID,
		Score:             72,
		Confidence:        0.6,
		RiskLevel:         churn.RiskHigh,
		PrimaryFactors:    []churn.SignalType{churn.SignalNewSubscriberRisk},
		Signals:           []churn.Signal{{Type: churn.SignalNewSubscriberRisk, Weight: 0.4, DetectedAt: now}},
		RecommendedAction: churn.ActionProactiveOutreach,
		Urgency:           churn.UrgencyWithin24h,
		CalculatedAt:      now,
		ExpiresAt:         now.Add(churn.ScoreTTL),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestScoreCache_FallsBackWhenRedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = rdb.Close() }()

	inner := &countingStore{MemoryStore: churn.NewMemoryStore()}
	c := NewScoreCache(inner, rdb, discardLogger())
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, testScore("cus_1", time.Now())))

	got, err := c.Latest(ctx, "co_1", "cus_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 72, got.Score)
	assert.Equal(t, 1, inner.latestCalls)

	none, err := c.Latest(ctx, "co_1", "nobody")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestScoreCache_PassThroughLists(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer func() { _ = rdb.Close() }()

	inner := churn.NewMemoryStore()
	c := NewScoreCache(inner, rdb, discardLogger())
	ctx := context.Background()
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, inner.Upsert(ctx, testScore("cus_old", past)))

	high, err := c.ListHighRisk(ctx, churn.HighRiskQuery{CompanyID: "co_1", RiskLevels: []churn.RiskLevel{churn.RiskHigh}, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, high, 1)

	expired, err := c.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

// ---------------------------------------------------------------------------
// Live Redis (REDIS_URL)
// ---------------------------------------------------------------------------

func liveRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestScoreCache_LiveHitAfterUpsert(t *testing.T) {
	rdb := liveRedis(t)
	ctx := context.Background()
	customer := "cus_live_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { rdb.Del(ctx, key("co_1", customer)) })

	inner := &countingStore{MemoryStore: churn.NewMemoryStore()}
	c := NewScoreCache(inner, rdb, discardLogger())

	require.NoError(t, c.Upsert(ctx, testScore(customer, time.Now())))

	ttl, err := rdb.TTL(ctx, key("co_1", customer)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 23*time.Hour)

	got, err := c.Latest(ctx, "co_1", customer)
	require.NoError(t, err)
	assert.Equal(t, customer, got.CustomerID)
	assert.Equal(t, []churn.SignalType{churn.SignalNewSubscriberRisk}, got.PrimaryFactors)
	assert.Zero(t, inner.latestCalls)
}

func TestScoreCache_LiveMissFillsCache(t *testing.T) {
	rdb := liveRedis(t)
	ctx := context.Background()
	customer := "cus_fill_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { rdb.Del(ctx, key("co_1", customer)) })

	inner := &countingStore{MemoryStore: churn.NewMemoryStore()}
	require.NoError(t, inner.MemoryStore.Upsert(ctx, testScore(customer, time.Now())))
	c := NewScoreCache(inner, rdb, discardLogger())

	_, err := c.Latest(ctx, "co_1", customer)
	require.NoError(t, err)
	_, err = c.Latest(ctx, "co_1", customer)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.latestCalls)
}

func TestScoreCache_LiveSkipsExpiredScores(t *testing.T) {
	rdb := liveRedis(t)
	ctx := context.Background()
	customer := "cus_stale_" + time.Now().Format("150405.000000")

	c := NewScoreCache(churn.NewMemoryStore(), rdb, discardLogger())
	require.NoError(t, c.Upsert(ctx, testScore(customer, time.Now().Add(-48*time.Hour))))

	n, err := rdb.Exists(ctx, key("co_1", customer)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
