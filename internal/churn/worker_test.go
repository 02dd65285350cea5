package churn

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedExpired(t *testing.T, store Store, companyID, customerID string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), &Score{
		CompanyID: companyID, CustomerID: customerID, Score: 20,
		RiskLevel: RiskLow, Urgency: UrgencyMonitoring,
		CalculatedAt: expiresAt.Add(-ScoreTTL), ExpiresAt: expiresAt,
	}))
}

func TestWorker_RunOnceRescoresExpired(t *testing.T) {
	src := NewMemorySource()
	src.PutCustomer(customerFixture("co_1", "a", []int{3}, 200))
	src.PutCustomer(customerFixture("co_2", "b", []int{3}, 200))
	src.PutCustomer(customerFixture("co_1", "fresh", []int{3}, 200))
	store := NewMemoryStore()
	seedExpired(t, store, "co_1", "a", testNow.Add(-time.Hour))
	seedExpired(t, store, "co_2", "b", testNow.Add(-2*time.Hour))
	seedExpired(t, store, "co_1", "fresh", testNow.Add(time.Hour))

	svc := newTestService(src, store)
	w := NewWorker(svc, store, "@every 1h", 100, slog.New(slog.DiscardHandler))

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, pair := range [][2]string{{"co_1", "a"}, {"co_2", "b"}} {
		s, err := store.Latest(context.Background(), pair[0], pair[1])
		require.NoError(t, err)
		assert.Equal(t, testNow, s.CalculatedAt)
		assert.Equal(t, testNow.Add(ScoreTTL), s.ExpiresAt)
	}

	fresh, err := store.Latest(context.Background(), "co_1", "fresh")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour), fresh.ExpiresAt)

	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorker_RunOnceRespectsLimitAndSkipsMissingCustomers(t *testing.T) {
	src := NewMemorySource()
	src.PutCustomer(customerFixture("co_1", "a", []int{3}, 200))
	store := NewMemoryStore()
	seedExpired(t, store, "co_1", "a", testNow.Add(-time.Hour))
	seedExpired(t, store, "co_1", "gone", testNow.Add(-3*time.Hour))
	seedExpired(t, store, "co_1", "later", testNow.Add(-30*time.Minute))

	svc := newTestService(src, store)
	w := NewWorker(svc, store, "@every 1h", 2, slog.New(slog.DiscardHandler))

	// The two oldest rows are picked: "gone" fails, "a" succeeds.
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	later, err := store.Latest(context.Background(), "co_1", "later")
	require.NoError(t, err)
	assert.True(t, later.Expired(testNow))

	gone, err := store.Latest(context.Background(), "co_1", "gone")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(ScoreTTL), gone.ExpiresAt)
	assert.Equal(t, 20, gone.Score)
}

func TestWorker_MissingCustomersDoNotStarveLiveOnes(t *testing.T) {
	src := NewMemorySource()
	src.PutCustomer(customerFixture("co_1", "live_1", []int{3}, 200))
	src.PutCustomer(customerFixture("co_1", "live_2", []int{3}, 200))
	store := NewMemoryStore()
	seedExpired(t, store, "co_1", "gone_1", testNow.Add(-5*time.Hour))
	seedExpired(t, store, "co_1", "gone_2", testNow.Add(-4*time.Hour))
	seedExpired(t, store, "co_1", "live_1", testNow.Add(-2*time.Hour))
	seedExpired(t, store, "co_1", "live_2", testNow.Add(-time.Hour))

	svc := newTestService(src, store)
	w := NewWorker(svc, store, "@every 1h", 2, slog.New(slog.DiscardHandler))

	// First run only sees the two missing customers.
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"live_1", "live_2"} {
		s, err := store.Latest(context.Background(), "co_1", id)
		require.NoError(t, err)
		assert.Equal(t, testNow, s.CalculatedAt, id)
	}

	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorker_StartRejectsBadSchedule(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(NewMemorySource(), store)
	w := NewWorker(svc, store, "every now and then", 10, slog.New(slog.DiscardHandler))

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every now and then")
}

func TestWorker_StartAndStop(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(NewMemorySource(), store)
	w := NewWorker(svc, store, "@every 1h", 10, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()
	w.Stop()
}
