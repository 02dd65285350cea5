package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/churnrisk/internal/churn"
	"github.com/mbd888/churnrisk/internal/circuitbreaker"
)

type staticResolver map[string]string

func (r staticResolver) StripeCustomerID(ctx context.Context, companyID, customerID string) (string, error) {
	id, ok := r[customerID]
	if !ok {
		return "", churn.ErrCustomerNotFound
	}
	return id, nil
}

func testBackends(srv *httptest.Server) *stripe.Backends {
	b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return &stripe.Backends{API: b, Connect: b, Uploads: b}
}

const chargesPage = `{
  "object": "list",
  "url": "/v1/charges",
  "has_more": false,
  "data": [
    {"id": "ch_1", "object": "charge", "status": "failed"},
    {"id": "ch_2", "object": "charge", "status": "succeeded"},
    {"id": "ch_3", "object": "charge", "status": "failed"},
    {"id": "ch_4", "object": "charge", "status": "pending"}
  ]
}`

func TestStripeHistory_CountsFailedCharges(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		gotQuery.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chargesPage))
	}))
	defer srv.Close()

	h := NewStripeHistory("sk_test_123", testBackends(srv), staticResolver{"cus_1": "cus_stripe_1"})
	since := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	n, err := h.CountFailedTransactions(context.Background(), "co_1", "cus_1", since)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	q := gotQuery.Load().(url.Values)
	assert.Equal(t, []string{"cus_stripe_1"}, q["customer"])
	assert.Equal(t, []string{"1714608000"}, q["created[gte]"])
}

func TestStripeHistory_NoStripeCustomer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	h := NewStripeHistory("sk_test_123", testBackends(srv), staticResolver{"cus_1": ""})
	n, err := h.CountFailedTransactions(context.Background(), "co_1", "cus_1", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, calls.Load())

	_, err = h.CountFailedTransactions(context.Background(), "co_1", "ghost", time.Now())
	assert.ErrorIs(t, err, churn.ErrCustomerNotFound)
}

func TestStripeHistory_BreakerOpensOnOutage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"type": "api_error", "message": "boom"}}`))
	}))
	defer srv.Close()

	h := NewStripeHistory("sk_test_123", testBackends(srv), staticResolver{"cus_1": "cus_stripe_1"}).
		WithBreaker(circuitbreaker.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := h.CountFailedTransactions(context.Background(), "co_1", "cus_1", time.Now())
		require.Error(t, err)
		assert.False(t, errors.Is(err, circuitbreaker.ErrOpen))
	}

	_, err := h.CountFailedTransactions(context.Background(), "co_1", "cus_1", time.Now())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCountsAsOutage(t *testing.T) {
	assert.False(t, countsAsOutage(context.Canceled))
	assert.False(t, countsAsOutage(churn.ErrCustomerNotFound))
	assert.False(t, countsAsOutage(&stripe.Error{HTTPStatusCode: http.StatusNotFound}))
	assert.True(t, countsAsOutage(&stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}))
	assert.True(t, countsAsOutage(&stripe.Error{HTTPStatusCode: http.StatusBadGateway}))
	assert.True(t, countsAsOutage(errors.New("dial tcp: connection refused")))
}
