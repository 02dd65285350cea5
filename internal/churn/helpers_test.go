package churn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time {
	return testNow.Add(-time.Duration(n) * 24 * time.Hour)
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

// customerFixture builds a customer with orders placed at the given ages
// (in days) and, when tenureDays >= 0, one active subscription.
func customerFixture(companyID, customerID string, orderAges []int, tenureDays int) *Customer {
	c := &Customer{ID: customerID, CompanyID: companyID, CreatedAt: daysAgo(720)}
	for i, age := range orderAges {
		c.Orders = append(c.Orders, Order{
			ID:        customerID + "-ord-" + string(rune('a'+i)),
			Total:     decimal.NewFromInt(40),
			Status:    "COMPLETED",
			CreatedAt: daysAgo(age),
		})
	}
	if tenureDays >= 0 {
		c.ActiveSubscriptions = []Subscription{{
			ID:                 customerID + "-sub",
			Status:             SubscriptionStatusActive,
			CurrentPeriodStart: daysAgo(tenureDays),
			CurrentPeriodEnd:   daysAgo(tenureDays - 30),
		}}
	}
	return c
}

func newTestService(src *MemorySource, store Store) *Service {
	return NewService(src, src, store, StaticCatalog(DefaultCatalog()), nil).
		WithClock(func() time.Time { return testNow })
}

// evaluate runs the pure stages of the pipeline against a profile.
func evaluate(p *BehaviorProfile, failed int) (Breakdown, RiskLevel) {
	cat := DefaultCatalog()
	signals := NewDetector().Detect(p, cat, testNow)
	b := Aggregate(p, signals, failed, cat, testNow)
	return b, ClassifyRisk(b.Score)
}

func signalTypesOf(signals []Signal) []SignalType {
	out := make([]SignalType, len(signals))
	for i, s := range signals {
		out[i] = s.Type
	}
	return out
}

var errConnReset = errors.New("connection reset by peer")

// flakySource wraps a MemorySource and injects failures per customer.
type flakySource struct {
	*MemorySource
	customerErr map[string]error
	paymentErr  map[string]error
	delay       time.Duration
	onCall      func(customerID string)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	mu          sync.Mutex
	calls       []string
}

func newFlakySource() *flakySource {
	return &flakySource{
		MemorySource: NewMemorySource(),
		customerErr:  make(map[string]error),
		paymentErr:   make(map[string]error),
	}
}

func (f *flakySource) GetCustomer(ctx context.Context, companyID, customerID string) (*Customer, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if n <= prev || f.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, customerID)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(customerID)
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.customerErr[customerID]; ok {
		return nil, err
	}
	return f.MemorySource.GetCustomer(ctx, companyID, customerID)
}

func (f *flakySource) CountFailedTransactions(ctx context.Context, companyID, customerID string, since time.Time) (int, error) {
	if err, ok := f.paymentErr[customerID]; ok {
		return 0, err
	}
	return f.MemorySource.CountFailedTransactions(ctx, companyID, customerID, since)
}

// failingStore fails every write.
type failingStore struct {
	*MemoryStore
}

func (failingStore) Upsert(ctx context.Context, s *Score) error {
	return errConnReset
}

// corruptStore returns a read error for every stored score, the way
// PostgresStore does for a row with an unknown enum.
type corruptStore struct {
	*MemoryStore
}

func (corruptStore) Latest(ctx context.Context, companyID, customerID string) (*Score, error) {
	_, err := ParseAction("REFUND")
	return nil, corrupt("ci_"+customerID, err)
}
