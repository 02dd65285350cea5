package churn

import (
	"context"
	"sync"
	"time"
)

var (
	_ CustomerSource = (*MemorySource)(nil)
	_ PaymentHistory = (*MemorySource)(nil)
)

// MemorySource is an in-memory customer source for development and tests.
type MemorySource struct {
	mu        sync.RWMutex
	customers map[pairKey]*Customer
	failures  map[pairKey][]time.Time
}

// NewMemorySource creates an empty in-memory customer source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		customers: make(map[pairKey]*Customer),
		failures:  make(map[pairKey][]time.Time),
	}
}

// PutCustomer stores or replaces a customer snapshot.
func (m *MemorySource) PutCustomer(c *Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Orders = append([]Order(nil), c.Orders...)
	cp.ActiveSubscriptions = append([]Subscription(nil), c.ActiveSubscriptions...)
	m.customers[pairKey{c.CompanyID, c.ID}] = &cp
}

// RecordFailedTransaction records a failed payment attempt at the given time.
func (m *MemorySource) RecordFailedTransaction(companyID, customerID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{companyID, customerID}
	m.failures[key] = append(m.failures[key], at)
}

func (m *MemorySource) GetCustomer(ctx context.Context, companyID, customerID string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[pairKey{companyID, customerID}]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	cp.Orders = append([]Order(nil), c.Orders...)
	cp.ActiveSubscriptions = append([]Subscription(nil), c.ActiveSubscriptions...)
	return &cp, nil
}

func (m *MemorySource) CountFailedTransactions(ctx context.Context, companyID, customerID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, at := range m.failures[pairKey{companyID, customerID}] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}
