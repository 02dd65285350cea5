package churn

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory score store for development and tests.
type MemoryStore struct {
	scores map[pairKey]*Score
	mu     sync.RWMutex
}

type pairKey struct{ company, customer string }

// NewMemoryStore creates a new in-memory score store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[pairKey]*Score)}
}

func (m *MemoryStore) Upsert(ctx context.Context, s *Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{s.CompanyID, s.CustomerID}
	now := time.Now()
	if existing, ok := m.scores[key]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	} else {
		s.ID = uuid.NewString()
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.scores[key] = copyScore(s)
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context, companyID, customerID string) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scores[pairKey{companyID, customerID}]
	if !ok {
		return nil, nil
	}
	return copyScore(s), nil
}

func (m *MemoryStore) ListHighRisk(ctx context.Context, q HighRiskQuery) ([]*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Score
	for _, s := range m.scores {
		if s.CompanyID != q.CompanyID {
			continue
		}
		if len(q.RiskLevels) > 0 && !slices.Contains(q.RiskLevels, s.RiskLevel) {
			continue
		}
		if q.Urgency != "" && s.Urgency != q.Urgency {
			continue
		}
		out = append(out, copyScore(s))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].CalculatedAt.Equal(out[j].CalculatedAt) {
			return out[i].CalculatedAt.After(out[j].CalculatedAt)
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Score
	for _, s := range m.scores {
		if !s.ExpiresAt.After(before) {
			out = append(out, copyScore(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored rows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scores)
}

func copyScore(s *Score) *Score {
	cp := *s
	cp.PrimaryFactors = slices.Clone(s.PrimaryFactors)
	if s.Signals == nil {
		return &cp
	}
	cp.Signals = make([]Signal, len(s.Signals))
	for i, sig := range s.Signals {
		cp.Signals[i] = sig
		if sig.Metadata != nil {
			cp.Signals[i].Metadata = make(map[string]any, len(sig.Metadata))
			for k, v := range sig.Metadata {
				cp.Signals[i].Metadata[k] = v
			}
		}
	}
	return &cp
}
