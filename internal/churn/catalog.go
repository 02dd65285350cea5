package churn

import (
	"fmt"
	"sort"
)

// SignalWeight is the tunable policy for one signal type.
type SignalWeight struct {
	Type           SignalType `json:"type"`
	BaseWeight     float64    `json:"baseWeight"`
	DecayDays      int        `json:"decayDays"`
	Additive       bool       `json:"additive"`
	MaxOccurrences int        `json:"maxOccurrences"`
	Category       string     `json:"category"`
}

// Catalog is a versioned set of signal weights.
type Catalog struct {
	Version string                      `json:"version"`
	Weights map[SignalType]SignalWeight `json:"weights"`
}

// CatalogProvider supplies the catalog in effect for a scoring run.
type CatalogProvider interface {
	Current() *Catalog
}

type staticCatalog struct{ c *Catalog }

func (s staticCatalog) Current() *Catalog { return s.c }

// StaticCatalog returns a provider that always yields c.
func StaticCatalog(c *Catalog) CatalogProvider {
	return staticCatalog{c: c}
}

// requiredSignals are the types the built-in rules emit; every catalog must weigh them.
var requiredSignals = []SignalType{
	SignalTimeSincePurchase,
	SignalFeatureUsageDecline,
	SignalNewSubscriberRisk,
	SignalOrderFrequency,
	SignalNPSDrop,
}

// DefaultCatalog returns the built-in weights.
func DefaultCatalog() *Catalog {
	entries := []SignalWeight{
		{Type: SignalTimeSincePurchase, BaseWeight: 0.25, DecayDays: 30, MaxOccurrences: 1, Category: "engagement"},
		{Type: SignalFeatureUsageDecline, BaseWeight: 0.20, DecayDays: 30, MaxOccurrences: 1, Category: "engagement"},
		{Type: SignalNewSubscriberRisk, BaseWeight: 0.40, DecayDays: 90, MaxOccurrences: 1, Category: "lifecycle"},
		{Type: SignalOrderFrequency, BaseWeight: 0.30, DecayDays: 30, MaxOccurrences: 1, Category: "engagement"},
		{Type: SignalNPSDrop, BaseWeight: 0.30, DecayDays: 90, MaxOccurrences: 1, Category: "sentiment"},
		{Type: SignalPaymentFailed, BaseWeight: 0.35, DecayDays: 30, Additive: true, MaxOccurrences: 3, Category: "payment"},
		{Type: SignalSupportAngry, BaseWeight: 0.30, DecayDays: 14, Additive: true, MaxOccurrences: 2, Category: "support"},
		{Type: SignalSupportVolume, BaseWeight: 0.15, DecayDays: 30, MaxOccurrences: 1, Category: "support"},
		{Type: SignalCancelPageVisit, BaseWeight: 0.45, DecayDays: 7, Additive: true, MaxOccurrences: 2, Category: "intent"},
	}
	c := &Catalog{Version: "builtin-1", Weights: make(map[SignalType]SignalWeight, len(entries))}
	for _, e := range entries {
		c.Weights[e.Type] = e
	}
	return c
}

// Lookup returns the policy for t.
func (c *Catalog) Lookup(t SignalType) (SignalWeight, bool) {
	if c == nil {
		return SignalWeight{}, false
	}
	w, ok := c.Weights[t]
	return w, ok
}

// Types returns the catalog's signal types in lexical order.
func (c *Catalog) Types() []SignalType {
	out := make([]SignalType, 0, len(c.Weights))
	for t := range c.Weights {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks every entry is well formed and the built-in rule types are present.
func (c *Catalog) Validate() error {
	if c == nil {
		return fmt.Errorf("catalog is nil")
	}
	if c.Version == "" {
		return fmt.Errorf("catalog version is required")
	}
	for t, w := range c.Weights {
		if !t.Valid() {
			return fmt.Errorf("catalog: unknown signal type %q", t)
		}
		if w.Type != t {
			return fmt.Errorf("catalog: entry %q has mismatched type %q", t, w.Type)
		}
		if w.BaseWeight < 0 || w.BaseWeight > 1 {
			return fmt.Errorf("catalog: %s base weight %v outside [0,1]", t, w.BaseWeight)
		}
		if w.DecayDays <= 0 {
			return fmt.Errorf("catalog: %s decay days must be positive", t)
		}
		if w.MaxOccurrences < 1 {
			return fmt.Errorf("catalog: %s max occurrences must be at least 1", t)
		}
	}
	for _, t := range requiredSignals {
		if _, ok := c.Weights[t]; !ok {
			return fmt.Errorf("catalog: missing weight for %s", t)
		}
	}
	return nil
}
