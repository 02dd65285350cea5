package churn

import (
	"fmt"
	"time"
)

const (
	purchaseGap         = 60 * 24 * time.Hour
	engagementThreshold = 30.0
	newSubscriberDays   = 90
	frequencyMinOrders  = 3
	npsThreshold        = 7.0
)

// Rule inspects a profile and emits zero or more signals. Rules take their
// weights from the catalog and must not emit types the catalog lacks.
type Rule interface {
	Name() string
	Evaluate(p *BehaviorProfile, cat *Catalog, now time.Time) []Signal
}

// RuleFunc adapts a function into a Rule.
type RuleFunc struct {
	ID string
	Fn func(p *BehaviorProfile, cat *Catalog, now time.Time) []Signal
}

func (r RuleFunc) Name() string { return r.ID }

func (r RuleFunc) Evaluate(p *BehaviorProfile, cat *Catalog, now time.Time) []Signal {
	return r.Fn(p, cat, now)
}

// Detector runs every rule independently against a profile.
type Detector struct {
	rules []Rule
}

// NewDetector builds a detector from the default rules plus any extras.
func NewDetector(extra ...Rule) *Detector {
	rules := append(DefaultRules(), extra...)
	return &Detector{rules: rules}
}

// Detect evaluates all rules. A rule firing never prevents another from
// being evaluated. Output order follows rule order. Numeric metadata is
// normalized to float64 so signals read back from JSON storage compare equal.
func (d *Detector) Detect(p *BehaviorProfile, cat *Catalog, now time.Time) []Signal {
	var out []Signal
	for _, r := range d.rules {
		for _, sig := range r.Evaluate(p, cat, now) {
			sig.Metadata = normalizeMetadata(sig.Metadata)
			out = append(out, sig)
		}
	}
	return out
}

func normalizeMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int32:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case float32:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		RuleFunc{ID: string(SignalTimeSincePurchase), Fn: timeSincePurchase},
		RuleFunc{ID: string(SignalFeatureUsageDecline), Fn: featureUsageDecline},
		RuleFunc{ID: string(SignalNewSubscriberRisk), Fn: newSubscriberRisk},
		RuleFunc{ID: string(SignalOrderFrequency), Fn: orderFrequency},
		RuleFunc{ID: string(SignalNPSDrop), Fn: npsDrop},
	}
}

func emit(t SignalType, weight float64, desc string, now time.Time, meta map[string]any) []Signal {
	return []Signal{{
		Type:        t,
		Weight:      clamp(weight, 0, 1),
		Description: desc,
		DetectedAt:  now,
		Metadata:    meta,
	}}
}

func timeSincePurchase(p *BehaviorProfile, cat *Catalog, now time.Time) []Signal {
	w, ok := cat.Lookup(SignalTimeSincePurchase)
	if !ok || p.LastOrderAt == nil || now.Sub(*p.LastOrderAt) <= purchaseGap {
		return nil
	}
	days := daysBetween(*p.LastOrderAt, now)
	return emit(SignalTimeSincePurchase, w.BaseWeight,
		fmt.Sprintf("No purchase in %d days", days), now,
		map[string]any{"daysSinceOrder": float64(days)})
}

func featureUsageDecline(p *BehaviorProfile, cat *Catalog, now time.Time) []Signal {
	w, ok := cat.Lookup(SignalFeatureUsageDecline)
	if !ok || p.EngagementScore >= engagementThreshold {
		return nil
	}
	return emit(SignalFeatureUsageDecline, w.BaseWeight,
		fmt.Sprintf("Engagement score %.0f is below %.0f", p.EngagementScore, engagementThreshold), now,
		map[string]any{"engagementScore": p.EngagementScore})
}

func newSubscriberRisk(p *BehaviorProfile, cat *Catalog, now time.Time) []Signal {
	w, ok := cat.Lookup(SignalNewSubscriberRisk)
	if !ok || p.SubscriptionTenureDays == nil || *p.SubscriptionTenureDays >= newSubscriberDays {
		return nil
	}
	return emit(SignalNewSubscriberRisk, w.BaseWeight,
		fmt.Sprintf("Subscribed %d days ago; new subscribers churn more often", *p.SubscriptionTenureDays), now,
		map[string]any{"tenureDays": float64(*p.SubscriptionTenureDays)})
}

// orderFrequency is a marker only: it records that the customer has enough
// orders for frequency analysis but does not inspect the order cadence.
// A real trend detector replaces this rule without touching the aggregator.
func orderFrequency(p *BehaviorProfile, cat *Catalog, now time.Time) []Signal {
	w, ok := cat.Lookup(SignalOrderFrequency)
	if !ok || p.TotalOrders <= frequencyMinOrders {
		return nil
	}
	return emit(SignalOrderFrequency, w.BaseWeight,
		fmt.Sprintf("Order frequency analysed over %d orders", p.TotalOrders), now,
		map[string]any{"totalOrders": float64(p.TotalOrders)})
}

func npsDrop(p *BehaviorProfile, cat *Catalog, now time.Time) []Signal {
	w, ok := cat.Lookup(SignalNPSDrop)
	if !ok || p.NPSScore == nil || *p.NPSScore >= npsThreshold {
		return nil
	}
	nps := *p.NPSScore
	return emit(SignalNPSDrop, w.BaseWeight*(1+(npsThreshold-nps)/10),
		fmt.Sprintf("NPS score %.1f is below %.0f", nps, npsThreshold), now,
		map[string]any{"npsScore": nps})
}
