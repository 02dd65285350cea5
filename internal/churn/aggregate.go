package churn

import (
	"sort"
	"time"
)

// Composite blend. Fixed policy; not renormalized when inputs are missing.
const (
	weightSignals    = 0.35
	weightTenure     = 0.20
	weightEngagement = 0.30
	weightPayment    = 0.15

	recencyHorizon = 168 * time.Hour
	recencyFloor   = 0.5

	// PaymentLookback is the trailing window for failed-transaction counts.
	PaymentLookback = 30 * 24 * time.Hour
)

// Breakdown exposes every intermediate of a score for explainability.
type Breakdown struct {
	BaseScore         float64  `json:"baseScore"`
	RecencyModifier   float64  `json:"recencyModifier"`
	TenureRisk        float64  `json:"tenureRisk"`
	EngagementTrend   float64  `json:"engagementTrend"`
	PaymentHealthRisk float64  `json:"paymentHealthRisk"`
	Score             float64  `json:"score"`
	Signals           []Signal `json:"-"`
}

// Aggregate blends signals and profile modifiers into a score in [0,100].
// The signal component is BaseScore/100 so that every term of the blend is
// on the same 0-1 scale before the final *100.
func Aggregate(p *BehaviorProfile, signals []Signal, failedPayments int, cat *Catalog, now time.Time) Breakdown {
	effective := EffectiveSignals(signals, cat, now)

	b := Breakdown{
		BaseScore:         BaseScore(effective),
		RecencyModifier:   RecencyModifier(effective, now),
		TenureRisk:        TenureRisk(p.SubscriptionTenureDays),
		EngagementTrend:   EngagementTrend(p.EngagementScore),
		PaymentHealthRisk: PaymentHealthRisk(failedPayments),
		Signals:           effective,
	}

	composite := (b.BaseScore/100)*b.RecencyModifier*weightSignals +
		b.TenureRisk*weightTenure +
		b.EngagementTrend*weightEngagement +
		b.PaymentHealthRisk*weightPayment
	b.Score = clamp(composite*100, 0, 100)
	return b
}

// BaseScore sums weight*100 over signals. Unbounded.
func BaseScore(signals []Signal) float64 {
	var total float64
	for _, s := range signals {
		total += s.Weight * 100
	}
	return total
}

// RecencyModifier is the weight-averaged per-signal recency factor, which
// decays linearly from 1 to 0.5 over seven days. 1 when there is nothing to weigh.
func RecencyModifier(signals []Signal, now time.Time) float64 {
	var weighted, totalWeight float64
	for _, s := range signals {
		age := now.Sub(s.DetectedAt)
		if age < 0 {
			age = 0
		}
		factor := 1 - float64(age)/float64(recencyHorizon)
		if factor < recencyFloor {
			factor = recencyFloor
		}
		weighted += s.Weight * factor
		totalWeight += s.Weight
	}
	if totalWeight == 0 {
		return 1
	}
	return clamp(weighted/totalWeight, recencyFloor, 1)
}

// TenureRisk is non-increasing in tenure. No active subscription counts as day zero.
func TenureRisk(tenureDays *int) float64 {
	days := 0
	if tenureDays != nil {
		days = *tenureDays
	}
	switch {
	case days < 30:
		return 0.8
	case days < 90:
		return 0.5
	case days < 180:
		return 0.3
	case days < 365:
		return 0.2
	default:
		return 0.1
	}
}

// EngagementTrend is the inverse of engagement on a 0-1 scale.
func EngagementTrend(engagement float64) float64 {
	return 1 - clamp(engagement, 0, 100)/100
}

// PaymentHealthRisk maps failed transactions in the lookback window to risk.
func PaymentHealthRisk(failed int) float64 {
	switch {
	case failed >= 3:
		return 0.9
	case failed == 2:
		return 0.7
	case failed == 1:
		return 0.4
	default:
		return 0.1
	}
}

// EffectiveSignals applies catalog policy: signals older than their decay
// window are dropped, single-occurrence types keep only their heaviest
// signal, and additive types keep at most MaxOccurrences. Types without a
// catalog entry pass through. Detection order is preserved.
func EffectiveSignals(signals []Signal, cat *Catalog, now time.Time) []Signal {
	byType := make(map[SignalType][]int)
	for i, s := range signals {
		byType[s.Type] = append(byType[s.Type], i)
	}

	keep := make([]bool, len(signals))
	for t, idx := range byType {
		policy, ok := cat.Lookup(t)
		if !ok {
			for _, i := range idx {
				keep[i] = true
			}
			continue
		}

		var live []int
		window := time.Duration(policy.DecayDays) * 24 * time.Hour
		for _, i := range idx {
			if now.Sub(signals[i].DetectedAt) <= window {
				live = append(live, i)
			}
		}
		sort.SliceStable(live, func(a, b int) bool {
			return signals[live[a]].Weight > signals[live[b]].Weight
		})

		limit := 1
		if policy.Additive {
			limit = policy.MaxOccurrences
		}
		if len(live) > limit {
			live = live[:limit]
		}
		for _, i := range live {
			keep[i] = true
		}
	}

	out := make([]Signal, 0, len(signals))
	for i, s := range signals {
		if keep[i] {
			out = append(out, s)
		}
	}
	return out
}
