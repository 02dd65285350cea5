package churn

import (
	"math"
	"sort"
)

const (
	thresholdCritical = 80.0
	thresholdHigh     = 60.0
	thresholdMedium   = 40.0

	maxPrimaryFactors = 3
)

// ClassifyRisk buckets an unrounded score. Lower bounds are inclusive.
func ClassifyRisk(score float64) RiskLevel {
	switch {
	case score >= thresholdCritical:
		return RiskCritical
	case score >= thresholdHigh:
		return RiskHigh
	case score >= thresholdMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// UrgencyFor maps a risk level to an intervention deadline.
func UrgencyFor(level RiskLevel) Urgency {
	switch level {
	case RiskCritical:
		return UrgencyImmediate
	case RiskHigh:
		return UrgencyWithin24h
	case RiskMedium:
		return UrgencyWithin7d
	default:
		return UrgencyMonitoring
	}
}

// RecommendAction picks an intervention. Specific evidence in the signal
// set wins over the risk level: payment failure, then an angry support
// contact, then a cancellation-page visit.
func RecommendAction(signals []Signal, level RiskLevel) Action {
	present := make(map[SignalType]bool, len(signals))
	for _, s := range signals {
		present[s.Type] = true
	}

	switch {
	case present[SignalPaymentFailed]:
		return ActionPaymentRecovery
	case present[SignalSupportAngry]:
		return ActionServiceRecovery
	case present[SignalCancelPageVisit]:
		return ActionSaveFlow
	}

	switch level {
	case RiskCritical, RiskHigh:
		return ActionProactiveOutreach
	case RiskMedium:
		return ActionUpsell
	default:
		return ActionWinback
	}
}

// PrimaryFactors returns up to three distinct signal types, heaviest first.
// Equal weights keep detection order.
func PrimaryFactors(signals []Signal) []SignalType {
	sorted := make([]Signal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Weight > sorted[j].Weight
	})

	out := make([]SignalType, 0, maxPrimaryFactors)
	seen := make(map[SignalType]bool)
	for _, s := range sorted {
		if len(out) == maxPrimaryFactors {
			break
		}
		if seen[s.Type] {
			continue
		}
		seen[s.Type] = true
		out = append(out, s.Type)
	}
	return out
}

// IntegerScore truncates so the stored score never lands in a higher band
// than the one it was classified into (79.9 is stored as 79, not 80).
func IntegerScore(score float64) int {
	return int(math.Floor(clamp(score, 0, 100)))
}
