package churn

import "math"

const (
	confidenceBase  = 0.5
	confidenceBonus = 0.1
)

// EstimateConfidence rates how much evidence backs a score, in [0,1].
// Each check adds independently.
func EstimateConfidence(p *BehaviorProfile, signalCount int) float64 {
	c := confidenceBase
	if p.TotalOrders > 5 {
		c += confidenceBonus
	}
	if p.TotalOrders > 10 {
		c += confidenceBonus
	}
	if p.SubscriptionTenureDays != nil && *p.SubscriptionTenureDays > 60 {
		c += confidenceBonus
	}
	if signalCount > 2 {
		c += confidenceBonus
	}
	if p.NPSScore != nil {
		c += confidenceBonus
	}
	return math.Round(clamp(c, 0, 1)*100) / 100
}
