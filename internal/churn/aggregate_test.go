package churn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_PinnedCoefficients(t *testing.T) {
	assert.Equal(t, 0.35, weightSignals)
	assert.Equal(t, 0.20, weightTenure)
	assert.Equal(t, 0.30, weightEngagement)
	assert.Equal(t, 0.15, weightPayment)
	assert.InDelta(t, 1.0, weightSignals+weightTenure+weightEngagement+weightPayment, 1e-12)
}

func TestAggregate_ScenarioA(t *testing.T) {
	p := &BehaviorProfile{
		TotalOrders:            2,
		LastOrderAt:            timePtr(daysAgo(90)),
		EngagementScore:        20,
		SubscriptionTenureDays: intPtr(45),
	}

	b, level := evaluate(p, 2)

	assert.InDelta(t, 85.0, b.BaseScore, 1e-9)
	assert.Equal(t, 1.0, b.RecencyModifier)
	assert.Equal(t, 0.5, b.TenureRisk)
	assert.InDelta(t, 0.8, b.EngagementTrend, 1e-9)
	assert.Equal(t, 0.7, b.PaymentHealthRisk)

	want := ((85.0/100)*1.0*0.35 + 0.5*0.2 + 0.8*0.3 + 0.7*0.15) * 100
	assert.InDelta(t, want, b.Score, 1e-9)
	assert.GreaterOrEqual(t, b.Score, 40.0)
	assert.Contains(t, []RiskLevel{RiskMedium, RiskHigh}, level)
}

func TestAggregate_ScenarioB(t *testing.T) {
	p := &BehaviorProfile{
		TotalOrders:            2,
		LastOrderAt:            timePtr(daysAgo(1)),
		EngagementScore:        95,
		SubscriptionTenureDays: intPtr(400),
	}

	b, level := evaluate(p, 0)

	assert.Empty(t, b.Signals)
	assert.Equal(t, 1.0, b.RecencyModifier)
	assert.Equal(t, RiskLow, level)
	assert.Equal(t, UrgencyMonitoring, UrgencyFor(level))
	assert.Equal(t, ActionWinback, RecommendAction(b.Signals, level))
}

func TestAggregate_Deterministic(t *testing.T) {
	p := &BehaviorProfile{
		TotalOrders:            7,
		LastOrderAt:            timePtr(daysAgo(75)),
		EngagementScore:        12,
		SubscriptionTenureDays: intPtr(20),
		NPSScore:               floatPtr(3),
	}
	first, _ := evaluate(p, 1)
	for i := 0; i < 20; i++ {
		again, _ := evaluate(p, 1)
		assert.Equal(t, first.Score, again.Score)
		assert.Equal(t, first.Signals, again.Signals)
	}
}

func TestAggregate_ClampsToHundred(t *testing.T) {
	p := &BehaviorProfile{
		TotalOrders:            20,
		LastOrderAt:            timePtr(daysAgo(200)),
		SubscriptionTenureDays: intPtr(3),
		NPSScore:               floatPtr(0),
	}
	b, level := evaluate(p, 5)
	assert.Equal(t, 100.0, b.Score)
	assert.Equal(t, RiskCritical, level)
}

func TestAggregate_Bounds(t *testing.T) {
	for _, days := range []int{0, 10, 59, 61, 120, 400} {
		for _, tenure := range []int{0, 29, 89, 179, 364, 1000} {
			for _, failed := range []int{0, 1, 2, 3, 10} {
				p := BuildProfile(customerFixture("co", "cus", []int{days, days + 1, days + 2, days + 3, days + 4}, tenure), testNow)
				b, _ := evaluate(p, failed)

				assert.GreaterOrEqual(t, b.Score, 0.0)
				assert.LessOrEqual(t, b.Score, 100.0)
				assert.GreaterOrEqual(t, b.RecencyModifier, 0.5)
				assert.LessOrEqual(t, b.RecencyModifier, 1.0)
				assert.GreaterOrEqual(t, b.TenureRisk, 0.1)
				assert.LessOrEqual(t, b.TenureRisk, 0.8)
				assert.GreaterOrEqual(t, b.PaymentHealthRisk, 0.1)
				assert.LessOrEqual(t, b.PaymentHealthRisk, 0.9)
			}
		}
	}
}

func TestAggregate_EngagementMonotonic(t *testing.T) {
	prev := -1.0
	for eng := 100.0; eng >= 0; eng -= 2.5 {
		p := &BehaviorProfile{
			TotalOrders:            2,
			LastOrderAt:            timePtr(daysAgo(5)),
			EngagementScore:        eng,
			SubscriptionTenureDays: intPtr(200),
		}
		b, _ := evaluate(p, 0)
		assert.GreaterOrEqual(t, b.Score, prev, "engagement %.1f", eng)
		prev = b.Score
	}
}

func TestAggregate_PurchaseGapContributionMonotonic(t *testing.T) {
	contribution := func(days int) float64 {
		p := &BehaviorProfile{LastOrderAt: timePtr(daysAgo(days)), EngagementScore: 100}
		var total float64
		for _, s := range timeSincePurchase(p, DefaultCatalog(), testNow) {
			total += s.Weight
		}
		return total
	}
	prev := 0.0
	for days := 0; days <= 365; days += 5 {
		c := contribution(days)
		assert.GreaterOrEqual(t, c, prev, "days %d", days)
		prev = c
	}
}

func TestRecencyModifier(t *testing.T) {
	assert.Equal(t, 1.0, RecencyModifier(nil, testNow))
	assert.Equal(t, 1.0, RecencyModifier([]Signal{{Weight: 0}}, testNow), "zero total weight")

	fresh := Signal{Weight: 0.4, DetectedAt: testNow}
	halfWeek := Signal{Weight: 0.4, DetectedAt: testNow.Add(-84 * time.Hour)}
	old := Signal{Weight: 0.2, DetectedAt: testNow.Add(-30 * 24 * time.Hour)}

	assert.Equal(t, 1.0, RecencyModifier([]Signal{fresh}, testNow))
	assert.InDelta(t, 0.5, RecencyModifier([]Signal{old}, testNow), 1e-9)
	assert.InDelta(t, (0.4*1+0.4*0.5)/0.8, RecencyModifier([]Signal{fresh, halfWeek}, testNow), 1e-9)
	assert.InDelta(t, (0.4*1+0.2*0.5)/0.6, RecencyModifier([]Signal{fresh, old}, testNow), 1e-9)
}

func TestTenureRisk(t *testing.T) {
	tests := []struct {
		days *int
		want float64
	}{
		{nil, 0.8},
		{intPtr(0), 0.8},
		{intPtr(29), 0.8},
		{intPtr(30), 0.5},
		{intPtr(89), 0.5},
		{intPtr(90), 0.3},
		{intPtr(179), 0.3},
		{intPtr(180), 0.2},
		{intPtr(364), 0.2},
		{intPtr(365), 0.1},
		{intPtr(5000), 0.1},
	}
	prev := 1.0
	for _, tt := range tests {
		got := TenureRisk(tt.days)
		assert.Equal(t, tt.want, got)
		assert.LessOrEqual(t, got, prev)
		prev = got
	}
}

func TestPaymentHealthRisk(t *testing.T) {
	assert.Equal(t, 0.1, PaymentHealthRisk(0))
	assert.Equal(t, 0.4, PaymentHealthRisk(1))
	assert.Equal(t, 0.7, PaymentHealthRisk(2))
	assert.Equal(t, 0.9, PaymentHealthRisk(3))
	assert.Equal(t, 0.9, PaymentHealthRisk(12))
}

func TestEngagementTrend(t *testing.T) {
	assert.Equal(t, 1.0, EngagementTrend(0))
	assert.InDelta(t, 0.8, EngagementTrend(20), 1e-12)
	assert.Equal(t, 0.0, EngagementTrend(100))
}

func TestEffectiveSignals_CatalogPolicy(t *testing.T) {
	cat := DefaultCatalog()
	signals := []Signal{
		{Type: SignalPaymentFailed, Weight: 0.35, DetectedAt: testNow},
		{Type: SignalNewSubscriberRisk, Weight: 0.2, DetectedAt: testNow},
		{Type: SignalPaymentFailed, Weight: 0.30, DetectedAt: testNow},
		{Type: SignalNewSubscriberRisk, Weight: 0.4, DetectedAt: testNow},
		{Type: SignalPaymentFailed, Weight: 0.20, DetectedAt: testNow},
		{Type: SignalPaymentFailed, Weight: 0.25, DetectedAt: testNow},
		{Type: SignalCancelPageVisit, Weight: 0.45, DetectedAt: testNow.Add(-8 * 24 * time.Hour)},
	}

	got := EffectiveSignals(signals, cat, testNow)
	require.Len(t, got, 4)

	// additive payment_failed capped at 3 heaviest, single new_subscriber_risk
	// keeps its heaviest, stale cancel_page_visit (7 day window) dropped.
	assert.Equal(t, []Signal{signals[0], signals[2], signals[3], signals[5]}, got)
}

func TestEffectiveSignals_UnknownToCatalogPassThrough(t *testing.T) {
	cat := &Catalog{Version: "empty", Weights: map[SignalType]SignalWeight{}}
	signals := []Signal{
		{Type: SignalSupportAngry, Weight: 0.3, DetectedAt: testNow},
		{Type: SignalSupportAngry, Weight: 0.3, DetectedAt: testNow},
	}
	assert.Len(t, EffectiveSignals(signals, cat, testNow), 2)
}
