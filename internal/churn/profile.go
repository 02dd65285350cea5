package churn

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MaxProfileOrders bounds how many recent orders feed a profile.
	MaxProfileOrders = 100

	engagementDecayPerDay = 2.0
)

// BuildProfile derives a BehaviorProfile from a customer snapshot as of now.
// Orders beyond the MaxProfileOrders most recent are ignored, as are
// subscriptions that are not ACTIVE.
func BuildProfile(c *Customer, now time.Time) *BehaviorProfile {
	p := &BehaviorProfile{
		CustomerID:         c.ID,
		CompanyID:          c.CompanyID,
		TotalSpent:         decimal.Zero,
		AvgOrderValue:      decimal.Zero,
		SupportTicketCount: c.SupportTicketCount,
		NPSScore:           c.NPSScore,
	}

	orders := recentOrders(c.Orders)
	p.TotalOrders = len(orders)
	for _, o := range orders {
		p.TotalSpent = p.TotalSpent.Add(o.Total)
	}
	if p.TotalOrders > 0 {
		p.AvgOrderValue = p.TotalSpent.Div(decimal.NewFromInt(int64(p.TotalOrders))).Round(2)
		last := orders[0].CreatedAt
		p.LastOrderAt = &last
	}

	if start, ok := currentPeriodStart(c.ActiveSubscriptions); ok {
		days := daysBetween(start, now)
		p.SubscriptionTenureDays = &days
	}

	p.EngagementScore = engagementScore(p.LastOrderAt, now)
	return p
}

// recentOrders returns up to MaxProfileOrders orders, newest first.
func recentOrders(in []Order) []Order {
	orders := make([]Order, len(in))
	copy(orders, in)
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	if len(orders) > MaxProfileOrders {
		orders = orders[:MaxProfileOrders]
	}
	return orders
}

// currentPeriodStart picks the most recently started active billing period.
func currentPeriodStart(subs []Subscription) (time.Time, bool) {
	var (
		start time.Time
		found bool
	)
	for _, s := range subs {
		if !strings.EqualFold(s.Status, SubscriptionStatusActive) {
			continue
		}
		if !found || s.CurrentPeriodStart.After(start) {
			start = s.CurrentPeriodStart
			found = true
		}
	}
	return start, found
}

// engagementScore decays two points per day since the last order.
// No orders means no observed engagement.
func engagementScore(lastOrderAt *time.Time, now time.Time) float64 {
	if lastOrderAt == nil {
		return 0
	}
	return clamp(100-engagementDecayPerDay*float64(daysBetween(*lastOrderAt, now)), 0, 100)
}

// daysBetween returns whole days elapsed from -> to, never negative.
func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
