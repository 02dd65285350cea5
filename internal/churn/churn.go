// Package churn implements the churn-risk scoring engine.
//
// A score is produced by a short pipeline: a BehaviorProfile is built from
// a fresh snapshot of the customer, a fixed set of rules turns the profile
// into weighted signals, the aggregator blends those signals with tenure,
// engagement and payment-health modifiers into a 0-100 score, and the
// classifier maps the score onto a risk level, urgency and recommended
// intervention. The result is persisted as the customer's current score,
// overwriting the previous one.
package churn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrScoreNotFound    = errors.New("churn score not found")
	ErrUpstream         = errors.New("upstream query failed")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrCorruptScore     = errors.New("stored churn score is corrupt")
)

// ErrorCode maps an engine error onto a stable machine-readable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrCustomerNotFound):
		return "customer_not_found"
	case errors.Is(err, ErrScoreNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal_error"
	}
}

// RiskLevel is a coarse bucket derived from the numeric score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ParseRiskLevel validates a risk level name.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch l := RiskLevel(s); l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return l, nil
	}
	return "", fmt.Errorf("%w: unknown risk level %q", ErrInvalidRequest, s)
}

// Urgency is how quickly an intervention should be attempted.
type Urgency string

const (
	UrgencyImmediate  Urgency = "IMMEDIATE"
	UrgencyWithin24h  Urgency = "WITHIN_24H"
	UrgencyWithin7d   Urgency = "WITHIN_7D"
	UrgencyMonitoring Urgency = "MONITORING"
)

// ParseUrgency validates an urgency name.
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(s); u {
	case UrgencyImmediate, UrgencyWithin24h, UrgencyWithin7d, UrgencyMonitoring:
		return u, nil
	}
	return "", fmt.Errorf("%w: unknown urgency %q", ErrInvalidRequest, s)
}

// Action is the intervention suggested to downstream save-flow and outreach systems.
type Action string

const (
	ActionSaveFlow          Action = "SAVE_FLOW"
	ActionPaymentRecovery   Action = "PAYMENT_RECOVERY"
	ActionServiceRecovery   Action = "SERVICE_RECOVERY"
	ActionProactiveOutreach Action = "PROACTIVE_OUTREACH"
	ActionUpsell            Action = "UPSELL"
	ActionWinback           Action = "WINBACK"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionSaveFlow, ActionPaymentRecovery, ActionServiceRecovery,
		ActionProactiveOutreach, ActionUpsell, ActionWinback:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, s)
}

// SignalType identifies a kind of churn evidence. The set is closed.
type SignalType string

const (
	SignalTimeSincePurchase   SignalType = "time_since_purchase"
	SignalFeatureUsageDecline SignalType = "feature_usage_decline"
	SignalNewSubscriberRisk   SignalType = "new_subscriber_risk"
	SignalOrderFrequency      SignalType = "order_frequency_analysis"
	SignalNPSDrop             SignalType = "nps_score_drop"
	SignalPaymentFailed       SignalType = "payment_failed"
	SignalSupportAngry        SignalType = "support_ticket_angry"
	SignalSupportVolume       SignalType = "support_volume_spike"
	SignalCancelPageVisit     SignalType = "cancel_page_visit"
)

var signalTypes = map[SignalType]struct{}{
	SignalTimeSincePurchase:   {},
	SignalFeatureUsageDecline: {},
	SignalNewSubscriberRisk:   {},
	SignalOrderFrequency:      {},
	SignalNPSDrop:             {},
	SignalPaymentFailed:       {},
	SignalSupportAngry:        {},
	SignalSupportVolume:       {},
	SignalCancelPageVisit:     {},
}

// ParseSignalType validates a signal type name against the closed set.
func ParseSignalType(s string) (SignalType, error) {
	t := SignalType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown signal type %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	_, ok := signalTypes[t]
	return ok
}

// UnmarshalJSON rejects unknown signal types so persisted signal blobs
// cannot smuggle in arbitrary evidence.
func (t *SignalType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseSignalType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Signal is one weighted piece of churn evidence. Signals are recomputed on
// every scoring run and never accumulated across runs. Metadata holds only
// JSON-native values (string, float64, bool).
type Signal struct {
	Type        SignalType     `json:"type"`
	Weight      float64        `json:"weight"`
	Description string         `json:"description"`
	DetectedAt  time.Time      `json:"detectedAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// BehaviorProfile is the derived, read-only view of a customer the rules run against.
type BehaviorProfile struct {
	CustomerID             string          `json:"customerId"`
	CompanyID              string          `json:"companyId"`
	TotalOrders            int             `json:"totalOrders"`
	TotalSpent             decimal.Decimal `json:"totalSpent"`
	AvgOrderValue          decimal.Decimal `json:"avgOrderValue"`
	LastOrderAt            *time.Time      `json:"lastOrderAt,omitempty"`
	SubscriptionTenureDays *int            `json:"subscriptionTenureDays,omitempty"`
	EngagementScore        float64         `json:"engagementScore"`
	SupportTicketCount     int             `json:"supportTicketCount"`
	NPSScore               *float64        `json:"npsScore,omitempty"`
}

// Score is the persisted churn-risk assessment for one customer.
type Score struct {
	ID                string       `json:"id"`
	CompanyID         string       `json:"companyId"`
	CustomerID        string       `json:"customerId"`
	Score             int          `json:"score"`
	Confidence        float64      `json:"confidence"`
	RiskLevel         RiskLevel    `json:"riskLevel"`
	PrimaryFactors    []SignalType `json:"primaryFactors"`
	Signals           []Signal     `json:"signals"`
	RecommendedAction Action       `json:"recommendedAction"`
	Urgency           Urgency      `json:"urgency"`
	CalculatedAt      time.Time    `json:"calculatedAt"`
	ExpiresAt         time.Time    `json:"expiresAt"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Expired reports whether the score is past its validity window.
func (s *Score) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ScoreTTL is how long a calculated score stays valid.
const ScoreTTL = 24 * time.Hour

// Customer is the snapshot read from the customer data store.
type Customer struct {
	ID                  string
	CompanyID           string
	StripeCustomerID    string
	CreatedAt           time.Time
	Orders              []Order // most recent first
	ActiveSubscriptions []Subscription
	SupportTicketCount  int
	NPSScore            *float64
}

// Order is a single purchase.
type Order struct {
	ID        string
	Total     decimal.Decimal
	Status    string
	CreatedAt time.Time
}

// Subscription is a recurring billing agreement.
type Subscription struct {
	ID                 string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// SubscriptionStatusActive is the only status the profile builder considers.
const SubscriptionStatusActive = "ACTIVE"

// HighRiskQuery filters the read-side listing of current scores.
type HighRiskQuery struct {
	CompanyID  string
	RiskLevels []RiskLevel
	Urgency    Urgency // empty means any
	Limit      int
}

// CustomerSource loads customer snapshots. Implementations return
// ErrCustomerNotFound when the customer does not exist under the company.
type CustomerSource interface {
	GetCustomer(ctx context.Context, companyID, customerID string) (*Customer, error)
}

// PaymentHistory counts failed payment attempts.
type PaymentHistory interface {
	CountFailedTransactions(ctx context.Context, companyID, customerID string, since time.Time) (int, error)
}

// Store persists scores. Upsert overwrites the most recent row for the
// (company, customer) pair in place, or inserts one, and sets ID,
// CreatedAt and UpdatedAt on s. Latest returns nil, nil when no row exists.
type Store interface {
	Upsert(ctx context.Context, s *Score) error
	Latest(ctx context.Context, companyID, customerID string) (*Score, error)
	ListHighRisk(ctx context.Context, q HighRiskQuery) ([]*Score, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Score, error)
}
