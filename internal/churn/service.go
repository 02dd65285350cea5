package churn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/churnrisk/internal/logging"
	"github.com/mbd888/churnrisk/internal/metrics"
	"github.com/mbd888/churnrisk/internal/traces"
)

const (
	DefaultChunkSize   = 10
	DefaultCallTimeout = 5 * time.Second

	DefaultHighRiskLimit = 50
	MaxHighRiskLimit     = 500
	MaxBatchSize         = 1000
)

// Service composes the scoring pipeline with its collaborators.
type Service struct {
	customers   CustomerSource
	payments    PaymentHistory
	store       Store
	catalog     CatalogProvider
	detector    *Detector
	logger      *slog.Logger
	now         func() time.Time
	chunkSize   int
	callTimeout time.Duration
}

// NewService creates a scoring service.
func NewService(customers CustomerSource, payments PaymentHistory, store Store, catalog CatalogProvider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		customers:   customers,
		payments:    payments,
		store:       store,
		catalog:     catalog,
		detector:    NewDetector(),
		logger:      logger,
		now:         time.Now,
		chunkSize:   DefaultChunkSize,
		callTimeout: DefaultCallTimeout,
	}
}

// WithChunkSize sets how many customers a batch scores concurrently.
func (s *Service) WithChunkSize(n int) *Service {
	if n > 0 {
		s.chunkSize = n
	}
	return s
}

// WithCallTimeout bounds each external store call.
func (s *Service) WithCallTimeout(d time.Duration) *Service {
	if d > 0 {
		s.callTimeout = d
	}
	return s
}

// WithRules adds rules to the built-in set.
func (s *Service) WithRules(rules ...Rule) *Service {
	s.detector = NewDetector(rules...)
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CalculateChurnRisk scores one customer and persists the result as their
// current score. Profile and payment lookups that fail are returned as
// ErrUpstream; they are never replaced by defaults.
func (s *Service) CalculateChurnRisk(ctx context.Context, companyID, customerID string) (_ *Score, retErr error) {
	if err := validateIDs(companyID, customerID); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "churn.CalculateChurnRisk",
		traces.CompanyID(companyID), traces.CustomerID(customerID))
	defer func() { traces.End(span, retErr) }()

	start := time.Now()
	now := s.now()

	customer, err := s.loadCustomer(ctx, companyID, customerID)
	if err != nil {
		return nil, err
	}
	profile := BuildProfile(customer, now)

	cat := s.catalog.Current()
	detected := s.detector.Detect(profile, cat, now)

	failed, err := s.countFailedPayments(ctx, companyID, customerID, now.Add(-PaymentLookback))
	if err != nil {
		return nil, err
	}

	breakdown := Aggregate(profile, detected, failed, cat, now)
	level := ClassifyRisk(breakdown.Score)

	score := &Score{
		CompanyID:         companyID,
		CustomerID:        customerID,
		Score:             IntegerScore(breakdown.Score),
		Confidence:        EstimateConfidence(profile, len(breakdown.Signals)),
		RiskLevel:         level,
		PrimaryFactors:    PrimaryFactors(breakdown.Signals),
		Signals:           breakdown.Signals,
		RecommendedAction: RecommendAction(breakdown.Signals, level),
		Urgency:           UrgencyFor(level),
		CalculatedAt:      now,
		ExpiresAt:         now.Add(ScoreTTL),
	}

	if err := s.upsert(ctx, score); err != nil {
		return nil, err
	}

	span.SetAttributes(traces.Score(score.Score), traces.RiskLevel(string(level)),
		traces.SignalCount(len(score.Signals)))
	metrics.ScoresCalculatedTotal.WithLabelValues(string(level)).Inc()
	metrics.ScoreCalculationDuration.Observe(time.Since(start).Seconds())
	for _, sig := range score.Signals {
		metrics.SignalsDetectedTotal.WithLabelValues(string(sig.Type)).Inc()
	}

	logging.Customer(ctx, companyID, customerID).Debug("churn risk calculated",
		"score", score.Score,
		"risk_level", level,
		"catalog_version", cat.Version,
		"base_score", breakdown.BaseScore,
		"recency", breakdown.RecencyModifier,
		"tenure_risk", breakdown.TenureRisk,
		"engagement_trend", breakdown.EngagementTrend,
		"payment_risk", breakdown.PaymentHealthRisk,
	)
	return score, nil
}

// GetCustomerIntent returns the latest persisted score without recomputing.
func (s *Service) GetCustomerIntent(ctx context.Context, companyID, customerID string) (_ *Score, retErr error) {
	if err := validateIDs(companyID, customerID); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "churn.GetCustomerIntent",
		traces.CompanyID(companyID), traces.CustomerID(customerID))
	defer func() { traces.End(span, retErr) }()

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	score, err := s.store.Latest(callCtx, companyID, customerID)
	if err != nil {
		return nil, upstream("find_latest_score", err)
	}
	if score == nil {
		return nil, ErrScoreNotFound
	}
	return score, nil
}

// HighRiskFilter narrows GetHighRiskCustomers. Zero values mean defaults:
// HIGH and CRITICAL levels, any urgency, DefaultHighRiskLimit rows.
type HighRiskFilter struct {
	RiskLevel RiskLevel
	Urgency   Urgency
	Limit     int
}

// GetHighRiskCustomers lists current scores for a company, highest first.
func (s *Service) GetHighRiskCustomers(ctx context.Context, companyID string, f HighRiskFilter) (_ []*Score, retErr error) {
	if strings.TrimSpace(companyID) == "" {
		return nil, fmt.Errorf("%w: company id is required", ErrInvalidRequest)
	}

	q := HighRiskQuery{
		CompanyID:  companyID,
		RiskLevels: []RiskLevel{RiskHigh, RiskCritical},
		Urgency:    f.Urgency,
		Limit:      f.Limit,
	}
	if f.RiskLevel != "" {
		if _, err := ParseRiskLevel(string(f.RiskLevel)); err != nil {
			return nil, err
		}
		q.RiskLevels = []RiskLevel{f.RiskLevel}
	}
	if f.Urgency != "" {
		if _, err := ParseUrgency(string(f.Urgency)); err != nil {
			return nil, err
		}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultHighRiskLimit
	}
	if q.Limit > MaxHighRiskLimit {
		q.Limit = MaxHighRiskLimit
	}

	ctx, span := traces.StartSpan(ctx, "churn.GetHighRiskCustomers", traces.CompanyID(companyID))
	defer func() { traces.End(span, retErr) }()

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	scores, err := s.store.ListHighRisk(callCtx, q)
	if err != nil {
		return nil, upstream("list_high_risk", err)
	}
	return scores, nil
}

func (s *Service) loadCustomer(ctx context.Context, companyID, customerID string) (*Customer, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	customer, err := s.customers.GetCustomer(callCtx, companyID, customerID)
	if errors.Is(err, ErrCustomerNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, upstream("get_customer", err)
	}
	if customer == nil {
		return nil, ErrCustomerNotFound
	}
	return customer, nil
}

func (s *Service) countFailedPayments(ctx context.Context, companyID, customerID string, since time.Time) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	n, err := s.payments.CountFailedTransactions(callCtx, companyID, customerID, since)
	if err != nil {
		return 0, upstream("count_failed_transactions", err)
	}
	return n, nil
}

func (s *Service) upsert(ctx context.Context, score *Score) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := s.store.Upsert(callCtx, score); err != nil {
		return upstream("upsert_score", err)
	}
	return nil
}

// upstream wraps a collaborator failure so callers can match ErrUpstream
// while keeping the cause.
func upstream(op string, err error) error {
	if errors.Is(err, ErrUpstream) {
		return err
	}
	metrics.UpstreamErrorsTotal.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}

func validateIDs(companyID, customerID string) error {
	if strings.TrimSpace(companyID) == "" {
		return fmt.Errorf("%w: company id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(customerID) == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidRequest)
	}
	return nil
}
