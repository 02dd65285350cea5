// Package payments counts failed payment attempts from the billing provider.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/churnrisk/internal/churn"
	"github.com/mbd888/churnrisk/internal/circuitbreaker"
)

// Compile-time check that StripeHistory implements churn.PaymentHistory.
var _ churn.PaymentHistory = (*StripeHistory)(nil)

const (
	breakerKey       = "stripe"
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
	pageSize         = 100
)

// CustomerResolver maps a customer to their Stripe customer id.
// An empty id means the customer is not billed through Stripe.
type CustomerResolver interface {
	StripeCustomerID(ctx context.Context, companyID, customerID string) (string, error)
}

// StripeHistory reads failed charges from Stripe.
type StripeHistory struct {
	api      *client.API
	resolver CustomerResolver
	breaker  *circuitbreaker.Breaker
}

// NewStripeHistory creates a Stripe-backed payment history. backends may be
// nil to use the SDK defaults.
func NewStripeHistory(secretKey string, backends *stripe.Backends, resolver CustomerResolver) *StripeHistory {
	return &StripeHistory{
		api:      client.New(secretKey, backends),
		resolver: resolver,
		breaker:  circuitbreaker.New(breakerThreshold, breakerOpenFor).WithFailureFilter(countsAsOutage),
	}
}

// WithBreaker replaces the default circuit breaker.
func (s *StripeHistory) WithBreaker(b *circuitbreaker.Breaker) *StripeHistory {
	s.breaker = b.WithFailureFilter(countsAsOutage)
	return s
}

// CountFailedTransactions counts failed charges created at or after since.
// Customers without a Stripe id have no failures.
func (s *StripeHistory) CountFailedTransactions(ctx context.Context, companyID, customerID string, since time.Time) (int, error) {
	stripeID, err := s.resolver.StripeCustomerID(ctx, companyID, customerID)
	if err != nil {
		return 0, err
	}
	if stripeID == "" {
		return 0, nil
	}

	var failed int
	err = s.breaker.Do(breakerKey, func() error {
		params := &stripe.ChargeListParams{
			Customer:     stripe.String(stripeID),
			CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
		}
		params.Context = ctx
		params.Limit = stripe.Int64(pageSize)

		failed = 0
		iter := s.api.Charges.List(params)
		for iter.Next() {
			if iter.Charge().Status == stripe.ChargeStatusFailed {
				failed++
			}
		}
		return iter.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("list stripe charges: %w", err)
	}
	return failed, nil
}

// countsAsOutage excludes caller mistakes and cancellations from tripping
// the breaker.
func countsAsOutage(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, churn.ErrCustomerNotFound) {
		return false
	}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode == 0 || serr.HTTPStatusCode >= 500 || serr.HTTPStatusCode == 429
	}
	return true
}
