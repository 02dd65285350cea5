// Package cache puts a Redis read-through cache in front of a churn.Store.
//
// Redis is an accelerator only: every Redis failure is logged and the call
// falls through to the wrapped store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/churnrisk/internal/churn"
	"github.com/mbd888/churnrisk/internal/metrics"
)

// Compile-time check that ScoreCache implements churn.Store.
var _ churn.Store = (*ScoreCache)(nil)

const keyPrefix = "churn:score:"

// ScoreCache caches the latest score per customer until it expires.
type ScoreCache struct {
	inner  churn.Store
	rdb    redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// NewScoreCache wraps inner with a Redis cache.
func NewScoreCache(inner churn.Store, rdb redis.UniversalClient, logger *slog.Logger) *ScoreCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScoreCache{inner: inner, rdb: rdb, logger: logger, now: time.Now}
}

// WithClock overrides the time source used to compute entry TTLs.
func (c *ScoreCache) WithClock(now func() time.Time) *ScoreCache {
	c.now = now
	return c
}

func key(companyID, customerID string) string {
	return keyPrefix + companyID + ":" + customerID
}

// Upsert writes through to the store and refreshes the cached entry.
func (c *ScoreCache) Upsert(ctx context.Context, s *churn.Score) error {
	if err := c.inner.Upsert(ctx, s); err != nil {
		return err
	}
	c.set(ctx, s)
	return nil
}

// Latest serves from Redis when possible and fills the cache on a miss.
func (c *ScoreCache) Latest(ctx context.Context, companyID, customerID string) (*churn.Score, error) {
	k := key(companyID, customerID)
	data, err := c.rdb.Get(ctx, k).Bytes()
	switch {
	case err == nil:
		var s churn.Score
		uerr := json.Unmarshal(data, &s)
		if uerr == nil {
			metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
			return &s, nil
		}
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("score cache entry unreadable, dropping", "key", k, "error", uerr)
		c.rdb.Del(ctx, k)
	case errors.Is(err, redis.Nil):
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
	default:
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("score cache read failed, using store", "key", k, "error", err)
	}

	s, err := c.inner.Latest(ctx, companyID, customerID)
	if err != nil || s == nil {
		return s, err
	}
	c.set(ctx, s)
	return s, nil
}

func (c *ScoreCache) ListHighRisk(ctx context.Context, q churn.HighRiskQuery) ([]*churn.Score, error) {
	return c.inner.ListHighRisk(ctx, q)
}

func (c *ScoreCache) ListExpired(ctx context.Context, before time.Time, limit int) ([]*churn.Score, error) {
	return c.inner.ListExpired(ctx, before, limit)
}

// set caches s until it expires. Expired scores are not cached.
func (c *ScoreCache) set(ctx context.Context, s *churn.Score) {
	ttl := s.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Warn("score cache encode failed", "customer_id", s.CustomerID, "error", err)
		return
	}
	k := key(s.CompanyID, s.CustomerID)
	if err := c.rdb.Set(ctx, k, data, ttl).Err(); err != nil {
		c.logger.Warn("score cache write failed", "key", k, "error", err)
	}
}
