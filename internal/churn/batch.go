package churn

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/churnrisk/internal/logging"
	"github.com/mbd888/churnrisk/internal/metrics"
	"github.com/mbd888/churnrisk/internal/traces"
)

// BatchFailure records why one customer in a batch was not scored.
type BatchFailure struct {
	CustomerID string `json:"customerId"`
	Code       string `json:"code"`
	Error      string `json:"error"`
}

// BatchResult holds every successfully scored customer plus an explicit
// failure for each one that was not. Every requested id appears in exactly
// one of the two.
type BatchResult struct {
	Scores   map[string]*Score `json:"scores"`
	Failures []BatchFailure    `json:"failures"`
}

type outcome struct {
	score *Score
	err   error
}

// BatchCalculateChurnRisk scores customers in fixed-size chunks. Customers
// within a chunk run concurrently; the next chunk starts only after the
// previous one has finished. One customer failing does not affect the others.
// The returned error is non-nil only for an invalid request.
func (s *Service) BatchCalculateChurnRisk(ctx context.Context, companyID string, customerIDs []string) (_ *BatchResult, retErr error) {
	if strings.TrimSpace(companyID) == "" {
		return nil, fmt.Errorf("%w: company id is required", ErrInvalidRequest)
	}
	ids := dedupe(customerIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one customer id is required", ErrInvalidRequest)
	}
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch exceeds %d customers", ErrInvalidRequest, MaxBatchSize)
	}

	ctx, span := traces.StartSpan(ctx, "churn.BatchCalculateChurnRisk",
		traces.CompanyID(companyID), traces.BatchSize(len(ids)))
	defer func() { traces.End(span, retErr) }()

	result := &BatchResult{
		Scores:   make(map[string]*Score, len(ids)),
		Failures: []BatchFailure{},
	}

	for startIdx := 0; startIdx < len(ids); startIdx += s.chunkSize {
		end := min(startIdx+s.chunkSize, len(ids))
		chunk := ids[startIdx:end]

		if err := ctx.Err(); err != nil {
			for _, id := range ids[startIdx:] {
				result.addFailure(id, err)
			}
			break
		}

		outcomes := make([]outcome, len(chunk))
		var g errgroup.Group
		g.SetLimit(s.chunkSize)
		for i, id := range chunk {
			g.Go(func() error {
				score, err := s.CalculateChurnRisk(ctx, companyID, id)
				outcomes[i] = outcome{score: score, err: err}
				// Customer failures stay in outcomes; only cancellation stops the batch.
				return ctx.Err()
			})
		}
		stopErr := g.Wait()

		for i, o := range outcomes {
			if o.err != nil {
				result.addFailure(chunk[i], o.err)
				continue
			}
			result.Scores[chunk[i]] = o.score
		}
		if stopErr != nil {
			for _, id := range ids[end:] {
				result.addFailure(id, stopErr)
			}
			break
		}
	}

	if len(result.Failures) > 0 {
		logging.L(ctx).Warn("batch churn calculation had failures",
			"company_id", companyID,
			"requested", len(ids),
			"failed", len(result.Failures))
	}
	return result, nil
}

func (r *BatchResult) addFailure(customerID string, err error) {
	code := ErrorCode(err)
	metrics.BatchFailuresTotal.WithLabelValues(code).Inc()
	r.Failures = append(r.Failures, BatchFailure{
		CustomerID: customerID,
		Code:       code,
		Error:      err.Error(),
	})
}

// dedupe drops blank and repeated ids, keeping first occurrence order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
