package churn

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/churnrisk/internal/metrics"
)

// Worker recomputes expired scores on a cron schedule.
type Worker struct {
	service  *Service
	store    Store
	schedule string
	limit    int
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewWorker creates a rescoring worker. schedule is a standard five-field
// cron expression or a descriptor such as "@every 1h".
func NewWorker(service *Service, store Store, schedule string, limit int, logger *slog.Logger) *Worker {
	return &Worker{
		service:  service,
		store:    store,
		schedule: schedule,
		limit:    limit,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers the job and starts the scheduler. Runs stop when ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.cron.AddFunc(w.schedule, func() {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Warn("churn rescore failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("add rescore schedule %q: %w", w.schedule, err)
	}
	w.cron.Start()
	w.logger.Info("churn rescore worker started", "schedule", w.schedule, "limit", w.limit)

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
}

// RunOnce rescores up to limit expired customers, grouped by company.
// Returns the number of customers rescored successfully.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	expired, err := w.store.ListExpired(ctx, w.service.now(), w.limit)
	if err != nil {
		metrics.RescoreRunsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("list expired scores: %w", err)
	}
	if len(expired) == 0 {
		metrics.RescoreRunsTotal.WithLabelValues("idle").Inc()
		return 0, nil
	}

	byCompany := make(map[string][]string)
	rows := make(map[pairKey]*Score, len(expired))
	for _, s := range expired {
		byCompany[s.CompanyID] = append(byCompany[s.CompanyID], s.CustomerID)
		rows[pairKey{s.CompanyID, s.CustomerID}] = s
	}
	companies := make([]string, 0, len(byCompany))
	for id := range byCompany {
		companies = append(companies, id)
	}
	sort.Strings(companies)

	rescored, failed := 0, 0
	for _, companyID := range companies {
		result, err := w.service.BatchCalculateChurnRisk(ctx, companyID, byCompany[companyID])
		if err != nil {
			metrics.RescoreRunsTotal.WithLabelValues("error").Inc()
			return rescored, fmt.Errorf("rescore company %s: %w", companyID, err)
		}
		rescored += len(result.Scores)
		failed += len(result.Failures)
		for _, f := range result.Failures {
			w.logger.Warn("churn rescore customer failed",
				"company_id", companyID, "customer_id", f.CustomerID, "code", f.Code, "error", f.Error)
			if f.Code == ErrorCode(ErrCustomerNotFound) {
				w.deferRow(ctx, rows[pairKey{companyID, f.CustomerID}])
			}
		}
	}

	metrics.RescoreRunsTotal.WithLabelValues("ok").Inc()
	w.logger.Info("churn rescore completed",
		"companies", len(companies), "rescored", rescored, "failed", failed,
		"took", time.Since(start).Round(time.Millisecond))
	return rescored, nil
}

// deferRow pushes a row's expiry one TTL ahead so a customer that no longer
// exists stops holding a slot at the front of the expired queue.
func (w *Worker) deferRow(ctx context.Context, s *Score) {
	if s == nil {
		return
	}
	s.ExpiresAt = w.service.now().Add(ScoreTTL)
	if err := w.store.Upsert(ctx, s); err != nil {
		w.logger.Warn("churn rescore defer failed",
			"company_id", s.CompanyID, "customer_id", s.CustomerID, "error", err)
	}
}
