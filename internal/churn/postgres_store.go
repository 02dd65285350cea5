package churn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mbd888/churnrisk/internal/retry"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists scores in the customer_intents table.
type PostgresStore struct {
	db    *sql.DB
	retry retry.Policy
}

// NewPostgresStore creates a new PostgreSQL-backed score store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, retry: retry.DefaultPolicy}
}

// WithRetry sets how upserts that hit a deadlock, serialization failure or
// dropped connection are retried.
func (p *PostgresStore) WithRetry(policy retry.Policy) *PostgresStore {
	p.retry = policy
	return p
}

const scoreColumns = `id, company_id, customer_id, churn_risk_score, confidence, risk_level,
	primary_factors, signals, recommended_action, urgency,
	calculated_at, expires_at, created_at, updated_at`

// Upsert locks the pair's most recent row and overwrites it, or inserts a
// new row when none exists.
func (p *PostgresStore) Upsert(ctx context.Context, s *Score) error {
	factors, err := json.Marshal(s.PrimaryFactors)
	if err != nil {
		return fmt.Errorf("marshal primary factors: %w", err)
	}
	signals, err := json.Marshal(s.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}

	return retry.Do(ctx, p.retry, func(int) error {
		err := p.upsertTx(ctx, s, factors, signals)
		if err != nil && !isTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (p *PostgresStore) upsertTx(ctx context.Context, s *Score, factors, signals []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		existingID string
		createdAt  time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, created_at FROM customer_intents
		WHERE company_id = $1 AND customer_id = $2
		ORDER BY calculated_at DESC
		LIMIT 1
		FOR UPDATE
	`, s.CompanyID, s.CustomerID).Scan(&existingID, &createdAt)

	now := time.Now().UTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// A concurrent writer may insert between the lookup and here; the
		// unique (company_id, customer_id) index turns that into an update.
		err = tx.QueryRowContext(ctx, `
			INSERT INTO customer_intents (`+scoreColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (company_id, customer_id) DO UPDATE SET
				churn_risk_score = EXCLUDED.churn_risk_score, confidence = EXCLUDED.confidence,
				risk_level = EXCLUDED.risk_level, primary_factors = EXCLUDED.primary_factors,
				signals = EXCLUDED.signals, recommended_action = EXCLUDED.recommended_action,
				urgency = EXCLUDED.urgency, calculated_at = EXCLUDED.calculated_at,
				expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
			RETURNING id, created_at
		`,
			uuid.NewString(), s.CompanyID, s.CustomerID, s.Score, s.Confidence, string(s.RiskLevel),
			factors, signals, string(s.RecommendedAction), string(s.Urgency),
			s.CalculatedAt, s.ExpiresAt, now,
		).Scan(&s.ID, &s.CreatedAt)
		s.UpdatedAt = now
		if err != nil {
			return fmt.Errorf("insert customer intent: %w", err)
		}
	case err != nil:
		return fmt.Errorf("find latest customer intent: %w", err)
	default:
		s.ID = existingID
		s.CreatedAt = createdAt
		s.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			UPDATE customer_intents SET
				churn_risk_score = $2, confidence = $3, risk_level = $4,
				primary_factors = $5, signals = $6, recommended_action = $7, urgency = $8,
				calculated_at = $9, expires_at = $10, updated_at = $11
			WHERE id = $1
		`,
			s.ID, s.Score, s.Confidence, string(s.RiskLevel),
			factors, signals, string(s.RecommendedAction), string(s.Urgency),
			s.CalculatedAt, s.ExpiresAt, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update customer intent: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Latest(ctx context.Context, companyID, customerID string) (*Score, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+scoreColumns+` FROM customer_intents
		WHERE company_id = $1 AND customer_id = $2
		ORDER BY calculated_at DESC
		LIMIT 1
	`, companyID, customerID)

	s, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest customer intent: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListHighRisk(ctx context.Context, q HighRiskQuery) ([]*Score, error) {
	var (
		where = []string{"company_id = $1"}
		args  = []interface{}{q.CompanyID}
	)
	if len(q.RiskLevels) > 0 {
		levels := make([]string, len(q.RiskLevels))
		for i, l := range q.RiskLevels {
			levels[i] = string(l)
		}
		args = append(args, pq.Array(levels))
		where = append(where, fmt.Sprintf("risk_level = ANY($%d)", len(args)))
	}
	if q.Urgency != "" {
		args = append(args, string(q.Urgency))
		where = append(where, fmt.Sprintf("urgency = $%d", len(args)))
	}
	args = append(args, q.Limit)

	query := `SELECT ` + scoreColumns + ` FROM customer_intents
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY churn_risk_score DESC, calculated_at DESC, customer_id
		LIMIT $` + fmt.Sprint(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list high risk customer intents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanScores(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Score, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+scoreColumns+` FROM customer_intents
		WHERE expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired customer intents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanScores(rows)
}

// isTransient reports whether a failed upsert transaction may succeed when
// run again.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return pqErr.Code.Class() == "08" // connection exception
	}
	return false
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanScores(rows *sql.Rows) ([]*Score, error) {
	var out []*Score
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// scanScore reads one row and validates the enum and JSON columns, so a
// row written by another system with unknown values is rejected here.
func scanScore(row scanner) (*Score, error) {
	var (
		s                        Score
		level, action, urgency   string
		factorsJSON, signalsJSON []byte
	)
	err := row.Scan(
		&s.ID, &s.CompanyID, &s.CustomerID, &s.Score, &s.Confidence, &level,
		&factorsJSON, &signalsJSON, &action, &urgency,
		&s.CalculatedAt, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if s.RiskLevel, err = ParseRiskLevel(level); err != nil {
		return nil, corrupt(s.ID, err)
	}
	if s.Urgency, err = ParseUrgency(urgency); err != nil {
		return nil, corrupt(s.ID, err)
	}
	if s.RecommendedAction, err = ParseAction(action); err != nil {
		return nil, corrupt(s.ID, err)
	}
	if err := json.Unmarshal(factorsJSON, &s.PrimaryFactors); err != nil {
		return nil, corrupt(s.ID, fmt.Errorf("primary factors: %v", err))
	}
	if err := json.Unmarshal(signalsJSON, &s.Signals); err != nil {
		return nil, corrupt(s.ID, fmt.Errorf("signals: %v", err))
	}
	return &s, nil
}

// corrupt reports a stored row that fails validation. The cause is kept as
// text only, so a bad row is never mistaken for a bad request.
func corrupt(id string, cause error) error {
	return fmt.Errorf("%w: customer intent %s: %v", ErrCorruptScore, id, cause)
}
