package churn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	_ CustomerSource = (*PostgresSource)(nil)
	_ PaymentHistory = (*PostgresSource)(nil)
)

// PostgresSource reads customer snapshots and payment history from the
// customer data tables.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a PostgreSQL-backed customer source.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// GetCustomer loads the customer with its most recent orders and active
// subscriptions in a single read-only transaction.
func (p *PostgresSource) GetCustomer(ctx context.Context, companyID, customerID string) (*Customer, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c := &Customer{}
	var (
		stripeID sql.NullString
		nps      sql.NullFloat64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, company_id, stripe_customer_id, nps_score, created_at
		FROM customers
		WHERE company_id = $1 AND id = $2
	`, companyID, customerID).Scan(&c.ID, &c.CompanyID, &stripeID, &nps, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	c.StripeCustomerID = stripeID.String
	if nps.Valid {
		v := nps.Float64
		c.NPSScore = &v
	}

	if c.Orders, err = p.recentOrders(ctx, tx, companyID, customerID); err != nil {
		return nil, err
	}
	if c.ActiveSubscriptions, err = p.activeSubscriptions(ctx, tx, companyID, customerID); err != nil {
		return nil, err
	}
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM support_tickets
		WHERE company_id = $1 AND customer_id = $2
	`, companyID, customerID).Scan(&c.SupportTicketCount)
	if err != nil {
		return nil, fmt.Errorf("count support tickets: %w", err)
	}

	return c, tx.Commit()
}

func (p *PostgresSource) recentOrders(ctx context.Context, tx *sql.Tx, companyID, customerID string) ([]Order, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, total, status, created_at
		FROM orders
		WHERE company_id = $1 AND customer_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, companyID, customerID, MaxProfileOrders)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.Total, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *PostgresSource) activeSubscriptions(ctx context.Context, tx *sql.Tx, companyID, customerID string) ([]Subscription, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, status, current_period_start, current_period_end
		FROM subscriptions
		WHERE company_id = $1 AND customer_id = $2 AND status = $3
		ORDER BY current_period_start DESC
	`, companyID, customerID, SubscriptionStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.ID, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// CountFailedTransactions counts FAILED transactions created at or after since.
func (p *PostgresSource) CountFailedTransactions(ctx context.Context, companyID, customerID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE company_id = $1 AND customer_id = $2
		  AND status = 'FAILED' AND created_at >= $3
	`, companyID, customerID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed transactions: %w", err)
	}
	return n, nil
}

// StripeCustomerID resolves the billing-provider id for a customer.
// Returns "" when the customer has none.
func (p *PostgresSource) StripeCustomerID(ctx context.Context, companyID, customerID string) (string, error) {
	var id sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT stripe_customer_id FROM customers
		WHERE company_id = $1 AND id = $2
	`, companyID, customerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get stripe customer id: %w", err)
	}
	return id.String, nil
}
