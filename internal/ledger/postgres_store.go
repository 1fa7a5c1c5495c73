package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore implements Store and ActivityStore with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var (
	_ Store         = (*PostgresStore)(nil)
	_ ActivityStore = (*PostgresStore)(nil)
)

// Migrate creates the payment tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			payment_request_id  VARCHAR(64) PRIMARY KEY,
			agent_id            VARCHAR(128),
			payer               VARCHAR(42),
			pay_to              VARCHAR(42) NOT NULL,
			asset               VARCHAR(42) NOT NULL,
			amount              NUMERIC(78,0) NOT NULL,
			scheme              VARCHAR(32) NOT NULL,
			network             VARCHAR(32) NOT NULL,
			resource            TEXT,
			status              VARCHAR(16) NOT NULL,
			tx_hash             VARCHAR(66),
			failure_code        VARCHAR(64),
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			updated_at          TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS payment_activity (
			id                  BIGSERIAL PRIMARY KEY,
			payment_request_id  VARCHAR(64) NOT NULL,
			agent_id            VARCHAR(128),
			event_type          VARCHAR(32) NOT NULL,
			amount              NUMERIC(78,0),
			resource            TEXT,
			tx_hash             VARCHAR(66),
			created_at          TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_payments_agent ON payments(agent_id);
		CREATE INDEX IF NOT EXISTS idx_payments_payer ON payments(payer);
		CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
		CREATE INDEX IF NOT EXISTS idx_activity_agent ON payment_activity(agent_id);
		CREATE INDEX IF NOT EXISTS idx_activity_payment ON payment_activity(payment_request_id);
	`)
	return err
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (payment_request_id, agent_id, payer, pay_to, asset, amount,
			scheme, network, resource, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(78,0), $7, $8, $9, $10, $11, $11)
		ON CONFLICT (payment_request_id) DO NOTHING
	`, pay.PaymentRequestID, nullable(pay.AgentID), nullable(pay.Payer), pay.PayTo, pay.Asset,
		pay.Amount, pay.Scheme, pay.Network, nullable(pay.Resource), string(pay.Status), pay.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicatePayment
	}
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, paymentRequestID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT payment_request_id, COALESCE(agent_id, ''), COALESCE(payer, ''), pay_to, asset,
			amount, scheme, network, COALESCE(resource, ''), status,
			COALESCE(tx_hash, ''), COALESCE(failure_code, ''), created_at, updated_at
		FROM payments WHERE payment_request_id = $1
	`, paymentRequestID)
	return scanPayment(row)
}

// TransitionPayment locks the row, checks the lifecycle table, and applies
// the update in one transaction.
func (p *PostgresStore) TransitionPayment(ctx context.Context, paymentRequestID string, to Status, u Update) (*Payment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM payments WHERE payment_request_id = $1 FOR UPDATE`,
		paymentRequestID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if !validNext[Status(current)][to] {
		return nil, ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET
			status       = $2,
			payer        = COALESCE(NULLIF($3, ''), payer),
			tx_hash      = COALESCE(NULLIF($4, ''), tx_hash),
			failure_code = COALESCE(NULLIF($5, ''), failure_code),
			updated_at   = NOW()
		WHERE payment_request_id = $1
	`, paymentRequestID, string(to), u.Payer, u.TxHash, u.FailureCode)
	if err != nil {
		return nil, fmt.Errorf("failed to transition payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetPayment(ctx, paymentRequestID)
}

func (p *PostgresStore) ListPayments(ctx context.Context, f Filter) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payment_request_id, COALESCE(agent_id, ''), COALESCE(payer, ''), pay_to, asset,
			amount, scheme, network, COALESCE(resource, ''), status,
			COALESCE(tx_hash, ''), COALESCE(failure_code, ''), created_at, updated_at
		FROM payments
		WHERE ($1 = '' OR agent_id = $1)
		  AND ($2 = '' OR payer = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($5::TIMESTAMPTZ IS NULL OR (created_at, payment_request_id) < ($5, $6))
		ORDER BY created_at DESC, payment_request_id DESC
		LIMIT $4
	`, f.AgentID, f.Payer, string(f.Status), f.Limit, nullableTime(f.Before), f.BeforeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AgentSpend(ctx context.Context, agentID string, since time.Time) (*big.Int, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::TEXT FROM payments
		WHERE agent_id = $1 AND status = 'settled'
		  AND ($2::TIMESTAMPTZ IS NULL OR updated_at >= $2)
	`, agentID, nullableTime(since)).Scan(&sum)
	if err != nil {
		return nil, err
	}

	total, ok := new(big.Int).SetString(sum, 10)
	if !ok {
		return nil, fmt.Errorf("unparseable spend sum %q", sum)
	}
	return total, nil
}

func (p *PostgresStore) Append(ctx context.Context, a *Activity) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO payment_activity (payment_request_id, agent_id, event_type, amount, resource, tx_hash, created_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::NUMERIC(78,0), $5, $6, $7)
		RETURNING id
	`, a.PaymentRequestID, nullable(a.AgentID), a.EventType, a.Amount,
		nullable(a.Resource), nullable(a.TxHash), a.CreatedAt).Scan(&a.ID)
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Activity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payment_request_id, COALESCE(agent_id, ''), event_type,
			COALESCE(amount::TEXT, ''), COALESCE(resource, ''), COALESCE(tx_hash, ''), created_at
		FROM payment_activity
		WHERE ($1 = '' OR agent_id = $1)
		ORDER BY id DESC
		LIMIT $2
	`, f.AgentID, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.ID, &a.PaymentRequestID, &a.AgentID, &a.EventType,
			&a.Amount, &a.Resource, &a.TxHash, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	pay := &Payment{}
	var status string
	err := row.Scan(&pay.PaymentRequestID, &pay.AgentID, &pay.Payer, &pay.PayTo, &pay.Asset,
		&pay.Amount, &pay.Scheme, &pay.Network, &pay.Resource, &status,
		&pay.TxHash, &pay.FailureCode, &pay.CreatedAt, &pay.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	pay.Status = Status(status)
	return pay, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
