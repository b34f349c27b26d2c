// internal/repository/payment_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"payment-reconciliation/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `
	id, order_reference, user_id, package_ref, amount, currency, status, provider,
	intent_id, gateway_transaction_id, description, payer_name, payer_email, payer_phone,
	failure_reason, notes, is_test, created_at, updated_at, completed_at, version`

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	return createPayment(ctx, r.db, payment)
}

func createPayment(ctx context.Context, db execer, payment *models.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, 1)
	`

	_, err := db.ExecContext(ctx, query,
		payment.ID,
		payment.OrderReference,
		payment.UserID,
		nullInt64(payment.PackageRef),
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.Provider,
		nullString(payment.IntentID),
		nullString(payment.GatewayTransactionID),
		payment.Description,
		payment.Payer.Name,
		payment.Payer.Email,
		payment.Payer.Phone,
		payment.FailureReason,
		payment.Notes,
		payment.IsTest,
		payment.CreatedAt,
		payment.UpdatedAt,
		payment.CompletedAt,
	)
	if err != nil {
		return mapError(err)
	}

	payment.Version = 1
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *PaymentRepository) FindByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_id = $1
		ORDER BY created_at DESC LIMIT 1`, intentID)
}

func (r *PaymentRepository) FindByTransactionID(ctx context.Context, txnID string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_transaction_id = $1
		ORDER BY created_at DESC LIMIT 1`, txnID)
}

// FindByOrderReference returns the most relevant attempt for an order: a
// completed one if any, otherwise the newest.
func (r *PaymentRepository) FindByOrderReference(ctx context.Context, orderReference string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_reference = $1
		ORDER BY (status = 'completed') DESC, created_at DESC LIMIT 1`, orderReference)
}

// Update writes the mutable columns if the row still has payment.Version.
func (r *PaymentRepository) Update(ctx context.Context, payment *models.Payment) error {
	query := `
		UPDATE payments
		SET status = $1, provider = $2, intent_id = $3, gateway_transaction_id = $4,
			failure_reason = $5, notes = $6, updated_at = $7, completed_at = $8,
			package_ref = $9, version = version + 1
		WHERE id = $10 AND version = $11
	`

	res, err := r.db.ExecContext(ctx, query,
		payment.Status,
		payment.Provider,
		nullString(payment.IntentID),
		nullString(payment.GatewayTransactionID),
		payment.FailureReason,
		payment.Notes,
		payment.UpdatedAt,
		payment.CompletedAt,
		nullInt64(payment.PackageRef),
		payment.ID,
		payment.Version,
	)
	if err != nil {
		return mapError(err)
	}
	if err := checkVersioned(ctx, r.db, res, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, payment.ID); err != nil {
		return err
	}

	payment.Version++
	return nil
}

// ListCompletedWithoutPaidOrder finds completed payments updated in
// [from, to) whose order is missing, unlinked or not yet paid.
func (r *PaymentRepository) ListCompletedWithoutPaidOrder(ctx context.Context, from, to time.Time) ([]*models.Payment, error) {
	query := `
		SELECT ` + prefixed("p", paymentColumns) + `
		FROM payments p
		LEFT JOIN orders o ON o.order_number = p.order_reference
		WHERE p.status = 'completed'
		  AND p.updated_at >= $1 AND p.updated_at < $2
		  AND (o.order_number IS NULL
			   OR o.payment_ref IS NULL
			   OR (o.payment_ref = p.id AND o.status NOT IN ('paid', 'processing', 'completed')))
		ORDER BY p.updated_at
	`
	return r.list(ctx, query, from, to)
}

// ListByStatus returns payments in any of statuses updated in [from, to).
func (r *PaymentRepository) ListByStatus(ctx context.Context, statuses []models.PaymentStatus, from, to time.Time) ([]*models.Payment, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = ANY($1) AND updated_at >= $2 AND updated_at < $3
		ORDER BY updated_at`
	return r.list(ctx, query, pq.Array(names), from, to)
}

func (r *PaymentRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Payment, error) {
	payment, err := scanPayment(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return payment, nil
}

func (r *PaymentRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		payment     models.Payment
		packageRef  sql.NullInt64
		intentID    sql.NullString
		txnID       sql.NullString
		completedAt sql.NullTime
	)

	err := row.Scan(
		&payment.ID,
		&payment.OrderReference,
		&payment.UserID,
		&packageRef,
		&payment.Amount,
		&payment.Currency,
		&payment.Status,
		&payment.Provider,
		&intentID,
		&txnID,
		&payment.Description,
		&payment.Payer.Name,
		&payment.Payer.Email,
		&payment.Payer.Phone,
		&payment.FailureReason,
		&payment.Notes,
		&payment.IsTest,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&completedAt,
		&payment.Version,
	)
	if err != nil {
		return nil, err
	}

	payment.PackageRef = int64Ptr(packageRef)
	payment.IntentID = intentID.String
	payment.GatewayTransactionID = txnID.String
	if completedAt.Valid {
		t := completedAt.Time
		payment.CompletedAt = &t
	}
	return &payment, nil
}
