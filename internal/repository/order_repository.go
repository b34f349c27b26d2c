// internal/repository/order_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"payment-reconciliation/internal/models"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `
	order_number, user_id, package_ref, original_amount, discount_amount, final_amount,
	currency, status, payment_ref, transaction_id, created_at, updated_at, version`

func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	return createOrder(ctx, r.db, order)
}

func createOrder(ctx context.Context, db execer, order *models.Order) error {
	query := `
		INSERT INTO orders (` + orderColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
	`

	_, err := db.ExecContext(ctx, query,
		order.OrderNumber,
		order.UserID,
		nullInt64(order.PackageRef),
		order.OriginalAmount,
		order.DiscountAmount,
		order.FinalAmount,
		order.Currency,
		order.Status,
		nullString(order.PaymentRef),
		order.TransactionID,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}

	order.Version = 1
	return nil
}

func (r *OrderRepository) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, orderNumber)
}

func (r *OrderRepository) FindByPaymentRef(ctx context.Context, paymentID string) (*models.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1 LIMIT 1`, paymentID)
}

func (r *OrderRepository) Update(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders
		SET status = $1, payment_ref = $2, transaction_id = $3, updated_at = $4,
			version = version + 1
		WHERE order_number = $5 AND version = $6
	`

	res, err := r.db.ExecContext(ctx, query,
		order.Status,
		nullString(order.PaymentRef),
		order.TransactionID,
		order.UpdatedAt,
		order.OrderNumber,
		order.Version,
	)
	if err != nil {
		return mapError(err)
	}
	if err := checkVersioned(ctx, r.db, res,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)`, order.OrderNumber); err != nil {
		return err
	}

	order.Version++
	return nil
}

// ListPaidWithoutEntitlement finds paid orders updated in [from, to) that
// have no entitlement row.
func (r *OrderRepository) ListPaidWithoutEntitlement(ctx context.Context, from, to time.Time) ([]*models.Order, error) {
	query := `
		SELECT ` + prefixed("o", orderColumns) + `
		FROM orders o
		LEFT JOIN entitlements e ON e.order_number = o.order_number
		WHERE o.status = 'paid'
		  AND o.updated_at >= $1 AND o.updated_at < $2
		  AND e.id IS NULL
		ORDER BY o.updated_at
	`

	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (r *OrderRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return order, nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		order      models.Order
		packageRef sql.NullInt64
		paymentRef sql.NullString
	)

	err := row.Scan(
		&order.OrderNumber,
		&order.UserID,
		&packageRef,
		&order.OriginalAmount,
		&order.DiscountAmount,
		&order.FinalAmount,
		&order.Currency,
		&order.Status,
		&paymentRef,
		&order.TransactionID,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}

	order.PackageRef = int64Ptr(packageRef)
	order.PaymentRef = paymentRef.String
	return &order, nil
}
