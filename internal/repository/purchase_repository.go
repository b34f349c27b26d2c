// internal/repository/purchase_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"payment-reconciliation/internal/models"
)

// PurchaseRepository writes the two sides of a new purchase atomically.
type PurchaseRepository struct {
	db *sql.DB
}

func NewPurchaseRepository(db *sql.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

func (r *PurchaseRepository) CreatePaymentAndOrder(ctx context.Context, payment *models.Payment, order *models.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := createPayment(ctx, tx, payment); err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	if err := createOrder(ctx, tx, order); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purchase: %w", err)
	}
	return nil
}
