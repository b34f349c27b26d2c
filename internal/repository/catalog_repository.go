// internal/repository/catalog_repository.go
package repository

import (
	"context"
	"database/sql"

	"payment-reconciliation/internal/models"
)

type PackageRepository struct {
	db *sql.DB
}

func NewPackageRepository(db *sql.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

func (r *PackageRepository) GetByID(ctx context.Context, id int64) (*models.ServicePackage, error) {
	query := `
		SELECT id, name, price, currency, max_analyses, validity_days, is_active
		FROM service_packages WHERE id = $1
	`

	pkg := &models.ServicePackage{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&pkg.ID,
		&pkg.Name,
		&pkg.Price,
		&pkg.Currency,
		&pkg.MaxAnalyses,
		&pkg.ValidityDays,
		&pkg.IsActive,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return pkg, nil
}

type EntitlementRepository struct {
	db *sql.DB
}

func NewEntitlementRepository(db *sql.DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// Create returns ErrDuplicate when the order already has an entitlement.
func (r *EntitlementRepository) Create(ctx context.Context, e *models.Entitlement) error {
	query := `
		INSERT INTO entitlements (
			id, order_number, user_id, package_id, payment_id,
			starts_at, ends_at, max_analyses, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.OrderNumber,
		e.UserID,
		e.PackageID,
		e.PaymentID,
		e.StartsAt,
		e.EndsAt,
		e.MaxAnalyses,
		e.CreatedAt,
	)
	return mapError(err)
}

func (r *EntitlementRepository) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Entitlement, error) {
	query := `
		SELECT id, order_number, user_id, package_id, payment_id,
			   starts_at, ends_at, max_analyses, created_at
		FROM entitlements WHERE order_number = $1
	`

	e := &models.Entitlement{}
	err := r.db.QueryRowContext(ctx, query, orderNumber).Scan(
		&e.ID,
		&e.OrderNumber,
		&e.UserID,
		&e.PackageID,
		&e.PaymentID,
		&e.StartsAt,
		&e.EndsAt,
		&e.MaxAnalyses,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return e, nil
}
