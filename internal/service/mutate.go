// internal/service/mutate.go
package service

import (
	"context"
	"errors"
	"fmt"

	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/repository"
)

const maxWriteAttempts = 5

// mutate loads a record, applies op and saves it when op reports a change.
// A stale version reloads and re-applies op, so a losing writer sees the
// winner's state and usually turns into a no-op.
func mutate[T any](
	ctx context.Context,
	load func(context.Context) (T, error),
	save func(context.Context, T) error,
	op func(T) (bool, error),
) (T, bool, error) {
	var zero T
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		record, err := load(ctx)
		if err != nil {
			return zero, false, err
		}

		changed, err := op(record)
		if err != nil {
			return record, false, err
		}
		if !changed {
			return record, false, nil
		}

		err = save(ctx, record)
		if errors.Is(err, repository.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return record, false, err
		}
		return record, true, nil
	}
	return zero, false, fmt.Errorf("gave up after %d attempts: %w", maxWriteAttempts, repository.ErrStaleVersion)
}

func updatePayment(ctx context.Context, store PaymentStore, id string, op func(*models.Payment) (bool, error)) (*models.Payment, bool, error) {
	return mutate(ctx,
		func(ctx context.Context) (*models.Payment, error) { return store.GetByID(ctx, id) },
		store.Update,
		op)
}

func updateOrder(ctx context.Context, store OrderStore, orderNumber string, op func(*models.Order) (bool, error)) (*models.Order, bool, error) {
	return mutate(ctx,
		func(ctx context.Context) (*models.Order, error) { return store.GetByNumber(ctx, orderNumber) },
		store.Update,
		op)
}
