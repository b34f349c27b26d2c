// internal/service/errors.go
package service

import (
	"errors"
	"fmt"

	"payment-reconciliation/internal/repository"
)

var (
	ErrUnauthenticated    = errors.New("callback could not be authenticated")
	ErrNotFound           = errors.New("not found")
	ErrUnknownProvider    = errors.New("unknown payment provider")
	ErrSweepInProgress    = errors.New("reconciliation already running")
	ErrPurchaseFailed     = errors.New("payment could not be started")
	ErrPackageUnavailable = errors.New("package is not available")
	// ErrPackageUnresolvable means a paid order has no package that can be
	// identified without guessing.
	ErrPackageUnresolvable = errors.New("package cannot be resolved for order")
	ErrOrderNotPaid        = errors.New("order is not paid")
	ErrInvalidRequest      = errors.New("invalid request")
)

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// notFound converts a repository miss into the service level error.
func notFound(what, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s: %w", what, key, ErrNotFound)
	}
	return err
}
