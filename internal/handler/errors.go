// internal/handler/errors.go
package handler

import (
	"errors"
	"net/http"

	"payment-reconciliation/internal/gateway"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/service"
	"payment-reconciliation/internal/webhook"
)

// statusFor maps service errors onto HTTP statuses. For webhooks anything
// other than 2xx makes the gateway retry the delivery.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, webhook.ErrMalformed), errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPackageUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, service.ErrSweepInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrPurchaseFailed):
		return http.StatusBadGateway
	}

	switch gateway.KindOf(err) {
	case gateway.Transient:
		return http.StatusServiceUnavailable
	case gateway.Protocol:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
